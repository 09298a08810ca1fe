package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbtrader/internal/exchange"
	"arbtrader/internal/models"
	"arbtrader/pkg/retry"
	"arbtrader/pkg/utils"
)

// ============================================================
// Arbitrage Cycle Orchestrator
// ============================================================
//
// Один оркестратор на ключ (символ, площадка покупки, площадка продажи).
// Цикл: INIT -> CANCEL_OPEN_ORDERS -> TRAILING_BUY -> AWAITING_BUY_FILL ->
// AWAITING_BALANCE_CONFIRMATION -> [PRE_SELL_DELAY] -> SELLING -> AWAITING_SELL_FILL ->
// COMPLETED | FAILED
//
// Количество продажи берётся из подтверждённого прироста баланса, усечённого
// до шага площадки продажи, и никогда не превышает подтверждённое.

var (
	// ErrQuantityConservation - количество продажи превысило бы подтверждённую покупку
	ErrQuantityConservation = errors.New("quantity conservation violation")
	// ErrCycleCancelled - цикл снят сигналом выхода до покупки
	ErrCycleCancelled = errors.New("cycle cancelled by exit signal")
	// ErrFillTimeout - площадка не подтвердила исполнение вовремя
	ErrFillTimeout = errors.New("fill confirmation timeout")
	// ErrBalanceNotConfirmed - баланс не стабилизировался вовремя
	ErrBalanceNotConfirmed = errors.New("balance not confirmed")
)

// QuantityConservationError - нарушение сохранения количества между ногами
type QuantityConservationError struct {
	Symbol       string
	Confirmed    float64
	Reported     float64
	SellQuantity float64
}

func (e *QuantityConservationError) Error() string {
	return fmt.Sprintf("%s: sell quantity %.8f vs confirmed %.8f (reported %.8f)",
		e.Symbol, e.SellQuantity, e.Confirmed, e.Reported)
}

func (e *QuantityConservationError) Is(target error) bool { return target == ErrQuantityConservation }

// CycleError - провал цикла: фаза и оставшаяся позиция
type CycleError struct {
	Key      models.CycleKey
	Phase    models.CyclePhase
	Exposure float64
	Err      error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle %s failed in %s (exposure %.8f): %v", e.Key, e.Phase, e.Exposure, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// SellQuantity усекает min(подтверждённое, исполненное) до шага продажи.
// Результат <= 0 или больше подтверждённого - нарушение сохранения количества.
// Подтверждённое - разность балансов, сравнение идёт с допуском utils.QtyEpsilon.
func SellQuantity(symbol string, confirmed, reported, step float64) (float64, error) {
	qty := utils.RoundToLotSize(utils.Min(confirmed, reported), step)
	if qty <= 0 || qty > confirmed+utils.QtyEpsilon {
		return 0, &QuantityConservationError{
			Symbol:       symbol,
			Confirmed:    confirmed,
			Reported:     reported,
			SellQuantity: qty,
		}
	}
	return qty, nil
}

// ============ Конфигурация ============

// CycleConfig - параметры цикла
type CycleConfig struct {
	TradeSizeQuote        float64
	Trailing              TrailingConfig
	BuyFillTimeout        time.Duration
	SellFillTimeout       time.Duration
	BalanceConfirmTimeout time.Duration
	BalanceDebounce       time.Duration
	PreSellDelay          time.Duration // 0 - без паузы
	FallbackFillDelay     time.Duration // для площадок без события исполнения
	BalanceRetry          retry.Config
	SellRetry             retry.Config
}

// DefaultCycleConfig возвращает конфигурацию по умолчанию
func DefaultCycleConfig() CycleConfig {
	sell := retry.DefaultConfig()
	sell.MaxRetries = 3
	return CycleConfig{
		TradeSizeQuote:        20,
		Trailing:              TrailingConfig{LiquidityOffset: 100},
		BuyFillTimeout:        2 * time.Minute,
		SellFillTimeout:       10 * time.Second,
		BalanceConfirmTimeout: 5 * time.Second,
		BalanceDebounce:       150 * time.Millisecond,
		FallbackFillDelay:     time.Second,
		BalanceRetry:          retry.BalanceQueryConfig(),
		SellRetry:             sell,
	}
}

// CycleLeg - площадка ноги и роутер её событий
type CycleLeg struct {
	Venue  exchange.Venue
	Router *EventRouter
}

// ============ Orchestrator ============

// Orchestrator владеет CycleState своего ключа; состояние меняется только им.
type Orchestrator struct {
	key    models.CycleKey
	buy    CycleLeg
	sell   CycleLeg
	limits *LimitsCache
	cfg    CycleConfig
	log    *utils.Logger
	now    func() time.Time

	mu             sync.Mutex
	state          models.CycleState
	estimated      bool // выручка оценена без события исполнения
	cancelTrailing context.CancelCauseFunc
}

func NewOrchestrator(key models.CycleKey, buy, sell CycleLeg, limits *LimitsCache, cfg CycleConfig, log *utils.Logger, now func() time.Time) *Orchestrator {
	if log == nil {
		log = utils.L()
	}
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		key:    key,
		buy:    buy,
		sell:   sell,
		limits: limits,
		cfg:    cfg,
		log:    log.WithCycle(key.Symbol, key.BuyVenue, key.SellVenue),
		now:    now,
		state:  models.CycleState{Key: key},
	}
}

func (o *Orchestrator) Key() models.CycleKey { return o.key }

// TryBegin атомарно занимает оркестратор (inProgress=true).
// false - цикл по ключу уже идёт.
func (o *Orchestrator) TryBegin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.InProgress {
		return false
	}
	o.state = models.CycleState{
		Key:        o.key,
		Phase:      models.PhaseInit,
		InProgress: true,
		StartedAt:  o.now(),
	}
	o.estimated = false
	ActiveCycles.Inc()
	return true
}

// InProgress - идёт ли цикл
func (o *Orchestrator) InProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.InProgress
}

// Snapshot возвращает копию состояния идущего цикла
func (o *Orchestrator) Snapshot() (models.CycleState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.state.InProgress
}

// CancelIfTrailing снимает цикл, если он ещё в TRAILING_BUY.
// Более поздние фазы доводятся до конца.
func (o *Orchestrator) CancelIfTrailing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.InProgress || o.state.Phase != models.PhaseTrailingBuy || o.cancelTrailing == nil {
		return false
	}
	o.cancelTrailing(ErrCycleCancelled)
	return true
}

// Run выполняет цикл, занятый TryBegin. До возврата inProgress снимается.
// Ошибка - *CycleError с фазой отказа и оставшейся позицией.
func (o *Orchestrator) Run(ctx context.Context) (models.CycleOutcome, error) {
	if !o.InProgress() {
		return models.CycleOutcome{}, errors.New("cycle not started")
	}
	err := o.run(ctx)
	return o.finish(err)
}

func (o *Orchestrator) update(fn func(s *models.CycleState)) {
	o.mu.Lock()
	fn(&o.state)
	o.mu.Unlock()
}

func (o *Orchestrator) phase() models.CyclePhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Phase
}

func (o *Orchestrator) transition(to models.CyclePhase) error {
	o.mu.Lock()
	from := o.state.Phase
	if !CanTransition(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("invalid phase transition %s -> %s", from, to)
	}
	o.state.Phase = to
	o.mu.Unlock()

	PhaseTransitions.WithLabelValues(string(to)).Inc()
	o.log.Info("cycle phase", utils.Phase(string(to)), zap.String("from", string(from)))
	return nil
}

func (o *Orchestrator) run(ctx context.Context) error {
	symbol := o.key.Symbol
	base := utils.ExtractBaseCurrency(symbol)

	// подписки до любых действий: события исполнения и баланса не теряются
	books, unsubBooks := o.buy.Router.Books(symbol)
	defer unsubBooks()
	buyOrders, unsubBuy := o.buy.Router.Orders(symbol)
	defer unsubBuy()
	balances, unsubBalances := o.buy.Router.Balances(base)
	defer unsubBalances()
	sellOrders, unsubSell := o.sell.Router.Orders(symbol)
	defer unsubSell()

	// ============ INIT ============
	buyLimits, err := o.limits.Get(ctx, o.key.BuyVenue, symbol)
	if err != nil {
		return err
	}
	sellLimits, err := o.limits.Get(ctx, o.key.SellVenue, symbol)
	if err != nil {
		return err
	}

	baseline, err := retry.DoWithResult(ctx, func() (float64, error) {
		return o.buy.Venue.GetBalance(ctx, base)
	}, o.cfg.BalanceRetry)
	if err != nil {
		return fmt.Errorf("baseline balance: %w", err)
	}
	o.update(func(s *models.CycleState) { s.BaselineBalance = baseline })

	// ============ CANCEL_OPEN_ORDERS ============
	if err := o.transition(models.PhaseCancelOpenOrders); err != nil {
		return err
	}
	if err := o.buy.Venue.CancelAllOrders(ctx, symbol); err != nil {
		return fmt.Errorf("cancel open orders: %w", err)
	}

	// ============ TRAILING_BUY ============
	if err := o.transition(models.PhaseTrailingBuy); err != nil {
		return err
	}
	bought, err := o.trailingBuy(ctx, books, buyOrders, buyLimits)
	o.update(func(s *models.CycleState) {
		s.ReportedBuyQuantity = bought.FilledQuantity
		s.EntryPrice = bought.AveragePrice
		s.BuyFill = bought.Fill
	})
	if err != nil {
		return err
	}

	// ============ AWAITING_BUY_FILL ============
	if err := o.transition(models.PhaseAwaitingBuyFill); err != nil {
		return err
	}
	fillLocal := bought.Fill.Local
	if fillLocal.IsZero() {
		fillLocal = o.now()
		o.update(func(s *models.CycleState) { s.BuyFill.Local = fillLocal })
	}
	o.log.Info("buy filled",
		utils.Quantity(bought.FilledQuantity),
		utils.Price(bought.AveragePrice),
		zap.Time("server_ts", bought.Fill.Server))

	// ============ AWAITING_BALANCE_CONFIRMATION ============
	if err := o.transition(models.PhaseAwaitingBalance); err != nil {
		return err
	}
	stable, err := o.awaitStableBalance(ctx, balances, fillLocal)
	if err != nil {
		return err
	}
	confirmed := stable - baseline
	if confirmed > 0 {
		o.update(func(s *models.CycleState) { s.ConfirmedBaseQuantity = confirmed })
	}

	sellQty, err := SellQuantity(symbol, confirmed, bought.FilledQuantity, sellLimits.QtyStep)
	if err != nil {
		return err
	}
	if err := ValidateOrder(sellLimits, sellQty, 0); err != nil {
		return err
	}
	o.update(func(s *models.CycleState) { s.SellQuantity = sellQty })

	// ============ PRE_SELL_DELAY ============
	if o.cfg.PreSellDelay > 0 {
		if err := o.transition(models.PhasePreSellDelay); err != nil {
			return err
		}
		if err := sleepCtx(ctx, o.cfg.PreSellDelay); err != nil {
			return err
		}
	}

	// ============ SELLING ============
	if err := o.transition(models.PhaseSelling); err != nil {
		return err
	}
	sellID := exchange.NewCorrelationID()
	sellRetry := o.cfg.SellRetry
	// повтор только при обрыве транспорта: после таймаута состояние ордера неизвестно
	sellRetry.RetryIf = func(err error) bool { return errors.Is(err, exchange.ErrConnection) }
	placed, err := retry.DoWithResult(ctx, func() (*exchange.OrderResult, error) {
		return o.sell.Venue.PlaceOrder(ctx, exchange.OrderRequest{
			CorrelationID: sellID,
			Symbol:        symbol,
			Side:          exchange.SideSell,
			Type:          exchange.OrderTypeMarket,
			Quantity:      sellQty,
		})
	}, sellRetry)
	if err != nil {
		return fmt.Errorf("market sell: %w", err)
	}

	// ============ AWAITING_SELL_FILL ============
	if err := o.transition(models.PhaseAwaitingSellFill); err != nil {
		return err
	}
	if o.sell.Venue.SupportsFillEvents() {
		return o.awaitSellFill(ctx, sellOrders, sellID, placed.ExchangeOrderID, sellQty, sellLimits)
	}
	return o.assumeSellFill(ctx, placed, sellQty)
}

// trailingBuy запускает трейлинг с отменой по сигналу выхода и таймаутом покупки
func (o *Orchestrator) trailingBuy(ctx context.Context, books <-chan exchange.OrderBook, orders <-chan exchange.OrderUpdate, limits *exchange.Limits) (TrailingResult, error) {
	trailCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.mu.Lock()
	o.cancelTrailing = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelTrailing = nil
		o.mu.Unlock()
	}()

	runCtx, stop := context.WithTimeout(trailCtx, o.cfg.BuyFillTimeout)
	defer stop()

	trailing := NewTrailingOrder(TrailingParams{
		Venue:       o.buy.Venue,
		Symbol:      o.key.Symbol,
		Side:        exchange.SideBuy,
		QuoteBudget: o.cfg.TradeSizeQuote,
		Limits:      limits,
		Config:      o.cfg.Trailing,
		Books:       books,
		Orders:      orders,
		Logger:      o.log,
	})

	res, err := trailing.Run(runCtx)
	if err == nil {
		return res, nil
	}
	if cause := context.Cause(trailCtx); errors.Is(cause, ErrCycleCancelled) {
		return res, ErrCycleCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("buy not filled within %v: %w", o.cfg.BuyFillTimeout, ErrFillTimeout)
	}
	return res, err
}

// awaitStableBalance ждёт, пока обновления баланса затихнут на окно debounce.
// Стабильное значение - Total последнего обновления.
//
// Обновление, полученное раньше freshAfter (частичное исполнение трейлинга,
// оставшееся в канале), окно не запускает. Оно принимается только по таймауту,
// если более поздних обновлений не было.
func (o *Orchestrator) awaitStableBalance(ctx context.Context, balances <-chan exchange.BalanceUpdate, freshAfter time.Time) (float64, error) {
	deadline := time.NewTimer(o.cfg.BalanceConfirmTimeout)
	defer deadline.Stop()

	debounce := time.NewTimer(o.cfg.BalanceDebounce)
	debounce.Stop()
	defer debounce.Stop()

	var (
		last    float64
		updates int
		settled <-chan time.Time
		early   *exchange.BalanceUpdate
	)

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()

		case <-deadline.C:
			if updates == 0 && early != nil {
				o.log.Warn("balance confirmed from update received before buy fill",
					zap.Float64("total", early.Total), zap.Time("received", early.LocalTime))
				return early.Total, nil
			}
			return 0, fmt.Errorf("%w: %d updates within %v", ErrBalanceNotConfirmed, updates, o.cfg.BalanceConfirmTimeout)

		case u := <-balances:
			if u.LocalTime.Before(freshAfter) {
				early = &u
				continue
			}
			last = u.Total
			updates++
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(o.cfg.BalanceDebounce)
			settled = debounce.C

		case <-settled:
			o.log.Debug("balance stable", zap.Float64("total", last), zap.Int("updates", updates))
			return last, nil
		}
	}
}

// awaitSellFill ждёт финальное событие ордера продажи
func (o *Orchestrator) awaitSellFill(ctx context.Context, orders <-chan exchange.OrderUpdate, clientID, orderID string, qty float64, limits *exchange.Limits) error {
	timer := time.NewTimer(o.cfg.SellFillTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return fmt.Errorf("sell not confirmed within %v: %w", o.cfg.SellFillTimeout, ErrFillTimeout)

		case u := <-orders:
			if u.ClientOrderID != clientID && (orderID == "" || u.OrderID != orderID) {
				continue
			}
			if u.FilledQty > 0 {
				o.update(func(s *models.CycleState) {
					s.SoldQuantity = u.FilledQty
					if u.AvgPrice > 0 {
						s.ExitPrice = u.AvgPrice
					}
					s.SellFill = models.FillTimestamp{Server: u.ServerTime, Local: u.LocalTime}
				})
			}
			if !exchange.IsFinal(u.Status) {
				continue
			}

			eps := 1e-12
			if limits != nil && limits.QtyStep > 0 {
				eps = limits.QtyStep / 2
			}
			if u.FilledQty < qty-eps {
				return fmt.Errorf("sell %s with %.8f of %.8f filled", u.Status, u.FilledQty, qty)
			}
			return nil
		}
	}
}

// assumeSellFill - запасной путь для площадок без события исполнения:
// фиксированная пауза, выручка оценивается
func (o *Orchestrator) assumeSellFill(ctx context.Context, placed *exchange.OrderResult, qty float64) error {
	if err := sleepCtx(ctx, o.cfg.FallbackFillDelay); err != nil {
		return err
	}

	price := placed.Price
	if price <= 0 {
		if tickers, err := o.sell.Venue.GetTickers(ctx, []string{o.key.Symbol}); err == nil && len(tickers) > 0 {
			price = tickers[0].BidPrice
		}
	}

	o.mu.Lock()
	o.state.SoldQuantity = qty
	o.state.ExitPrice = price
	o.state.SellFill = models.FillTimestamp{Local: o.now()}
	o.estimated = true
	o.mu.Unlock()

	o.log.Warn("sell fill assumed after fixed delay",
		utils.Quantity(qty), utils.Price(price), zap.Duration("delay", o.cfg.FallbackFillDelay))
	return nil
}

// finish переводит цикл в терминальную фазу, снимает inProgress и строит итог
func (o *Orchestrator) finish(runErr error) (models.CycleOutcome, error) {
	if runErr == nil {
		if err := o.transition(models.PhaseCompleted); err != nil {
			runErr = err
		}
	}

	failedPhase := o.phase()
	if runErr != nil && failedPhase == models.PhaseTrailingBuy {
		o.cleanupBuyVenue()
	}

	o.mu.Lock()
	s := o.state
	out := models.CycleOutcome{
		Key:               o.key,
		BoughtQuantity:    utils.Max(s.ReportedBuyQuantity, s.ConfirmedBaseQuantity),
		SoldQuantity:      s.SoldQuantity,
		EntryPrice:        s.EntryPrice,
		ExitPrice:         s.ExitPrice,
		CostQuote:         s.SoldQuantity * s.EntryPrice,
		ProceedsQuote:     s.SoldQuantity * s.ExitPrice,
		ProceedsEstimated: o.estimated,
		Exposure:          s.Exposure(),
		StartedAt:         s.StartedAt,
		FinishedAt:        o.now(),
	}
	if runErr == nil {
		out.Success = true
		if !s.SellFill.Server.IsZero() && !s.BuyFill.Server.IsZero() {
			out.ServerLatency = s.SellFill.Server.Sub(s.BuyFill.Server)
		}
		if !s.SellFill.Local.IsZero() && !s.BuyFill.Local.IsZero() {
			out.LocalLatency = s.SellFill.Local.Sub(s.BuyFill.Local)
		}
	} else {
		out.FailedPhase = failedPhase
		out.Error = runErr.Error()
	}
	// состояние уничтожается вместе с циклом
	o.state = models.CycleState{Key: o.key}
	o.mu.Unlock()

	ActiveCycles.Dec()
	RecordCycle(out)

	if runErr == nil {
		o.log.Info("cycle completed",
			zap.Float64("bought", out.BoughtQuantity),
			zap.Float64("sold", out.SoldQuantity),
			zap.Float64("residual", out.Exposure),
			zap.Float64("pnl", out.PnL()),
			zap.Bool("estimated", out.ProceedsEstimated),
			zap.Duration("server_latency", out.ServerLatency),
			zap.Duration("local_latency", out.LocalLatency))
		return out, nil
	}

	fields := []zap.Field{
		utils.Phase(string(failedPhase)),
		zap.Float64("exposure", out.Exposure),
		zap.Error(runErr),
	}
	if errors.Is(runErr, ErrQuantityConservation) || out.Exposure > 0 {
		fields = append(fields, utils.Alert())
	}
	o.log.Error("cycle failed", fields...)

	return out, &CycleError{Key: o.key, Phase: failedPhase, Exposure: out.Exposure, Err: runErr}
}

// cleanupBuyVenue снимает ордера, чей статус мог остаться неизвестным после таймаута
func (o *Orchestrator) cleanupBuyVenue() {
	ctx, cancel := context.WithTimeout(context.Background(), cancelRestingTimeout)
	defer cancel()
	if err := o.buy.Venue.CancelAllOrders(ctx, o.key.Symbol); err != nil {
		o.log.Warn("cleanup cancel-all failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
