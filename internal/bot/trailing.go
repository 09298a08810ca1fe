package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"arbtrader/internal/exchange"
	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

const (
	// cancelRestingTimeout - отмена висящего ордера после остановки трейлинга
	cancelRestingTimeout = 5 * time.Second
	// cancelDrainTimeout - ожидание финального события снятого ордера
	cancelDrainTimeout = 2 * time.Second
)

// TrailingConfig - параметры трейлинга
type TrailingConfig struct {
	LiquidityOffset float64 // глубина в котируемой валюте перед целевым уровнем
	TickTolerance   float64 // разница цен, при которой ордер не двигается
}

// TrailingResult - итог трейлинга, в том числе частичный при отмене
type TrailingResult struct {
	FilledQuantity float64
	AveragePrice   float64
	Fill           models.FillTimestamp // последнее исполнение
	Placed         int
	Amended        int
}

// TargetPrice проходит уровни своей стороны стакана от лучшего вглубь, накапливая
// глубину в котируемой валюте, и возвращает цену первого уровня, на котором
// накопленная глубина превысила offset. Если offset не превышен - самый глубокий уровень.
func TargetPrice(book exchange.OrderBook, side string, offset float64) (float64, bool) {
	levels := book.Bids
	if side == exchange.SideSell {
		levels = book.Asks
	}
	if len(levels) == 0 {
		return 0, false
	}

	var cumulative float64
	for _, l := range levels {
		cumulative += l.Price * l.Volume
		if cumulative > offset {
			return l.Price, true
		}
	}
	return levels[len(levels)-1].Price, true
}

// trackedOrder - один размещённый трейлингом ордер
type trackedOrder struct {
	clientID string
	orderID  string
	price    float64
	filled   float64 // накопленное исполнение
	avgPrice float64
	final    bool
}

// TrailingOrder держит лимитный ордер на целевом уровне стакана и двигает его
// за рынком до полного исполнения.
//
// Алгоритм level-triggered: неудачное размещение или изменение повторяется
// на следующем обновлении стакана. Все события приходят в одну горутину Run.
type TrailingOrder struct {
	venue       exchange.Venue
	symbol      string
	side        string
	quoteBudget float64
	limits      *exchange.Limits
	cfg         TrailingConfig
	books       <-chan exchange.OrderBook
	orders      <-chan exchange.OrderUpdate
	log         *utils.Logger

	quantity float64 // базовое количество, фиксируется на первом стакане
	resting  *trackedOrder
	tracked  map[string]*trackedOrder // по clientID
	last     models.FillTimestamp
	placed   int
	amended  int
}

// TrailingParams - зависимости трейлинга
type TrailingParams struct {
	Venue       exchange.Venue
	Symbol      string
	Side        string
	QuoteBudget float64 // объём в котируемой валюте
	Limits      *exchange.Limits
	Config      TrailingConfig
	Books       <-chan exchange.OrderBook
	Orders      <-chan exchange.OrderUpdate
	Logger      *utils.Logger
}

func NewTrailingOrder(p TrailingParams) *TrailingOrder {
	if p.Logger == nil {
		p.Logger = utils.L()
	}
	if p.Limits == nil {
		p.Limits = &exchange.Limits{Symbol: p.Symbol}
	}
	return &TrailingOrder{
		venue:       p.Venue,
		symbol:      p.Symbol,
		side:        p.Side,
		quoteBudget: p.QuoteBudget,
		limits:      p.Limits,
		cfg:         p.Config,
		books:       p.Books,
		orders:      p.Orders,
		log:         p.Logger.WithComponent("trailing"),
		tracked:     make(map[string]*trackedOrder),
	}
}

// Run работает до полного исполнения, фатальной ошибки или отмены ctx.
// При отмене висящий ордер снимается, результат содержит частичное исполнение.
func (t *TrailingOrder) Run(ctx context.Context) (TrailingResult, error) {
	for {
		select {
		case <-ctx.Done():
			t.cancelResting()
			return t.result(), ctx.Err()

		case ob := <-t.books:
			if err := t.onBook(ctx, ob); err != nil {
				t.cancelResting()
				return t.result(), err
			}

		case u := <-t.orders:
			if t.onOrder(u) {
				res := t.result()
				t.log.Info("trailing order filled",
					utils.Symbol(t.symbol),
					utils.Quantity(res.FilledQuantity),
					utils.Price(res.AveragePrice),
					zap.Int("placed", t.placed),
					zap.Int("amended", t.amended))
				return res, nil
			}
		}
	}
}

func (t *TrailingOrder) onBook(ctx context.Context, ob exchange.OrderBook) error {
	target, ok := TargetPrice(ob, t.side, t.cfg.LiquidityOffset)
	if !ok {
		return nil
	}
	target = utils.RoundToTick(target, t.limits.PriceStep)

	if t.quantity == 0 {
		qty := utils.RoundToLotSize(t.quoteBudget/target, t.limits.QtyStep)
		if err := ValidateOrder(t.limits, qty, target); err != nil {
			return err
		}
		t.quantity = qty
	}

	if t.resting == nil {
		return t.place(ctx, target)
	}
	if utils.Abs(target-t.resting.price) > t.cfg.TickTolerance {
		t.amend(ctx, target)
	}
	return nil
}

func (t *TrailingOrder) place(ctx context.Context, price float64) error {
	remaining := utils.RoundToLotSize(t.quantity-t.filledTotal(), t.limits.QtyStep)
	if remaining <= 0 || remaining < t.limits.MinOrderQty {
		return nil
	}

	o := &trackedOrder{clientID: exchange.NewCorrelationID(), price: price}
	// регистрация до отправки: событие исполнения может обогнать ответ
	t.tracked[o.clientID] = o

	res, err := t.venue.PlaceOrder(ctx, exchange.OrderRequest{
		CorrelationID: o.clientID,
		Symbol:        t.symbol,
		Side:          t.side,
		Type:          exchange.OrderTypeLimit,
		Price:         price,
		Quantity:      remaining,
	})
	if err != nil {
		if errors.Is(err, exchange.ErrOrderRejected) || errors.Is(err, exchange.ErrRequestTimeout) {
			return fmt.Errorf("place trailing order: %w", err)
		}
		// транспорт: повтор на следующем стакане
		delete(t.tracked, o.clientID)
		t.log.Warn("trailing place failed, retry on next book", utils.Symbol(t.symbol), zap.Error(err))
		return nil
	}

	o.orderID = res.ExchangeOrderID
	t.placed++
	t.resting = o
	t.log.Debug("trailing order placed",
		utils.Symbol(t.symbol), utils.Price(price), utils.Quantity(remaining), utils.OrderID(o.orderID))
	return nil
}

func (t *TrailingOrder) amend(ctx context.Context, price float64) {
	o := t.resting
	_, err := t.venue.ModifyOrder(ctx, exchange.ModifyRequest{
		Symbol:  t.symbol,
		OrderID: o.orderID,
		Price:   price,
	})
	if err != nil {
		// ордер мог исполниться между стаканами: итог придёт событием
		t.log.Debug("trailing amend failed, retry on next book", utils.Symbol(t.symbol), zap.Error(err))
		return
	}
	o.price = price
	t.amended++
}

// onOrder возвращает true, когда исполнено всё количество
func (t *TrailingOrder) onOrder(u exchange.OrderUpdate) bool {
	o, ok := t.tracked[u.ClientOrderID]
	if !ok && t.resting != nil && u.OrderID != "" && u.OrderID == t.resting.orderID {
		o, ok = t.resting, true
	}
	if !ok || o.final {
		return false
	}

	if o.orderID == "" {
		o.orderID = u.OrderID
	}
	if u.FilledQty > o.filled {
		o.filled = u.FilledQty
		if u.AvgPrice > 0 {
			o.avgPrice = u.AvgPrice
		} else {
			o.avgPrice = o.price
		}
		t.last = models.FillTimestamp{Server: u.ServerTime, Local: u.LocalTime}
	}

	if exchange.IsFinal(u.Status) {
		o.final = true
		if t.resting == o {
			t.resting = nil
		}
		if u.Status == exchange.OrderStatusFilled {
			return true
		}
		t.log.Info("trailing order closed by venue, re-place remaining",
			utils.Symbol(t.symbol), zap.String("status", u.Status), utils.Quantity(o.filled))
	}

	return t.quantity > 0 && t.filledTotal() >= t.quantity-t.lotEpsilon()
}

func (t *TrailingOrder) lotEpsilon() float64 {
	if t.limits.QtyStep > 0 {
		return t.limits.QtyStep / 2
	}
	return 1e-12
}

func (t *TrailingOrder) filledTotal() float64 {
	var total float64
	for _, o := range t.tracked {
		total += o.filled
	}
	return total
}

func (t *TrailingOrder) result() TrailingResult {
	prices := make([]float64, 0, len(t.tracked))
	qtys := make([]float64, 0, len(t.tracked))
	for _, o := range t.tracked {
		if o.filled > 0 {
			prices = append(prices, o.avgPrice)
			qtys = append(qtys, o.filled)
		}
	}
	return TrailingResult{
		FilledQuantity: t.filledTotal(),
		AveragePrice:   utils.CalculateWeightedAverage(prices, qtys),
		Fill:           t.last,
		Placed:         t.placed,
		Amended:        t.amended,
	}
}

// cancelResting снимает висящий ордер. Контекст цикла к этому моменту может быть отменён.
// Исполнения, случившиеся до отмены, могут прийти позже ответа на неё, поэтому
// после отмены события ордера вычитываются до финального статуса.
func (t *TrailingOrder) cancelResting() {
	o := t.resting
	if o == nil || o.orderID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelRestingTimeout)
	defer cancel()

	if _, err := t.venue.CancelOrder(ctx, exchange.CancelRequest{
		Symbol:  t.symbol,
		OrderID: o.orderID,
	}); err != nil {
		t.log.Warn("failed to cancel trailing order",
			utils.Symbol(t.symbol), utils.OrderID(o.orderID), zap.Error(err))
		return
	}
	t.drainCancelled(o)
	t.resting = nil
}

// drainCancelled применяет события снятого ордера, пока он не станет финальным
func (t *TrailingOrder) drainCancelled(o *trackedOrder) {
	timer := time.NewTimer(cancelDrainTimeout)
	defer timer.Stop()

	for !o.final {
		select {
		case u := <-t.orders:
			t.onOrder(u)
		case <-timer.C:
			t.log.Warn("no final event for cancelled trailing order",
				utils.Symbol(t.symbol), utils.OrderID(o.orderID), utils.Quantity(o.filled))
			return
		}
	}
}
