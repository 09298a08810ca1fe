package bot

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arbtrader/internal/exchange"
	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

// Publisher - внешний слой отчётности/рассылки. Гарантии доставки ядро не предполагает,
// вызовы не должны блокировать.
//
// Реализуется пакетом internal/publisher
type Publisher interface {
	PublishSpread(q models.PriceQuote)
	PublishSignal(sig models.Signal)
	PublishCycleResult(out models.CycleOutcome)
}

// NopPublisher ничего не публикует
type NopPublisher struct{}

func (NopPublisher) PublishSpread(models.PriceQuote)        {}
func (NopPublisher) PublishSignal(models.Signal)            {}
func (NopPublisher) PublishCycleResult(models.CycleOutcome) {}

// EngineConfig - параметры торгового ядра
type EngineConfig struct {
	Symbols      []string
	VenueA       string
	VenueB       string
	Deviation    DeviationConfig
	Detector     DetectorConfig
	Cycle        CycleConfig
	NumShards    int // 0 - по числу CPU (4..32)
	ShardBuffer  int
	SignalBuffer int
}

// Engine - торговое ядро (EVENT-DRIVEN)
//
// Поток данных:
// WebSocket тикер → Normalizer → шард (hash by symbol) → DeviationCalculator →
// SignalDetector → канал сигналов → TradeExecutor → Orchestrator
//
// Между компонентами только ограниченные каналы; при переполнении событие
// отбрасывается и учитывается в метриках. Один воркер на шард: события символа
// обрабатываются по порядку.
type Engine struct {
	cfg EngineConfig
	log *utils.Logger
	now func() time.Time

	venues  map[string]exchange.Venue
	routers map[string]*EventRouter
	limits  *LimitsCache

	normalizer *Normalizer
	calc       *DeviationCalculator
	detector   *SignalDetector
	executor   *TradeExecutor
	publisher  Publisher

	quoteShards []chan models.PriceQuote
	signals     chan models.Signal
}

// NewEngine связывает компоненты. Обработчики приватных событий площадок
// регистрируются здесь, поэтому NewEngine вызывается до Connect.
func NewEngine(cfg EngineConfig, venues map[string]exchange.Venue, pub Publisher, log *utils.Logger, now func() time.Time) (*Engine, error) {
	for _, name := range []string{cfg.VenueA, cfg.VenueB} {
		if _, ok := venues[name]; !ok {
			return nil, fmt.Errorf("venue %q not configured", name)
		}
	}
	if cfg.VenueA == cfg.VenueB {
		return nil, fmt.Errorf("venue pair must be two distinct venues, got %q twice", cfg.VenueA)
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	if log == nil {
		log = utils.L()
	}
	if now == nil {
		now = time.Now
	}

	if cfg.NumShards <= 0 {
		cfg.NumShards = runtime.NumCPU()
		if cfg.NumShards < 4 {
			cfg.NumShards = 4
		}
		if cfg.NumShards > 32 {
			cfg.NumShards = 32
		}
	}
	if cfg.ShardBuffer <= 0 {
		cfg.ShardBuffer = 2000
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 100
	}

	e := &Engine{
		cfg:         cfg,
		log:         log.WithComponent("engine"),
		now:         now,
		venues:      venues,
		routers:     make(map[string]*EventRouter, len(venues)),
		limits:      NewLimitsCache(venues),
		normalizer:  NewNormalizer(now),
		calc:        NewDeviationCalculator(cfg.VenueA, cfg.VenueB, cfg.NumShards, cfg.Deviation, now),
		detector:    NewSignalDetector(cfg.Detector, now),
		publisher:   pub,
		quoteShards: make([]chan models.PriceQuote, cfg.NumShards),
		signals:     make(chan models.Signal, cfg.SignalBuffer),
	}
	for i := range e.quoteShards {
		e.quoteShards[i] = make(chan models.PriceQuote, cfg.ShardBuffer)
	}
	for name, v := range venues {
		r := NewEventRouter(name)
		r.Attach(v)
		e.routers[name] = r
	}
	e.executor = NewTradeExecutor(e.newOrchestrator, pub.PublishCycleResult, log)

	return e, nil
}

func (e *Engine) newOrchestrator(key models.CycleKey) (*Orchestrator, error) {
	buy, ok := e.venues[key.BuyVenue]
	if !ok {
		return nil, fmt.Errorf("buy venue %q not configured", key.BuyVenue)
	}
	sell, ok := e.venues[key.SellVenue]
	if !ok {
		return nil, fmt.Errorf("sell venue %q not configured", key.SellVenue)
	}
	return NewOrchestrator(key,
		CycleLeg{Venue: buy, Router: e.routers[key.BuyVenue]},
		CycleLeg{Venue: sell, Router: e.routers[key.SellVenue]},
		e.limits, e.cfg.Cycle, e.log, e.now), nil
}

// Run подключает площадки, открывает подписки и обрабатывает события до отмены ctx.
// При остановке идущие циклы получают отмену и завершаются как FAILED.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := range e.quoteShards {
		shard := i
		g.Go(func() error {
			e.quoteWorker(gctx, shard)
			return nil
		})
	}
	g.Go(func() error {
		e.signalLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return e.start(gctx)
	})

	err := g.Wait()

	e.executor.Wait()
	for name, v := range e.venues {
		if cerr := v.Close(); cerr != nil {
			e.log.Warn("venue close failed", utils.Venue(name), zap.Error(cerr))
		}
	}

	if err != nil {
		return err
	}
	return ctx.Err()
}

// start: приватные/торговые каналы, лимиты, публичные подписки
func (e *Engine) start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, v := range e.venues {
		name, v := name, v
		g.Go(func() error {
			if err := v.Connect(gctx); err != nil {
				return fmt.Errorf("connect %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := e.limits.Preload(ctx, e.cfg.Symbols); err != nil {
		e.log.Warn("limits preload incomplete", zap.Error(err))
	}

	for name, v := range e.venues {
		router := e.routers[name]
		if err := v.SubscribeToTickers(ctx, e.cfg.Symbols, e.OnTicker); err != nil {
			return fmt.Errorf("subscribe %s tickers: %w", name, err)
		}
		if err := v.SubscribeToOrderBook(ctx, e.cfg.Symbols, router.OnBook); err != nil {
			return fmt.Errorf("subscribe %s order books: %w", name, err)
		}
	}

	e.log.Info("engine started",
		zap.Strings("symbols", e.cfg.Symbols),
		zap.String("venue_a", e.cfg.VenueA),
		zap.String("venue_b", e.cfg.VenueB),
		zap.Int("shards", len(e.quoteShards)))
	return nil
}

// OnTicker - обработчик тикеров площадок. Вызывается из горутин чтения WS, не блокирует.
func (e *Engine) OnTicker(t exchange.Ticker) {
	q, ok := e.normalizer.Normalize(t)
	if !ok {
		RecordQuoteSuppressed(t.Symbol, "invalid")
		return
	}
	tryEnqueue(e.quoteShards[e.calc.ShardIndex(q.Symbol)], q, "quote_shard")
}

func (e *Engine) quoteWorker(ctx context.Context, shard int) {
	ch := e.quoteShards[shard]
	label := strconv.Itoa(shard)

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-ch:
			started := time.Now()
			e.handleQuote(q)
			RecordPriceUpdateLatency(q.Symbol, started)
			ShardQueueSize.WithLabelValues(label).Set(float64(len(ch)))
		}
	}
}

func (e *Engine) handleQuote(q models.PriceQuote) {
	e.publisher.PublishSpread(q)

	ev, ok := e.calc.Update(q)
	if !ok {
		return
	}
	RecordDeviation(ev.Symbol, ev.DeviationPct)

	sig, ok := e.detector.Process(ev)
	if !ok {
		return
	}
	e.log.Info("signal",
		utils.Symbol(sig.Symbol),
		zap.String("type", string(sig.Type)),
		zap.String("cheap", sig.CheapVenue),
		zap.String("expensive", sig.ExpensiveVenue),
		utils.Deviation(sig.DeviationPct))

	e.publisher.PublishSignal(sig)
	if !tryEnqueue(e.signals, sig, "signal") {
		RecordDroppedSignal("queue_full")
	}
}

func (e *Engine) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-e.signals:
			e.executor.Execute(ctx, sig)
		}
	}
}

// Cycles - снимки идущих циклов
func (e *Engine) Cycles() []models.CycleState {
	return e.executor.Cycles()
}

// Connections - состояния всех соединений площадок
func (e *Engine) Connections() []models.ConnectionState {
	var states []models.ConnectionState
	for _, v := range e.venues {
		states = append(states, v.ConnectionStates()...)
	}
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if a.Venue != b.Venue {
			return a.Venue < b.Venue
		}
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		return a.Chunk < b.Chunk
	})
	return states
}

// Detector возвращает детектор сигналов (состояние символов для ops)
func (e *Engine) Detector() *SignalDetector {
	return e.detector
}
