package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

// Sink - получатель событий ядра (лог, Redis, БД, WebSocket).
// Вызывается только из горутины Fanout.Run и может блокироваться
// не дольше переданного контекста.
type Sink interface {
	Name() string
	Spread(ctx context.Context, q models.PriceQuote) error
	Signal(ctx context.Context, sig models.Signal) error
	CycleResult(ctx context.Context, out models.CycleOutcome) error
}

type eventKind string

const (
	kindSpread eventKind = "spread"
	kindSignal eventKind = "signal"
	kindCycle  eventKind = "cycle"
)

type event struct {
	kind    eventKind
	quote   models.PriceQuote
	signal  models.Signal
	outcome models.CycleOutcome
}

// FanoutConfig - параметры асинхронной рассылки
type FanoutConfig struct {
	SpreadBuffer int           // очередь котировок (при переполнении теряются первыми)
	EventBuffer  int           // очередь сигналов и итогов циклов
	SinkTimeout  time.Duration // лимит на один вызов получателя
}

// DefaultFanoutConfig возвращает параметры по умолчанию
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{
		SpreadBuffer: 4096,
		EventBuffer:  1024,
		SinkTimeout:  2 * time.Second,
	}
}

// Fanout реализует bot.Publisher: вызовы ядра не блокируются, события
// складываются в ограниченные очереди и рассылаются получателям в Run.
//
// Котировки и события (сигналы, итоги) идут разными очередями: поток котировок
// не может вытеснить итог цикла. Переполненная очередь отбрасывает событие
// с увеличением счётчика.
type Fanout struct {
	cfg     FanoutConfig
	sinks   []Sink
	spreads chan event
	events  chan event
	log     *utils.Logger
}

// NewFanout создаёт рассылку по указанным получателям
func NewFanout(cfg FanoutConfig, log *utils.Logger, sinks ...Sink) *Fanout {
	def := DefaultFanoutConfig()
	if cfg.SpreadBuffer <= 0 {
		cfg.SpreadBuffer = def.SpreadBuffer
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if log == nil {
		log = utils.L()
	}

	return &Fanout{
		cfg:     cfg,
		sinks:   sinks,
		spreads: make(chan event, cfg.SpreadBuffer),
		events:  make(chan event, cfg.EventBuffer),
		log:     log.WithComponent("publisher"),
	}
}

// Sinks возвращает имена подключённых получателей
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

func (f *Fanout) PublishSpread(q models.PriceQuote) {
	f.enqueue(f.spreads, event{kind: kindSpread, quote: q})
}

func (f *Fanout) PublishSignal(sig models.Signal) {
	f.enqueue(f.events, event{kind: kindSignal, signal: sig})
}

func (f *Fanout) PublishCycleResult(out models.CycleOutcome) {
	f.enqueue(f.events, event{kind: kindCycle, outcome: out})
}

func (f *Fanout) enqueue(ch chan event, ev event) {
	select {
	case ch <- ev:
	default:
		EventsDropped.WithLabelValues(string(ev.kind)).Inc()
		if ev.kind == kindCycle {
			f.log.Error("cycle result dropped: publisher queue full",
				zap.String("cycle", ev.outcome.Key.String()), utils.Alert())
		}
	}
}

// Run рассылает события до отмены ctx. После отмены досылает уже
// поставленные в очередь сигналы и итоги циклов (котировки отбрасываются).
func (f *Fanout) Run(ctx context.Context) error {
	f.log.Info("publisher started", zap.Strings("sinks", f.Sinks()))

	for {
		// события приоритетнее котировок
		select {
		case ev := <-f.events:
			f.dispatch(ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			f.drain()
			f.log.Info("publisher stopped")
			return ctx.Err()
		case ev := <-f.events:
			f.dispatch(ev)
		case ev := <-f.spreads:
			f.dispatch(ev)
		}
	}
}

func (f *Fanout) drain() {
	for {
		select {
		case ev := <-f.events:
			f.dispatch(ev)
		default:
			return
		}
	}
}

func (f *Fanout) dispatch(ev event) {
	for _, s := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.SinkTimeout)
		start := time.Now()

		var err error
		switch ev.kind {
		case kindSpread:
			err = s.Spread(ctx, ev.quote)
		case kindSignal:
			err = s.Signal(ctx, ev.signal)
		case kindCycle:
			err = s.CycleResult(ctx, ev.outcome)
		}
		cancel()

		SinkLatency.WithLabelValues(s.Name()).Observe(float64(time.Since(start).Microseconds()) / 1000)
		if err != nil {
			SinkErrors.WithLabelValues(s.Name(), string(ev.kind)).Inc()
			// котировки идут потоком, ошибка по ним только в debug
			if ev.kind == kindSpread {
				f.log.Debug("sink failed", zap.String("sink", s.Name()), zap.Error(err))
				continue
			}
			f.log.Warn("sink failed",
				zap.String("sink", s.Name()),
				zap.String("kind", string(ev.kind)),
				zap.Error(err),
			)
		}
	}
	EventsPublished.WithLabelValues(string(ev.kind)).Inc()
}
