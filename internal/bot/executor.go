package bot

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

// OrchestratorFactory создаёт оркестратор для ключа (проверяет, что площадки известны)
type OrchestratorFactory func(key models.CycleKey) (*Orchestrator, error)

// TradeExecutor сопоставляет сигнал оркестратору по ключу
// (символ, дешёвая площадка, дорогая площадка).
//
// Entry при идущем цикле по ключу отбрасывается, не ставится в очередь.
// Exit снимает цикл, который ещё в TRAILING_BUY.
type TradeExecutor struct {
	factory  OrchestratorFactory
	onResult func(models.CycleOutcome)
	log      *utils.Logger

	mu            sync.Mutex
	orchestrators map[models.CycleKey]*Orchestrator

	wg sync.WaitGroup
}

func NewTradeExecutor(factory OrchestratorFactory, onResult func(models.CycleOutcome), log *utils.Logger) *TradeExecutor {
	if log == nil {
		log = utils.L()
	}
	if onResult == nil {
		onResult = func(models.CycleOutcome) {}
	}
	return &TradeExecutor{
		factory:       factory,
		onResult:      onResult,
		log:           log.WithComponent("executor"),
		orchestrators: make(map[models.CycleKey]*Orchestrator),
	}
}

func signalKey(sig models.Signal) models.CycleKey {
	return models.CycleKey{Symbol: sig.Symbol, BuyVenue: sig.CheapVenue, SellVenue: sig.ExpensiveVenue}
}

func (e *TradeExecutor) orchestrator(key models.CycleKey, create bool) (*Orchestrator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orchestrators[key]; ok || !create {
		return o, nil
	}
	o, err := e.factory(key)
	if err != nil {
		return nil, err
	}
	e.orchestrators[key] = o
	return o, nil
}

// Execute обрабатывает сигнал без блокировки. Цикл идёт в своей горутине с ctx.
// Возвращает true, если сигнал привёл к действию.
func (e *TradeExecutor) Execute(ctx context.Context, sig models.Signal) bool {
	key := signalKey(sig)

	switch sig.Type {
	case models.SignalEntry:
		o, err := e.orchestrator(key, true)
		if err != nil {
			RecordDroppedSignal("unknown_venue")
			e.log.Warn("entry signal for unknown venue pair", zap.String("key", key.String()), zap.Error(err))
			return false
		}
		if !o.TryBegin() {
			RecordDroppedSignal("in_progress")
			e.log.Info("entry signal dropped: cycle in progress", zap.String("key", key.String()))
			return false
		}

		e.log.Info("starting cycle",
			zap.String("key", key.String()),
			utils.Deviation(sig.DeviationPct))

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			out, _ := o.Run(ctx)
			e.onResult(out)
		}()
		return true

	case models.SignalExit:
		o, _ := e.orchestrator(key, false)
		if o == nil || !o.CancelIfTrailing() {
			return false
		}
		e.log.Info("exit signal cancelled trailing buy", zap.String("key", key.String()))
		return true
	}
	return false
}

// InProgress - идёт ли цикл по ключу
func (e *TradeExecutor) InProgress(key models.CycleKey) bool {
	o, _ := e.orchestrator(key, false)
	return o != nil && o.InProgress()
}

// Cycles возвращает снимки идущих циклов, отсортированные по ключу
func (e *TradeExecutor) Cycles() []models.CycleState {
	e.mu.Lock()
	list := make([]*Orchestrator, 0, len(e.orchestrators))
	for _, o := range e.orchestrators {
		list = append(list, o)
	}
	e.mu.Unlock()

	states := make([]models.CycleState, 0, len(list))
	for _, o := range list {
		if s, ok := o.Snapshot(); ok {
			states = append(states, s)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Key.String() < states[j].Key.String() })
	return states
}

// Wait ждёт завершения всех запущенных циклов
func (e *TradeExecutor) Wait() {
	e.wg.Wait()
}
