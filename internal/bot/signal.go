package bot

import (
	"sync"
	"time"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

// DetectorState - состояние детектора по символу
type DetectorState string

const (
	StateIdle        DetectorState = "IDLE"
	StateEntryActive DetectorState = "ENTRY_ACTIVE"
)

// DetectorConfig - пороги гистерезиса и cooldown
type DetectorConfig struct {
	EntryThreshold float64 // |отклонение| >= -> Entry
	ExitThreshold  float64 // |отклонение| <= -> Exit
	Cooldown       time.Duration
}

type symbolSignalState struct {
	mu         sync.Mutex
	state      DetectorState
	lastSignal time.Time
	cheap      string
	expensive  string
}

// SignalDetector превращает события отклонения в сигналы Entry/Exit.
//
// Каждый символ обрабатывается под своим мьютексом: решения по одному символу
// последовательны, разные символы не блокируют друг друга.
// Cooldown после любого сигнала блокирует только повторный Entry.
type SignalDetector struct {
	cfg DetectorConfig
	now func() time.Time

	mu     sync.RWMutex
	states map[string]*symbolSignalState
}

func NewSignalDetector(cfg DetectorConfig, now func() time.Time) *SignalDetector {
	if now == nil {
		now = time.Now
	}
	return &SignalDetector{
		cfg:    cfg,
		now:    now,
		states: make(map[string]*symbolSignalState),
	}
}

func (d *SignalDetector) stateFor(symbol string) *symbolSignalState {
	d.mu.RLock()
	s, ok := d.states[symbol]
	d.mu.RUnlock()
	if ok {
		return s
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok = d.states[symbol]; !ok {
		s = &symbolSignalState{state: StateIdle}
		d.states[symbol] = s
	}
	return s
}

// Process оценивает событие и возвращает сигнал, если он выпущен
func (d *SignalDetector) Process(ev models.DeviationEvent) (models.Signal, bool) {
	s := d.stateFor(ev.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := d.now()
	magnitude := utils.Abs(ev.DeviationPct)

	switch s.state {
	case StateIdle:
		if magnitude < d.cfg.EntryThreshold {
			return models.Signal{}, false
		}
		if !s.lastSignal.IsZero() && now.Sub(s.lastSignal) < d.cfg.Cooldown {
			SignalsSuppressedByCooldown.WithLabelValues(ev.Symbol).Inc()
			return models.Signal{}, false
		}

		cheap, expensive := ev.CheapExpensive()
		s.state = StateEntryActive
		s.lastSignal = now
		s.cheap, s.expensive = cheap, expensive
		return d.emit(ev, models.SignalEntry, cheap, expensive, now), true

	case StateEntryActive:
		if magnitude > d.cfg.ExitThreshold {
			return models.Signal{}, false
		}
		// Exit адресуется той же паре площадок, что и Entry
		s.state = StateIdle
		s.lastSignal = now
		return d.emit(ev, models.SignalExit, s.cheap, s.expensive, now), true
	}

	return models.Signal{}, false
}

func (d *SignalDetector) emit(ev models.DeviationEvent, typ models.SignalType, cheap, expensive string, now time.Time) models.Signal {
	sig := models.Signal{
		Symbol:         ev.Symbol,
		Type:           typ,
		CheapVenue:     cheap,
		ExpensiveVenue: expensive,
		DeviationPct:   ev.DeviationPct,
		Timestamp:      now,
	}
	RecordSignal(sig)
	return sig
}

// State возвращает текущее состояние символа
func (d *SignalDetector) State(symbol string) DetectorState {
	s := d.stateFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
