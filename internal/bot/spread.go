package bot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"arbtrader/internal/exchange"
	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

// ============ Inline FNV-1a hash без аллокаций ============
const (
	fnvOffset32 = uint32(2166136261)
	fnvPrime32  = uint32(16777619)
)

// fnvHash вычисляет FNV-1a hash строки без аллокаций.
// Используется для шардирования по символу: один символ всегда в одном шарде.
func fnvHash(s string) uint32 {
	h := fnvOffset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// ============ Ошибки подавления ============

var (
	// ErrStaleData - одна из котировок старше допустимого возраста
	ErrStaleData = errors.New("stale market data")
	// errNoCounterpart - нет котировки парной площадки
	errNoCounterpart = errors.New("no counterpart quote")
	// errBelowMinDeviation - отклонение ниже порога публикации
	errBelowMinDeviation = errors.New("deviation below minimum")
)

// StaleDataError - котировка площадки устарела. Не выходит за пределы калькулятора.
type StaleDataError struct {
	Venue  string
	Symbol string
	Age    time.Duration
	MaxAge time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("%s %s quote is %v old (max %v)", e.Venue, e.Symbol, e.Age, e.MaxAge)
}

func (e *StaleDataError) Is(target error) bool { return target == ErrStaleData }

// ============ Normalizer ============

// Normalizer переводит тикер площадки в PriceQuote со спредом
// и локальным временем получения
type Normalizer struct {
	now func() time.Time
}

func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize возвращает false для пустых и перевёрнутых котировок
func (n *Normalizer) Normalize(t exchange.Ticker) (models.PriceQuote, bool) {
	if t.BidPrice <= 0 || t.AskPrice <= 0 || t.BidPrice > t.AskPrice {
		return models.PriceQuote{}, false
	}
	return models.PriceQuote{
		Venue:     t.Venue,
		Symbol:    t.Symbol,
		BestBid:   t.BidPrice,
		BestAsk:   t.AskPrice,
		SpreadPct: utils.SpreadPct(t.BidPrice, t.AskPrice),
		Timestamp: n.now(),
	}, true
}

// ============ DeviationCalculator ============

// DeviationConfig - параметры калькулятора отклонений
type DeviationConfig struct {
	MaxDataAge      time.Duration // старше - котировка не участвует в расчёте
	MinDeviationPct float64       // |отклонение| ниже - событие не публикуется
}

// quoteKey - составной ключ без аллокации строк
type quoteKey struct {
	Venue  string
	Symbol string
}

// quoteShard - шард последних котировок со своим мьютексом
type quoteShard struct {
	mu     sync.RWMutex
	quotes map[quoteKey]models.PriceQuote
}

// DeviationCalculator хранит последнюю котировку по (venue, symbol) и на каждую
// новую котировку сравнивает её с котировкой парной площадки.
//
// Шардирование по символу: обновления разных символов не блокируют друг друга.
type DeviationCalculator struct {
	shards    []*quoteShard
	numShards uint32
	counter   map[string]string // площадка -> парная площадка
	cfg       DeviationConfig
	now       func() time.Time
}

// NewDeviationCalculator создаёт калькулятор для пары площадок
func NewDeviationCalculator(venueA, venueB string, numShards int, cfg DeviationConfig, now func() time.Time) *DeviationCalculator {
	if numShards <= 0 {
		numShards = 16
	}
	if cfg.MaxDataAge <= 0 {
		cfg.MaxDataAge = 7 * time.Second
	}
	if now == nil {
		now = time.Now
	}

	c := &DeviationCalculator{
		shards:    make([]*quoteShard, numShards),
		numShards: uint32(numShards),
		counter:   map[string]string{venueA: venueB, venueB: venueA},
		cfg:       cfg,
		now:       now,
	}
	for i := range c.shards {
		c.shards[i] = &quoteShard{quotes: make(map[quoteKey]models.PriceQuote)}
	}
	return c
}

func (c *DeviationCalculator) shard(symbol string) *quoteShard {
	return c.shards[fnvHash(symbol)%c.numShards]
}

// Update запоминает котировку (заменяя предыдущую) и возвращает событие отклонения.
// Нет парной котировки, устаревшие данные или отклонение ниже порога - false без ошибки.
func (c *DeviationCalculator) Update(q models.PriceQuote) (models.DeviationEvent, bool) {
	other, known := c.counter[q.Venue]
	if !known {
		return models.DeviationEvent{}, false
	}

	sh := c.shard(q.Symbol)
	sh.mu.Lock()
	sh.quotes[quoteKey{q.Venue, q.Symbol}] = q
	counterpart, ok := sh.quotes[quoteKey{other, q.Symbol}]
	sh.mu.Unlock()

	if !ok {
		RecordQuoteSuppressed(q.Symbol, "no_counterpart")
		return models.DeviationEvent{}, false
	}

	ev, err := c.evaluate(q, counterpart)
	if err != nil {
		switch {
		case errors.Is(err, ErrStaleData):
			RecordQuoteSuppressed(q.Symbol, "stale")
		case errors.Is(err, errBelowMinDeviation):
			RecordQuoteSuppressed(q.Symbol, "below_min")
		}
		return models.DeviationEvent{}, false
	}
	return ev, true
}

// evaluate: deviation = (midB - midA) / midA * 100, A - площадка новой котировки
func (c *DeviationCalculator) evaluate(a, b models.PriceQuote) (models.DeviationEvent, error) {
	now := c.now()
	for _, q := range []models.PriceQuote{a, b} {
		if age := now.Sub(q.Timestamp); age > c.cfg.MaxDataAge {
			return models.DeviationEvent{}, &StaleDataError{Venue: q.Venue, Symbol: q.Symbol, Age: age, MaxAge: c.cfg.MaxDataAge}
		}
	}

	midA, midB := a.Mid(), b.Mid()
	if midA <= 0 || midB <= 0 {
		return models.DeviationEvent{}, errNoCounterpart
	}

	dev := utils.DeviationPct(midA, midB)
	if utils.Abs(dev) < c.cfg.MinDeviationPct {
		return models.DeviationEvent{}, errBelowMinDeviation
	}

	return models.DeviationEvent{
		Symbol:       a.Symbol,
		VenueA:       a.Venue,
		VenueB:       b.Venue,
		MidA:         midA,
		MidB:         midB,
		DeviationPct: dev,
		Timestamp:    now,
	}, nil
}

// Latest возвращает последнюю котировку площадки по символу
func (c *DeviationCalculator) Latest(venue, symbol string) (models.PriceQuote, bool) {
	sh := c.shard(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	q, ok := sh.quotes[quoteKey{venue, symbol}]
	return q, ok
}

// ShardIndex возвращает индекс шарда символа для маршрутизации в Engine
func (c *DeviationCalculator) ShardIndex(symbol string) int {
	return int(fnvHash(symbol) % c.numShards)
}
