package models

import "time"

// PriceQuote - нормализованная котировка площадки по символу.
// Следующая котировка той же (venue, symbol) полностью заменяет предыдущую.
type PriceQuote struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	SpreadPct float64   `json:"spread_pct"` // (ask-bid)/mid*100
	Timestamp time.Time `json:"timestamp"`
}

// Mid возвращает середину между bid и ask
func (q PriceQuote) Mid() float64 {
	return (q.BestBid + q.BestAsk) / 2
}

// DeviationEvent - отклонение mid цен двух площадок по одному символу.
// VenueA - площадка, чья котировка вызвала расчёт; DeviationPct = (MidB-MidA)/MidA*100.
// Не сохраняется.
type DeviationEvent struct {
	Symbol       string    `json:"symbol"`
	VenueA       string    `json:"venue_a"`
	VenueB       string    `json:"venue_b"`
	MidA         float64   `json:"mid_a"`
	MidB         float64   `json:"mid_b"`
	DeviationPct float64   `json:"deviation_pct"`
	Timestamp    time.Time `json:"timestamp"`
}

// CheapExpensive возвращает площадку с меньшим mid и площадку с большим
func (e DeviationEvent) CheapExpensive() (cheap, expensive string) {
	if e.MidA <= e.MidB {
		return e.VenueA, e.VenueB
	}
	return e.VenueB, e.VenueA
}

// SignalType - тип торгового сигнала
type SignalType string

const (
	SignalEntry SignalType = "ENTRY"
	SignalExit  SignalType = "EXIT"
)

// Signal создаётся детектором и потребляется исполнителем ровно один раз
type Signal struct {
	Symbol         string     `json:"symbol"`
	Type           SignalType `json:"type"`
	CheapVenue     string     `json:"cheap_venue"`
	ExpensiveVenue string     `json:"expensive_venue"`
	DeviationPct   float64    `json:"deviation_pct"`
	Timestamp      time.Time  `json:"timestamp"`
}
