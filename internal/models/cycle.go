package models

import (
	"fmt"
	"time"
)

// CyclePhase - фаза арбитражного цикла
type CyclePhase string

// Фазы цикла (state machine):
// INIT -> CANCEL_OPEN_ORDERS -> TRAILING_BUY -> AWAITING_BUY_FILL ->
// AWAITING_BALANCE_CONFIRMATION -> [PRE_SELL_DELAY] -> SELLING -> AWAITING_SELL_FILL ->
// COMPLETED | FAILED
const (
	PhaseInit             CyclePhase = "INIT"
	PhaseCancelOpenOrders CyclePhase = "CANCEL_OPEN_ORDERS"
	PhaseTrailingBuy      CyclePhase = "TRAILING_BUY"
	PhaseAwaitingBuyFill  CyclePhase = "AWAITING_BUY_FILL"
	PhaseAwaitingBalance  CyclePhase = "AWAITING_BALANCE_CONFIRMATION"
	PhasePreSellDelay     CyclePhase = "PRE_SELL_DELAY"
	PhaseSelling          CyclePhase = "SELLING"
	PhaseAwaitingSellFill CyclePhase = "AWAITING_SELL_FILL"
	PhaseCompleted        CyclePhase = "COMPLETED"
	PhaseFailed           CyclePhase = "FAILED"
)

// IsTerminal - цикл завершён (успешно или нет)
func (p CyclePhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// CycleKey - ключ оркестратора: символ + пара площадок (покупка, продажа)
type CycleKey struct {
	Symbol    string `json:"symbol"`
	BuyVenue  string `json:"buy_venue"`
	SellVenue string `json:"sell_venue"`
}

func (k CycleKey) String() string {
	return fmt.Sprintf("%s:%s->%s", k.Symbol, k.BuyVenue, k.SellVenue)
}

// FillTimestamp - момент исполнения: серверное время площадки и локальное время
// входа в обработчик события
type FillTimestamp struct {
	Server time.Time `json:"server"`
	Local  time.Time `json:"local"`
}

// CycleState - состояние цикла. Принадлежит одному оркестратору и изменяется только им.
type CycleState struct {
	Key                   CycleKey      `json:"key"`
	Phase                 CyclePhase    `json:"phase"`
	ConfirmedBaseQuantity float64       `json:"confirmed_base_quantity"`
	ReportedBuyQuantity   float64       `json:"reported_buy_quantity"`
	SellQuantity          float64       `json:"sell_quantity"`
	SoldQuantity          float64       `json:"sold_quantity"`
	EntryPrice            float64       `json:"entry_price"`
	ExitPrice             float64       `json:"exit_price"`
	BaselineBalance       float64       `json:"baseline_balance"`
	BuyFill               FillTimestamp `json:"buy_fill"`
	SellFill              FillTimestamp `json:"sell_fill"`
	InProgress            bool          `json:"in_progress"`
	StartedAt             time.Time     `json:"started_at"`
}

// Exposure - купленное, но не проданное количество базового актива.
// Купленным считается большее из подтверждённого балансом и отчёта площадки.
func (s CycleState) Exposure() float64 {
	bought := s.ConfirmedBaseQuantity
	if s.ReportedBuyQuantity > bought {
		bought = s.ReportedBuyQuantity
	}
	if exp := bought - s.SoldQuantity; exp > 0 {
		return exp
	}
	return 0
}

// CycleOutcome - итог цикла для публикации и отчётности
type CycleOutcome struct {
	Key               CycleKey      `json:"key"`
	Success           bool          `json:"success"`
	FailedPhase       CyclePhase    `json:"failed_phase,omitempty"`
	Error             string        `json:"error,omitempty"`
	BoughtQuantity    float64       `json:"bought_quantity"`
	SoldQuantity      float64       `json:"sold_quantity"`
	EntryPrice        float64       `json:"entry_price"`
	ExitPrice         float64       `json:"exit_price"`
	CostQuote         float64       `json:"cost_quote"` // проданное количество по цене входа
	ProceedsQuote     float64       `json:"proceeds_quote"`
	ProceedsEstimated bool          `json:"proceeds_estimated"`
	Exposure          float64       `json:"exposure"` // купленное, но не проданное (и остаток усечения)
	ServerLatency     time.Duration `json:"server_latency"`
	LocalLatency      time.Duration `json:"local_latency"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
}

// PnL - реализованный результат в котируемой валюте (без учёта комиссий).
// Непроданный остаток в PnL не входит: он отражён в Exposure.
func (o CycleOutcome) PnL() float64 {
	if !o.Success {
		return 0
	}
	return o.ProceedsQuote - o.CostQuote
}
