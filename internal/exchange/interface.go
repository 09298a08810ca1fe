package exchange

import (
	"context"
	"time"

	"arbtrader/internal/models"
)

// Venue - набор возможностей одной площадки, который использует торговое ядро.
//
// Реализация выбирается при создании (NewVenue), ядро не проверяет конкретный тип.
// Публичные потоки открываются подписками, приватный и торговый каналы - в Connect.
type Venue interface {
	// Name возвращает идентификатор площадки ("gate", "bybit")
	Name() string

	// Connect открывает приватный и торговый каналы и дожидается подтверждения аутентификации
	Connect(ctx context.Context) error

	// GetTickers - лучшие bid/ask по символам (REST снимок)
	GetTickers(ctx context.Context, symbols []string) ([]Ticker, error)

	// GetLimits - шаги цены и количества для символа
	GetLimits(ctx context.Context, symbol string) (*Limits, error)

	// GetBalance - полный баланс актива (REST). Используется как базовая точка цикла.
	GetBalance(ctx context.Context, asset string) (float64, error)

	SubscribeToTickers(ctx context.Context, symbols []string, onUpdate func(Ticker)) error
	SubscribeToOrderBook(ctx context.Context, symbols []string, onUpdate func(OrderBook)) error

	// PlaceOrder / ModifyOrder / CancelOrder отправляют запрос по торговому каналу
	// и ждут ответ с тем же correlation id. Ошибки: *OrderRejectedError, *RequestTimeoutError.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, req CancelRequest) (*OrderResult, error)

	// CancelAllOrders снимает все открытые ордера по символу
	CancelAllOrders(ctx context.Context, symbol string) error

	// SubscribeToOrderUpdates / SubscribeToBalanceUpdates регистрируют единственный обработчик
	// событий приватного канала. Должны вызываться до Connect.
	SubscribeToOrderUpdates(onUpdate func(OrderUpdate))
	SubscribeToBalanceUpdates(onUpdate func(BalanceUpdate))

	// SupportsFillEvents - присылает ли площадка надёжное событие исполнения ордера
	SupportsFillEvents() bool

	// ConnectionStates - снимок всех соединений площадки
	ConnectionStates() []models.ConnectionState

	Close() error
}

// Ticker - лучшие цены по символу
type Ticker struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"` // канонический вид: BTCUSDT
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderBook - стакан; Bids по убыванию цены, Asks по возрастанию
type OrderBook struct {
	Venue     string       `json:"venue"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// PriceLevel - уровень цены в стакане
type PriceLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// Limits - торговые ограничения площадки для символа
type Limits struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"`
	QtyStep     float64 `json:"qty_step"`   // шаг количества (lot size)
	PriceStep   float64 `json:"price_step"` // шаг цены (tick size)
	MinNotional float64 `json:"min_notional"`
}

// OrderRequest - запрос на размещение ордера
type OrderRequest struct {
	CorrelationID string  // пусто -> генерируется
	Symbol        string
	Side          string // SideBuy, SideSell
	Type          string // OrderTypeLimit, OrderTypeMarket
	Price         float64
	Quantity      float64 // в базовом активе
}

// ModifyRequest - изменение цены/количества открытого ордера
type ModifyRequest struct {
	CorrelationID string
	Symbol        string
	OrderID       string
	Price         float64
	Quantity      float64 // 0 - без изменений
}

// CancelRequest - отмена ордера
type CancelRequest struct {
	CorrelationID string
	Symbol        string
	OrderID       string
}

// OrderResult - ответ площадки, сопоставленный запросу по CorrelationID
type OrderResult struct {
	CorrelationID   string  `json:"correlation_id"`
	Venue           string  `json:"venue"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side,omitempty"`
	Type            string  `json:"type,omitempty"`
	Price           float64 `json:"price,omitempty"`
	Quantity        float64 `json:"quantity,omitempty"`
	Status          string  `json:"status"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
}

// OrderUpdate - событие приватного канала по ордеру.
// FilledQty и AvgPrice - накопленные значения с начала жизни ордера.
type OrderUpdate struct {
	Venue         string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          string
	Status        string
	Quantity      float64
	FilledQty     float64
	AvgPrice      float64
	ServerTime    time.Time
	LocalTime     time.Time // момент входа в обработчик
}

// BalanceUpdate - событие приватного канала по балансу актива
type BalanceUpdate struct {
	Venue      string
	Asset      string
	Free       float64
	Total      float64
	ServerTime time.Time
	LocalTime  time.Time
}

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// Статусы ордера
const (
	OrderStatusNew       = "new"
	OrderStatusPartial   = "partially_filled"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
	OrderStatusAccepted  = "accepted" // запрос принят площадкой (amend, cancel)
)

// IsFinal - ордер больше не изменится
func IsFinal(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}
