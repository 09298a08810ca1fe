package bot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"arbtrader/internal/exchange"
	"arbtrader/internal/models"
)

// ============ Мок площадки ============

type mockVenue struct {
	name       string
	fillEvents bool

	mu          sync.Mutex
	balance     float64
	balanceErr  error
	limits      *exchange.Limits
	limitsErr   error
	limitsCalls int
	tickers     []exchange.Ticker
	connectErr  error
	closed      bool

	placeFn  func(req exchange.OrderRequest) (*exchange.OrderResult, error)
	modifyFn func(req exchange.ModifyRequest) (*exchange.OrderResult, error)
	cancelFn func(req exchange.CancelRequest) // события после отмены, по умолчанию одно CANCELLED

	placed    []exchange.OrderRequest
	modified  []exchange.ModifyRequest
	cancelled []exchange.CancelRequest
	cancelAll int
	orderSeq  int

	onOrder   func(exchange.OrderUpdate)
	onBalance func(exchange.BalanceUpdate)
	onTicker  func(exchange.Ticker)
	onBook    func(exchange.OrderBook)
}

func newMockVenue(name string) *mockVenue {
	return &mockVenue{
		name:       name,
		fillEvents: true,
		limits:     &exchange.Limits{MinOrderQty: 0.00001, QtyStep: 0.000001, PriceStep: 0.01, MinNotional: 1},
	}
}

func (m *mockVenue) Name() string                      { return m.name }
func (m *mockVenue) Connect(ctx context.Context) error { return m.connectErr }
func (m *mockVenue) SupportsFillEvents() bool          { return m.fillEvents }

func (m *mockVenue) GetTickers(ctx context.Context, symbols []string) ([]exchange.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickers, nil
}

func (m *mockVenue) GetLimits(ctx context.Context, symbol string) (*exchange.Limits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limitsCalls++
	if m.limitsErr != nil {
		return nil, m.limitsErr
	}
	l := *m.limits
	l.Symbol = symbol
	return &l, nil
}

func (m *mockVenue) GetBalance(ctx context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, m.balanceErr
}

func (m *mockVenue) SubscribeToTickers(ctx context.Context, symbols []string, onUpdate func(exchange.Ticker)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTicker = onUpdate
	return nil
}

func (m *mockVenue) SubscribeToOrderBook(ctx context.Context, symbols []string, onUpdate func(exchange.OrderBook)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBook = onUpdate
	return nil
}

func (m *mockVenue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	m.mu.Lock()
	m.placed = append(m.placed, req)
	m.orderSeq++
	id := fmt.Sprintf("%s-%d", m.name, m.orderSeq)
	fn := m.placeFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &exchange.OrderResult{
		CorrelationID:   req.CorrelationID,
		Venue:           m.name,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          exchange.OrderStatusNew,
		ExchangeOrderID: id,
	}, nil
}

func (m *mockVenue) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) (*exchange.OrderResult, error) {
	m.mu.Lock()
	m.modified = append(m.modified, req)
	fn := m.modifyFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &exchange.OrderResult{Venue: m.name, Symbol: req.Symbol, ExchangeOrderID: req.OrderID, Status: exchange.OrderStatusAccepted}, nil
}

func (m *mockVenue) CancelOrder(ctx context.Context, req exchange.CancelRequest) (*exchange.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, req)
	if m.cancelFn != nil {
		go m.cancelFn(req)
	} else if m.onOrder != nil {
		go m.emitOrder(exchange.OrderUpdate{Symbol: req.Symbol, OrderID: req.OrderID, Status: exchange.OrderStatusCancelled})
	}
	return &exchange.OrderResult{Venue: m.name, Symbol: req.Symbol, ExchangeOrderID: req.OrderID, Status: exchange.OrderStatusAccepted}, nil
}

func (m *mockVenue) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAll++
	return nil
}

func (m *mockVenue) SubscribeToOrderUpdates(onUpdate func(exchange.OrderUpdate)) {
	m.onOrder = onUpdate
}

func (m *mockVenue) SubscribeToBalanceUpdates(onUpdate func(exchange.BalanceUpdate)) {
	m.onBalance = onUpdate
}

func (m *mockVenue) ConnectionStates() []models.ConnectionState {
	return []models.ConnectionState{
		{Venue: m.name, Class: models.ChannelTrade, Phase: models.ConnReady},
		{Venue: m.name, Class: models.ChannelPublic, Phase: models.ConnReady},
	}
}

func (m *mockVenue) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockVenue) emitOrder(u exchange.OrderUpdate) {
	u.Venue = m.name
	if u.LocalTime.IsZero() {
		u.LocalTime = time.Now()
	}
	m.onOrder(u)
}

func (m *mockVenue) emitBalance(asset string, total float64) {
	m.onBalance(exchange.BalanceUpdate{Venue: m.name, Asset: asset, Free: total, Total: total, LocalTime: time.Now()})
}

func (m *mockVenue) placedOrders() []exchange.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.OrderRequest(nil), m.placed...)
}

func (m *mockVenue) modifiedOrders() []exchange.ModifyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.ModifyRequest(nil), m.modified...)
}

func (m *mockVenue) cancelledOrders() []exchange.CancelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.CancelRequest(nil), m.cancelled...)
}

func (m *mockVenue) cancelAllCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelAll
}

func (m *mockVenue) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockVenue) tickerHandler() func(exchange.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onTicker
}

// ============ Часы ============

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ============ Публикатор ============

type recordingPublisher struct {
	mu      sync.Mutex
	spreads []models.PriceQuote
	signals []models.Signal
	results []models.CycleOutcome
}

func (p *recordingPublisher) PublishSpread(q models.PriceQuote) {
	p.mu.Lock()
	p.spreads = append(p.spreads, q)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishSignal(sig models.Signal) {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishCycleResult(out models.CycleOutcome) {
	p.mu.Lock()
	p.results = append(p.results, out)
	p.mu.Unlock()
}

func (p *recordingPublisher) signalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

func (p *recordingPublisher) resultList() []models.CycleOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CycleOutcome(nil), p.results...)
}

// ============ Вспомогательные функции ============

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func approxEqual(a, b, eps float64) bool {
	d := a - b
	return d < eps && d > -eps
}

func quote(venue string, bid, ask float64, ts time.Time) models.PriceQuote {
	return models.PriceQuote{Venue: venue, Symbol: "BTCUSDT", BestBid: bid, BestAsk: ask, Timestamp: ts}
}
