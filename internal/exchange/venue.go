package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"arbtrader/internal/models"
	"arbtrader/pkg/ratelimit"
	"arbtrader/pkg/utils"
)

// VenueConfig - настройки клиента площадки
type VenueConfig struct {
	APIKey    string
	APISecret string

	// Пустые URL - боевые адреса площадки
	PublicURL  string
	PrivateURL string
	TradeURL   string
	RESTURL    string

	SymbolsPerConnection int
	OrderTimeout         time.Duration // ожидание ответа на торговый запрос
	AuthTimeout          time.Duration // ожидание подтверждения аутентификации
	OrderRateLimit       float64       // торговых запросов в секунду

	WS         WSConfig
	HTTPClient *http.Client
}

func (c *VenueConfig) applyDefaults() {
	if c.SymbolsPerConnection <= 0 {
		c.SymbolsPerConnection = 10
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.OrderRateLimit <= 0 {
		c.OrderRateLimit = 10
	}
	if c.WS.ConnectTimeout == 0 && c.WS.PingInterval == 0 {
		ping := c.WS.PingMessage
		c.WS = DefaultWSConfig()
		c.WS.PingMessage = ping
	}
	if c.HTTPClient == nil {
		c.HTTPClient = GetGlobalHTTPClient()
	}
}

// authAck - подтверждение (или отказ) аутентификации канала
type authAck struct {
	OK      bool
	Message string
}

// tradeAck - ответ площадки на торговый запрос
type tradeAck struct {
	Code          string // "" или "0" - успех
	Message       string
	OrderID       string
	ClientOrderID string
	Status        string
}

func (a tradeAck) rejected() bool {
	return a.Code != "" && a.Code != "0"
}

// venueBase - общая часть клиентов площадок: соединения, ожидающие ответы,
// обработчики приватных событий
type venueBase struct {
	name    string
	cfg     VenueConfig
	log     *utils.Logger
	conns   *connSet
	rest    *restClient
	limiter *ratelimit.MultiLimiter

	authAcks *pendingRegistry[authAck]  // по имени канала
	orders   *pendingRegistry[tradeAck] // по correlation id

	handlersMu sync.RWMutex
	onOrder    func(OrderUpdate)
	onBalance  func(BalanceUpdate)

	private *WSConn
	trade   *WSConn
}

func newVenueBase(name string, cfg VenueConfig, restURL string, log *utils.Logger) *venueBase {
	cfg.applyDefaults()

	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(ratelimit.CategoryOrder, cfg.OrderRateLimit, int(cfg.OrderRateLimit))
	limiter.Add(ratelimit.CategoryREST, 10, 20)

	return &venueBase{
		name:    name,
		cfg:     cfg,
		log:     log.WithVenue(name),
		conns:   newConnSet(),
		limiter: limiter,
		rest: &restClient{
			venue:   name,
			baseURL: restURL,
			http:    cfg.HTTPClient,
			limiter: limiter,
		},
		authAcks:  newPendingRegistry[authAck](),
		orders:    newPendingRegistry[tradeAck](),
		onOrder:   func(OrderUpdate) {},
		onBalance: func(BalanceUpdate) {},
	}
}

func (b *venueBase) Name() string { return b.name }

func (b *venueBase) SubscribeToOrderUpdates(onUpdate func(OrderUpdate)) {
	b.handlersMu.Lock()
	b.onOrder = onUpdate
	b.handlersMu.Unlock()
}

func (b *venueBase) SubscribeToBalanceUpdates(onUpdate func(BalanceUpdate)) {
	b.handlersMu.Lock()
	b.onBalance = onUpdate
	b.handlersMu.Unlock()
}

func (b *venueBase) emitOrder(u OrderUpdate) {
	b.handlersMu.RLock()
	h := b.onOrder
	b.handlersMu.RUnlock()
	h(u)
}

func (b *venueBase) emitBalance(u BalanceUpdate) {
	b.handlersMu.RLock()
	h := b.onBalance
	b.handlersMu.RUnlock()
	h(u)
}

// SupportsFillEvents: обе площадки присылают исполнения по приватному каналу
func (b *venueBase) SupportsFillEvents() bool { return true }

func (b *venueBase) ConnectionStates() []models.ConnectionState {
	return b.conns.states()
}

func (b *venueBase) Close() error {
	b.conns.closeAll()
	b.authAcks.failAll(errors.New("venue closed"))
	b.orders.failAll(errors.New("venue closed"))
	return nil
}

// newChannel создаёт приватное или торговое соединение. При разрыве ожидания
// аутентификации по authKeys разрешаются ошибкой сразу, не дожидаясь таймаута.
func (b *venueBase) newChannel(class models.ChannelClass, url string, onMessage func([]byte), authKeys ...string) *WSConn {
	conn := NewWSConn(b.name, class, b.conns.nextChunk(class), url, b.cfg.WS, b.log)
	conn.SetOnMessage(onMessage)
	conn.SetOnDisconnect(func(err error) {
		for _, key := range authKeys {
			b.authAcks.fail(key, err)
		}
	})
	b.conns.add(conn)
	return conn
}

// awaitAuth отправляет msg и ждёт подтверждения, которое цикл чтения
// разрешит по ключу key. Результат разрешается ровно один раз.
func (b *venueBase) awaitAuth(ctx context.Context, c *WSConn, key string, msg interface{}) error {
	slot := b.authAcks.register(key)

	if err := c.write(msg); err != nil {
		b.authAcks.remove(key)
		return &AuthenticationError{Venue: b.name, Channel: key, Reason: "send auth request", Err: err}
	}

	ack, err := slot.wait(ctx, b.cfg.AuthTimeout)
	switch {
	case errors.Is(err, errSlotTimeout):
		b.authAcks.remove(key)
		return &AuthenticationError{Venue: b.name, Channel: key,
			Reason: fmt.Sprintf("no acknowledgment within %v", b.cfg.AuthTimeout)}
	case err != nil:
		b.authAcks.remove(key)
		return &AuthenticationError{Venue: b.name, Channel: key, Reason: "awaiting acknowledgment", Err: err}
	case !ack.OK:
		return &AuthenticationError{Venue: b.name, Channel: key, Reason: ack.Message}
	}

	b.log.Debug("channel authenticated", utils.Channel(key))
	return nil
}

// request отправляет торговый запрос и ждёт ответ с тем же correlation id.
// Таймаут -> *RequestTimeoutError, отказ площадки -> *OrderRejectedError.
func (b *venueBase) request(ctx context.Context, op, id string, msg interface{}) (tradeAck, error) {
	started := time.Now()

	ack, err := b.doRequest(ctx, op, id, msg)
	recordOrderRequest(b.name, op, started, err)
	if err != nil {
		b.log.Warn("order request failed", utils.String("op", op), utils.CorrelationID(id), utils.Err(err))
	}
	return ack, err
}

func (b *venueBase) doRequest(ctx context.Context, op, id string, msg interface{}) (tradeAck, error) {
	if b.trade == nil {
		return tradeAck{}, &ConnectionError{Venue: b.name, Op: op, Err: ErrNotConnected}
	}
	if err := b.limiter.Wait(ctx, ratelimit.CategoryOrder); err != nil {
		return tradeAck{}, err
	}

	slot := b.orders.register(id)
	if err := b.trade.Send(msg); err != nil {
		b.orders.remove(id)
		return tradeAck{}, err
	}

	ack, err := slot.wait(ctx, b.cfg.OrderTimeout)
	if err != nil {
		b.orders.remove(id)
		if errors.Is(err, errSlotTimeout) {
			return tradeAck{}, &RequestTimeoutError{Venue: b.name, Op: op, CorrelationID: id, Timeout: b.cfg.OrderTimeout}
		}
		return tradeAck{}, err
	}
	if ack.rejected() {
		return ack, &OrderRejectedError{Venue: b.name, Code: ack.Code, Message: ack.Message}
	}
	return ack, nil
}

func correlationOrNew(id string) string {
	if id != "" {
		return id
	}
	return NewCorrelationID()
}
