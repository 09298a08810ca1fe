package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"arbtrader/internal/models"
	"arbtrader/pkg/retry"
	"arbtrader/pkg/utils"
)

// WSConfig конфигурация WebSocket соединения
type WSConfig struct {
	// Таймаут установки соединения (TCP + TLS + upgrade)
	ConnectTimeout time.Duration
	// Интервал прикладного ping; тишина дольше 3 интервалов считается разрывом
	PingInterval time.Duration
	// Таймаут записи одного сообщения
	WriteTimeout time.Duration
	// Задержки переподключения (MaxRetries=0 - до Close)
	Backoff retry.Config
	// PingMessage - прикладной ping площадки; nil - ping фрейм протокола
	PingMessage func() interface{}
}

// DefaultWSConfig возвращает конфигурацию по умолчанию
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		WriteTimeout:   5 * time.Second,
		Backoff:        retry.ReconnectConfig(),
	}
}

// AuthFunc отправляет запрос аутентификации и ждёт подтверждения.
// Вызывается на каждом новом соединении до перехода в Ready.
type AuthFunc func(ctx context.Context, c *WSConn) error

// SubscribeFunc отправляет подписку. Повторяется после каждого переподключения.
type SubscribeFunc func(ctx context.Context, c *WSConn) error

type subscription struct {
	key     string
	symbols []string
	fn      SubscribeFunc
}

// WSConn - одно WebSocket соединение площадки (venue, класс канала, чанк символов)
//
// Жизненный цикл:
//
//	Disconnected -> Connecting -> [AuthPending] -> Ready
//	Ready --разрыв--> Disconnected --backoff--> Connecting ...
//	* --Close--> Closed
//
// Цикл чтения стартует до аутентификации, чтобы принять подтверждение.
// Каждое новое соединение получает номер поколения: горутины чтения и ping
// старого поколения не влияют на новое.
type WSConn struct {
	venue string
	class models.ChannelClass
	chunk int
	url   string
	cfg   WSConfig
	log   *utils.Logger

	// mu защищает conn, generation, phase, since
	mu         sync.Mutex
	conn       *websocket.Conn
	generation uint64
	phase      models.ConnectionPhase
	since      time.Time

	writeMu sync.Mutex

	reconnects   int32 // atomic
	reconnecting int32 // atomic: 1 пока идёт цикл переподключения

	closeChan chan struct{}
	closeOnce sync.Once

	onMessage    func([]byte)
	onDisconnect func(error)
	auth         AuthFunc

	subs   []subscription
	subsMu sync.Mutex

	// resubMu упорядочивает восстановления подписок разных поколений
	resubMu sync.Mutex
}

// NewWSConn создаёт соединение в фазе Disconnected
func NewWSConn(venue string, class models.ChannelClass, chunk int, url string, cfg WSConfig, log *utils.Logger) *WSConn {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	c := &WSConn{
		venue:     venue,
		class:     class,
		chunk:     chunk,
		url:       url,
		cfg:       cfg,
		log:       log.With(utils.String("class", string(class)), utils.Int("chunk", chunk)),
		phase:     models.ConnDisconnected,
		since:     time.Now(),
		closeChan: make(chan struct{}),
		onMessage: func([]byte) {},
	}
	recordPhase(venue, class, chunk, models.ConnDisconnected)
	return c
}

// SetOnMessage устанавливает обработчик входящих сообщений (до Connect)
func (c *WSConn) SetOnMessage(handler func([]byte)) {
	c.onMessage = handler
}

// SetOnDisconnect устанавливает обработчик разрыва (до Connect)
func (c *WSConn) SetOnDisconnect(handler func(error)) {
	c.onDisconnect = handler
}

// SetAuth устанавливает функцию аутентификации (до Connect)
func (c *WSConn) SetAuth(auth AuthFunc) {
	c.auth = auth
}

// Phase возвращает текущую фазу
func (c *WSConn) Phase() models.ConnectionPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// State возвращает снимок состояния соединения
func (c *WSConn) State() models.ConnectionState {
	c.mu.Lock()
	phase, since := c.phase, c.since
	c.mu.Unlock()

	var symbols []string
	c.subsMu.Lock()
	for _, s := range c.subs {
		symbols = append(symbols, s.symbols...)
	}
	c.subsMu.Unlock()

	return models.ConnectionState{
		Venue:             c.venue,
		Class:             c.class,
		Chunk:             c.chunk,
		Phase:             phase,
		SubscribedSymbols: symbols,
		Reconnects:        int(atomic.LoadInt32(&c.reconnects)),
		Since:             since,
	}
}

func (c *WSConn) setPhaseLocked(p models.ConnectionPhase) {
	if c.phase == p {
		return
	}
	c.log.Debug("connection phase", utils.String("from", string(c.phase)), utils.String("to", string(p)))
	c.phase = p
	c.since = time.Now()
	recordPhase(c.venue, c.class, c.chunk, p)
}

func (c *WSConn) setPhase(p models.ConnectionPhase) {
	c.mu.Lock()
	if c.phase != models.ConnClosed {
		c.setPhaseLocked(p)
	}
	c.mu.Unlock()
}

func (c *WSConn) isClosed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// Connect устанавливает соединение, проходит аутентификацию и отправляет подписки.
// Ошибка аутентификации возвращается как *AuthenticationError.
func (c *WSConn) Connect(ctx context.Context) error {
	if c.isClosed() {
		return &ConnectionError{Venue: c.venue, Op: "connect " + string(c.class), Err: errors.New("connection is closed")}
	}
	return c.connectOnce(ctx)
}

func (c *WSConn) connectOnce(ctx context.Context) error {
	c.setPhase(models.ConnConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, _, err := dialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		c.setPhase(models.ConnDisconnected)
		return &ConnectionError{Venue: c.venue, Op: "dial " + string(c.class), Err: err}
	}

	c.mu.Lock()
	if c.phase == models.ConnClosed {
		c.mu.Unlock()
		conn.Close()
		return &ConnectionError{Venue: c.venue, Op: "dial " + string(c.class), Err: errors.New("closed during dial")}
	}
	c.conn = conn
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	go c.readPump(conn, gen)

	if c.auth != nil {
		c.setPhase(models.ConnAuthPending)
		if err := c.auth(ctx, c); err != nil {
			c.dropConn(gen)
			return err
		}
	}

	// Соединение могло оборваться между подтверждением и этой точкой
	c.mu.Lock()
	if c.generation != gen || c.conn == nil {
		c.mu.Unlock()
		return &ConnectionError{Venue: c.venue, Op: "connect " + string(c.class), Err: errors.New("connection lost before ready")}
	}
	c.setPhaseLocked(models.ConnReady)
	c.mu.Unlock()

	go c.pingPump(conn, gen)

	if err := c.resubscribe(ctx, gen); err != nil {
		c.dropConn(gen)
		return err
	}

	c.log.Info("WebSocket ready", utils.String("url", c.url))
	return nil
}

// dropConn закрывает соединение поколения gen без запуска переподключения
func (c *WSConn) dropConn(gen uint64) {
	c.mu.Lock()
	if c.generation == gen && c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.phase != models.ConnClosed {
		c.setPhaseLocked(models.ConnDisconnected)
	}
	c.mu.Unlock()
}

// Subscribe запоминает подписку для восстановления и отправляет её, если соединение готово
func (c *WSConn) Subscribe(ctx context.Context, key string, symbols []string, fn SubscribeFunc) error {
	c.subsMu.Lock()
	replaced := false
	for i := range c.subs {
		if c.subs[i].key == key {
			c.subs[i] = subscription{key: key, symbols: symbols, fn: fn}
			replaced = true
		}
	}
	if !replaced {
		c.subs = append(c.subs, subscription{key: key, symbols: symbols, fn: fn})
	}
	c.subsMu.Unlock()

	if c.Phase() != models.ConnReady {
		return nil
	}
	return fn(ctx, c)
}

// resubscribe отправляет все сохранённые подписки соединения поколения gen.
// Восстановление предыдущего поколения дожидается завершения, затем подписки
// отправляются заново: частичная отправка старым поколением могла уйти в разорванный сокет.
func (c *WSConn) resubscribe(ctx context.Context, gen uint64) error {
	c.resubMu.Lock()
	defer c.resubMu.Unlock()

	c.mu.Lock()
	current := c.generation == gen
	c.mu.Unlock()
	if !current {
		return &ConnectionError{Venue: c.venue, Op: "resubscribe " + string(c.class), Err: errors.New("connection replaced")}
	}

	c.subsMu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()

	for _, s := range subs {
		if err := s.fn(ctx, c); err != nil {
			return fmt.Errorf("resubscribe %s: %w", s.key, err)
		}
	}
	if len(subs) > 0 {
		c.log.Debug("subscriptions restored", utils.Int("count", len(subs)))
	}
	return nil
}

// readPump читает сообщения соединения поколения gen
func (c *WSConn) readPump(conn *websocket.Conn, gen uint64) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.onMessage(message)
	}
}

// pingPump поддерживает соединение прикладным ping
func (c *WSConn) pingPump(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.generation != gen || c.conn == nil
			c.mu.Unlock()
			if stale {
				return
			}

			var err error
			if c.cfg.PingMessage != nil {
				err = c.writeConn(conn, c.cfg.PingMessage())
			} else {
				c.writeMu.Lock()
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
				c.writeMu.Unlock()
			}
			if err != nil {
				c.handleDisconnect(gen, err)
				return
			}
		}
	}
}

// handleDisconnect обрабатывает разрыв соединения поколения gen.
// Переподключение запускается только из Ready: сбой во время Connect возвращается вызывающему.
func (c *WSConn) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if c.generation != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	prev := c.phase
	if prev != models.ConnClosed {
		c.setPhaseLocked(models.ConnDisconnected)
	}
	c.mu.Unlock()

	conn.Close()

	if prev == models.ConnClosed {
		return
	}
	if c.onDisconnect != nil {
		c.onDisconnect(&ConnectionError{Venue: c.venue, Op: "read " + string(c.class), Err: cause})
	}
	if prev != models.ConnReady {
		return
	}

	c.log.Warn("WebSocket disconnected", utils.Err(cause))
	go c.reconnectLoop()
}

// reconnectLoop переподключается с exponential backoff до успеха или Close
func (c *WSConn) reconnectLoop() {
	if !atomic.CompareAndSwapInt32(&c.reconnecting, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.reconnecting, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closeChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Первая попытка тоже после задержки
	timer := time.NewTimer(c.cfg.Backoff.Delay(0))
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	cfg := c.cfg.Backoff
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		if errors.Is(err, ErrAuthentication) {
			c.log.Error("re-authentication failed", utils.Int("attempt", attempt), utils.Err(err))
			return
		}
		c.log.Warn("reconnect failed", utils.Int("attempt", attempt), utils.Duration("next_delay", delay), utils.Err(err))
	}

	err := retry.Do(ctx, func() error {
		return c.connectOnce(ctx)
	}, cfg)
	if err != nil {
		if !c.isClosed() {
			c.log.Error("reconnect abandoned", utils.Err(err))
		}
		return
	}

	atomic.AddInt32(&c.reconnects, 1)
	Reconnects.WithLabelValues(c.venue, string(c.class)).Inc()
	c.log.Info("WebSocket reconnected")
}

// Send отправляет сообщение; требует фазу Ready
func (c *WSConn) Send(msg interface{}) error {
	c.mu.Lock()
	conn, phase := c.conn, c.phase
	c.mu.Unlock()

	if phase != models.ConnReady || conn == nil {
		return &ConnectionError{Venue: c.venue, Op: "send " + string(c.class),
			Err: fmt.Errorf("%w (phase %s)", ErrNotConnected, phase)}
	}
	return c.writeConn(conn, msg)
}

// write отправляет сообщение в любой фазе с открытым соединением (аутентификация)
func (c *WSConn) write(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return &ConnectionError{Venue: c.venue, Op: "send " + string(c.class), Err: ErrNotConnected}
	}
	return c.writeConn(conn, msg)
}

func (c *WSConn) writeConn(conn *websocket.Conn, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Venue: c.venue, Op: "write " + string(c.class), Err: err}
	}
	return nil
}

// Close закрывает соединение и останавливает переподключение
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeChan)

		c.mu.Lock()
		c.setPhaseLocked(models.ConnClosed)
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
	return err
}
