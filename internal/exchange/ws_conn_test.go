package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arbtrader/internal/models"
	"arbtrader/pkg/retry"
	"arbtrader/pkg/utils"
)

// ============ Тестовый WebSocket сервер ============

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) read() (map[string]interface{}, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *serverConn) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *serverConn) close() {
	_ = c.ws.Close()
}

// newWSServer запускает сервер, вызывающий handler для каждого соединения
func newWSServer(t *testing.T, handler func(c *serverConn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(&serverConn{ws: ws})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testWSConfig() WSConfig {
	return WSConfig{
		ConnectTimeout: time.Second,
		PingInterval:   time.Second,
		WriteTimeout:   time.Second,
		Backoff: retry.Config{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func testVenueConfig(wsURL, restURL string) VenueConfig {
	return VenueConfig{
		APIKey:         "test-key",
		APISecret:      "test-secret",
		PublicURL:      wsURL,
		PrivateURL:     wsURL,
		TradeURL:       wsURL,
		RESTURL:        restURL,
		OrderTimeout:   300 * time.Millisecond,
		AuthTimeout:    300 * time.Millisecond,
		OrderRateLimit: 1000,
		WS:             testWSConfig(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ============ WSConn ============

func TestWSConn_SendRequiresReady(t *testing.T) {
	conn := NewWSConn("test", models.ChannelPublic, 0, "ws://127.0.0.1:1", testWSConfig(), utils.NewNopLogger())

	err := conn.Send(map[string]string{"op": "ping"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if conn.Phase() != models.ConnDisconnected {
		t.Errorf("expected disconnected phase, got %s", conn.Phase())
	}
}

func TestWSConn_DialFailure(t *testing.T) {
	conn := NewWSConn("test", models.ChannelPublic, 0, "ws://127.0.0.1:1", testWSConfig(), utils.NewNopLogger())

	err := conn.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Errorf("expected ConnectionError, got %v", err)
	}
}

func TestWSConn_AuthPendingUntilAck(t *testing.T) {
	url := newWSServer(t, func(c *serverConn) {
		for {
			if _, err := c.read(); err != nil {
				return
			}
		}
	})

	conn := NewWSConn("test", models.ChannelPrivate, 0, url, testWSConfig(), utils.NewNopLogger())
	defer conn.Close()

	release := make(chan struct{})
	var sawPending atomic.Bool
	conn.SetAuth(func(ctx context.Context, c *WSConn) error {
		sawPending.Store(c.Phase() == models.ConnAuthPending)
		// до подтверждения Send недоступен
		if err := c.Send("x"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("send during auth should fail, got %v", err)
		}
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- conn.Connect(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !sawPending.Load() {
		t.Error("auth should run in AuthPending phase")
	}
	if conn.Phase() != models.ConnReady {
		t.Errorf("expected ready, got %s", conn.Phase())
	}
}

func TestWSConn_ResubscribesAfterReconnect(t *testing.T) {
	var connections, subscribes int32

	url := newWSServer(t, func(c *serverConn) {
		n := atomic.AddInt32(&connections, 1)
		for {
			m, err := c.read()
			if err != nil {
				return
			}
			if m["op"] != "subscribe" {
				continue
			}
			atomic.AddInt32(&subscribes, 1)
			if n == 1 {
				// первое соединение обрывается сразу после подписки
				c.close()
				return
			}
			_ = c.send(map[string]string{"topic": "restored"})
		}
	})

	conn := NewWSConn("test", models.ChannelPublic, 0, url, testWSConfig(), utils.NewNopLogger())
	defer conn.Close()

	restored := make(chan struct{}, 1)
	conn.SetOnMessage(func(data []byte) {
		if strings.Contains(string(data), "restored") {
			select {
			case restored <- struct{}{}:
			default:
			}
		}
	})
	_ = conn.Subscribe(context.Background(), "tickers", []string{"BTCUSDT"}, func(ctx context.Context, c *WSConn) error {
		return c.Send(map[string]interface{}{"op": "subscribe", "args": []string{"orderbook.1.BTCUSDT"}})
	})

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-restored:
	case <-time.After(3 * time.Second):
		t.Fatal("subscription was not restored after reconnect")
	}

	if got := atomic.LoadInt32(&subscribes); got < 2 {
		t.Errorf("expected resubscribe, got %d subscribes", got)
	}
	waitFor(t, time.Second, func() bool { return conn.State().Reconnects >= 1 })
	if conn.State().SubscribedSymbols[0] != "BTCUSDT" {
		t.Errorf("unexpected subscribed symbols: %v", conn.State().SubscribedSymbols)
	}
}

func TestWSConn_ResubscribeWaitsForPreviousGeneration(t *testing.T) {
	conn := NewWSConn("test", models.ChannelPublic, 0, "ws://127.0.0.1:1", testWSConfig(), utils.NewNopLogger())

	var calls atomic.Int32
	_ = conn.Subscribe(context.Background(), "tickers", []string{"BTCUSDT"}, func(ctx context.Context, c *WSConn) error {
		calls.Add(1)
		return nil
	})

	// восстановление предыдущего поколения ещё идёт
	conn.resubMu.Lock()
	conn.mu.Lock()
	conn.generation++
	gen := conn.generation
	conn.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- conn.resubscribe(context.Background(), gen) }()

	select {
	case err := <-done:
		t.Fatalf("resubscribe returned while previous one was running: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	conn.resubMu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("resubscribe: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("resubscribe did not resume")
	}
	if calls.Load() != 1 {
		t.Errorf("subscriptions sent %d times, want 1", calls.Load())
	}
}

func TestWSConn_ResubscribeStaleGeneration(t *testing.T) {
	conn := NewWSConn("test", models.ChannelPublic, 0, "ws://127.0.0.1:1", testWSConfig(), utils.NewNopLogger())

	var calls atomic.Int32
	_ = conn.Subscribe(context.Background(), "tickers", []string{"BTCUSDT"}, func(ctx context.Context, c *WSConn) error {
		calls.Add(1)
		return nil
	})

	conn.mu.Lock()
	conn.generation = 2
	conn.mu.Unlock()

	if err := conn.resubscribe(context.Background(), 1); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ConnectionError for replaced connection, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("stale generation must not send subscriptions")
	}
}

func TestWSConn_CloseStopsReconnect(t *testing.T) {
	url := newWSServer(t, func(c *serverConn) {
		for {
			if _, err := c.read(); err != nil {
				return
			}
		}
	})

	conn := NewWSConn("test", models.ChannelPublic, 0, url, testWSConfig(), utils.NewNopLogger())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_ = conn.Close()
	if conn.Phase() != models.ConnClosed {
		t.Errorf("expected closed, got %s", conn.Phase())
	}
	if err := conn.Connect(context.Background()); err == nil {
		t.Error("connect after close should fail")
	}
}
