package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

// ============================================================
// Test doubles
// ============================================================

type recordingSink struct {
	mu      sync.Mutex
	name    string
	err     error
	block   chan struct{}
	spreads []models.PriceQuote
	signals []models.Signal
	results []models.CycleOutcome
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Spread(_ context.Context, q models.PriceQuote) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spreads = append(s.spreads, q)
	return s.err
}

func (s *recordingSink) Signal(_ context.Context, sig models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return s.err
}

func (s *recordingSink) CycleResult(_ context.Context, out models.CycleOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, out)
	return s.err
}

func (s *recordingSink) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spreads), len(s.signals), len(s.results)
}

type fakeRedis struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][]map[string]interface{}
	pubErr    error
	xaddErr   error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		published: make(map[string][][]byte),
		streams:   make(map[string][]map[string]interface{}),
	}
}

func (r *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if r.pubErr != nil {
		cmd.SetErr(r.pubErr)
		return cmd
	}
	r.mu.Lock()
	r.published[channel] = append(r.published[channel], message.([]byte))
	r.mu.Unlock()
	cmd.SetVal(1)
	return cmd
}

func (r *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "xadd", a.Stream)
	if r.xaddErr != nil {
		cmd.SetErr(r.xaddErr)
		return cmd
	}
	r.mu.Lock()
	r.streams[a.Stream] = append(r.streams[a.Stream], a.Values.(map[string]interface{}))
	r.mu.Unlock()
	cmd.SetVal("1-0")
	return cmd
}

type fakeStore struct {
	saved []models.CycleOutcome
	err   error
}

func (s *fakeStore) Create(_ context.Context, out models.CycleOutcome) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.saved = append(s.saved, out)
	return int64(len(s.saved)), nil
}

func testOutcome(success bool) models.CycleOutcome {
	out := models.CycleOutcome{
		Key:            models.CycleKey{Symbol: "BTCUSDT", BuyVenue: "gate", SellVenue: "bybit"},
		Success:        success,
		BoughtQuantity: 0.0004,
		EntryPrice:     49990,
		CostQuote:      19.996,
		FinishedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if success {
		out.SoldQuantity = 0.0004
		out.ExitPrice = 50240
		out.ProceedsQuote = 20.096
	} else {
		out.FailedPhase = models.PhaseSelling
		out.Error = "rejected"
		out.Exposure = 0.0004
	}
	return out
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

// ============================================================
// Fanout Tests
// ============================================================

func TestNewFanout_Defaults(t *testing.T) {
	f := NewFanout(FanoutConfig{}, utils.NewNopLogger())
	def := DefaultFanoutConfig()

	if cap(f.spreads) != def.SpreadBuffer || cap(f.events) != def.EventBuffer {
		t.Errorf("buffers = %d/%d, want %d/%d", cap(f.spreads), cap(f.events), def.SpreadBuffer, def.EventBuffer)
	}
	if f.cfg.SinkTimeout != def.SinkTimeout {
		t.Errorf("sink timeout = %v, want %v", f.cfg.SinkTimeout, def.SinkTimeout)
	}
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("sink down")}
	f := NewFanout(FanoutConfig{}, utils.NewNopLogger(), a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	f.PublishSpread(models.PriceQuote{Venue: "gate", Symbol: "BTCUSDT"})
	f.PublishSignal(models.Signal{Symbol: "BTCUSDT", Type: models.SignalEntry})
	f.PublishCycleResult(testOutcome(true))

	for _, s := range []*recordingSink{a, b} {
		waitFor(t, time.Second, func() bool {
			sp, sg, res := s.counts()
			return sp == 1 && sg == 1 && res == 1
		})
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestFanout_EnqueueNeverBlocks(t *testing.T) {
	f := NewFanout(FanoutConfig{SpreadBuffer: 1, EventBuffer: 1}, utils.NewNopLogger())

	start := time.Now()
	for i := 0; i < 100; i++ {
		f.PublishSpread(models.PriceQuote{Symbol: "BTCUSDT"})
		f.PublishCycleResult(testOutcome(false))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publishing without a consumer took %v", elapsed)
	}
	if len(f.spreads) != 1 || len(f.events) != 1 {
		t.Errorf("queued = %d/%d, want 1/1", len(f.spreads), len(f.events))
	}
}

func TestFanout_SlowSpreadsDoNotStarveResults(t *testing.T) {
	block := make(chan struct{})
	sink := &recordingSink{name: "slow", block: block}
	f := NewFanout(FanoutConfig{SpreadBuffer: 8, EventBuffer: 8}, utils.NewNopLogger(), sink)

	for i := 0; i < 8; i++ {
		f.PublishSpread(models.PriceQuote{Symbol: "BTCUSDT"})
	}
	f.PublishCycleResult(testOutcome(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	// результат уходит до котировок
	waitFor(t, time.Second, func() bool {
		_, _, res := sink.counts()
		return res == 1
	})
	if sp, _, _ := sink.counts(); sp != 0 {
		t.Errorf("spreads delivered before result: %d", sp)
	}
	close(block)
}

func TestFanout_DrainsResultsOnShutdown(t *testing.T) {
	sink := &recordingSink{name: "db"}
	f := NewFanout(FanoutConfig{}, utils.NewNopLogger(), sink)

	f.PublishSpread(models.PriceQuote{Symbol: "BTCUSDT"})
	f.PublishCycleResult(testOutcome(false))
	f.PublishCycleResult(testOutcome(true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = f.Run(ctx)

	if _, _, res := sink.counts(); res != 2 {
		t.Errorf("results delivered on shutdown = %d, want 2", res)
	}
}

// ============================================================
// Sink Tests
// ============================================================

func TestLogSink_NeverFails(t *testing.T) {
	s := NewLogSink(utils.NewNopLogger())
	ctx := context.Background()

	if s.Name() != "log" {
		t.Errorf("Name() = %q", s.Name())
	}
	if err := s.Spread(ctx, models.PriceQuote{}); err != nil {
		t.Errorf("Spread: %v", err)
	}
	if err := s.Signal(ctx, models.Signal{}); err != nil {
		t.Errorf("Signal: %v", err)
	}
	for _, success := range []bool{true, false} {
		if err := s.CycleResult(ctx, testOutcome(success)); err != nil {
			t.Errorf("CycleResult(success=%v): %v", success, err)
		}
	}
}

func TestRedisSink_Channels(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "arb:signal"},
		{"prod", "prod:signal"},
	}

	for _, tt := range tests {
		s := NewRedisSink(newFakeRedis(), tt.prefix)
		if got := s.SignalChannel(); got != tt.want {
			t.Errorf("SignalChannel() with prefix %q = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestRedisSink_Publish(t *testing.T) {
	rdb := newFakeRedis()
	s := NewRedisSink(rdb, "arb")
	ctx := context.Background()

	if err := s.Spread(ctx, models.PriceQuote{Venue: "gate", Symbol: "ETHUSDT", BestBid: 3000}); err != nil {
		t.Fatalf("Spread: %v", err)
	}
	if err := s.Signal(ctx, models.Signal{Symbol: "BTCUSDT", Type: models.SignalExit}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := s.CycleResult(ctx, testOutcome(true)); err != nil {
		t.Fatalf("CycleResult: %v", err)
	}

	if n := len(rdb.published["arb:spread:ETHUSDT"]); n != 1 {
		t.Errorf("spread messages = %d, want 1", n)
	}

	var sig models.Signal
	if err := json.Unmarshal(rdb.published["arb:signal"][0], &sig); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if sig.Type != models.SignalExit {
		t.Errorf("signal type = %s", sig.Type)
	}

	entries := rdb.streams["arb:cycles"]
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, want 1", len(entries))
	}
	if entries[0]["symbol"] != "BTCUSDT" || entries[0]["success"] != true {
		t.Errorf("unexpected stream entry %v", entries[0])
	}
	if len(rdb.published["arb:cycle"]) != 1 {
		t.Error("cycle result not published")
	}
}

func TestRedisSink_Errors(t *testing.T) {
	tests := []struct {
		name    string
		pubErr  error
		xaddErr error
	}{
		{"publish fails", errors.New("connection refused"), nil},
		{"stream append fails", nil, errors.New("OOM")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb := newFakeRedis()
			rdb.pubErr = tt.pubErr
			rdb.xaddErr = tt.xaddErr

			err := NewRedisSink(rdb, "arb").CycleResult(context.Background(), testOutcome(false))
			if err == nil {
				t.Fatal("expected error")
			}
			want := tt.pubErr
			if want == nil {
				want = tt.xaddErr
			}
			if !errors.Is(err, want) {
				t.Errorf("error %v does not wrap %v", err, want)
			}
		})
	}
}

func TestRepositorySink(t *testing.T) {
	store := &fakeStore{}
	s := NewRepositorySink(store)
	ctx := context.Background()

	_ = s.Spread(ctx, models.PriceQuote{})
	_ = s.Signal(ctx, models.Signal{})
	if err := s.CycleResult(ctx, testOutcome(false)); err != nil {
		t.Fatalf("CycleResult: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].Exposure != 0.0004 {
		t.Errorf("saved = %+v", store.saved)
	}

	store.err = errors.New("db down")
	if err := s.CycleResult(ctx, testOutcome(true)); !errors.Is(err, store.err) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}
