package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

func entrySignal() models.Signal {
	return models.Signal{Symbol: "BTCUSDT", Type: models.SignalEntry, CheapVenue: "gate", ExpensiveVenue: "bybit", DeviationPct: 0.4}
}

func exitSignal() models.Signal {
	return models.Signal{Symbol: "BTCUSDT", Type: models.SignalExit, CheapVenue: "gate", ExpensiveVenue: "bybit", DeviationPct: 0.01}
}

// newTestExecutor - исполнитель поверх стенда цикла gate -> bybit
func newTestExecutor(t *testing.T) (*TradeExecutor, *cycleHarness, chan models.CycleOutcome) {
	t.Helper()
	h := newCycleHarness(t, nil)
	results := make(chan models.CycleOutcome, 4)

	factory := func(key models.CycleKey) (*Orchestrator, error) {
		if key != h.orch.Key() {
			return nil, errors.New("venue pair not configured")
		}
		return h.orch, nil
	}
	ex := NewTradeExecutor(factory, func(out models.CycleOutcome) { results <- out }, utils.NewNopLogger())
	return ex, h, results
}

func TestTradeExecutor_EntryStartsCycle(t *testing.T) {
	ex, h, results := newTestExecutor(t)
	h.autoFillSell()

	if !ex.Execute(context.Background(), entrySignal()) {
		t.Fatal("entry must start a cycle")
	}
	if !ex.InProgress(h.orch.Key()) {
		t.Error("cycle must be in progress after entry")
	}

	h.fillBuy(t)
	h.settleBalance()

	select {
	case out := <-results:
		if !out.Success {
			t.Errorf("expected completed cycle, got %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result published")
	}
	ex.Wait()
	if ex.InProgress(h.orch.Key()) {
		t.Error("cycle must be released after completion")
	}
}

func TestTradeExecutor_EntryDroppedWhileInProgress(t *testing.T) {
	ex, h, results := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())

	if !ex.Execute(ctx, entrySignal()) {
		t.Fatal("first entry must start a cycle")
	}
	h.waitPhase(t, models.PhaseTrailingBuy)

	// второй Entry отбрасывается, а не ставится в очередь
	if ex.Execute(ctx, entrySignal()) {
		t.Error("entry during an active cycle must be dropped")
	}

	cancel()
	<-results
	ex.Wait()

	select {
	case out := <-results:
		t.Errorf("dropped entry must not start a second cycle, got %+v", out)
	default:
	}
	if got := len(h.buy.placedOrders()); got > 1 {
		t.Errorf("buy orders placed = %d, want at most 1", got)
	}
}

func TestTradeExecutor_ExitCancelsTrailing(t *testing.T) {
	ex, _, results := newTestExecutor(t)

	if !ex.Execute(context.Background(), entrySignal()) {
		t.Fatal("entry must start a cycle")
	}
	waitFor(t, 2*time.Second, func() bool { return ex.Execute(context.Background(), exitSignal()) })

	select {
	case out := <-results:
		if out.Success || out.FailedPhase != models.PhaseTrailingBuy {
			t.Errorf("outcome = %+v, want failure in TRAILING_BUY", out)
		}
		if !strings.Contains(out.Error, ErrCycleCancelled.Error()) {
			t.Errorf("error = %q, want cancellation", out.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result published")
	}
	ex.Wait()
}

func TestTradeExecutor_ExitWithoutCycleIgnored(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	if ex.Execute(context.Background(), exitSignal()) {
		t.Error("exit without a cycle must be a no-op")
	}
}

func TestTradeExecutor_UnknownVenuePair(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	sig := entrySignal()
	sig.CheapVenue, sig.ExpensiveVenue = "okx", "bybit"
	if ex.Execute(context.Background(), sig) {
		t.Error("entry for unknown venue pair must be dropped")
	}
	if len(ex.Cycles()) != 0 {
		t.Error("no cycle expected")
	}
}

func TestTradeExecutor_Cycles(t *testing.T) {
	ex, h, results := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())

	ex.Execute(ctx, entrySignal())
	h.waitPhase(t, models.PhaseTrailingBuy)

	cycles := ex.Cycles()
	if len(cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(cycles))
	}
	if cycles[0].Key != h.orch.Key() || cycles[0].Phase != models.PhaseTrailingBuy {
		t.Errorf("unexpected snapshot %+v", cycles[0])
	}
	if cycles[0].BaselineBalance != 1.0 {
		t.Errorf("baseline = %v, want 1.0", cycles[0].BaselineBalance)
	}

	cancel()
	<-results
	ex.Wait()
	if len(ex.Cycles()) != 0 {
		t.Error("finished cycles must not be listed")
	}
}
