package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestResultSlot_ResolvesOnce(t *testing.T) {
	slot := newResultSlot[string]()

	if !slot.resolve("first") {
		t.Fatal("first resolve should succeed")
	}
	if slot.resolve("second") {
		t.Error("second resolve should be ignored")
	}
	if slot.fail(errors.New("late")) {
		t.Error("fail after resolve should be ignored")
	}

	v, err := slot.wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "first" {
		t.Errorf("expected first, got %s", v)
	}
}

func TestResultSlot_ConcurrentResolvers(t *testing.T) {
	slot := newResultSlot[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if slot.resolve(n) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}

func TestResultSlot_Timeout(t *testing.T) {
	slot := newResultSlot[int]()

	_, err := slot.wait(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, errSlotTimeout) {
		t.Errorf("expected errSlotTimeout, got %v", err)
	}
}

func TestResultSlot_ContextCancel(t *testing.T) {
	slot := newResultSlot[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := slot.wait(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPendingRegistry(t *testing.T) {
	t.Run("resolve removes entry", func(t *testing.T) {
		r := newPendingRegistry[string]()
		slot := r.register("id-1")

		if !r.resolve("id-1", "ok") {
			t.Fatal("resolve should find registered slot")
		}
		if r.len() != 0 {
			t.Errorf("expected empty registry, got %d", r.len())
		}
		if v, _ := slot.wait(context.Background(), time.Second); v != "ok" {
			t.Errorf("expected ok, got %s", v)
		}
		if r.resolve("id-1", "again") {
			t.Error("second resolve should find nothing")
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		r := newPendingRegistry[string]()
		if r.resolve("missing", "x") {
			t.Error("resolve of unknown key should return false")
		}
	})

	t.Run("register supersedes previous slot", func(t *testing.T) {
		r := newPendingRegistry[string]()
		old := r.register("auth")
		fresh := r.register("auth")

		if _, err := old.wait(context.Background(), time.Second); err == nil {
			t.Error("superseded slot should fail")
		}
		r.resolve("auth", "ok")
		if v, err := fresh.wait(context.Background(), time.Second); err != nil || v != "ok" {
			t.Errorf("fresh slot: got %q, %v", v, err)
		}
	})

	t.Run("failAll", func(t *testing.T) {
		r := newPendingRegistry[string]()
		a := r.register("a")
		b := r.register("b")

		if n := r.failAll(errors.New("closed")); n != 2 {
			t.Errorf("expected 2 failed, got %d", n)
		}
		for _, s := range []*resultSlot[string]{a, b} {
			if _, err := s.wait(context.Background(), time.Second); err == nil {
				t.Error("expected error after failAll")
			}
		}
	})
}

func TestNewCorrelationID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewCorrelationID()
		if len(id) != 24 {
			t.Fatalf("expected 24 chars, got %d (%s)", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
