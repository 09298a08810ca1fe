package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	var retried []int

	cfg := fastConfig(5)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	}

	err := Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, cfg)

	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retried)
	}
}

func TestDo_ReturnsLastError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("attempt %d", attempts)
	}, fastConfig(3))

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if err == nil || err.Error() != "attempt 3" {
		t.Errorf("err = %v, want attempt 3", err)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	rejected := errors.New("invalid api key")
	attempts := 0

	err := Do(context.Background(), func() error {
		attempts++
		return Permanent(rejected)
	}, fastConfig(5))

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if err != rejected {
		t.Errorf("err = %v, want unwrapped permanent cause", err)
	}
}

func TestDo_UnboundedStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := Do(ctx, func() error {
		attempts++
		if attempts == 4 {
			cancel()
		}
		return errors.New("dial failed")
	}, fastConfig(0))

	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	bal, err := DoWithResult(context.Background(), func() (float64, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("timeout")
		}
		return 0.25, nil
	}, fastConfig(3))

	if err != nil || bal != 0.25 {
		t.Errorf("DoWithResult() = %v, %v; want 0.25, nil", bal, err)
	}
}

func TestDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	cfg := ReconnectConfig()
	for i := 0; i < 100; i++ {
		d := cfg.Delay(0)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("Delay(0) = %v outside ±20%% of 1s", d)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("eof"), true},
		{"permanent", Permanent(errors.New("bad key")), false},
		{"wrapped permanent", fmt.Errorf("auth: %w", Permanent(errors.New("bad key"))), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}

	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
