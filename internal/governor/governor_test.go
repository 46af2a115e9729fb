package governor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"dcabot/internal/exchange"
)

// ============================================================
// Governor Tests
// ============================================================

func testConfig() Config {
	return Config{
		PerSecond:        100,
		PerMinute:        6000,
		CircuitThreshold: 3,
		CircuitCooldown:  50 * time.Millisecond,
		BackoffBase:      time.Millisecond,
		BackoffCap:       20 * time.Millisecond,
		ShrinkFactor:     0.5,
		RestoreStep:      1.5,
		RestoreAfter:     time.Millisecond,
		QueueSize:        16,
	}
}

func rateLimitErr() error {
	return &exchange.VenueError{
		Venue:      "backpack",
		StatusCode: http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
	}
}

func TestGovernorExecutesCall(t *testing.T) {
	g := New(testConfig())
	defer g.Stop()

	var executed int32
	err := g.Do(context.Background(), Request{
		Name:     "balance",
		Priority: PriorityNormal,
		Timeout:  time.Second,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&executed, 1)
			return nil
		},
	})

	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("call executed %d times, want 1", executed)
	}
}

func TestGovernorCircuitOpensAfterConsecutiveRateLimits(t *testing.T) {
	g := New(testConfig())
	defer g.Stop()

	// Три подряд лимитированных вызова открывают цепь
	for i := 0; i < 3; i++ {
		err := g.Do(context.Background(), Request{
			Name:     "history",
			Priority: PriorityBackground,
			Timeout:  time.Second,
			Fn: func(ctx context.Context) error {
				return rateLimitErr()
			},
		})
		if !exchange.IsRateLimited(err) {
			t.Fatalf("call %d: expected rate limit error, got %v", i, err)
		}
	}

	if state := g.CircuitState(); state != CircuitOpen {
		t.Fatalf("circuit state = %s, want open", state)
	}

	// Некритичный вызов отклоняется сразу
	err := g.Do(context.Background(), Request{
		Name:     "balance",
		Priority: PriorityNormal,
		Timeout:  time.Second,
		Fn: func(ctx context.Context) error {
			t.Error("non-critical call must not execute while circuit is open")
			return nil
		},
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	// Критичный вызов по-прежнему исполняется
	var criticalRan int32
	err = g.Do(context.Background(), Request{
		Name:     "cancel_order",
		Priority: PriorityCritical,
		Timeout:  2 * time.Second,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&criticalRan, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("critical call failed: %v", err)
	}
	if atomic.LoadInt32(&criticalRan) != 1 {
		t.Error("critical call should execute while circuit is open")
	}
}

func TestGovernorCircuitClosesAfterCooldownAndSuccess(t *testing.T) {
	cfg := testConfig()
	g := New(cfg)
	defer g.Stop()

	for i := 0; i < 3; i++ {
		g.Do(context.Background(), Request{
			Name:     "history",
			Priority: PriorityBackground,
			Timeout:  time.Second,
			Fn:       func(ctx context.Context) error { return rateLimitErr() },
		})
	}
	if g.CircuitState() != CircuitOpen {
		t.Fatal("circuit should be open")
	}

	// После cooldown следующий вызов - пробный, его успех закрывает цепь
	time.Sleep(cfg.CircuitCooldown + 20*time.Millisecond)
	if state := g.CircuitState(); state != CircuitHalfOpen {
		t.Fatalf("circuit state after cooldown = %s, want half_open", state)
	}

	err := g.Do(context.Background(), Request{
		Name:     "balance",
		Priority: PriorityNormal,
		Timeout:  2 * time.Second,
		Fn:       func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}

	if state := g.CircuitState(); state != CircuitClosed {
		t.Errorf("circuit state after trial success = %s, want closed", state)
	}
}

func TestGovernorCallTimeout(t *testing.T) {
	g := New(testConfig())
	defer g.Stop()

	err := g.Do(context.Background(), Request{
		Name:     "slow_call",
		Priority: PriorityNormal,
		Timeout:  30 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			select {
			case <-time.After(5 * time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestGovernorNonRetryableFailsImmediately(t *testing.T) {
	g := New(testConfig())
	defer g.Stop()

	var attempts int32
	wantErr := errors.New("invalid order quantity")

	g.Do(context.Background(), Request{
		Name:     "create_order",
		Priority: PriorityCritical,
		Timeout:  time.Second,
		// MaxRetries = 1: не retry'ить
		MaxRetries: 1,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return wantErr
		},
	})

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 for non-retryable call", got)
	}
}

func TestGovernorRetriesUpToMax(t *testing.T) {
	g := New(testConfig())
	defer g.Stop()

	var attempts int32
	err := g.Do(context.Background(), Request{
		Name:       "balance",
		Priority:   PriorityNormal,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("connection reset")
		},
	})

	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestGovernorShutdownDrainsQueuedCalls(t *testing.T) {
	g := New(testConfig())

	done := make(chan error, 1)
	go func() {
		done <- g.Do(context.Background(), Request{
			Name:     "background",
			Priority: PriorityBackground,
			Timeout:  10 * time.Second,
			Fn: func(ctx context.Context) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			},
		})
	}()

	time.Sleep(10 * time.Millisecond)
	g.Stop()

	select {
	case err := <-done:
		// Вызов либо успел исполниться, либо получил shutdown
		if err != nil && !errors.Is(err, ErrShuttingDown) {
			t.Errorf("unexpected error on shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after Stop")
	}

	// Новые вызовы отклоняются сразу
	err := g.Do(context.Background(), Request{
		Name:     "late",
		Priority: PriorityNormal,
		Fn:       func(ctx context.Context) error { return nil },
	})
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown for call after Stop, got %v", err)
	}
}

func TestGovernorShrinksCeilingsOnRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RestoreAfter = time.Hour // не восстанавливать в рамках теста
	g := New(cfg)
	defer g.Stop()

	before := g.limits.CurrentPerSecond()

	g.Do(context.Background(), Request{
		Name:     "history",
		Priority: PriorityBackground,
		Timeout:  time.Second,
		Fn:       func(ctx context.Context) error { return rateLimitErr() },
	})

	after := g.limits.CurrentPerSecond()
	if after >= before {
		t.Errorf("per-second ceiling not shrunk: before=%v after=%v", before, after)
	}
}
