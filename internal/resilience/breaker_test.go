package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDependency = errors.New("dependency failed")

func newTestBreaker(resetTimeout time.Duration) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:             "telephony",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     resetTimeout,
	})
}

func fail(ctx context.Context) error    { return errDependency }
func succeed(ctx context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errDependency) {
			t.Fatalf("Execute() error = %v, want %v", err, errDependency)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q after threshold failures, want %q", got, StateOpen)
	}

	// Open breaker fails fast without invoking the operation.
	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Execute() while open = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("operation invoked while breaker open")
	}
}

func TestBreakerFailureCountResetsOnSuccess(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	b.Execute(ctx, succeed)
	b.Execute(ctx, fail)
	b.Execute(ctx, fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q (non-consecutive failures must not open)", got, StateClosed)
	}
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, fail)
	}
	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() = %q after one trial success, want %q", got, StateHalfOpen)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("second trial call error = %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q after success threshold, want %q", got, StateClosed)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, fail)
	}
	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(ctx, fail); !errors.Is(err, errDependency) {
		t.Fatalf("trial call error = %v, want %v", err, errDependency)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("State() = %q after half-open failure, want %q", got, StateOpen)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	changes := make(chan string, 4)
	b := NewBreaker(BreakerConfig{
		Name:             "engine",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(name, from, to string) {
			changes <- name + ":" + from + ">" + to
		},
	})

	b.Execute(context.Background(), fail)

	select {
	case got := <-changes:
		want := "engine:closed>open"
		if got != want {
			t.Errorf("state change = %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change callback received")
	}
}

func TestExecuteWithValue(t *testing.T) {
	b := newTestBreaker(time.Minute)
	value, err := ExecuteWithValue(context.Background(), b, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithValue() error = %v", err)
	}
	if value != 42 {
		t.Errorf("value = %d, want 42", value)
	}
}

func TestBreakerSetReturnsSameInstancePerName(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 3})
	a := set.Get("telephony")
	b := set.Get("telephony")
	c := set.Get("engine")
	if a != b {
		t.Error("Get returned different breakers for the same dependency")
	}
	if a == c {
		t.Error("Get returned the same breaker for different dependencies")
	}
	if got := len(set.Stats()); got != 2 {
		t.Errorf("Stats() len = %d, want 2", got)
	}
}
