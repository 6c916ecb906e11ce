package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// ErrBreakerOpen is returned without invoking the operation while the
// breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies the guarded dependency ("telephony", "engine").
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before admitting
	// trial calls.
	ResetTimeout time.Duration

	// OnStateChange is invoked on every transition.
	OnStateChange func(name, from, to string)
}

// Breaker implements a three-state circuit breaker. One instance guards one
// dependency and is shared across all concurrent calls.
type Breaker struct {
	config BreakerConfig

	mu         sync.RWMutex
	state      string
	failures   int
	successes  int
	lastChange time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		config:     config,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Execute runs fn under breaker protection. While open it fails fast with
// ErrBreakerOpen; fn's own error is otherwise returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteWithValue runs a value-returning fn under breaker protection.
func ExecuteWithValue[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	value, err := fn(ctx)
	b.record(err)
	return value, err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastChange) >= b.config.ResetTimeout {
			b.transition(StateHalfOpen)
			return nil
		}
		return ErrBreakerOpen
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		switch b.state {
		case StateClosed:
			if b.failures >= b.config.FailureThreshold {
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			// A single trial failure reopens.
			b.transition(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to string) {
	from := b.state
	b.state = to
	b.lastChange = time.Now()
	b.failures = 0
	b.successes = 0

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.config.Name, from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastChange = time.Now()
}

// BreakerStats is a point-in-time snapshot of a breaker.
type BreakerStats struct {
	Name       string
	State      string
	Failures   int
	Successes  int
	LastChange time.Time
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerStats{
		Name:       b.config.Name,
		State:      b.state,
		Failures:   b.failures,
		Successes:  b.successes,
		LastChange: b.lastChange,
	}
}

// BreakerSet holds one breaker per named dependency.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewBreakerSet creates a set that materializes breakers from defaults.
func NewBreakerSet(defaults BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	config := s.defaults
	config.Name = name
	b = NewBreaker(config)
	s.breakers[name] = b
	return b
}

// Stats returns snapshots for every breaker in the set.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make([]BreakerStats, 0, len(s.breakers))
	for _, b := range s.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
