package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff between attempts.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// exponential builds an unbounded exponential policy. Attempt limits are
// applied by the caller.
func (c RetryConfig) exponential() *backoff.ExponentialBackOff {
	def := DefaultRetryConfig()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = def.InitialInterval
	}
	b.MaxInterval = c.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = def.MaxInterval
	}
	b.Multiplier = c.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	b.RandomizationFactor = c.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// policy bounds the exponential backoff to maxAttempts calls and ties it to ctx.
func (c RetryConfig) policy(ctx context.Context, maxAttempts int) backoff.BackOffContext {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(c.exponential(), uint64(maxAttempts-1)), ctx)
}

// retry runs op until it succeeds, returns a backoff.Permanent error, the
// attempt budget is spent or ctx is done. op receives the 1-based attempt number.
func retry(ctx context.Context, cfg RetryConfig, maxAttempts int, op func(attempt int) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return op(attempt)
	}, cfg.policy(ctx, maxAttempts))
}

// BreakerConfig configures per-worker circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Failures that trip the breaker (default 5)
	OpenTimeout         time.Duration // Time open before a half-open probe (default 30s)
	HalfOpenRequests    uint32        // Probes allowed while half-open (default 1)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// CircuitBreakerRegistry manages per-worker circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig) *CircuitBreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given worker, creating it on first use.
func (r *CircuitBreakerRegistry) Get(workerID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerID]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerID,
		MaxRequests: r.cfg.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "worker_id", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Run cancellation is not the worker's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[workerID] = cb
	return cb
}

// State reports the breaker state for a worker without creating one.
func (r *CircuitBreakerRegistry) State(workerID string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerID]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// breakerRejected reports whether err came from an open or saturated breaker.
func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
