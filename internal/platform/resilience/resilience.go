// Package resilience provides the retry engine (spec 4.D): exponential
// backoff with jitter and a per-key circuit breaker. Grounded on the
// teacher's infrastructure/resilience package, which itself wraps
// github.com/sony/gobreaker/v2 and github.com/cenkalti/backoff/v4 behind a
// stable Execute(ctx, fn) surface; this package keeps that same adapter
// shape and adds a consecutive-success-keyed registry so each PSP gets its
// own breaker instance.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
)

// State mirrors the CLOSED/OPEN/HALF_OPEN machine from spec 4.D.
type State int

const (
	StateClosed State = State(gobreaker.StateClosed)
	StateOpen   State = State(gobreaker.StateOpen)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a single circuit breaker per spec 4.D defaults:
// failure_threshold=5, timeout_duration=30s, success_threshold=3.
type Config struct {
	FailureThreshold int
	Timeout          time.Duration
	SuccessThreshold int
	OnStateChange    func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Timeout: 30 * time.Second, SuccessThreshold: 3}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker, preserving an
// Execute(ctx, fn) signature and Closed/Open/HalfOpen vocabulary that
// matches spec 4.D exactly.
type CircuitBreaker struct {
	name string
	gb   *gobreaker.CircuitBreaker[any]
}

func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}

	maxFailures := uint32(cfg.FailureThreshold)
	successThreshold := uint32(cfg.SuccessThreshold)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: successThreshold, // consecutive successes required in half-open before closing
		Interval:    0,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(n string, from, to gobreaker.State) {
			cfg.OnStateChange(n, State(from), State(to))
		}
	}

	return &CircuitBreaker{name: name, gb: gobreaker.NewCircuitBreaker[any](settings)}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State { return State(cb.gb.State()) }

// Execute runs fn with circuit-breaker protection. ctx is accepted for
// signature stability; callers should enforce deadlines via ctx on fn
// itself (gobreaker does not consult ctx internally).
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) { return nil, fn() })
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// Registry keys a CircuitBreaker per PSP name, per spec 4.D "per-PSP
// circuit breakers".
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	logger   *logging.Logger
	breakers map[string]*CircuitBreaker
}

func NewRegistry(cfg Config, logger *logging.Logger) *Registry {
	return &Registry{cfg: cfg, logger: logger, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns (creating if necessary) the breaker for key (typically a PSP
// name).
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cfg := r.cfg
	logger := r.logger
	cfg.OnStateChange = func(name string, from, to State) {
		if logger != nil {
			logger.WithFields(map[string]interface{}{
				"psp": name, "from_state": from.String(), "to_state": to.String(),
			}).Warn("circuit breaker state changed")
		}
	}
	cb := New(key, cfg)
	r.breakers[key] = cb
	return cb
}

// ---------------------------------------------------------------------
// Retry / backoff
// ---------------------------------------------------------------------

// RetryConfig configures the backoff schedule per spec 4.D:
// delay(n) = min(initial * multiplier^(n-1), max_delay), jittered
// uniformly in [0.8, 1.2].
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 60 * time.Second, Multiplier: 2.0}
}

// jitterFactor is the half-width of the spec's [0.8, 1.2] uniform jitter
// window expressed as cenkalti/backoff's RandomizationFactor (delay varies
// in [current*(1-f), current*(1+f)]).
const jitterFactor = 0.2

// Retry executes fn with exponential backoff + jitter via
// cenkalti/backoff/v4, honoring ctx cancellation between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = jitterFactor
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error { return fn() }, withCtx)
}

// NextDelay computes the nth attempt's base delay (without jitter), useful
// for tests asserting invariant 7 (delay(n+1) >= delay(n), delay(n) <= max).
func NextDelay(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.Multiplier
	}
	if max := float64(cfg.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}
