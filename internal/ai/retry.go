package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RetryConfig holds retry configuration for API calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Timeout           time.Duration // Per-request timeout for single-shot calls (default: 60s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          // Enable circuit breaker (default: true)
	FailureThreshold      int           // Failures before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	MaxConcurrentCalls int // Maximum concurrent single-shot calls (default: 3, 0 = unlimited)
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops calling a failing backend for a while
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
	logger           *zap.Logger
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               60 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    3,
	}
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		now:              time.Now,
		logger:           logger,
	}
}

// Allow returns ErrCircuitOpen while the circuit is open and the open
// timeout has not elapsed
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.openTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure while probing reopens the circuit
		cb.transition(CircuitOpen)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with the lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.successCount = 0
	if to == CircuitClosed {
		cb.failureCount = 0
	}
	cb.logger.Info("circuit breaker state transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failures", cb.failureCount),
		zap.Duration("open_timeout", cb.openTimeout))
}

// retrier wraps calls with a concurrency slot, the circuit breaker, and
// exponential backoff
type retrier struct {
	cfg     RetryConfig
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func newRetrier(cfg RetryConfig, logger *zap.Logger) *retrier {
	if cfg.MaxRetries == 0 && cfg.InitialBackoff == 0 {
		cfg = DefaultRetryConfig()
	}
	r := &retrier{cfg: cfg, logger: logger, sleep: sleepCtx}
	if cfg.CircuitBreakerEnabled {
		r.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout, logger)
	}
	if cfg.MaxConcurrentCalls > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls))
	}
	return r
}

// do runs fn with retries. When limited is true the call takes a
// concurrency slot and each attempt gets the per-request timeout; stream
// opening passes false because the attempt context must outlive the call.
func (r *retrier) do(ctx context.Context, operation string, limited bool, fn func(context.Context) error) error {
	if limited && r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer r.sem.Release(1)
	}

	var lastErr error
	backoff := r.cfg.InitialBackoff

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if r.breaker != nil {
			if err := r.breaker.Allow(); err != nil {
				r.logger.Warn("AI call blocked by circuit breaker",
					zap.String("operation", operation),
					zap.Stringer("state", r.breaker.GetState()))
				return fmt.Errorf("%s failed: %w", operation, err)
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if limited && r.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			if attempt > 0 {
				r.logger.Info("AI call succeeded after retries",
					zap.String("operation", operation), zap.Int("retries", attempt))
			}
			return nil
		}

		lastErr = err
		retriable := isRetriableError(err)
		// Non-retriable errors (auth, bad request) do not count against the breaker
		if r.breaker != nil && retriable {
			r.breaker.RecordFailure()
		}
		if !retriable {
			return err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		r.logger.Warn("AI call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.cfg.MaxRetries+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if err := r.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, err)
		}
		backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, r.cfg.MaxRetries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isRetriableError determines if an error is transient
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return true
	}
	for _, s := range []string{"500", "502", "503", "504", "529", "internal server error",
		"bad gateway", "service unavailable", "gateway timeout", "overloaded"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	for _, s := range []string{"connection refused", "connection reset", "timeout",
		"temporary failure", "network", "eof"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
