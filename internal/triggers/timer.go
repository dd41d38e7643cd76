package triggers

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/metrics"
	"go.uber.org/zap"
)

// DefaultTimeout is the base delay of a timer.
const DefaultTimeout = 120 * time.Second

// DefaultTimerReason is used when a timer has no reason configured.
const DefaultTimerReason = "Time limit reached, reflect on the thought so far."

// TimerConfig configures a Timer.
type TimerConfig struct {
	Name string
	// Timeout is the mean delay after each new prompt (default: 120s).
	Timeout time.Duration
	// Sigma is the standard deviation of the gaussian jitter added to
	// Timeout. Zero disables the jitter.
	Sigma time.Duration
	// Reason becomes the interrupt reason.
	Reason string
	// Schedule is an optional cron expression ("*/5 * * * *", "@every 10m")
	// raising interrupts independently of the prompt timer.
	Schedule string
	// Normal draws from the standard normal distribution. Defaults to
	// math/rand/v2.
	Normal func() float64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  *events.Recorder
}

// Timer raises Time-Based interrupts a jittered delay after every new
// prompt, and optionally on a cron schedule.
type Timer struct {
	emitter
	timeout time.Duration
	sigma   time.Duration
	reason  string
	normal  func() float64
	cron    *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	pending *time.Timer
	fired   int
}

// NewTimer validates cfg and creates a Timer.
func NewTimer(cfg *TimerConfig) (*Timer, error) {
	name := cfg.Name
	if name == "" {
		name = "timer"
	}
	t := &Timer{
		emitter: emitter{
			name:    name,
			logger:  orNop(cfg.Logger).Named("timer").With(zap.String("timer", name)),
			metrics: cfg.Metrics,
			events:  cfg.Events,
		},
		timeout: cfg.Timeout,
		sigma:   cfg.Sigma,
		reason:  cfg.Reason,
		normal:  cfg.Normal,
		ctx:     context.Background(),
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if t.reason == "" {
		t.reason = DefaultTimerReason
	}
	if t.normal == nil {
		t.normal = rand.NormFloat64
	}
	if cfg.Schedule != "" {
		t.cron = cron.New()
		if _, err := t.cron.AddFunc(cfg.Schedule, func() { t.fire("schedule") }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for timer %s: %w", cfg.Schedule, name, err)
		}
	}
	return t, nil
}

// Name implements bus.Component.
func (t *Timer) Name() string { return t.name }

// OnConnect re-arms the timer whenever generation restarts.
func (t *Timer) OnConnect(_ context.Context, b *bus.Bus) error {
	t.bus = b
	b.Sub(t.name, bus.TopicState, func(_ context.Context, p any) error {
		if sc, ok := p.(bus.StateChange); ok && sc.State == "STARTING" {
			t.Arm()
		}
		return nil
	})
	return nil
}

// Run arms the timer, starts the schedule, and blocks until ctx is done.
func (t *Timer) Run(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	t.Arm()
	if t.cron != nil {
		t.cron.Start()
	}
	<-ctx.Done()

	t.Stop()
	if t.cron != nil {
		<-t.cron.Stop().Done()
	}
	return nil
}

// Delay draws the next delay: Timeout plus sigma-scaled gaussian noise,
// never negative.
func (t *Timer) Delay() time.Duration {
	d := t.timeout
	if t.sigma > 0 {
		d += time.Duration(t.normal() * float64(t.sigma))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Arm replaces any pending timeout with a fresh one.
func (t *Timer) Arm() {
	delay := t.Delay()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
	}
	t.pending = time.AfterFunc(delay, func() { t.fire("timeout") })
	t.logger.Debug("timer armed", zap.Duration("delay", delay))
}

// Stop cancels the pending timeout.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Fired returns how many interrupts the timer has raised.
func (t *Timer) Fired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

func (t *Timer) fire(cause string) {
	t.mu.Lock()
	ctx := t.ctx
	if ctx.Err() == nil {
		t.fired++
	}
	t.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	rec := interrupt.NewTimeBased(t.reason, interrupt.Context{}, map[string]any{
		"timer":   t.name,
		"trigger": cause,
	})
	t.raise(ctx, rec)
}
