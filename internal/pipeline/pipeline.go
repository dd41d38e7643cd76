// Package pipeline turns interrupt requests into strategies for the
// generation layer. Requests pass a rate limiter, are serialized behind a
// busy flag and a FIFO queue, and run through reception, analysis,
// planning, and execution stages. Whatever fails along the way, every
// accepted interrupt resolves to an actionable outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/metrics"
	"github.com/steveyegge/meditator/internal/prompt"
	"github.com/steveyegge/meditator/internal/statestore"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Generator is the state store generator used for processing history.
const Generator = "interrupt-pipeline"

const (
	DefaultRateLimit         = time.Second
	DefaultHistoryCap        = 50
	DefaultFullStateInterval = 10
)

// DefaultPrivilegedTypes bypass the rate limiter.
var DefaultPrivilegedTypes = []string{interrupt.TypeUserCommand, interrupt.TypeUrgent}

var (
	// ErrRateLimited vetoes an interrupt request that arrived too soon after
	// the last accepted one.
	ErrRateLimited = errors.New("interrupt rate limited")
	// ErrInvalidInterrupt is the reception failure for malformed records.
	ErrInvalidInterrupt = errors.New("invalid interrupt")
)

// Config configures a Pipeline.
type Config struct {
	// Completer answers analysis and planning prompts. Without one the
	// stages use deterministic defaults.
	Completer ai.Completer
	Model     string

	// RateLimit is the minimum spacing between accepted non-privileged
	// interrupts. Negative disables limiting; zero means DefaultRateLimit.
	RateLimit       time.Duration
	PrivilegedTypes []string

	// Resumable is sent with the interrupt signal on acceptance.
	Resumable bool

	// StageTimeout bounds each completion call. Zero disables it.
	StageTimeout time.Duration

	Store             *statestore.Store
	HistoryCap        int
	FullStateInterval int

	Prompts *prompt.Builder
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  *events.Recorder
	// Now overrides the clock used by the limiter and history.
	Now func() time.Time
}

// Pipeline is the interrupt pipeline component.
type Pipeline struct {
	completer    ai.Completer
	model        string
	privileged   map[string]bool
	resumable    bool
	stageTimeout time.Duration
	store        *statestore.Store
	historyCap   int
	fullEvery    int
	prompts      *prompt.Builder
	logger       *zap.Logger
	metrics      *metrics.Metrics
	events       *events.Recorder
	now          func() time.Time

	bus *bus.Bus

	limitMu sync.Mutex
	limiter *rate.Limiter

	mu         sync.Mutex
	processing bool
	queue      []*interrupt.Record
	history    []Outcome
	processed  int
	// resolved counts outcomes, including those restored at startup
	resolved   int

	persistMu sync.Mutex
	running   sync.WaitGroup
}

// New creates a Pipeline.
func New(cfg *Config) *Pipeline {
	p := &Pipeline{
		completer:    cfg.Completer,
		model:        cfg.Model,
		privileged:   make(map[string]bool),
		resumable:    cfg.Resumable,
		stageTimeout: cfg.StageTimeout,
		store:        cfg.Store,
		historyCap:   cfg.HistoryCap,
		fullEvery:    cfg.FullStateInterval,
		prompts:      cfg.Prompts,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		events:       cfg.Events,
		now:          cfg.Now,
	}
	if p.historyCap <= 0 {
		p.historyCap = DefaultHistoryCap
	}
	if p.fullEvery <= 0 {
		p.fullEvery = DefaultFullStateInterval
	}
	if p.prompts == nil {
		p.prompts = &prompt.Builder{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("pipeline")
	if p.now == nil {
		p.now = time.Now
	}
	if p.model == "" {
		p.model = ai.GetSimpleTaskModel()
	}

	types := cfg.PrivilegedTypes
	if types == nil {
		types = DefaultPrivilegedTypes
	}
	for _, t := range types {
		p.privileged[t] = true
	}

	limit := cfg.RateLimit
	if limit == 0 {
		limit = DefaultRateLimit
	}
	if limit < 0 {
		p.limiter = rate.NewLimiter(rate.Inf, 1)
	} else {
		p.limiter = rate.NewLimiter(rate.Every(limit), 1)
	}
	return p
}

// Name implements bus.Component.
func (p *Pipeline) Name() string { return "pipeline" }

// OnConnect restores processing history and subscribes to interrupt
// requests. Rate-limited requests are vetoed by returning ErrRateLimited
// to the publisher.
func (p *Pipeline) OnConnect(ctx context.Context, b *bus.Bus) error {
	p.bus = b
	if err := p.Restore(); err != nil {
		return err
	}
	b.Sub(p.Name(), bus.TopicInterruptRequest, func(ctx context.Context, payload any) error {
		return p.Submit(ctx, payload)
	})
	return nil
}

// Submit gates an interrupt request and hands it to the processing loop.
// It returns ErrRateLimited for vetoed requests and does not wait for
// processing; use Wait for that.
func (p *Pipeline) Submit(ctx context.Context, payload any) error {
	rec := recordFrom(payload)

	if !p.allow(rec) {
		p.logger.Debug("interrupt rate limited", zap.Stringer("interrupt", rec))
		p.metrics.Interrupt("rate_limited")
		p.record(ctx, events.EventTypeInterruptRejected, events.SeverityInfo, "rate limited", rec, 0)
		return ErrRateLimited
	}
	p.metrics.Interrupt("accepted")
	// Records that will fail reception go straight to the fallback without
	// pausing the stream first.
	if rec.Validate() == nil {
		p.signal(ctx, rec)
	}

	p.mu.Lock()
	if p.processing {
		p.queue = append(p.queue, rec)
		depth := len(p.queue)
		p.mu.Unlock()
		p.metrics.Interrupt("queued")
		p.metrics.Queue(depth)
		p.record(ctx, events.EventTypeInterruptQueued, events.SeverityInfo, "queued", rec, depth)
		return nil
	}
	p.processing = true
	p.running.Add(1)
	p.mu.Unlock()

	go p.run(context.WithoutCancel(ctx), rec)
	return nil
}

// allow applies the rate limiter. Privileged types pass without consuming
// a token.
func (p *Pipeline) allow(rec *interrupt.Record) bool {
	if rec != nil && p.privileged[rec.Type] {
		return true
	}
	p.limitMu.Lock()
	defer p.limitMu.Unlock()
	return p.limiter.AllowN(p.now(), 1)
}

// signal tells the generation layer an interrupt was accepted.
func (p *Pipeline) signal(ctx context.Context, rec *interrupt.Record) {
	if p.bus == nil {
		return
	}
	sig := bus.InterruptSignal{Reason: rec.Reason, Resumable: p.resumable}
	if err := p.bus.Pub(ctx, bus.TopicInterrupt, sig); err != nil {
		p.logger.Warn("interrupt signal failed", zap.Error(err))
	}
}

// run processes rec and then drains the queue in arrival order. The busy
// flag stays set until the queue is empty.
func (p *Pipeline) run(ctx context.Context, rec *interrupt.Record) {
	defer p.running.Done()
	for rec != nil {
		p.process(ctx, rec)

		p.mu.Lock()
		if len(p.queue) == 0 {
			p.processing = false
			rec = nil
		} else {
			rec = p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
		}
		depth := len(p.queue)
		p.mu.Unlock()
		p.metrics.Queue(depth)
	}
}

// processPayload runs one interrupt through the stages synchronously,
// bypassing the limiter and the queue. Only tests call it.
func (p *Pipeline) processPayload(ctx context.Context, payload any) Outcome {
	return p.process(ctx, recordFrom(payload))
}

func (p *Pipeline) process(ctx context.Context, rec *interrupt.Record) Outcome {
	start := p.now()
	out, err := p.stages(ctx, rec)
	if err == nil {
		err = p.persist(&out)
	}
	if err != nil {
		out = p.fallback(ctx, rec, out, err)
	}
	out.Duration = p.now().Sub(start)

	p.metrics.Strategy(string(out.Strategy), out.Fallback)
	p.remember(out)
	p.recordOutcome(ctx, out)
	p.logger.Info("interrupt processed",
		zap.Stringer("interrupt", out.Record),
		zap.String("strategy", string(out.Strategy)),
		zap.Bool("fallback", out.Fallback),
		zap.Duration("duration", out.Duration))
	return out
}

// remember adds out to the in-memory history, newest first.
func (p *Pipeline) remember(out Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved++
	p.history = append([]Outcome{out}, p.history...)
	if len(p.history) > p.historyCap {
		p.history = p.history[:p.historyCap]
	}
}

// History returns the processing history, newest first.
func (p *Pipeline) History() []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Outcome(nil), p.history...)
}

// Processed returns how many interrupts have resolved to an outcome. It is
// not bounded by the history cap.
func (p *Pipeline) Processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// Busy reports whether an interrupt is being processed.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing
}

// Pending returns the number of queued interrupts.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Wait blocks until the processing loop is idle.
func (p *Pipeline) Wait() { p.running.Wait() }

func (p *Pipeline) record(ctx context.Context, typ events.EventType, sev events.EventSeverity, msg string, rec *interrupt.Record, depth int) {
	if p.events == nil {
		return
	}
	ev, err := events.NewInterruptEvent(typ, p.Name(), sev, msg, events.InterruptData{
		Source:     rec.Source,
		Type:       rec.Type,
		Reason:     rec.Reason,
		QueueDepth: depth,
	})
	if err != nil {
		p.logger.Warn("failed to build event", zap.Error(err))
		return
	}
	p.events.Record(ctx, ev)
}

func (p *Pipeline) recordOutcome(ctx context.Context, out Outcome) {
	if p.events == nil {
		return
	}
	data := events.StrategyData{
		InterruptData: events.InterruptData{Source: out.Record.Source, Type: out.Record.Type, Reason: out.Record.Reason},
		Strategy:      string(out.Strategy),
		Priority:      string(out.Analysis.Priority),
		NewPrompt:     out.Plan.NewPrompt != "",
		KBUpdates:     len(out.Plan.KBUpdates),
		Fallback:      out.Fallback,
		DurationMs:    out.Duration.Milliseconds(),
	}
	if out.Err != nil {
		data.Error = out.Err.Error()
	}
	ev, err := events.NewStrategyEvent(p.Name(), fmt.Sprintf("%s after %s", out.Strategy, out.Record), data)
	if err != nil {
		p.logger.Warn("failed to build event", zap.Error(err))
		return
	}
	p.events.Record(ctx, ev)
}

// recordFrom converts a request payload into a record. Bare strings that
// are not markdown records become raw external interrupts.
func recordFrom(payload any) *interrupt.Record {
	switch v := payload.(type) {
	case *interrupt.Record:
		if v != nil {
			return v
		}
	case interrupt.Record:
		return &v
	case string:
		if interrupt.IsMarkdown(v) {
			if r, err := interrupt.Parse(v); err == nil {
				return r
			}
		}
		return interrupt.FromReason(v)
	case fmt.Stringer:
		return interrupt.FromReason(v.String())
	}
	// Fails reception and takes the fallback path.
	return &interrupt.Record{Reason: fmt.Sprintf("unsupported interrupt payload %T", payload)}
}
