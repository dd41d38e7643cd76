package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/interrupt"
	"go.uber.org/zap"
)

// Strategy is what the generation layer should do after an interrupt.
type Strategy string

const (
	StrategyResume    Strategy = "RESUME"
	StrategyTerminate Strategy = "TERMINATE"
)

// Priority ranks interrupts during analysis.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Analysis is the output of the analysis stage.
type Analysis struct {
	Priority                 Priority
	Relevance                float64
	NeedsNewPrompt           bool
	NeedsKnowledgeBaseUpdate bool
	ShouldResume             bool
	Context                  string
	// Degraded is set when the model could not be consulted.
	Degraded bool
}

// Plan is the output of the planning stage.
type Plan struct {
	Strategy          Strategy
	EnhancedInterrupt *interrupt.Record
	NewPrompt         string
	KBUpdates         []bus.KBUpdate
	Degraded          bool
}

// Outcome is one entry of the processing history.
type Outcome struct {
	// Seq numbers persisted entries from 1.
	Seq         int
	Record      *interrupt.Record
	Analysis    Analysis
	Plan        Plan
	Strategy    Strategy
	Fallback    bool
	Err         error
	ProcessedAt time.Time
	Duration    time.Duration
}

// stageError names the stage that failed.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func (p *Pipeline) stages(ctx context.Context, rec *interrupt.Record) (Outcome, error) {
	out := Outcome{Record: rec, ProcessedAt: p.now()}

	received, err := timedStage(p, "reception", func() (*interrupt.Record, error) { return p.reception(rec) })
	if err != nil {
		return out, &stageError{stage: "reception", err: err}
	}
	out.Record = received

	analysis, _ := timedStage(p, "analysis", func() (Analysis, error) { return p.analyze(ctx, received), nil })
	out.Analysis = analysis

	plan, _ := timedStage(p, "planning", func() (Plan, error) { return p.plan(ctx, received, analysis), nil })
	out.Plan = plan
	out.Strategy = plan.Strategy

	if _, err := timedStage(p, "execution", func() (struct{}, error) { return struct{}{}, p.execute(ctx, plan) }); err != nil {
		return out, &stageError{stage: "execution", err: err}
	}
	return out, nil
}

// timedStage observes the duration of one stage.
func timedStage[T any](p *Pipeline, stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	p.metrics.Stage(stage, time.Since(start).Seconds())
	return v, err
}

// reception validates the record and attaches reception metadata to a
// copy of it.
func (p *Pipeline) reception(rec *interrupt.Record) (*interrupt.Record, error) {
	if err := rec.Validate(); err != nil {
		p.metrics.Interrupt("invalid")
		return nil, fmt.Errorf("%w: %w", ErrInvalidInterrupt, err)
	}
	return rec.WithData("reception", map[string]string{
		"receivedAt": p.now().UTC().Format(interrupt.TimeLayout),
		"queued":     fmt.Sprint(p.Pending()),
	}), nil
}

// defaultAnalysis is the deterministic assessment used without a model.
func (p *Pipeline) defaultAnalysis(rec *interrupt.Record) Analysis {
	a := Analysis{Priority: PriorityLow, Relevance: 0.5, NeedsNewPrompt: true}
	switch {
	case p.privileged[rec.Type], rec.Source == interrupt.SourceExternal, rec.Source == interrupt.SourceWebSocketClient:
		a.Priority, a.Relevance = PriorityHigh, 1.0
	case rec.Source == interrupt.SourceTool:
		a.Priority, a.Relevance = PriorityMedium, 0.7
	}
	switch rec.Type {
	case interrupt.TypeToolCall:
		a.NeedsNewPrompt = false
		a.ShouldResume = true
	case interrupt.TypeToolResult:
		a.NeedsKnowledgeBaseUpdate = true
	}
	a.Context = rec.Reason
	return a
}

// conservative is the analysis used when the model fails: restart with a
// new prompt rather than resume blindly.
func (a Analysis) conservative() Analysis {
	a.NeedsNewPrompt = true
	a.ShouldResume = false
	a.Degraded = true
	return a
}

func (p *Pipeline) analyze(ctx context.Context, rec *interrupt.Record) Analysis {
	a := p.defaultAnalysis(rec)
	if p.completer == nil {
		return a
	}
	reply, err := p.complete(ctx, analysisPrompt(rec, p.recent()))
	if err != nil {
		p.logger.Warn("analysis failed, using conservative assessment", zap.Error(err), zap.Stringer("interrupt", rec))
		return a.conservative()
	}
	return parseAnalysis(reply, a)
}

// defaultPlan derives a plan from the analysis alone.
func (p *Pipeline) defaultPlan(rec *interrupt.Record, a Analysis) Plan {
	plan := Plan{Strategy: StrategyTerminate, EnhancedInterrupt: enhance(rec, a)}
	if a.ShouldResume && !a.NeedsNewPrompt {
		plan.Strategy = StrategyResume
	}
	if a.NeedsNewPrompt {
		plan.NewPrompt = p.prompts.AfterInterrupt(plan.EnhancedInterrupt)
	}
	if a.NeedsKnowledgeBaseUpdate {
		content := rec.Data("result")
		if content == "" {
			content = rec.Reason
		}
		topic := rec.Data("tool")
		if topic == "" {
			topic = rec.Type
		}
		plan.KBUpdates = []bus.KBUpdate{{Topic: topic, Content: content}}
	}
	return plan
}

// fallbackPlan always terminates and restarts with the generic
// continuation prompt.
func (p *Pipeline) fallbackPlan(rec *interrupt.Record) Plan {
	return Plan{
		Strategy:          StrategyTerminate,
		EnhancedInterrupt: rec,
		NewPrompt:         p.prompts.Continuation(),
		Degraded:          true,
	}
}

func (p *Pipeline) plan(ctx context.Context, rec *interrupt.Record, a Analysis) Plan {
	plan := p.defaultPlan(rec, a)
	if p.completer == nil {
		return plan
	}
	reply, err := p.complete(ctx, planningPrompt(plan.EnhancedInterrupt, a, p.recent()))
	if err != nil {
		p.logger.Warn("planning failed, using fallback plan", zap.Error(err), zap.Stringer("interrupt", rec))
		return p.fallbackPlan(plan.EnhancedInterrupt)
	}
	return parsePlan(reply, plan)
}

func enhance(rec *interrupt.Record, a Analysis) *interrupt.Record {
	return rec.WithData("analysis", map[string]string{
		"priority":  string(a.Priority),
		"relevance": fmt.Sprintf("%.2f", a.Relevance),
		"context":   a.Context,
	})
}

// execute emits the plan to the generation layer: the strategy first, then
// knowledge updates, then the new prompt.
func (p *Pipeline) execute(ctx context.Context, plan Plan) error {
	if p.bus == nil {
		return nil
	}
	var errs []error
	topic := bus.TopicTerminate
	if plan.Strategy == StrategyResume {
		topic = bus.TopicResume
	}
	if err := p.bus.Pub(ctx, topic, plan.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", topic, err))
	}
	if len(plan.KBUpdates) > 0 {
		if err := p.bus.Pub(ctx, bus.TopicUpdateKB, plan.KBUpdates); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", bus.TopicUpdateKB, err))
		}
	}
	if plan.NewPrompt != "" {
		if err := p.bus.Pub(ctx, bus.TopicNewPrompt, plan.NewPrompt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", bus.TopicNewPrompt, err))
		}
	}
	return errors.Join(errs...)
}

// complete asks the model, bounded by the stage timeout when one is set.
func (p *Pipeline) complete(ctx context.Context, prompt string) (string, error) {
	if p.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.stageTimeout)
		defer cancel()
	}
	reply, err := p.completer.Complete(ctx, prompt, p.model)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("empty completion")
	}
	return reply, nil
}

func (p *Pipeline) recent() string {
	if p.prompts.Output == nil {
		return ""
	}
	return p.prompts.Output.RecentOutput(p.prompts.RecentChars)
}
