package pipeline

import (
	"context"
	"errors"

	"github.com/steveyegge/meditator/internal/interrupt"
	"go.uber.org/zap"
)

// fallback resolves a failed interrupt to TERMINATE plus the generic
// continuation prompt. It never fails; errors are logged and kept in the
// outcome.
func (p *Pipeline) fallback(ctx context.Context, rec *interrupt.Record, partial Outcome, cause error) Outcome {
	p.logger.Error("interrupt processing failed, falling back",
		zap.Stringer("interrupt", rec), zap.Error(cause))

	out := partial
	if out.Record == nil {
		out.Record = rec
	}
	out.Fallback = true
	out.Err = cause
	out.Plan = p.fallbackPlan(out.Record)
	out.Strategy = out.Plan.Strategy

	if err := p.execute(ctx, out.Plan); err != nil {
		p.logger.Error("fallback execution failed", zap.Error(err))
		out.Err = errors.Join(cause, err)
	}
	if !isStage(cause, "persistence") {
		if err := p.persist(&out); err != nil {
			p.logger.Error("failed to persist fallback outcome", zap.Error(err))
			out.Err = errors.Join(out.Err, err)
		}
	}
	return out
}

func isStage(err error, stage string) bool {
	var se *stageError
	return errors.As(err, &se) && se.stage == stage
}
