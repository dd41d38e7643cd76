// Package triggers contains the interrupt sources: timers, the token
// monitor, and the tool-call detector. Each raises interrupt requests on the
// bus as markdown records and leaves the decision to the pipeline.
package triggers

import (
	"context"
	"strings"

	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/metrics"
	"go.uber.org/zap"
)

// emitter publishes interrupt requests for one trigger.
type emitter struct {
	name    string
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	events  *events.Recorder
}

// raise publishes rec. It reports whether the request was accepted.
func (e *emitter) raise(ctx context.Context, rec *interrupt.Record) bool {
	if e.bus == nil {
		e.logger.Warn("interrupt dropped, trigger not mounted", zap.Stringer("interrupt", rec))
		return false
	}
	e.metrics.Trigger(e.name)
	e.events.Record(ctx, events.NewEvent(events.EventTypeTriggerFired, e.name, events.SeverityInfo, rec.Reason,
		map[string]interface{}{"source": rec.Source, "type": rec.Type}))

	if err := e.bus.Pub(ctx, bus.TopicInterruptRequest, rec.Markdown()); err != nil {
		e.logger.Debug("interrupt request vetoed", zap.Stringer("interrupt", rec), zap.Error(err))
		return false
	}
	e.logger.Debug("interrupt requested", zap.Stringer("interrupt", rec))
	return true
}

// oneLine folds whitespace so a value fits on one line of a markdown
// record.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
