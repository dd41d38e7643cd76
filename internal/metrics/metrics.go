// Package metrics defines the Prometheus collectors for the interrupt
// pipeline, the generation controller, and the triggers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meditator"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	// InterruptsTotal counts submissions by outcome
	// (accepted, rate_limited, queued, invalid).
	InterruptsTotal *prometheus.CounterVec

	// StrategiesTotal counts executed strategies (RESUME, TERMINATE) and
	// whether the fallback produced them.
	StrategiesTotal *prometheus.CounterVec

	// StageDuration observes each pipeline stage in seconds.
	StageDuration *prometheus.HistogramVec

	// QueueDepth is the number of interrupts waiting behind the busy flag.
	QueueDepth prometheus.Gauge

	// GenerationState is 1 for the controller's current state, 0 otherwise.
	GenerationState *prometheus.GaugeVec

	// ChunksTotal counts emitted stream deltas.
	ChunksTotal prometheus.Counter

	// TriggersTotal counts interrupt requests raised per trigger.
	TriggersTotal *prometheus.CounterVec

	// StateSavesTotal counts chain entries written, by generator and kind.
	StateSavesTotal *prometheus.CounterVec

	// ClientsConnected is the number of open websocket clients.
	ClientsConnected prometheus.Gauge
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InterruptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "interrupts_total",
			Help:      "Interrupt submissions by outcome.",
		}, []string{"outcome"}),
		StrategiesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "strategies_total",
			Help:      "Executed strategies.",
		}, []string{"strategy", "fallback"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Interrupts waiting for the pipeline.",
		}),
		GenerationState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "state",
			Help:      "Current generation state (1 = active).",
		}, []string{"state"}),
		ChunksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "chunks_total",
			Help:      "Stream deltas emitted.",
		}),
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "fired_total",
			Help:      "Interrupt requests raised per trigger.",
		}, []string{"trigger"}),
		StateSavesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "statestore",
			Name:      "saves_total",
			Help:      "Chain entries written.",
		}, []string{"generator", "kind"}),
		ClientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "clients",
			Help:      "Open websocket clients.",
		}),
	}
}

// Interrupt records a submission outcome.
func (m *Metrics) Interrupt(outcome string) {
	if m == nil {
		return
	}
	m.InterruptsTotal.WithLabelValues(outcome).Inc()
}

// Strategy records an executed strategy.
func (m *Metrics) Strategy(strategy string, fallback bool) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.StrategiesTotal.WithLabelValues(strategy, fb).Inc()
}

// Stage observes a stage duration in seconds.
func (m *Metrics) Stage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// Queue sets the queue depth.
func (m *Metrics) Queue(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// State marks to as the active generation state.
func (m *Metrics) State(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.GenerationState.WithLabelValues(from).Set(0)
	}
	m.GenerationState.WithLabelValues(to).Set(1)
}

// Chunk counts one emitted delta.
func (m *Metrics) Chunk() {
	if m == nil {
		return
	}
	m.ChunksTotal.Inc()
}

// Trigger counts one interrupt request from trigger.
func (m *Metrics) Trigger(trigger string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(trigger).Inc()
}

// Save counts one chain entry.
func (m *Metrics) Save(generator string, full bool) {
	if m == nil {
		return
	}
	kind := "partial"
	if full {
		kind = "full"
	}
	m.StateSavesTotal.WithLabelValues(generator, kind).Inc()
}

// Clients sets the number of open websocket clients.
func (m *Metrics) Clients(n int) {
	if m == nil {
		return
	}
	m.ClientsConnected.Set(float64(n))
}
