package triggers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/metrics"
	"github.com/steveyegge/meditator/internal/statestore"
	"go.uber.org/zap"
)

const (
	DefaultBufferSize   = 500
	DefaultSaveInterval = 3 * time.Second
	DefaultCooldown     = 3 * time.Second
	DefaultCheckEvery   = 20

	// DefaultCriteria is used for model checks when the monitor's metadata
	// has no criteria field.
	DefaultCriteria = "Detect content that needs intervention, changes topic abruptly, or contains problematic material."

	metaCriteria = "criteria"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Name  string
	Store *statestore.Store
	// Completer enables a model check every CheckEvery chunks.
	Completer  ai.Completer
	Model      string
	CheckEvery int
	// BufferSize caps the number of buffered chunks (default: 500).
	BufferSize        int
	FullStateInterval int
	// SaveInterval throttles unforced state saves (default: 3s).
	SaveInterval time.Duration
	// Cooldown suppresses checks after an interrupt (default: 3s).
	Cooldown time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  *events.Recorder
	Now     func() time.Time
}

// Monitor watches the chunk stream and raises TokenMonitor interrupts when
// a rule matches or the model asks for one.
type Monitor struct {
	emitter
	store        *statestore.Store
	completer    ai.Completer
	model        string
	checkEvery   int
	bufferSize   int
	saveInterval time.Duration
	cooldown     time.Duration
	promoter     *statestore.Promoter
	now          func() time.Time

	mu         sync.Mutex
	buffer     []string
	rules      []Rule
	processed  int
	interrupts int
	lastReason string
	lastSave   time.Time
	coolUntil  time.Time
	checking   bool

	saveMu sync.Mutex
	checks sync.WaitGroup
}

// NewMonitor creates a Monitor. Store is required: rules and state live in
// the monitor's generator.
func NewMonitor(cfg *MonitorConfig) (*Monitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("token monitor %s: store is required", cfg.Name)
	}
	name := MonitorGenerator(cfg.Name)
	m := &Monitor{
		emitter: emitter{
			name:    name,
			logger:  orNop(cfg.Logger).Named("tokenmonitor").With(zap.String("monitor", name)),
			metrics: cfg.Metrics,
			events:  cfg.Events,
		},
		store:        cfg.Store,
		completer:    cfg.Completer,
		model:        cfg.Model,
		checkEvery:   cfg.CheckEvery,
		bufferSize:   cfg.BufferSize,
		saveInterval: cfg.SaveInterval,
		cooldown:     cfg.Cooldown,
		promoter:     statestore.NewPromoter(cfg.FullStateInterval),
		now:          cfg.Now,
	}
	if m.checkEvery <= 0 {
		m.checkEvery = DefaultCheckEvery
	}
	if m.bufferSize <= 0 {
		m.bufferSize = DefaultBufferSize
	}
	if m.saveInterval <= 0 {
		m.saveInterval = DefaultSaveInterval
	}
	if m.cooldown < 0 {
		m.cooldown = 0
	} else if m.cooldown == 0 {
		m.cooldown = DefaultCooldown
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Name implements bus.Component.
func (m *Monitor) Name() string { return m.name }

// OnConnect loads rules and counters and subscribes to stream chunks.
func (m *Monitor) OnConnect(_ context.Context, b *bus.Bus) error {
	m.bus = b
	if err := m.Reload(); err != nil {
		return err
	}
	b.Sub(m.name, bus.TopicChunk, func(ctx context.Context, p any) error {
		if c, ok := p.(bus.Chunk); ok {
			m.Observe(ctx, c.Delta)
		}
		return nil
	})
	return nil
}

// Reload reads rules and counters from the monitor's metadata.
func (m *Monitor) Reload() error {
	meta, err := m.store.LoadMeta()
	if err != nil {
		return fmt.Errorf("failed to load token monitor state: %w", err)
	}
	rules := RulesFromMeta(meta, m.logger)

	m.mu.Lock()
	m.rules = rules
	if m.processed == 0 {
		m.processed = meta.Int("totalTokensProcessed")
		m.interrupts = meta.Int("interruptCount")
		m.promoter.Restore(meta.Int(statestore.MetaPartialCount))
	}
	m.mu.Unlock()
	m.logger.Debug("rules loaded", zap.Int("rules", len(rules)))
	return nil
}

// Rules returns the active rules.
func (m *Monitor) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rule(nil), m.rules...)
}

// Observe buffers a delta and runs the checks.
func (m *Monitor) Observe(ctx context.Context, delta string) {
	now := m.now()
	m.mu.Lock()
	m.buffer = append(m.buffer, delta)
	if len(m.buffer) > m.bufferSize {
		m.buffer = m.buffer[len(m.buffer)-m.bufferSize:]
	}
	m.processed++
	if now.Before(m.coolUntil) {
		m.mu.Unlock()
		return
	}
	content := strings.Join(m.buffer, "")
	rules := m.rules
	runModel := m.completer != nil && !m.checking && m.processed%m.checkEvery == 0
	if runModel {
		m.checking = true
		m.checks.Add(1)
	}
	m.mu.Unlock()

	for i := range rules {
		if reason, ok := rules[i].Check(content); ok {
			if runModel {
				m.doneChecking()
			}
			m.trigger(ctx, reason, content)
			return
		}
	}
	if runModel {
		go m.modelCheck(context.WithoutCancel(ctx), content)
	}
	m.save(false)
}

func (m *Monitor) doneChecking() {
	m.mu.Lock()
	m.checking = false
	m.mu.Unlock()
	m.checks.Done()
}

// modelCheck asks the model whether content warrants an interrupt.
func (m *Monitor) modelCheck(ctx context.Context, content string) {
	defer m.doneChecking()

	state, err := m.store.LoadState()
	if err != nil {
		m.logger.Warn("failed to load state for model check", zap.Error(err))
	}
	meta, err := m.store.LoadMeta()
	if err != nil {
		m.logger.Warn("failed to load criteria for model check", zap.Error(err))
		meta = statestore.NewMetadata()
	}
	criteria := orDefault(meta.Get(metaCriteria), DefaultCriteria)

	reply, err := m.completer.Complete(ctx, monitorPrompt(content, state, criteria), m.model)
	if err != nil {
		m.logger.Warn("model check failed", zap.Error(err))
		return
	}
	reply = strings.TrimSpace(reply)
	if rest, ok := strings.CutPrefix(reply, "INTERRUPT:"); ok {
		m.trigger(ctx, strings.TrimSpace(rest), content)
	}
}

func monitorPrompt(content, state, criteria string) string {
	return fmt.Sprintf(`Analyze this text and determine if an interrupt should be triggered:

Text to analyze:
%s

Previous state context:
%s

Monitoring criteria:
%s

If an interrupt should be triggered, respond with "INTERRUPT: <reason>".
If no interrupt is needed, respond with "CONTINUE".`, content, state, criteria)
}

// trigger raises an interrupt, clears the buffer, and starts the cooldown.
func (m *Monitor) trigger(ctx context.Context, reason, content string) {
	m.mu.Lock()
	if m.now().Before(m.coolUntil) {
		// A concurrent check already fired.
		m.mu.Unlock()
		return
	}
	m.interrupts++
	m.lastReason = reason
	m.buffer = nil
	m.coolUntil = m.now().Add(m.cooldown)
	m.mu.Unlock()

	m.save(true)
	rec := interrupt.NewInternal(interrupt.TypeTokenMonitor, reason, interrupt.Context{
		LastOutput:  oneLine(content),
		StreamState: "active",
	}, map[string]any{"monitor": m.name})
	m.raise(ctx, rec)
}

// Interrupts returns how many interrupts the monitor has raised.
func (m *Monitor) Interrupts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupts
}

// save writes monitor state. Unforced saves are throttled; forced saves
// are always full checkpoints.
func (m *Monitor) save(force bool) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	now := m.now()
	m.mu.Lock()
	if !force && now.Sub(m.lastSave) < m.saveInterval {
		m.mu.Unlock()
		return
	}
	m.lastSave = now
	full := m.promoter.Next(force)
	count := m.promoter.Count()
	processed, interrupts, reason := m.processed, m.interrupts, m.lastReason
	buffered := strings.Join(m.buffer, "")
	m.mu.Unlock()

	stamp := now.UTC().Format(time.RFC3339Nano)
	var content string
	if full {
		content = fmt.Sprintf("# Token Monitor State\n\nLast updated: %s\n\n## Buffer\n\n```\n%s\n```\n\n## Counters\n\n%s",
			stamp, statestore.EscapeBody(buffered), counters(processed, interrupts, reason))
	} else {
		content = fmt.Sprintf("## Checkpoint %s\n\n%s", stamp, counters(processed, interrupts, reason))
	}

	_, err := m.store.Update(content, full, func(meta *statestore.Metadata) {
		meta.Set("totalTokensProcessed", strconv.Itoa(processed))
		meta.Set("interruptCount", strconv.Itoa(interrupts))
		meta.Set(statestore.MetaPartialCount, strconv.Itoa(count))
		meta.Set("lastSaveTime", stamp)
		if force {
			meta.Set("lastInterruptTime", stamp)
		}
	})
	if err != nil {
		m.logger.Error("failed to save token monitor state", zap.Error(err))
		return
	}
	m.metrics.Save(m.name, full)
}

func counters(processed, interrupts int, reason string) string {
	s := fmt.Sprintf("- Tokens processed: %d\n- Interrupts: %d", processed, interrupts)
	if reason != "" {
		s += "\n- Last interrupt: " + strings.Join(strings.Fields(reason), " ")
	}
	return s
}

// Run watches the metadata document for rule changes until ctx is done,
// then waits for in-flight model checks.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.checks.Wait()

	if err := os.MkdirAll(m.store.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create monitor directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(m.store.Dir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.store.Dir(), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != statestore.MetaFilename {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("failed to reload rules", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				_ = m.Reload()
				continue
			}
			m.logger.Warn("rules watcher error", zap.Error(err))
		}
	}
}

// Wait blocks until in-flight model checks finish.
func (m *Monitor) Wait() { m.checks.Wait() }
