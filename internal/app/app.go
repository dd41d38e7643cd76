// Package app is the composition root: it builds every component from the
// configuration, mounts them on the bus and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/config"
	"github.com/steveyegge/meditator/internal/control"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/generation"
	"github.com/steveyegge/meditator/internal/history"
	"github.com/steveyegge/meditator/internal/knowledge"
	"github.com/steveyegge/meditator/internal/metrics"
	"github.com/steveyegge/meditator/internal/pipeline"
	"github.com/steveyegge/meditator/internal/prompt"
	"github.com/steveyegge/meditator/internal/server"
	"github.com/steveyegge/meditator/internal/statestore"
	"github.com/steveyegge/meditator/internal/storage"
	"github.com/steveyegge/meditator/internal/storage/sqlite"
	"github.com/steveyegge/meditator/internal/transport/ws"
	"github.com/steveyegge/meditator/internal/triggers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options are the parts of an App that do not come from configuration.
type Options struct {
	// Provider overrides the configured model provider.
	Provider ai.Provider
	// Tools are registered in addition to the built-in recall tool.
	Tools   []triggers.Tool
	Version string
	// Resume restarts from the last persisted prompt when one exists.
	Resume bool
	Now    func() time.Time
}

// App is a fully wired runner.
type App struct {
	cfg     *config.Config
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
	started time.Time

	bus      *bus.Bus
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	provider ai.Provider
	store    *sqlite.Storage
	recorder *events.Recorder

	controller *generation.Controller
	pipeline   *pipeline.Pipeline
	knowledge  *knowledge.Base
	history    *history.Tracker
	timers     []*triggers.Timer
	monitors   []*triggers.Monitor
	tools      *triggers.Tools
	hub        *ws.Hub
	control    *control.Server
	server     *server.Server
}

// New builds an App and mounts its components. Close releases what New
// opened when Run is never called.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, opts: opts, logger: logger, now: opts.Now}
	if a.now == nil {
		a.now = time.Now
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg
	a.bus = bus.New(a.logger)
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.recorder = &events.Recorder{Logger: a.logger.Named("events")}

	if cfg.Events.Enabled {
		st, err := sqlite.New(cfg.EventsPath(), a.logger)
		if err != nil {
			return fmt.Errorf("failed to open event store: %w", err)
		}
		a.store = st
		a.recorder.Store = st
	}

	a.provider = a.opts.Provider
	if a.provider == nil {
		p, err := NewProvider(cfg.Model, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create provider: %w", err)
		}
		a.provider = p
	}
	completer := completerFor(a.provider)

	newStore := func(generator string) (*statestore.Store, error) {
		return statestore.New(&statestore.Config{Root: cfg.StateDir, Generator: generator, Logger: a.logger, Now: a.now})
	}

	genStore, err := newStore(generation.Generator)
	if err != nil {
		return err
	}
	a.controller, err = generation.NewController(&generation.Config{
		Streamer:          a.provider,
		Model:             cfg.Model.Model,
		RecentChars:       cfg.Generation.RecentChars,
		Store:             genStore,
		FullStateInterval: cfg.Generation.FullStateInterval,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		return err
	}

	kbStore, err := newStore(knowledge.Generator)
	if err != nil {
		return err
	}
	a.knowledge = knowledge.New(&knowledge.Config{
		Store:             kbStore,
		FullStateInterval: cfg.Pipeline.FullStateInterval,
		Logger:            a.logger,
		Now:               a.now,
	})

	builder := &prompt.Builder{
		Output:      a.controller,
		Knowledge:   a.knowledge,
		RecentChars: cfg.Generation.RecentChars,
	}
	if cfg.History.Enabled {
		a.history = history.New(&history.Config{
			Completer:  completer,
			Model:      cfg.Model.SimpleModel,
			BlockCount: cfg.History.BlockCount,
			MaxLength:  cfg.History.MaxLength,
			Ratio:      cfg.History.Ratio,
			Logger:     a.logger,
		})
		builder.History = a.history
	}

	pipeStore, err := newStore(pipeline.Generator)
	if err != nil {
		return err
	}
	a.pipeline = pipeline.New(&pipeline.Config{
		Completer:         completer,
		Model:             cfg.Model.SimpleModel,
		RateLimit:         cfg.Pipeline.RateLimit.D(),
		PrivilegedTypes:   cfg.Pipeline.PrivilegedTypes,
		Resumable:         cfg.Pipeline.Resumable,
		StageTimeout:      cfg.Pipeline.StageTimeout.D(),
		Store:             pipeStore,
		HistoryCap:        cfg.Pipeline.HistoryCap,
		FullStateInterval: cfg.Pipeline.FullStateInterval,
		Prompts:           builder,
		Logger:            a.logger,
		Metrics:           a.metrics,
		Events:            a.recorder,
		Now:               a.now,
	})

	for _, tc := range cfg.Timers {
		t, err := triggers.NewTimer(&triggers.TimerConfig{
			Name:     tc.Name,
			Timeout:  tc.Timeout.D(),
			Sigma:    tc.Sigma.D(),
			Reason:   tc.Reason,
			Schedule: tc.Schedule,
			Logger:   a.logger,
			Metrics:  a.metrics,
			Events:   a.recorder,
		})
		if err != nil {
			return fmt.Errorf("timer %s: %w", tc.Name, err)
		}
		a.timers = append(a.timers, t)
	}

	for _, mc := range cfg.Monitors {
		st, err := newStore(triggers.MonitorGenerator(mc.Name))
		if err != nil {
			return err
		}
		mcfg := &triggers.MonitorConfig{
			Name:              mc.Name,
			Store:             st,
			Model:             cfg.Model.SimpleModel,
			CheckEvery:        mc.CheckEvery,
			BufferSize:        mc.BufferSize,
			FullStateInterval: cfg.Pipeline.FullStateInterval,
			SaveInterval:      mc.SaveInterval.D(),
			Cooldown:          mc.Cooldown.D(),
			Logger:            a.logger,
			Metrics:           a.metrics,
			Events:            a.recorder,
			Now:               a.now,
		}
		if mc.ModelCheck {
			mcfg.Completer = completer
		}
		m, err := triggers.NewMonitor(mcfg)
		if err != nil {
			return fmt.Errorf("monitor %s: %w", mc.Name, err)
		}
		a.monitors = append(a.monitors, m)
	}

	if cfg.Tools.Enabled {
		a.tools = triggers.NewTools(&triggers.ToolsConfig{
			Window:  cfg.Tools.Window,
			Logger:  a.logger,
			Metrics: a.metrics,
			Events:  a.recorder,
		})
		tools := append([]triggers.Tool{recallTool(a.knowledge)}, a.opts.Tools...)
		for _, t := range tools {
			if err := a.tools.Register(t); err != nil {
				return err
			}
		}
	}

	a.hub = ws.NewHub(&ws.Config{Logger: a.logger, Metrics: a.metrics, Events: a.recorder, Now: a.now})

	components := []bus.Component{a.knowledge}
	if a.history != nil {
		components = append(components, a.history)
	}
	components = append(components, a.pipeline, a.controller)
	for _, m := range a.monitors {
		components = append(components, m)
	}
	if a.tools != nil {
		components = append(components, a.tools)
	}
	for _, t := range a.timers {
		components = append(components, t)
	}
	components = append(components, a.hub, &audit{recorder: a.recorder})
	if err := a.bus.Mount(context.Background(), components...); err != nil {
		return err
	}

	if cfg.Control.Enabled {
		a.control, err = control.NewServer(cfg.SocketPath(), control.BusHandler(a.bus, a.Status), a.logger)
		if err != nil {
			return err
		}
	}
	if cfg.Server.Enabled {
		srv := server.Config{
			Addr:      cfg.Server.Addr,
			WebSocket: a.hub,
			Gatherer:  a.registry,
			State:     a.Status,
			Logger:    a.logger,
		}
		if a.store != nil {
			srv.Events = a.store
		}
		a.server = server.New(srv)
	}
	return nil
}

// Bus returns the signal bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Controller returns the generation controller.
func (a *App) Controller() *generation.Controller { return a.controller }

// Pipeline returns the interrupt pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Knowledge returns the knowledge base.
func (a *App) Knowledge() *knowledge.Base { return a.knowledge }

// Registry returns the Prometheus registry the components report to.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Events returns the audit store, nil when disabled.
func (a *App) Events() *sqlite.Storage { return a.store }

// InitialPrompt is the prompt Run starts with: the restored prompt when
// resuming, otherwise the configured one, prefixed by the tool instructions.
func (a *App) InitialPrompt() (string, error) {
	p := a.cfg.Prompt
	if a.opts.Resume {
		restored, err := a.controller.Restore()
		if err != nil {
			return "", fmt.Errorf("failed to restore prompt: %w", err)
		}
		if restored != "" {
			// a restored prompt already carries the tool instructions
			return restored, nil
		}
	}
	if a.tools != nil {
		if tp := a.tools.Prompt(); tp != "" {
			p = tp + "\n\n" + p
		}
	}
	return p, nil
}

// Run starts generation and every background component, and blocks until
// ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	lock, err := storage.AcquireRunLock(a.cfg.StateDir, storage.RunLock{
		Version: a.opts.Version,
		Socket:  a.socketPath(),
		Addr:    a.addr(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			a.logger.Warn("failed to release run lock", zap.Error(err))
		}
	}()
	defer a.Close()

	initial, err := a.InitialPrompt()
	if err != nil {
		return err
	}

	a.started = a.now()
	g, gctx := errgroup.WithContext(ctx)

	if a.history != nil {
		g.Go(func() error { return a.history.Run(gctx) })
	}
	for _, t := range a.timers {
		t := t
		g.Go(func() error { return t.Run(gctx) })
	}
	for _, m := range a.monitors {
		m := m
		g.Go(func() error { return m.Run(gctx) })
	}
	if a.control != nil {
		g.Go(func() error { return a.control.Run(gctx) })
	}
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}
	if a.store != nil {
		g.Go(func() error { return a.store.RunCleanupLoop(gctx, a.cfg.Events.Retention) })
	}
	g.Go(func() error {
		<-gctx.Done()
		// hijacked websocket connections outlive the HTTP server shutdown
		a.hub.Close()
		return nil
	})

	a.logger.Info("meditator running",
		zap.String("provider", a.provider.Name()),
		zap.String("state_dir", a.cfg.StateDir),
		zap.Int("timers", len(a.timers)),
		zap.Int("monitors", len(a.monitors)))

	if err := a.bus.Pub(gctx, bus.TopicNewPrompt, initial); err != nil {
		a.logger.Error("failed to start generation", zap.Error(err))
	}

	err = g.Wait()
	// tool results feed the pipeline, and the pipeline restarts generation
	if a.tools != nil {
		a.tools.Wait()
	}
	a.pipeline.Wait()
	a.controller.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the audit store. It is safe to call more than once.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close event store", zap.Error(err))
		}
		a.store = nil
		if a.recorder != nil {
			a.recorder.Store = nil
		}
	}
}

// Status is the snapshot served on /state and the control status command.
func (a *App) Status() map[string]interface{} {
	snap := a.controller.Snapshot()
	outcomes := a.pipeline.History()
	status := map[string]interface{}{
		"state":    string(snap.State),
		"prompt":   snap.Prompt,
		"chunks":   snap.Chunks,
		"provider": a.provider.Name(),
		"pipeline": map[string]interface{}{
			"busy":      a.pipeline.Busy(),
			"pending":   a.pipeline.Pending(),
			"processed": a.pipeline.Processed(),
		},
		"clients": a.hub.Clients(),
	}
	if snap.Error != "" {
		status["error"] = snap.Error
	}
	if len(outcomes) > 0 {
		last := outcomes[0]
		status["lastInterrupt"] = map[string]interface{}{
			"reason":   last.Record.Reason,
			"strategy": string(last.Strategy),
			"fallback": last.Fallback,
		}
	}
	if !a.started.IsZero() {
		status["uptime"] = a.now().Sub(a.started).Round(time.Second).String()
	}
	return status
}

func (a *App) socketPath() string {
	if a.control == nil {
		return ""
	}
	return a.control.SocketPath()
}

func (a *App) addr() string {
	if a.server == nil {
		return ""
	}
	return a.cfg.Server.Addr
}

// recallTool answers knowledge base lookups from inside the stream.
func recallTool(kb *knowledge.Base) triggers.Tool {
	return triggers.ToolFunc{
		ToolName: "recall",
		Desc:     "Look up a knowledge base topic. Without a topic it returns everything known.",
		Fn: func(_ context.Context, args string) (string, error) {
			topic := strings.TrimSpace(args)
			if topic == "" {
				return kb.Knowledge(), nil
			}
			if v, ok := kb.Topic(topic); ok {
				return v, nil
			}
			return "", fmt.Errorf("no knowledge about %q", topic)
		},
	}
}

// audit records controller transitions and prompt restarts.
type audit struct {
	recorder *events.Recorder
}

func (au *audit) Name() string { return "audit" }

func (au *audit) OnConnect(_ context.Context, b *bus.Bus) error {
	b.Sub(au.Name(), bus.TopicState, func(ctx context.Context, p any) error {
		if sc, ok := p.(bus.StateChange); ok {
			au.recorder.Record(ctx, events.NewStateChangeEvent("generation", sc.PreviousState, sc.State))
		}
		return nil
	})
	b.Sub(au.Name(), bus.TopicNewPrompt, func(ctx context.Context, p any) error {
		if s, ok := p.(string); ok {
			au.recorder.Record(ctx, events.NewEvent(events.EventTypePromptStarted, "generation", events.SeverityInfo,
				firstLine(s), map[string]interface{}{"length": len(s)}))
		}
		return nil
	})
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
