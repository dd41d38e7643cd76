// Package generation owns the live model stream and its
// suspend/resume/terminate lifecycle.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/metrics"
	"github.com/steveyegge/meditator/internal/statestore"
	"go.uber.org/zap"
)

// DefaultRecentChars is the default budget for RecentOutput.
const DefaultRecentChars = 1000

// Config configures a Controller.
type Config struct {
	Streamer ai.Streamer
	Model    string
	// RecentChars is the default budget for RecentOutput (default: 1000).
	RecentChars int
	// Store persists prompts and transitions. Optional.
	Store *statestore.Store
	// FullStateInterval controls checkpoint promotion of transition saves.
	FullStateInterval int
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Controller is the generation state machine. It holds at most one live
// stream; a single pump goroutine reads it and parks while interrupted.
type Controller struct {
	streamer    ai.Streamer
	model       string
	recentChars int
	store       *statestore.Store
	promoter    *statestore.Promoter
	logger      *zap.Logger
	metrics     *metrics.Metrics

	bus *bus.Bus

	mu     sync.Mutex
	state  State
	prompt string
	chunks []string
	live   *liveStream
	epoch  uint64

	persistMu sync.Mutex
	pumps     sync.WaitGroup
}

// liveStream is a stream handle plus its pause gate. gate and aborted are
// guarded by Controller.mu.
type liveStream struct {
	handle  ai.Stream
	cancel  context.CancelFunc
	gate    chan struct{}
	aborted bool
	once    sync.Once
}

// release aborts the underlying stream. It runs at most once.
func (ls *liveStream) release() {
	if ls == nil {
		return
	}
	ls.once.Do(func() {
		ls.cancel()
		_ = ls.handle.Close()
	})
}

// NewController creates a controller in the IDLE state.
func NewController(cfg *Config) (*Controller, error) {
	if cfg.Streamer == nil {
		return nil, fmt.Errorf("streamer is required")
	}
	recent := cfg.RecentChars
	if recent <= 0 {
		recent = DefaultRecentChars
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		streamer:    cfg.Streamer,
		model:       cfg.Model,
		recentChars: recent,
		store:       cfg.Store,
		promoter:    statestore.NewPromoter(cfg.FullStateInterval),
		logger:      logger.Named("generation"),
		metrics:     cfg.Metrics,
		state:       StateIdle,
	}, nil
}

// Name implements bus.Component.
func (c *Controller) Name() string { return "generation" }

// OnConnect subscribes the controller to the strategy signals.
func (c *Controller) OnConnect(_ context.Context, b *bus.Bus) error {
	c.bus = b
	b.Sub(c.Name(), bus.TopicInterrupt, func(ctx context.Context, p any) error {
		resumable := true
		if sig, ok := p.(bus.InterruptSignal); ok {
			resumable = sig.Resumable
		}
		return c.Interrupt(ctx, resumable)
	})
	b.Sub(c.Name(), bus.TopicResume, func(ctx context.Context, _ any) error {
		return c.Resume(ctx)
	})
	b.Sub(c.Name(), bus.TopicTerminate, func(ctx context.Context, _ any) error {
		return c.Terminate(ctx)
	})
	b.Sub(c.Name(), bus.TopicNewPrompt, func(ctx context.Context, p any) error {
		prompt, ok := p.(string)
		if !ok || prompt == "" {
			return fmt.Errorf("new-prompt payload must be a non-empty string, got %T", p)
		}
		return c.Start(ctx, prompt)
	})
	return nil
}

// Start aborts any live stream and begins generating for prompt.
func (c *Controller) Start(ctx context.Context, prompt string) error {
	c.mu.Lock()
	old := c.abortLocked()
	c.epoch++
	epoch := c.epoch
	prev := c.setStateLocked(StateStarting)
	c.prompt = prompt
	c.mu.Unlock()

	old.release()
	c.announce(ctx, prev, StateStarting)
	persistErr := c.persistPrompt(prompt)

	streamCtx, cancel := context.WithCancel(context.Background())
	handle, err := c.streamer.ContinuationStream(streamCtx, prompt, c.model)

	c.mu.Lock()
	if c.epoch != epoch {
		// Superseded by another prompt or a terminate while opening.
		c.mu.Unlock()
		cancel()
		if handle != nil {
			_ = handle.Close()
		}
		return persistErr
	}
	if err != nil {
		prev = c.setStateLocked(StateError)
		c.mu.Unlock()
		cancel()
		c.logger.Error("failed to open stream", zap.Error(err))
		c.announce(ctx, prev, StateError)
		return errors.Join(fmt.Errorf("failed to open stream: %w", err), persistErr)
	}
	ls := &liveStream{handle: handle, cancel: cancel}
	c.live = ls
	prev = c.setStateLocked(StateStreaming)
	c.pumps.Add(1)
	c.mu.Unlock()

	c.announce(ctx, prev, StateStreaming)
	go c.pump(ls)
	return persistErr
}

// Interrupt pauses or drops the live stream. With resumable set the handle
// is kept for Resume; otherwise it is aborted and the controller goes idle.
// Outside STREAMING it is a no-op.
func (c *Controller) Interrupt(ctx context.Context, resumable bool) error {
	c.mu.Lock()
	if c.state != StateStreaming {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("interrupt ignored, not streaming", zap.Stringer("state", state))
		return nil
	}
	var (
		old  *liveStream
		next State
	)
	if resumable {
		c.live.gate = make(chan struct{})
		next = StateInterrupted
	} else {
		old = c.abortLocked()
		next = StateIdle
	}
	prev := c.setStateLocked(next)
	c.mu.Unlock()

	old.release()
	c.announce(ctx, prev, next)
	return c.persistTransition(prev, next)
}

// Resume continues an interrupted stream from the retained handle. In any
// other state it logs a warning and does nothing.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInterrupted || c.live == nil {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("resume ignored, generation is not interrupted", zap.Stringer("state", state))
		return nil
	}
	if c.live.gate != nil {
		close(c.live.gate)
		c.live.gate = nil
	}
	prev := c.setStateLocked(StateStreaming)
	c.mu.Unlock()

	c.announce(ctx, prev, StateStreaming)
	return c.persistTransition(prev, StateStreaming)
}

// Terminate aborts any live or pending stream and returns to IDLE.
func (c *Controller) Terminate(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStreaming, StateInterrupted, StateStarting:
	default:
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("terminate ignored, nothing to stop", zap.Stringer("state", state))
		return nil
	}
	old := c.abortLocked()
	c.epoch++
	prev := c.setStateLocked(StateIdle)
	c.mu.Unlock()

	old.release()
	c.announce(ctx, prev, StateIdle)
	return c.persistTransition(prev, StateIdle)
}

// Close aborts any live stream and waits for the pump to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	old := c.abortLocked()
	c.epoch++
	c.mu.Unlock()
	old.release()
	c.pumps.Wait()
}

// Wait blocks until no pump goroutine is running.
func (c *Controller) Wait() { c.pumps.Wait() }

// abortLocked detaches the live stream and wakes a parked pump. The caller
// releases the returned stream after unlocking.
func (c *Controller) abortLocked() *liveStream {
	ls := c.live
	if ls == nil {
		return nil
	}
	ls.aborted = true
	if ls.gate != nil {
		close(ls.gate)
		ls.gate = nil
	}
	c.live = nil
	return ls
}

func (c *Controller) setStateLocked(next State) State {
	prev := c.state
	c.state = next
	return prev
}

// pump reads the stream until it ends or is detached.
func (c *Controller) pump(ls *liveStream) {
	defer c.pumps.Done()
	for {
		delta, err := ls.handle.Recv()
		if err != nil {
			c.finish(ls, err)
			return
		}
		if !c.deliver(ls, delta) {
			return
		}
	}
}

// awaitStreamingLocked parks while the stream is interrupted. It returns
// with the lock held and reports whether ls is still the live STREAMING
// stream.
func (c *Controller) awaitStreamingLocked(ls *liveStream) bool {
	for {
		if c.live != ls || ls.aborted {
			return false
		}
		if c.state == StateStreaming {
			return true
		}
		gate := ls.gate
		if gate == nil {
			return false
		}
		c.mu.Unlock()
		<-gate
		c.mu.Lock()
	}
}

// deliver appends a delta and broadcasts it.
func (c *Controller) deliver(ls *liveStream, delta string) bool {
	c.mu.Lock()
	if !c.awaitStreamingLocked(ls) {
		c.mu.Unlock()
		return false
	}
	c.chunks = append(c.chunks, delta)
	idx := len(c.chunks) - 1
	c.mu.Unlock()

	c.metrics.Chunk()
	if c.bus != nil {
		if err := c.bus.Pub(context.Background(), bus.TopicChunk, bus.Chunk{Delta: delta, Index: idx}); err != nil {
			c.logger.Warn("chunk subscriber failed", zap.Error(err))
		}
	}
	return true
}

// finish handles the end of the stream: natural end, cancellation, or a
// genuine stream error.
func (c *Controller) finish(ls *liveStream, err error) {
	c.mu.Lock()
	if !c.awaitStreamingLocked(ls) {
		c.mu.Unlock()
		c.logger.Debug("stream ended after abort", zap.Error(err))
		return
	}

	var next State
	switch {
	case errors.Is(err, io.EOF):
		next = StateCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, ai.ErrStreamClosed):
		next = StateIdle
	default:
		next = StateError
	}
	c.live = nil
	prev := c.setStateLocked(next)
	c.mu.Unlock()

	ls.release()
	switch next {
	case StateError:
		c.logger.Error("stream failed", zap.Error(err))
	case StateIdle:
		c.logger.Info("stream canceled", zap.Error(err))
	default:
		c.logger.Info("stream completed")
	}
	c.announce(context.Background(), prev, next)
	if perr := c.persistTransition(prev, next); perr != nil {
		c.logger.Error("failed to persist transition", zap.Error(perr))
	}
}

func (c *Controller) announce(ctx context.Context, prev, next State) {
	c.logger.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", next))
	c.metrics.State(string(prev), string(next))
	if c.bus == nil {
		return
	}
	change := bus.StateChange{State: string(next), PreviousState: string(prev), Timestamp: time.Now()}
	if err := c.bus.Pub(ctx, bus.TopicState, change); err != nil {
		c.logger.Warn("state subscriber failed", zap.Error(err))
	}
}

// State returns the current state, or StateUnavailable on a nil controller.
func (c *Controller) State() State {
	if c == nil {
		return StateUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Prompt returns the active prompt.
func (c *Controller) Prompt() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// Chunks returns a copy of the chunk history.
func (c *Controller) Chunks() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

// Snapshot reports the controller state without failing when the
// controller is missing.
func (c *Controller) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{State: StateUnavailable, Error: ErrNotMounted.Error()}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:     c.state,
		Prompt:    c.prompt,
		Chunks:    len(c.chunks),
		HasHandle: c.live != nil,
	}
}
