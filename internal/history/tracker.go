// Package history keeps a rolling, compressed summary of generated output.
// Output is cut into blocks; each block is compressed when it fills up and
// the whole window is compressed again whenever it grows past its budget.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/bus"
	"go.uber.org/zap"
)

const (
	DefaultBlockCount = 10
	DefaultMaxLength  = 1000
	DefaultRatio      = 10

	maxIterations = 3
	queueSize     = 16
)

// Config configures a Tracker.
type Config struct {
	// Completer compresses text. Without one, compression keeps the tail.
	Completer  ai.Completer
	Model      string
	BlockCount int
	MaxLength  int
	Ratio      int
	Logger     *zap.Logger
}

// Tracker is the history component.
type Tracker struct {
	completer  ai.Completer
	model      string
	blockCount int
	maxLength  int
	blockLen   int
	logger     *zap.Logger

	bus   *bus.Bus
	queue chan string

	mu         sync.Mutex
	current    strings.Builder
	blocks     []string
	compressed string
}

// New creates a Tracker.
func New(cfg *Config) *Tracker {
	t := &Tracker{
		completer:  cfg.Completer,
		model:      cfg.Model,
		blockCount: cfg.BlockCount,
		maxLength:  cfg.MaxLength,
		logger:     cfg.Logger,
		queue:      make(chan string, queueSize),
	}
	if t.blockCount <= 0 {
		t.blockCount = DefaultBlockCount
	}
	if t.maxLength <= 0 {
		t.maxLength = DefaultMaxLength
	}
	ratio := cfg.Ratio
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	t.blockLen = t.maxLength / ratio
	if t.blockLen <= 0 {
		t.blockLen = 1
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	t.logger = t.logger.Named("history")
	return t
}

// Name implements bus.Component.
func (t *Tracker) Name() string { return "history" }

// OnConnect subscribes to stream chunks.
func (t *Tracker) OnConnect(_ context.Context, b *bus.Bus) error {
	t.bus = b
	b.Sub(t.Name(), bus.TopicChunk, func(_ context.Context, p any) error {
		switch c := p.(type) {
		case bus.Chunk:
			t.Add(c.Delta)
		case string:
			t.Add(c)
		}
		return nil
	})
	return nil
}

// Add appends a delta. When the current block is full it is queued for
// compression; if the queue is full the block is truncated and kept
// without calling the model. The window summary is refreshed by the next
// processed block.
func (t *Tracker) Add(delta string) {
	t.mu.Lock()
	t.current.WriteString(delta)
	if utf8.RuneCountInString(t.current.String()) < t.blockLen {
		t.mu.Unlock()
		return
	}
	block := t.current.String()
	t.current.Reset()
	t.mu.Unlock()

	select {
	case t.queue <- block:
	default:
		t.logger.Warn("history queue full, truncating block")
		t.appendBlock(keepTail(block, t.blockLen))
	}
}

// Run compresses queued blocks until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case block := <-t.queue:
			t.Process(ctx, block)
		}
	}
}

// Process compresses one block and refreshes the window summary.
func (t *Tracker) Process(ctx context.Context, block string) {
	compressed := t.compress(ctx, block, t.blockLen, blockPrompt)
	t.commit(ctx, compressed)
}

// appendBlock adds a compressed block to the window and returns the
// window text.
func (t *Tracker) appendBlock(compressedBlock string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks = append(t.blocks, compressedBlock)
	if len(t.blocks) > t.blockCount {
		t.blocks = t.blocks[len(t.blocks)-t.blockCount:]
	}
	parts := append([]string(nil), t.blocks...)
	if t.current.Len() > 0 {
		parts = append(parts, t.current.String())
	}
	return strings.Join(parts, "\n")
}

func (t *Tracker) commit(ctx context.Context, compressedBlock string) {
	all := t.appendBlock(compressedBlock)

	summary := all
	if utf8.RuneCountInString(all) > t.maxLength {
		summary = t.compress(ctx, all, t.maxLength, windowPrompt)
	}

	t.mu.Lock()
	t.compressed = summary
	t.mu.Unlock()

	if t.bus != nil {
		if err := t.bus.Pub(ctx, bus.TopicHistory, summary); err != nil {
			t.logger.Warn("history subscriber failed", zap.Error(err))
		}
	}
}

// History returns the latest compressed summary.
func (t *Tracker) History() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compressed
}

type promptFunc func(content, previous string, target int) string

// compress asks the model for a version of content close to target
// characters, retrying on the previous attempt a few times. Without a
// model, or when every attempt fails, it keeps the tail of content.
func (t *Tracker) compress(ctx context.Context, content string, target int, prompt promptFunc) string {
	if t.completer == nil {
		return keepTail(content, target)
	}
	accept := target + 30
	if alt := target * 12 / 10; alt > accept {
		accept = alt
	}

	var best, previous string
	bestLen := -1
	for i := 0; i < maxIterations; i++ {
		out, err := t.completer.Complete(ctx, prompt(content, previous, target), t.model)
		if err != nil {
			t.logger.Warn("history compression failed", zap.Error(err), zap.Int("iteration", i+1))
			break
		}
		out = strings.TrimSpace(out)
		n := utf8.RuneCountInString(out)
		if n >= target*8/10 && (bestLen < 0 || n < bestLen) {
			best, bestLen = out, n
		}
		if n <= accept {
			return out
		}
		if previous != "" && utf8.RuneCountInString(previous) <= n {
			// No progress
			break
		}
		previous = out
	}
	if best != "" {
		return best
	}
	if previous != "" {
		return previous
	}
	return keepTail(content, target)
}

func keepTail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func blockPrompt(content, previous string, target int) string {
	if previous == "" {
		return fmt.Sprintf(`Compress this block of text while preserving key information:
<original-text>%s</original-text>
Provide a concise summary that maintains essential details.
Current length %d chars.
Target length: %d chars.
Output only the compressed text.`, content, utf8.RuneCountInString(content), target)
	}
	return fmt.Sprintf(`You are iteratively compressing a block of text.
Original text for reference:
<original-text>%s</original-text>
Current best compression is %d chars, longer than the target.
<previous-compression>%s</previous-compression>
Create an even shorter version while maintaining essential details.
Target length: %d chars.
Output only the compressed text.`, content, utf8.RuneCountInString(previous), previous, target)
}

func windowPrompt(content, previous string, target int) string {
	if previous == "" {
		return fmt.Sprintf(`Create a compressed version of this historical content:
<original-text>%s</original-text>
Provide a concise summary that maintains the essential narrative and key points.
Current length %d chars.
Target length: %d chars.
Output only the compressed text.`, content, utf8.RuneCountInString(content), target)
	}
	return fmt.Sprintf(`You are iteratively compressing historical content.
<original-text>%s</original-text>
<previous-compression>%s</previous-compression>
The previous compression is %d chars. Make it shorter while keeping the narrative.
Target length: %d chars.
Output only the compressed text.`, content, previous, utf8.RuneCountInString(previous), target)
}
