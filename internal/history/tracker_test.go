package history

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksWithoutModelKeepTail(t *testing.T) {
	tr := New(&Config{MaxLength: 20, Ratio: 4, BlockCount: 2})
	// blockLen is 5
	for _, d := range []string{"abc", "defg", "hij", "klmno", "pqrst"} {
		tr.Add(d)
	}
	// Queued blocks are processed explicitly.
	for len(tr.queue) > 0 {
		tr.Process(context.Background(), <-tr.queue)
	}
	h := tr.History()
	assert.NotEmpty(t, h)
	assert.LessOrEqual(t, len([]rune(h)), 20)
	assert.True(t, strings.HasSuffix(h, "pqrst"), "got %q", h)
}

func TestCompressAcceptsCloseResult(t *testing.T) {
	calls := 0
	tr := New(&Config{Completer: ai.CompleterFunc(func(context.Context, string, string) (string, error) {
		calls++
		return strings.Repeat("x", 10), nil
	})})
	out := tr.compress(context.Background(), strings.Repeat("y", 100), 10, blockPrompt)
	assert.Equal(t, strings.Repeat("x", 10), out)
	assert.Equal(t, 1, calls)
}

func TestCompressIteratesThenStops(t *testing.T) {
	lengths := []int{200, 150, 160}
	calls := 0
	tr := New(&Config{Completer: ai.CompleterFunc(func(_ context.Context, prompt, _ string) (string, error) {
		n := lengths[calls]
		calls++
		if calls > 1 {
			require.Contains(t, prompt, "<previous-compression>")
		}
		return strings.Repeat("z", n), nil
	})})
	out := tr.compress(context.Background(), strings.Repeat("y", 1000), 100, windowPrompt)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 150, len(out), "best result that is not under 80%% of target")
}

func TestCompressFallsBackOnError(t *testing.T) {
	tr := New(&Config{Completer: ai.CompleterFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("503")
	})})
	assert.Equal(t, "6789", tr.compress(context.Background(), "0123456789", 4, blockPrompt))
}

func TestPublishesHistory(t *testing.T) {
	ctx := context.Background()
	b := bus.New(nil)
	tr := New(&Config{MaxLength: 10, Ratio: 2})
	var got []string
	b.Sub("test", bus.TopicHistory, func(_ context.Context, p any) error {
		got = append(got, p.(string))
		return nil
	})
	require.NoError(t, b.Mount(ctx, tr))

	require.NoError(t, b.Pub(ctx, bus.TopicChunk, bus.Chunk{Delta: "hello"}))
	tr.Process(ctx, <-tr.queue)
	assert.Equal(t, []string{"hello"}, got)
}

func TestFullQueueNeverCallsModelFromAdd(t *testing.T) {
	var calls int
	tr := New(&Config{MaxLength: 10, Ratio: 2, BlockCount: 100, Completer: ai.CompleterFunc(func(context.Context, string, string) (string, error) {
		calls++
		return "short", nil
	})})
	// blockLen is 5; nothing drains the queue
	for i := 0; i < queueSize+5; i++ {
		tr.Add("abcde")
	}
	assert.Equal(t, 0, calls)
	assert.Len(t, tr.queue, queueSize)

	tr.mu.Lock()
	kept := len(tr.blocks)
	tr.mu.Unlock()
	assert.Equal(t, 5, kept, "overflow blocks are kept truncated")
}
