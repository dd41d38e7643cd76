package ai

import (
	"context"
	"io"
	"sync"
	"time"
)

// DefaultScriptChunkSize is the delta size used by ScriptedStreamer.
const DefaultScriptChunkSize = 15

// ScriptedStreamer streams prepared text in fixed-size deltas. It backs the
// offline provider and is handy in tests.
type ScriptedStreamer struct {
	// Script returns the text to stream for a prompt. When nil the prompt
	// itself is echoed.
	Script    func(prompt string) string
	ChunkSize int
	Delay     time.Duration

	mu     sync.Mutex
	opened []*ScriptedStream
}

// ContinuationStream implements Streamer
func (s *ScriptedStreamer) ContinuationStream(ctx context.Context, prompt, _ string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := prompt
	if s.Script != nil {
		text = s.Script(prompt)
	}
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultScriptChunkSize
	}
	st := &ScriptedStream{chunks: SplitChunks(text, size), delay: s.Delay, done: make(chan struct{})}
	s.mu.Lock()
	s.opened = append(s.opened, st)
	s.mu.Unlock()
	return st, nil
}

// Opened returns the streams handed out so far.
func (s *ScriptedStreamer) Opened() []*ScriptedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ScriptedStream(nil), s.opened...)
}

// ScriptedStream is a Stream over prepared chunks.
type ScriptedStream struct {
	chunks []string
	delay  time.Duration

	mu     sync.Mutex
	next   int
	closes int
	done   chan struct{}
}

// Recv returns the next chunk, io.EOF after the last one, or
// ErrStreamClosed once closed.
func (s *ScriptedStream) Recv() (string, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-t.C:
		case <-s.done:
			t.Stop()
			return "", ErrStreamClosed
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return "", ErrStreamClosed
	}
	if s.next >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.next]
	s.next++
	return c, nil
}

// Close aborts the stream.
func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes == 0 {
		close(s.done)
	}
	s.closes++
	return nil
}

// Closes reports how many times Close was called.
func (s *ScriptedStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// SplitChunks cuts text into rune-safe pieces of at most size runes.
func SplitChunks(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// Offline is a Provider that needs no network: streams come from a
// ScriptedStreamer and completions from an optional function.
type Offline struct {
	*ScriptedStreamer
	CompleteFunc CompleterFunc
}

var _ Provider = (*Offline)(nil)

// Name implements Provider
func (o *Offline) Name() string { return "offline" }

// Complete implements Completer. Without CompleteFunc it returns an empty
// answer, which callers treat as "no judgement".
func (o *Offline) Complete(ctx context.Context, prompt, model string) (string, error) {
	if o.CompleteFunc == nil {
		return "", nil
	}
	return o.CompleteFunc(ctx, prompt, model)
}
