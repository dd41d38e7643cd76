// Package ai provides the two model capabilities the rest of the system
// consumes: single-shot completion and continuation streaming. Providers
// wrap the Anthropic API, OpenRouter (OpenAI-compatible), or a scripted
// offline stream.
package ai

import (
	"context"
	"errors"
	"os"
)

// Model constants.
//
// Environment variable overrides:
// - MEDITATOR_MODEL: override the streaming model
// - MEDITATOR_MODEL_SIMPLE: override the model used for judgement calls
const (
	// ModelSonnet drives the continuation stream
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// ModelHaiku answers short judgement prompts (analysis, planning, token checks)
	ModelHaiku = "claude-3-5-haiku-20241022"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

// Completer answers a prompt with a single block of text.
type Completer interface {
	Complete(ctx context.Context, prompt, model string) (string, error)
}

// Streamer opens a continuation stream for a prompt.
type Streamer interface {
	ContinuationStream(ctx context.Context, prompt, model string) (Stream, error)
}

// Stream is a cancellable sequence of text deltas. Recv returns io.EOF at
// the natural end of the stream. Close aborts the stream; after Close, Recv
// returns an error.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider is a model backend offering both capabilities.
type Provider interface {
	Completer
	Streamer
	Name() string
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt, model string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt, model string) (string, error) {
	return f(ctx, prompt, model)
}

// GetDefaultModel returns the streaming model, checking MEDITATOR_MODEL first
func GetDefaultModel() string {
	if model := os.Getenv("MEDITATOR_MODEL"); model != "" {
		return model
	}
	return ModelSonnet
}

// GetSimpleTaskModel returns the judgement model, checking MEDITATOR_MODEL_SIMPLE first
func GetSimpleTaskModel() string {
	if model := os.Getenv("MEDITATOR_MODEL_SIMPLE"); model != "" {
		return model
	}
	return ModelHaiku
}
