package ai

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"
)

// AnthropicConfig configures the Anthropic provider
type AnthropicConfig struct {
	APIKey    string      // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model     string      // Streaming model (default: GetDefaultModel())
	MaxTokens int64       // Token cap for single-shot calls (default: 1024)
	Retry     RetryConfig // Retry configuration (uses defaults if not specified)
	Logger    *zap.Logger
}

// AnthropicClient implements Provider on the Anthropic Messages API
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     *retrier
	logger    *zap.Logger
}

var _ Provider = (*AnthropicClient)(nil)

// NewAnthropicClient creates an Anthropic provider
func NewAnthropicClient(cfg *AnthropicConfig) (*AnthropicClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("anthropic")

	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
		retry:     newRetrier(cfg.Retry, logger),
		logger:    logger,
	}, nil
}

// Name implements Provider
func (c *AnthropicClient) Name() string { return "anthropic" }

// Complete sends a single-shot prompt
func (c *AnthropicClient) Complete(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		model = GetSimpleTaskModel()
	}
	start := time.Now()

	var response *anthropic.Message
	err := c.retry.do(ctx, "complete", true, func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: c.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text string
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	c.logger.Debug("completion finished",
		zap.String("model", model),
		zap.Int64("input_tokens", response.Usage.InputTokens),
		zap.Int64("output_tokens", response.Usage.OutputTokens),
		zap.Duration("duration", time.Since(start)))
	return text, nil
}

// ContinuationStream opens a streaming completion for prompt
func (c *AnthropicClient) ContinuationStream(ctx context.Context, prompt, model string) (Stream, error) {
	if model == "" {
		model = c.model
	}

	var out *anthropicStream
	err := c.retry.do(ctx, "stream", false, func(attemptCtx context.Context) error {
		streamCtx, cancel := context.WithCancel(attemptCtx)
		s := c.client.Messages.NewStreaming(streamCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 8192,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err := s.Err(); err != nil {
			cancel()
			s.Close()
			return err
		}
		out = &anthropicStream{stream: s, cancel: cancel}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open anthropic stream: %w", err)
	}
	c.logger.Debug("stream opened", zap.String("model", model))
	return out, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				return d.Text, nil
			}
		case anthropic.MessageStopEvent:
			return "", io.EOF
		}
	}
	if err := s.stream.Err(); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return "", ErrStreamClosed
		}
		return "", err
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.stream.Close()
}
