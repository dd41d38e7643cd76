package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	// OpenRouterBaseURL is the OpenAI-compatible OpenRouter endpoint
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"

	// OpenRouterDefaultModel is used when a model name cannot be mapped
	OpenRouterDefaultModel = "deepseek/deepseek-chat"

	openRouterMaxTokens = 400
)

// modelAliases maps short names to OpenRouter model identifiers
var modelAliases = map[string]string{
	"gpt4":                   "openai/gpt-4",
	"gpt3":                   "openai/gpt-3.5-turbo",
	"claude":                 "anthropic/claude-3-sonnet",
	"mixtral":                "mistralai/mixtral-8x7b",
	"deepseek/deepseek-chat": "deepseek-ai/deepseek-chat",
}

// OpenRouterConfig configures the OpenRouter provider
type OpenRouterConfig struct {
	APIKey  string // falls back to OPENROUTER_API_KEY
	BaseURL string // default: OpenRouterBaseURL
	Model   string // default model for both capabilities
	Retry   RetryConfig
	Logger  *zap.Logger
}

// OpenRouterClient implements Provider on the OpenAI-compatible chat API
type OpenRouterClient struct {
	client *openai.Client
	model  string
	retry  *retrier
	logger *zap.Logger
}

var _ Provider = (*OpenRouterClient)(nil)

// NewOpenRouterClient creates an OpenRouter provider
func NewOpenRouterClient(cfg *OpenRouterConfig) (*OpenRouterClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENROUTER_API_KEY not set")
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("openrouter")

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = OpenRouterBaseURL
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	c := &OpenRouterClient{
		client: openai.NewClientWithConfig(clientCfg),
		retry:  newRetrier(cfg.Retry, logger),
		logger: logger,
	}
	c.model = c.NormalizeModel(cfg.Model)
	return c, nil
}

// Name implements Provider
func (c *OpenRouterClient) Name() string { return "openrouter" }

// NormalizeModel maps aliases to OpenRouter identifiers. Names containing a
// slash pass through; anything else falls back to the default model.
func (c *OpenRouterClient) NormalizeModel(name string) string {
	if name == "" {
		if c.model != "" {
			return c.model
		}
		return OpenRouterDefaultModel
	}
	if mapped, ok := modelAliases[name]; ok {
		return mapped
	}
	if strings.Contains(name, "/") {
		return name
	}
	c.logger.Warn("unknown model name, using default",
		zap.String("model", name), zap.String("default", OpenRouterDefaultModel))
	return OpenRouterDefaultModel
}

func (c *OpenRouterClient) request(prompt, model string, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     c.NormalizeModel(model),
		MaxTokens: openRouterMaxTokens,
		Stream:    stream,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
}

// Complete sends a single-shot prompt
func (c *OpenRouterClient) Complete(ctx context.Context, prompt, model string) (string, error) {
	var text string
	err := c.retry.do(ctx, "complete", true, func(attemptCtx context.Context) error {
		resp, err := c.client.CreateChatCompletion(attemptCtx, c.request(prompt, model, false))
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no choices returned")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("openrouter API call failed: %w", err)
	}
	return text, nil
}

// ContinuationStream opens a streaming chat completion
func (c *OpenRouterClient) ContinuationStream(ctx context.Context, prompt, model string) (Stream, error) {
	var out *openRouterStream
	err := c.retry.do(ctx, "stream", false, func(attemptCtx context.Context) error {
		streamCtx, cancel := context.WithCancel(attemptCtx)
		s, err := c.client.CreateChatCompletionStream(streamCtx, c.request(prompt, model, true))
		if err != nil {
			cancel()
			return err
		}
		out = &openRouterStream{stream: s, cancel: cancel}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open openrouter stream: %w", err)
	}
	return out, nil
}

type openRouterStream struct {
	stream *openai.ChatCompletionStream
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *openRouterStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return "", ErrStreamClosed
			}
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
		if resp.Choices[0].FinishReason != "" {
			return "", io.EOF
		}
	}
}

func (s *openRouterStream) Close() error {
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
