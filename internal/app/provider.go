package app

import (
	"fmt"

	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/config"
	"go.uber.org/zap"
)

// NewProvider builds the model provider named by cfg.
func NewProvider(cfg config.ModelConfig, logger *zap.Logger) (ai.Provider, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic, "":
		return ai.NewAnthropicClient(&ai.AnthropicConfig{
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		})
	case config.ProviderOpenRouter:
		return ai.NewOpenRouterClient(&ai.OpenRouterConfig{
			Model:  cfg.Model,
			Logger: logger,
		})
	case config.ProviderOffline:
		streamer := &ai.ScriptedStreamer{ChunkSize: cfg.ChunkSize, Delay: cfg.ChunkDelay.D()}
		if cfg.Script != "" {
			script := cfg.Script
			streamer.Script = func(string) string { return script }
		}
		return &ai.Offline{ScriptedStreamer: streamer}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// completerFor returns the provider as a Completer, or nil when it cannot
// give judgements so the stages fall back to their deterministic defaults.
func completerFor(p ai.Provider) ai.Completer {
	if off, ok := p.(*ai.Offline); ok && off.CompleteFunc == nil {
		return nil
	}
	return p
}
