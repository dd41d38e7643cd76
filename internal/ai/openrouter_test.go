package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream"`
	Messages  []struct {
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeOpenRouter struct {
	mu       sync.Mutex
	requests []chatRequest
	deltas   []string
}

func (f *fakeOpenRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"echo: %s"},"finish_reason":"stop"}]}`,
			req.Messages[0].Content)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, d := range f.deltas {
		fmt.Fprintf(w, "data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func newTestOpenRouter(t *testing.T, deltas ...string) (*OpenRouterClient, *fakeOpenRouter) {
	t.Helper()
	fake := &fakeOpenRouter{deltas: deltas}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := NewOpenRouterClient(&OpenRouterConfig{APIKey: "test", BaseURL: srv.URL, Model: "gpt4"})
	require.NoError(t, err)
	return c, fake
}

func TestOpenRouterComplete(t *testing.T) {
	c, fake := newTestOpenRouter(t)
	out, err := c.Complete(context.Background(), "hello", "claude")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)

	require.Len(t, fake.requests, 1)
	assert.Equal(t, "anthropic/claude-3-sonnet", fake.requests[0].Model)
	assert.Equal(t, 400, fake.requests[0].MaxTokens)
}

func TestOpenRouterStream(t *testing.T) {
	c, fake := newTestOpenRouter(t, "The ", "quiet ", "mind")
	st, err := c.ContinuationStream(context.Background(), "think", "")
	require.NoError(t, err)
	defer st.Close()

	var got strings.Builder
	for {
		d, err := st.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got.WriteString(d)
	}
	assert.Equal(t, "The quiet mind", got.String())
	// the configured alias is the default model
	assert.Equal(t, "openai/gpt-4", fake.requests[0].Model)
	assert.True(t, fake.requests[0].Stream)
	assert.NoError(t, st.Close())
}

func TestOpenRouterNormalizeModel(t *testing.T) {
	c, _ := newTestOpenRouter(t)
	tests := []struct {
		in, want string
	}{
		{"", "openai/gpt-4"},
		{"gpt3", "openai/gpt-3.5-turbo"},
		{"mixtral", "mistralai/mixtral-8x7b"},
		{"deepseek/deepseek-chat", "deepseek-ai/deepseek-chat"},
		{"meta/llama-3", "meta/llama-3"},
		{"nonsense", OpenRouterDefaultModel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.NormalizeModel(tt.in), tt.in)
	}
}

func TestOpenRouterRequiresKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	_, err := NewOpenRouterClient(&OpenRouterConfig{})
	assert.Error(t, err)
}

func TestAnthropicRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicClient(&AnthropicConfig{})
	assert.Error(t, err)

	c, err := NewAnthropicClient(&AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())
}
