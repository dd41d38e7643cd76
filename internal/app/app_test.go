package app

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/config"
	"github.com/steveyegge/meditator/internal/control"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/generation"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.Prompt = "Consider the river."
	cfg.Model.Provider = config.ProviderOffline
	cfg.Model.Script = "The river bends and the water keeps moving toward the sea."
	cfg.Model.ChunkDelay = 0
	cfg.Timers = nil
	cfg.Server.Enabled = false
	cfg.Control.Enabled = false
	return cfg
}

func runApp(t *testing.T, a *App) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("app did not stop")
			return nil
		}
	}
}

func TestNewProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	p, err := NewProvider(config.ModelConfig{Provider: config.ProviderOffline}, nil)
	require.NoError(t, err)
	assert.Equal(t, "offline", p.Name())
	assert.Nil(t, completerFor(p), "offline provider without judgements")

	_, err = NewProvider(config.ModelConfig{Provider: config.ProviderAnthropic}, nil)
	assert.Error(t, err)
	_, err = NewProvider(config.ModelConfig{Provider: config.ProviderOpenRouter}, nil)
	assert.Error(t, err)
	_, err = NewProvider(config.ModelConfig{Provider: "carrier-pigeon"}, nil)
	assert.Error(t, err)

	judged := &ai.Offline{ScriptedStreamer: &ai.ScriptedStreamer{}, CompleteFunc: func(context.Context, string, string) (string, error) { return "", nil }}
	assert.NotNil(t, completerFor(judged))
}

func TestNewMountsComponents(t *testing.T) {
	a, err := New(testConfig(t), nil, Options{})
	require.NoError(t, err)
	defer a.Close()

	mounted := a.Bus().Mounted()
	for _, name := range []string{"knowledge", "history", "pipeline", "generation", "token-monitor-default", "tools", "websocket", "audit"} {
		assert.Contains(t, mounted, name)
	}

	status := a.Status()
	assert.Equal(t, "IDLE", status["state"])
	assert.Equal(t, "offline", status["provider"])
	assert.Equal(t, 0, status["clients"])
	assert.NotContains(t, status, "uptime")
}

func TestInitialPromptCarriesTools(t *testing.T) {
	a, err := New(testConfig(t), nil, Options{})
	require.NoError(t, err)
	defer a.Close()

	p, err := a.InitialPrompt()
	require.NoError(t, err)
	assert.Contains(t, p, "Tool: recall")
	assert.True(t, strings.HasSuffix(p, "Consider the river."))

	cfg := testConfig(t)
	cfg.Tools.Enabled = false
	b, err := New(cfg, nil, Options{})
	require.NoError(t, err)
	defer b.Close()
	p, err = b.InitialPrompt()
	require.NoError(t, err)
	assert.Equal(t, "Consider the river.", p)
}

func TestRunStreamsRecordsAndStops(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, nil, Options{Version: "test"})
	require.NoError(t, err)
	stop := runApp(t, a)

	require.Eventually(t, func() bool {
		return a.Controller().State() == generation.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, cfg.Model.Script, strings.Join(a.Controller().Chunks(), ""))

	lock, err := storage.ReadRunLock(cfg.StateDir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)
	assert.Equal(t, "test", lock.Version)

	ctx := context.Background()
	changes, err := a.Events().GetEvents(ctx, events.EventFilter{Type: events.EventTypeStateChange})
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, "STREAMING -> COMPLETED", changes[0].Message)
	started, err := a.Events().GetEvents(ctx, events.EventFilter{Type: events.EventTypePromptStarted})
	require.NoError(t, err)
	assert.Len(t, started, 1)

	assert.Contains(t, a.Status(), "uptime")
	require.NoError(t, stop())

	_, err = storage.ReadRunLock(cfg.StateDir)
	assert.True(t, os.IsNotExist(err), "lock released")

	// a second runner resumes from the persisted prompt
	b, err := New(cfg, nil, Options{Resume: true})
	require.NoError(t, err)
	defer b.Close()
	p, err := b.InitialPrompt()
	require.NoError(t, err)
	assert.Contains(t, p, "Tool: recall")
	assert.Contains(t, p, "Consider the river.")
}

func TestRunRejectsLockedStateDir(t *testing.T) {
	cfg := testConfig(t)
	host, err := os.Hostname()
	require.NoError(t, err)
	held, err := storage.AcquireRunLock(cfg.StateDir, storage.RunLock{})
	require.NoError(t, err)
	defer held.Release()
	// pretend another live process holds it
	require.NoError(t, os.WriteFile(held.Path(),
		[]byte(`{"pid":`+strconv.Itoa(os.Getppid())+`,"hostname":"`+host+`"}`), 0644))

	a, err := New(cfg, nil, Options{})
	require.NoError(t, err)
	defer a.Close()
	err = a.Run(context.Background())
	assert.ErrorIs(t, err, storage.ErrLocked)
}

func TestUserCommandRestartsGeneration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Script = strings.Repeat("slow thought ", 200)
	cfg.Model.ChunkDelay = config.Duration(5 * time.Millisecond)
	a, err := New(cfg, nil, Options{})
	require.NoError(t, err)
	stop := runApp(t, a)
	defer func() { require.NoError(t, stop()) }()

	require.Eventually(t, func() bool {
		return a.Controller().State() == generation.StateStreaming
	}, 5*time.Second, 5*time.Millisecond)

	rec := interrupt.NewExternal(interrupt.TypeUserCommand, "Think about mountains", interrupt.Context{}, nil)
	require.NoError(t, a.Bus().Pub(context.Background(), bus.TopicInterruptRequest, rec.Markdown()))

	require.Eventually(t, func() bool {
		return len(a.Pipeline().History()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	out := a.Pipeline().History()[0]
	assert.False(t, out.Fallback)
	assert.Equal(t, "Think about mountains", out.Record.Reason)

	require.Eventually(t, func() bool {
		return strings.Contains(a.Controller().Prompt(), "Think about mountains")
	}, 5*time.Second, 10*time.Millisecond)
	last, ok := a.Status()["lastInterrupt"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Think about mountains", last["reason"])

	next := interrupt.NewExternal(interrupt.TypeUserCommand, "Think about rivers", interrupt.Context{}, nil)
	require.NoError(t, a.Bus().Pub(context.Background(), bus.TopicInterruptRequest, next.Markdown()))
	require.Eventually(t, func() bool {
		return len(a.Pipeline().History()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	status := a.Status()
	last, ok = status["lastInterrupt"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Think about rivers", last["reason"], "newest outcome is reported")
	assert.Equal(t, 2, status["pipeline"].(map[string]interface{})["processed"])
}

func TestControlSocketDrivesApp(t *testing.T) {
	cfg := testConfig(t)
	dir, err := os.MkdirTemp("", "app")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg.Control.Enabled = true
	cfg.Control.Socket = filepath.Join(dir, "c.sock")

	a, err := New(cfg, nil, Options{})
	require.NoError(t, err)
	stop := runApp(t, a)
	defer func() { require.NoError(t, stop()) }()

	client := control.NewClient(cfg.Control.Socket)
	require.Eventually(t, func() bool {
		_, err := client.Status()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := client.Prompt("Consider the mountain.")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Eventually(t, func() bool {
		return a.Controller().Prompt() == "Consider the mountain."
	}, 5*time.Second, 10*time.Millisecond)

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "offline", status.Data["provider"])
}

func TestRecallTool(t *testing.T) {
	a, err := New(testConfig(t), nil, Options{})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Knowledge().Apply([]bus.KBUpdate{{Topic: "rivers", Content: "Rivers run to the sea."}}))

	tool := recallTool(a.Knowledge())
	out, err := tool.Execute(context.Background(), " rivers ")
	require.NoError(t, err)
	assert.Equal(t, "Rivers run to the sea.", out)

	all, err := tool.Execute(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, all, "Rivers run to the sea.")

	_, err = tool.Execute(context.Background(), "mountains")
	assert.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "one", firstLine("  one\ntwo"))
	assert.Len(t, firstLine(strings.Repeat("x", 200)), 123)
}
