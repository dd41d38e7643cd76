package triggers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/meditator/internal/ai"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRules = []Rule{
	{Name: "danger", Type: RuleKeyword, Keywords: []string{"fire", "flood"}},
	{Name: "loop", Type: RuleRegex, Pattern: `round and round`, Flags: "i", Description: "Circular thinking"},
}

func newTestMonitor(t *testing.T, rules []Rule, cfg MonitorConfig) (*Monitor, *clock) {
	t.Helper()
	root := t.TempDir()
	if rules != nil {
		require.NoError(t, SetupTokenMonitorRules(root, "test", rules, nil))
	}
	store, err := statestore.New(&statestore.Config{Root: root, Generator: MonitorGenerator("test")})
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Name = "test"
	cfg.Store = store
	cfg.Now = clk.Now
	m, err := NewMonitor(&cfg)
	require.NoError(t, err)
	t.Cleanup(m.Wait)
	return m, clk
}

func observe(m *Monitor, deltas ...string) {
	for _, d := range deltas {
		m.Observe(context.Background(), d)
	}
}

func TestNewMonitorRequiresStore(t *testing.T) {
	_, err := NewMonitor(&MonitorConfig{Name: "x"})
	assert.Error(t, err)
}

func TestMonitorKeywordTrigger(t *testing.T) {
	m, _ := newTestMonitor(t, testRules, MonitorConfig{})
	b, reqs := mount(t, m)
	require.Len(t, m.Rules(), 2)

	for _, d := range []string{"the house ", "is on ", "fire"} {
		require.NoError(t, b.Pub(context.Background(), bus.TopicChunk, bus.Chunk{Delta: d}))
	}

	recs := reqs.all()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, interrupt.SourceInternal, rec.Source)
	assert.Equal(t, interrupt.TypeTokenMonitor, rec.Type)
	assert.Equal(t, `Keyword trigger: "fire" detected - Keyword match`, rec.Reason)
	assert.Equal(t, "the house is on fire", rec.Context.LastOutput)
	assert.Equal(t, "active", rec.Context.StreamState)
	assert.Equal(t, "token-monitor-test", rec.Data("monitor"))
	assert.Equal(t, 1, m.Interrupts())
}

func TestMonitorRegexTrigger(t *testing.T) {
	m, _ := newTestMonitor(t, testRules, MonitorConfig{})
	_, reqs := mount(t, m)

	observe(m, "going ROUND and ", "ROUND")
	recs := reqs.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "Rule trigger: loop - Circular thinking", recs[0].Reason)
}

func TestMonitorCooldown(t *testing.T) {
	m, clk := newTestMonitor(t, testRules, MonitorConfig{})
	_, reqs := mount(t, m)

	observe(m, "fire")
	observe(m, "still fire")
	assert.Len(t, reqs.all(), 1, "suppressed during cooldown")

	clk.Advance(DefaultCooldown)
	assert.Len(t, reqs.all(), 1)
	observe(m, "calm now")
	assert.Len(t, reqs.all(), 2, "chunks buffered during cooldown are checked afterwards")

	clk.Advance(DefaultCooldown)

	observe(m, "flood")
	assert.Len(t, reqs.all(), 3)
	assert.Equal(t, 3, m.Interrupts())
}

func TestMonitorCooldownDisabled(t *testing.T) {
	m, _ := newTestMonitor(t, testRules, MonitorConfig{Cooldown: -1})
	_, reqs := mount(t, m)

	observe(m, "fire", "fire")
	assert.Len(t, reqs.all(), 2)
}

func TestMonitorBufferSize(t *testing.T) {
	m, _ := newTestMonitor(t, []Rule{{Name: "pair", Type: RuleKeyword, Keywords: []string{"ab"}}}, MonitorConfig{BufferSize: 2})
	_, reqs := mount(t, m)

	observe(m, "a", "x", "b")
	assert.Empty(t, reqs.all())
	observe(m, "a", "b")
	assert.Len(t, reqs.all(), 1)
}

func TestMonitorModelCheck(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"interrupt", "INTERRUPT: drifting off topic", "drifting off topic"},
		{"continue", "CONTINUE", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompts := make(chan string, 4)
			m, _ := newTestMonitor(t, nil, MonitorConfig{
				CheckEvery: 2,
				Completer: ai.CompleterFunc(func(_ context.Context, prompt, _ string) (string, error) {
					prompts <- prompt
					return tt.reply, nil
				}),
			})
			_, reqs := mount(t, m)

			observe(m, "one ")
			m.Wait()
			assert.Empty(t, prompts, "no check before CheckEvery chunks")

			observe(m, "two")
			m.Wait()
			require.Len(t, prompts, 1)
			prompt := <-prompts
			assert.Contains(t, prompt, "one two")
			assert.Contains(t, prompt, DefaultCriteria)

			recs := reqs.all()
			if tt.want == "" {
				assert.Empty(t, recs)
				return
			}
			require.Len(t, recs, 1)
			assert.Equal(t, tt.want, recs[0].Reason)
		})
	}
}

func TestMonitorThrottledSaves(t *testing.T) {
	m, clk := newTestMonitor(t, nil, MonitorConfig{})
	_, _ = mount(t, m)

	observe(m, "a", "b", "c")
	files, err := m.store.ListStateFiles()
	require.NoError(t, err)
	assert.Len(t, files, 1, "later chunks fall inside the save interval")

	clk.Advance(DefaultSaveInterval)
	observe(m, "d")
	files, err = m.store.ListStateFiles()
	require.NoError(t, err)
	assert.Len(t, files, 2)

	meta, err := m.store.LoadMeta()
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Int("totalTokensProcessed"))
}

func TestMonitorForcedSaveOnInterrupt(t *testing.T) {
	m, _ := newTestMonitor(t, testRules, MonitorConfig{})
	_, _ = mount(t, m)

	observe(m, "calm", "fire")
	files, err := m.store.ListStateFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, files[0].IsFullState, "interrupt saves are full checkpoints")

	meta, err := m.store.LoadMeta()
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Int("interruptCount"))
	assert.NotEmpty(t, meta.Get("lastInterruptTime"))

	state, err := m.store.LoadState()
	require.NoError(t, err)
	assert.Contains(t, state, "# Token Monitor State")
}

func TestMonitorRestoresCounters(t *testing.T) {
	m, _ := newTestMonitor(t, testRules, MonitorConfig{})
	_, _ = mount(t, m)
	observe(m, "fire")

	again, err := NewMonitor(&MonitorConfig{Name: "test", Store: m.store})
	require.NoError(t, err)
	require.NoError(t, again.Reload())
	assert.Equal(t, 1, again.Interrupts())
}

func TestMonitorReloadsRulesOnChange(t *testing.T) {
	m, _ := newTestMonitor(t, nil, MonitorConfig{})
	_, reqs := mount(t, m)
	require.Empty(t, m.Rules())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	root := filepath.Dir(m.store.Dir())
	assert.Eventually(t, func() bool {
		if len(m.Rules()) > 0 {
			return true
		}
		// The watcher may not be registered yet; rewrite until it sees one.
		_ = SetupTokenMonitorRules(root, "test", testRules, nil)
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	observe(m, "flood")
	assert.Len(t, reqs.all(), 1)
}
