package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseTimeExpression(t *testing.T) {
	tests := []struct {
		expr    string
		want    time.Duration
		wantErr bool
	}{
		{expr: "500ms", want: 500 * time.Millisecond},
		{expr: "100s", want: 100 * time.Second},
		{expr: "1.5h", want: 90 * time.Minute},
		{expr: "10m", want: 10 * time.Minute},
		{expr: "250", want: 250 * time.Millisecond},
		{expr: " 2 s ", want: 2 * time.Second},
		{expr: "-1", want: -time.Millisecond},
		{expr: "", wantErr: true},
		{expr: "10d", wantErr: true},
		{expr: "fast", wantErr: true},
		{expr: "1.2.3s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseTimeExpression(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDurationYAML(t *testing.T) {
	var v struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 1.5s\nb: 300\n"), &v))
	assert.Equal(t, 1500*time.Millisecond, v.A.D())
	assert.Equal(t, 300*time.Millisecond, v.B.D())

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "a: 1500ms\nb: 300ms\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("a: soon\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("a: [1]\n"), &v))
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.Pipeline.RateLimit.D())
	assert.Equal(t, filepath.Join("interrupt-state", "meditator.sock"), cfg.SocketPath())
	assert.Equal(t, filepath.Join("interrupt-state", "events.db"), cfg.EventsPath())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meditator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state_dir: /tmp/thoughts
prompt: Consider the ocean.
model:
  provider: offline
  script: The tide comes in.
pipeline:
  rate_limit: 250ms
  privileged_types: [Urgent]
timers:
  - name: quick
    timeout: 30s
    sigma: 5s
    schedule: "@every 10m"
monitors:
  - name: safety
    model_check: true
events:
  retention:
    retention_days: 7
`), 0o644))

	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/thoughts", cfg.StateDir)
	assert.Equal(t, "Consider the ocean.", cfg.Prompt)
	assert.Equal(t, ProviderOffline, cfg.Model.Provider)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RateLimit.D())
	assert.Equal(t, []string{"Urgent"}, cfg.Pipeline.PrivilegedTypes)
	assert.True(t, cfg.Pipeline.Resumable, "unset fields keep defaults")
	require.Len(t, cfg.Timers, 1)
	assert.Equal(t, 30*time.Second, cfg.Timers[0].Timeout.D())
	assert.Equal(t, "@every 10m", cfg.Timers[0].Schedule)
	require.Len(t, cfg.Monitors, 1)
	assert.True(t, cfg.Monitors[0].ModelCheck)
	assert.Equal(t, 7, cfg.Events.Retention.RetentionDays)
	assert.Equal(t, 90, cfg.Events.Retention.RetentionCriticalDays)
	assert.Equal(t, "/tmp/thoughts/meditator.sock", cfg.SocketPath())
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Prompt, cfg.Prompt)

	_, err = Load(path, true)
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "timers: {"},
		{"unknown provider", "model:\n  provider: oracle\n"},
		{"unnamed timer", "timers:\n  - timeout: 1s\n"},
		{"duplicate timer", "timers:\n  - name: a\n  - name: a\n"},
		{"bad monitor name", "monitors:\n  - name: a/b\n"},
		{"bad retention", "events:\n  retention:\n    retention_days: 0\n"},
		{"bad duration", "pipeline:\n  rate_limit: often\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "meditator.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path, true)
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MEDITATOR_STATE_DIR", "/var/lib/meditator")
	t.Setenv("MEDITATOR_PROVIDER", "openrouter")
	t.Setenv("MEDITATOR_MODEL", "claude")
	t.Setenv("MEDITATOR_DEBUG", "pipeline,timer")
	t.Setenv("MEDITATOR_RATE_LIMIT", "-1")
	t.Setenv("MEDITATOR_EVENT_RETENTION_DAYS", "10")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "/var/lib/meditator", cfg.StateDir)
	assert.Equal(t, ProviderOpenRouter, cfg.Model.Provider)
	assert.Equal(t, "claude", cfg.Model.Model)
	assert.Equal(t, "pipeline,timer", cfg.Logging.Debug)
	assert.Negative(t, cfg.Pipeline.RateLimit.D())
	assert.Equal(t, 10, cfg.Events.Retention.RetentionDays)

	t.Setenv("MEDITATOR_RATE_LIMIT", "whenever")
	assert.Error(t, DefaultConfig().ApplyEnv())
}
