package config

import (
	"strings"
	"testing"
	"time"
)

func TestEventRetentionConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg EventRetentionConfig)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg EventRetentionConfig) {
				if cfg != DefaultEventRetentionConfig() {
					t.Errorf("cfg = %v, want defaults %v", cfg, DefaultEventRetentionConfig())
				}
			},
		},
		{
			name: "valid custom configuration",
			envVars: map[string]string{
				"MEDITATOR_EVENT_RETENTION_DAYS":          "60",
				"MEDITATOR_EVENT_RETENTION_CRITICAL_DAYS": "180",
				"MEDITATOR_EVENT_PER_COMPONENT_LIMIT":     "0",
				"MEDITATOR_EVENT_GLOBAL_LIMIT":            "200000",
				"MEDITATOR_EVENT_CLEANUP_INTERVAL":        "12h",
				"MEDITATOR_EVENT_CLEANUP_BATCH_SIZE":      "500",
				"MEDITATOR_EVENT_CLEANUP_ENABLED":         "false",
				"MEDITATOR_EVENT_CLEANUP_VACUUM":          "true",
			},
			check: func(t *testing.T, cfg EventRetentionConfig) {
				if cfg.RetentionDays != 60 {
					t.Errorf("RetentionDays = %v, want 60", cfg.RetentionDays)
				}
				if cfg.RetentionCriticalDays != 180 {
					t.Errorf("RetentionCriticalDays = %v, want 180", cfg.RetentionCriticalDays)
				}
				if cfg.PerComponentLimitEvents != 0 {
					t.Errorf("PerComponentLimitEvents = %v, want 0", cfg.PerComponentLimitEvents)
				}
				if cfg.GlobalLimitEvents != 200000 {
					t.Errorf("GlobalLimitEvents = %v, want 200000", cfg.GlobalLimitEvents)
				}
				if cfg.CleanupInterval.D() != 12*time.Hour {
					t.Errorf("CleanupInterval = %v, want 12h", cfg.CleanupInterval)
				}
				if cfg.CleanupBatchSize != 500 {
					t.Errorf("CleanupBatchSize = %v, want 500", cfg.CleanupBatchSize)
				}
				if cfg.CleanupEnabled {
					t.Error("CleanupEnabled = true, want false")
				}
				if !cfg.CleanupVacuum {
					t.Error("CleanupVacuum = false, want true")
				}
			},
		},
		{
			name:    "invalid integer",
			envVars: map[string]string{"MEDITATOR_EVENT_RETENTION_DAYS": "thirty"},
			wantErr: true,
		},
		{
			name:    "invalid bool",
			envVars: map[string]string{"MEDITATOR_EVENT_CLEANUP_ENABLED": "maybe"},
			wantErr: true,
		},
		{
			name:    "invalid interval",
			envVars: map[string]string{"MEDITATOR_EVENT_CLEANUP_INTERVAL": "daily"},
			wantErr: true,
		},
		{
			name: "critical retention shorter than regular",
			envVars: map[string]string{
				"MEDITATOR_EVENT_RETENTION_DAYS":          "60",
				"MEDITATOR_EVENT_RETENTION_CRITICAL_DAYS": "30",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := EventRetentionConfigFromEnv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("EventRetentionConfigFromEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestEventRetentionConfigValidate(t *testing.T) {
	valid := DefaultEventRetentionConfig()
	with := func(mod func(*EventRetentionConfig)) EventRetentionConfig {
		c := valid
		mod(&c)
		return c
	}

	tests := []struct {
		name    string
		config  EventRetentionConfig
		wantErr bool
		errMsg  string
	}{
		{name: "default config is valid", config: valid},
		{name: "unlimited per component", config: with(func(c *EventRetentionConfig) { c.PerComponentLimitEvents = 0 })},
		{name: "retention days too low", config: with(func(c *EventRetentionConfig) { c.RetentionDays = 0 }), wantErr: true, errMsg: "retention_days"},
		{name: "retention days too high", config: with(func(c *EventRetentionConfig) { c.RetentionDays = 400 }), wantErr: true, errMsg: "retention_days"},
		{name: "critical below regular", config: with(func(c *EventRetentionConfig) { c.RetentionCriticalDays = 10 }), wantErr: true, errMsg: "must be >="},
		{name: "negative component limit", config: with(func(c *EventRetentionConfig) { c.PerComponentLimitEvents = -1 }), wantErr: true, errMsg: "negative"},
		{name: "component limit too small", config: with(func(c *EventRetentionConfig) { c.PerComponentLimitEvents = 50 }), wantErr: true, errMsg: "per_component_limit"},
		{name: "global limit too small", config: with(func(c *EventRetentionConfig) { c.GlobalLimitEvents = 10 }), wantErr: true, errMsg: "global_limit"},
		{name: "interval too short", config: with(func(c *EventRetentionConfig) { c.CleanupInterval = Duration(time.Second) }), wantErr: true, errMsg: "cleanup_interval"},
		{name: "interval too long", config: with(func(c *EventRetentionConfig) { c.CleanupInterval = Duration(200 * time.Hour) }), wantErr: true, errMsg: "cleanup_interval"},
		{name: "batch too small", config: with(func(c *EventRetentionConfig) { c.CleanupBatchSize = 1 }), wantErr: true, errMsg: "cleanup_batch_size"},
		{name: "batch too large", config: with(func(c *EventRetentionConfig) { c.CleanupBatchSize = 20000 }), wantErr: true, errMsg: "cleanup_batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestEventRetentionConfigString(t *testing.T) {
	str := DefaultEventRetentionConfig().String()

	expected := []string{
		"EventRetentionConfig",
		"RetentionDays: 30",
		"RetentionCriticalDays: 90",
		"PerComponentLimit: 5000",
		"GlobalLimit: 100000",
		"CleanupInterval: 24h0m0s",
		"BatchSize: 1000",
		"Enabled: true",
		"Vacuum: false",
	}
	for _, exp := range expected {
		if !strings.Contains(str, exp) {
			t.Errorf("String() = %q, want to contain %q", str, exp)
		}
	}
}
