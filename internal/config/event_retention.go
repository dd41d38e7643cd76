package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EventRetentionConfig holds configuration for audit event retention and cleanup
type EventRetentionConfig struct {
	// RetentionDays is the retention period for info and warning events (in days)
	// Default: 30, Range: 1-365
	RetentionDays int `yaml:"retention_days"`

	// RetentionCriticalDays is the retention period for error events (in days)
	// Must be >= RetentionDays
	// Default: 90, Range: 1-730
	RetentionCriticalDays int `yaml:"retention_critical_days"`

	// PerComponentLimitEvents is the maximum number of events kept per component
	// Oldest non-error events go first. 0 means unlimited
	// Default: 5000, Range: 0 or 100-100000
	PerComponentLimitEvents int `yaml:"per_component_limit"`

	// GlobalLimitEvents is the maximum total number of events to keep
	// Default: 100000, Range: 1000-1000000
	GlobalLimitEvents int `yaml:"global_limit"`

	// CleanupInterval is how often cleanup runs
	// Default: 24h, Range: 1m-168h
	CleanupInterval Duration `yaml:"cleanup_interval"`

	// CleanupBatchSize is the number of events to delete per statement
	// Default: 1000, Range: 100-10000
	CleanupBatchSize int `yaml:"cleanup_batch_size"`

	// CleanupEnabled controls whether automatic cleanup is enabled
	CleanupEnabled bool `yaml:"cleanup_enabled"`

	// CleanupVacuum controls whether to run VACUUM after cleanup
	// VACUUM reclaims disk space but locks the database
	CleanupVacuum bool `yaml:"cleanup_vacuum"`
}

// DefaultEventRetentionConfig returns the default event retention configuration
func DefaultEventRetentionConfig() EventRetentionConfig {
	return EventRetentionConfig{
		RetentionDays:           30,
		RetentionCriticalDays:   90,
		PerComponentLimitEvents: 5000,
		GlobalLimitEvents:       100000,
		CleanupInterval:         Duration(24 * time.Hour),
		CleanupBatchSize:        1000,
		CleanupEnabled:          true,
		CleanupVacuum:           false,
	}
}

// Validate checks if the configuration has valid values
func (c EventRetentionConfig) Validate() error {
	if c.RetentionDays < 1 || c.RetentionDays > 365 {
		return fmt.Errorf("retention_days must be between 1 and 365 (got %d)", c.RetentionDays)
	}

	if c.RetentionCriticalDays < 1 || c.RetentionCriticalDays > 730 {
		return fmt.Errorf("retention_critical_days must be between 1 and 730 (got %d)",
			c.RetentionCriticalDays)
	}
	if c.RetentionCriticalDays < c.RetentionDays {
		return fmt.Errorf("retention_critical_days (%d) must be >= retention_days (%d)",
			c.RetentionCriticalDays, c.RetentionDays)
	}

	// 0 = unlimited, or 100-100000
	if c.PerComponentLimitEvents < 0 {
		return fmt.Errorf("per_component_limit cannot be negative (got %d)", c.PerComponentLimitEvents)
	}
	if c.PerComponentLimitEvents > 0 && c.PerComponentLimitEvents < 100 {
		return fmt.Errorf("per_component_limit must be 0 (unlimited) or >= 100 (got %d)",
			c.PerComponentLimitEvents)
	}
	if c.PerComponentLimitEvents > 100000 {
		return fmt.Errorf("per_component_limit too large (got %d, max 100000)", c.PerComponentLimitEvents)
	}

	if c.GlobalLimitEvents < 1000 {
		return fmt.Errorf("global_limit must be at least 1000 (got %d)", c.GlobalLimitEvents)
	}
	if c.GlobalLimitEvents > 1000000 {
		return fmt.Errorf("global_limit too large (got %d, max 1000000)", c.GlobalLimitEvents)
	}

	if c.CleanupInterval.D() < time.Minute {
		return fmt.Errorf("cleanup_interval must be at least 1m (got %s)", c.CleanupInterval)
	}
	if c.CleanupInterval.D() > 168*time.Hour {
		return fmt.Errorf("cleanup_interval too large (got %s, max 168h)", c.CleanupInterval)
	}

	if c.CleanupBatchSize < 100 {
		return fmt.Errorf("cleanup_batch_size must be at least 100 (got %d)", c.CleanupBatchSize)
	}
	if c.CleanupBatchSize > 10000 {
		return fmt.Errorf("cleanup_batch_size too large (got %d, max 10000)", c.CleanupBatchSize)
	}

	return nil
}

// String returns a human-readable representation of the config
func (c EventRetentionConfig) String() string {
	return fmt.Sprintf(
		"EventRetentionConfig{RetentionDays: %d, RetentionCriticalDays: %d, "+
			"PerComponentLimit: %d, GlobalLimit: %d, CleanupInterval: %s, "+
			"BatchSize: %d, Enabled: %t, Vacuum: %t}",
		c.RetentionDays, c.RetentionCriticalDays, c.PerComponentLimitEvents,
		c.GlobalLimitEvents, c.CleanupInterval, c.CleanupBatchSize,
		c.CleanupEnabled, c.CleanupVacuum,
	)
}

// EventRetentionConfigFromEnv creates an EventRetentionConfig from environment variables,
// falling back to defaults
//
// Environment variables:
//   - MEDITATOR_EVENT_RETENTION_DAYS: Retention period for regular events in days (default: 30)
//   - MEDITATOR_EVENT_RETENTION_CRITICAL_DAYS: Retention period for error events in days (default: 90)
//   - MEDITATOR_EVENT_PER_COMPONENT_LIMIT: Maximum events per component, 0 for unlimited (default: 5000)
//   - MEDITATOR_EVENT_GLOBAL_LIMIT: Maximum total events (default: 100000)
//   - MEDITATOR_EVENT_CLEANUP_INTERVAL: How often to run cleanup, as a time expression (default: 24h)
//   - MEDITATOR_EVENT_CLEANUP_BATCH_SIZE: Events to delete per statement (default: 1000)
//   - MEDITATOR_EVENT_CLEANUP_ENABLED: Enable automatic cleanup (default: true)
//   - MEDITATOR_EVENT_CLEANUP_VACUUM: Run VACUUM after cleanup (default: false)
//
// Returns an error if any environment variable has an invalid value.
func EventRetentionConfigFromEnv() (EventRetentionConfig, error) {
	cfg := DefaultEventRetentionConfig()
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid event retention configuration from environment: %w", err)
	}
	return cfg, nil
}

func (c *EventRetentionConfig) applyEnv() error {
	if err := parseEnvInt("MEDITATOR_EVENT_RETENTION_DAYS", &c.RetentionDays); err != nil {
		return err
	}
	if err := parseEnvInt("MEDITATOR_EVENT_RETENTION_CRITICAL_DAYS", &c.RetentionCriticalDays); err != nil {
		return err
	}
	if err := parseEnvInt("MEDITATOR_EVENT_PER_COMPONENT_LIMIT", &c.PerComponentLimitEvents); err != nil {
		return err
	}
	if err := parseEnvInt("MEDITATOR_EVENT_GLOBAL_LIMIT", &c.GlobalLimitEvents); err != nil {
		return err
	}
	if err := parseEnvDuration("MEDITATOR_EVENT_CLEANUP_INTERVAL", &c.CleanupInterval); err != nil {
		return err
	}
	if err := parseEnvInt("MEDITATOR_EVENT_CLEANUP_BATCH_SIZE", &c.CleanupBatchSize); err != nil {
		return err
	}
	if err := parseEnvBool("MEDITATOR_EVENT_CLEANUP_ENABLED", &c.CleanupEnabled); err != nil {
		return err
	}
	return parseEnvBool("MEDITATOR_EVENT_CLEANUP_VACUUM", &c.CleanupVacuum)
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a time expression from an environment variable
func parseEnvDuration(key string, dest *Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := ParseTimeExpression(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = Duration(parsed)
	return nil
}

// parseEnvString reads a string from an environment variable
func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}
