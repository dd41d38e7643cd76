// Package logging builds the zap logger handed to every component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum level when no debug scope is set (default "info").
	Level string `yaml:"level"`
	// Debug enables debug output: "" disables it, "all" enables it for every
	// component, otherwise a comma-separated list of substrings matched
	// against logger names.
	Debug string `yaml:"debug"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
}

// New builds a logger and its level handle.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.Sampling = nil
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	match := DebugFilter(cfg.Debug)
	if cfg.Debug != "" {
		level = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	if match != nil {
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return NewFilterCore(c, match)
		}))
	}
	return logger, zcfg.Level, nil
}

// DebugFilter turns a debug scope into a predicate over logger names. It
// returns nil when every name should pass ("" or "all").
func DebugFilter(scope string) func(name string) bool {
	scope = strings.TrimSpace(scope)
	if scope == "" || scope == "all" || scope == "*" {
		return nil
	}
	var needles []string
	for _, part := range strings.Split(scope, ",") {
		if part = strings.TrimSpace(part); part != "" {
			needles = append(needles, part)
		}
	}
	return func(name string) bool {
		for _, n := range needles {
			if strings.Contains(name, n) {
				return true
			}
		}
		return false
	}
}

// filterCore drops debug entries from loggers whose name does not match.
// Info and above always pass.
type filterCore struct {
	zapcore.Core
	match func(string) bool
}

// NewFilterCore wraps core with a debug scope predicate.
func NewFilterCore(core zapcore.Core, match func(string) bool) zapcore.Core {
	return &filterCore{Core: core, match: match}
}

func (c *filterCore) With(fields []zapcore.Field) zapcore.Core {
	return &filterCore{Core: c.Core.With(fields), match: c.match}
}

func (c *filterCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level == zapcore.DebugLevel && !c.match(ent.LoggerName) {
		return ce
	}
	return c.Core.Check(ent, ce)
}
