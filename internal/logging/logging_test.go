package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDebugFilter(t *testing.T) {
	assert.Nil(t, DebugFilter(""))
	assert.Nil(t, DebugFilter("all"))

	match := DebugFilter("pipeline, token")
	require.NotNil(t, match)
	assert.True(t, match("app.pipeline"))
	assert.True(t, match("token-monitor"))
	assert.False(t, match("generation"))
}

func TestFilterCoreScopesDebugOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(NewFilterCore(core, DebugFilter("pipeline")))

	logger.Named("pipeline").Debug("kept")
	logger.Named("generation").Debug("dropped")
	logger.Named("generation").Info("info always passes")
	logger.Named("generation").With(zap.String("k", "v")).Debug("still dropped")

	var msgs []string
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"kept", "info always passes"}, msgs)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewDebugScopeLowersLevel(t *testing.T) {
	logger, level, err := New(Config{Level: "warn", Debug: "pipeline", Format: "console"})
	require.NoError(t, err)
	defer logger.Sync()
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}
