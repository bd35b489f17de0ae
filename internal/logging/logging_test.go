package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_LevelSelection(t *testing.T) {
	logger, err := New(Options{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_DebugForcesDebugLevel(t *testing.T) {
	logger, err := New(Options{Level: "error", Debug: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestFilterCore_KeepsOnlyAllowedModules(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	filtered := &filterCore{Core: core, allowed: map[string]struct{}{"bus": {}}}
	logger := zap.New(filtered)

	logger.With(zap.String("component", "bus")).Info("kept")
	logger.With(zap.String("component", "llm_service")).Info("filtered out")
	logger.Info("no module field, kept")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "no module field, kept", entries[1].Message)
}

func TestFilterCore_ProviderFieldCounts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	filtered := &filterCore{Core: core, allowed: map[string]struct{}{"maicore": {}}}
	logger := zap.New(filtered)

	logger.Info("drop me", zap.String("provider", "tts"))
	logger.Info("keep me", zap.String("provider", "maicore"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "keep me", entries[0].Message)
}
