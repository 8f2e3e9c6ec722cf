package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithSyncer(zapcore.InfoLevel, false, zapcore.AddSync(&buf))
	log.Debug("hidden")
	log.Info("shown", zap.Int("epoch", 3))
	log.Warn("warning")
	require.NoError(t, log.Sync())
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "epoch")
	assert.Contains(t, out, "warning")
}

func TestReplaceGlobals(t *testing.T) {
	var buf bytes.Buffer
	NewWithSyncer(zapcore.DebugLevel, true, zapcore.AddSync(&buf))
	defer zap.ReplaceGlobals(zap.NewNop())
	zap.S().Debugw("global", "key", "value")
	assert.Contains(t, buf.String(), "global")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New("loud", false)
	assert.Error(t, err)
	log, err := New("", false)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	zap.ReplaceGlobals(zap.NewNop())
}
