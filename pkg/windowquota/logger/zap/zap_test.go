package zap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

func TestLogger_WritesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLogger(zap.New(core))

	logger.Warn("quota exceeded", windowquota.String("key", "user:1"), windowquota.Int("usage", 3))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "windowquota", entry.LoggerName)
	assert.Equal(t, "quota exceeded", entry.Message)

	ctx := entry.ContextMap()
	assert.Equal(t, "user:1", ctx["key"])
	assert.EqualValues(t, 3, ctx["usage"])
}

func TestLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewLogger(zap.New(core))

	logger.Debug("hidden")
	logger.Info("info")
	logger.Error("error")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.InfoLevel, logs.All()[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
}

func TestLogger_Nil(t *testing.T) {
	assert.NotPanics(t, func() { NewLogger(nil).Info("discarded") })
}
