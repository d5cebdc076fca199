package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, parseLevel(" INFO "))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.DebugLevel, parseLevel("nonsense"))
}

func TestConfigureReplacesGlobal(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Log = prev })

	Configure(Options{Level: "error", JSON: true})
	assert.NotSame(t, prev, L())
	assert.False(t, L().Core().Enabled(zapcore.WarnLevel))
	assert.True(t, L().Core().Enabled(zapcore.ErrorLevel))
}
