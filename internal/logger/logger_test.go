package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, levelFromString(tt.in))
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_DEV", "1")
	t.Setenv("LOG_LEVEL", "")
	cfg := ConfigFromEnv()
	assert.True(t, cfg.Dev)
	assert.Equal(t, "debug", cfg.Level)
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "api.log")
	log, err := Init(Config{Level: "info", File: path})
	require.NoError(t, err)
	log.Info("started")
	_ = log.Sync()

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
