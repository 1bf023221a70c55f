package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikey/llm-mail-triage/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("chatty"))
}

func TestInitLoggerWritesJSONWithService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.log")
	v := config.NewEmptyViper()
	v.Set("logging.output", []string{path})
	v.Set("logging.level", "warn")

	logger, err := InitLogger(config.NewFromViper(v))
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("budget nearly spent", zap.String("user_id", "u1"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"service":"mail-triage"`)
	assert.Contains(t, string(data), `"user_id":"u1"`)
}

func TestInitConsoleLogger(t *testing.T) {
	logger, err := InitConsoleLogger(false, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	logger, err = InitConsoleLogger(true, true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
