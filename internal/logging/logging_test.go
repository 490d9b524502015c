package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillbook/tillbook/internal/config"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tillbook.log")
	cfg := config.LogConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1}

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("session finished")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"session finished"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
