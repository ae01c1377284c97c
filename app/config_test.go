package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audiostream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
target: player
engine:
  max_bounce_count: 2
  cache_directory: /var/cache/audiostream
player:
  url: http://radio.example.com/live.mp3
  retry-delay: 5s
janitor:
  schedule: "0 * * * *"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, Player, cfg.Target)
	assert.Equal(t, 2, cfg.Engine.MaxBounceCount)
	assert.Equal(t, "/var/cache/audiostream", cfg.Engine.CacheDirectory)
	assert.Equal(t, "http://radio.example.com/live.mp3", cfg.Player.URL)
	assert.Equal(t, 5*time.Second, cfg.Player.RetryDelay)
	assert.Equal(t, "0 * * * *", cfg.Janitor.Schedule)

	// Defaults survive for keys the file leaves out.
	assert.Equal(t, 64, cfg.Engine.BufferCount)
	assert.Equal(t, 10*time.Second, cfg.Engine.BounceInterval)
	assert.True(t, cfg.Janitor.RunOnStart)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audiostream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recorder:\n  url: x\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestNewValidatesEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audiostream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  buffer_count: -1\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = New(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	assert.Error(t, err)
}
