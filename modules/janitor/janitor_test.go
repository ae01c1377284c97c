package janitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/audiostream/pkg/cache"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func commitEntry(t *testing.T, s *cache.Store, url string, size int, age time.Duration) cache.Entry {
	t.Helper()
	w, err := s.Create(cache.Identifier(url))
	require.NoError(t, err)
	_, err = w.Write(make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, w.Commit("audio/mpeg"))

	e := w.Entry()
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(e.DataPath, mod, mod))
	return e
}

func TestJanitorSweep(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.NewStore(dir, "", testLogger, nil)
	require.NoError(t, err)

	old := commitEntry(t, store, "http://example.com/old.mp3", 600, time.Hour)
	fresh := commitEntry(t, store, "http://example.com/new.mp3", 600, 0)

	// Leftovers of an interrupted download.
	stale := filepath.Join(dir, "deadbeef.tmp")
	require.NoError(t, os.WriteFile(stale, make([]byte, 100), 0o644))

	cfg := Config{Schedule: "@every 1h"}
	j, err := New(cfg, store, 1000, testLogger, prometheus.NewRegistry())
	require.NoError(t, err)

	j.sweep()

	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, old.DataPath)
	assert.NoFileExists(t, old.MetadataPath)
	assert.FileExists(t, fresh.DataPath)

	assert.Equal(t, 1.0, testutil.ToFloat64(j.sweeps.WithLabelValues("success")))
	assert.Equal(t, 700.0, testutil.ToFloat64(j.freed))
}

func TestJanitorService(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.NewStore(dir, "", testLogger, nil)
	require.NoError(t, err)

	stale := filepath.Join(dir, "cafe.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	j, err := New(Config{Schedule: "@every 1h", RunOnStart: true}, store, 0, testLogger, nil)
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), j))
	assert.NoFileExists(t, stale)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), j))
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	store, err := cache.NewStore(t.TempDir(), "", testLogger, nil)
	require.NoError(t, err)

	_, err = New(Config{Schedule: "every so often"}, store, 0, testLogger, nil)
	assert.Error(t, err)

	_, err = New(Config{Schedule: "*/5 * * * *"}, nil, 0, testLogger, nil)
	assert.Error(t, err)
}
