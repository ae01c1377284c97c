package player

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestCommitTempFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "song.mp3")

	write := func(name string, size int) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{1}, size), 0o644))
		return p
	}

	assert.Equal(t, "saved", commitTempFile(testLogger, write("a.tmp", 10), dest))
	assertSize(t, dest, 10)

	assert.Equal(t, "discarded", commitTempFile(testLogger, write("b.tmp", 5), dest))
	assertSize(t, dest, 10)
	assert.NoFileExists(t, filepath.Join(dir, "b.tmp"))

	assert.Equal(t, "saved", commitTempFile(testLogger, write("c.tmp", 20), dest))
	assertSize(t, dest, 20)

	assert.Equal(t, "empty", commitTempFile(testLogger, write("d.tmp", 0), dest))
	assertSize(t, dest, 20)
	assert.NoFileExists(t, filepath.Join(dir, "d.tmp"))

	assert.Equal(t, "error", commitTempFile(testLogger, filepath.Join(dir, "missing.tmp"), dest))
}

func assertSize(t *testing.T, path string, size int64) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, size, info.Size())
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "AC-DC - Thunder", sanitize("AC/DC - Thunder"))
	assert.Equal(t, "unknown", sanitize(" "))
	assert.Equal(t, "unknown", sanitize(".."))
}

type completions struct {
	mu   sync.Mutex
	done []int
	at   []time.Time
}

func (c *completions) complete(i int) {
	c.mu.Lock()
	c.done = append(c.done, i)
	c.at = append(c.at, time.Now())
	c.mu.Unlock()
}

func (c *completions) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.done)
}

func TestRecorderSplitsTracks(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(Config{Dir: dir, Speed: 100}, testLogger, nil)
	c := &completions{}
	r.Bind(c.complete)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.SetTrack("Test FM", "First")
	require.NoError(t, r.Enqueue(0, []byte("aaaa"), time.Millisecond))
	require.NoError(t, r.Enqueue(1, []byte("bb"), time.Millisecond))

	r.SetTrack("Test FM", "First")
	r.SetTrack("Test FM", "AC/DC")
	require.NoError(t, r.Enqueue(2, []byte("ccc"), time.Millisecond))

	require.Eventually(t, func() bool { return c.count() == 3 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	first, err := os.ReadFile(filepath.Join(dir, "Test FM", "First.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "aaaabb", string(first))

	second, err := os.ReadFile(filepath.Join(dir, "Test FM", "AC-DC.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "ccc", string(second))

	leftovers, err := filepath.Glob(filepath.Join(dir, "Test FM", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	assert.ErrorIs(t, r.Enqueue(3, []byte("d"), time.Millisecond), errRecorderStopped)
}

func TestRecorderPacesCompletions(t *testing.T) {
	r := NewRecorder(Config{Dir: t.TempDir(), Speed: 1}, testLogger, nil)
	c := &completions{}
	r.Bind(c.complete)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Enqueue(i, []byte{0}, 25*time.Millisecond))
	}
	require.Eventually(t, func() bool { return c.count() == 4 }, time.Second, time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, c.done)
	assert.GreaterOrEqual(t, c.at[3].Sub(start), 100*time.Millisecond)
}

func TestRecorderPauseHoldsCompletions(t *testing.T) {
	r := NewRecorder(Config{Dir: t.TempDir(), Speed: 100}, testLogger, nil)
	c := &completions{}
	r.Bind(c.complete)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()

	r.SetPaused(true)
	require.NoError(t, r.Enqueue(0, []byte{0}, time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.count())

	r.SetPaused(false)
	assert.Equal(t, 1, c.count())
}
