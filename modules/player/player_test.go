package player

import (
	"bytes"
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg1audio"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/audiostream/pkg/engine"
)

func mp3Stream(t *testing.T, frames int) []byte {
	t.Helper()
	header := []byte{0xFF, 0xFB, 0x90, 0x64}
	var h mpeg1audio.FrameHeader
	require.NoError(t, h.Unmarshal(append(header, 0)))
	f := make([]byte, h.FrameLen())
	copy(f, header)
	for i := 4; i < len(f); i++ {
		f[i] = byte(i % 0x7F)
	}
	return bytes.Repeat(f, frames)
}

func testConfigs(t *testing.T, url string) (Config, engine.Config) {
	t.Helper()
	fs := flag.NewFlagSet(t.Name(), flag.ContinueOnError)

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("player", fs)
	cfg.URL = url
	cfg.Dir = t.TempDir()
	cfg.Speed = 20
	cfg.RetryDelay = 10 * time.Millisecond

	var ecfg engine.Config
	ecfg.RegisterFlagsAndApplyDefaults("engine", fs)
	ecfg.HTTP.RetryDelay = 10 * time.Millisecond
	ecfg.HTTP.MaxRetries = 1

	return cfg, ecfg
}

func TestInitialTrack(t *testing.T) {
	assert.Equal(t, track{station: "radio.example.com", title: "live"}, initialTrack("http://radio.example.com/live.mp3"))
	assert.Equal(t, track{station: "local", title: "song"}, initialTrack("/music/song.mp3"))
}

func TestConfigValidate(t *testing.T) {
	cfg, _ := testConfigs(t, "")
	assert.Error(t, cfg.Validate())
	cfg.URL = "http://example.com/"
	assert.NoError(t, cfg.Validate())
	cfg.Speed = 0
	assert.Error(t, cfg.Validate())
}

func TestPlayerRecordsFile(t *testing.T) {
	data := mp3Stream(t, 100)
	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, ecfg := testConfigs(t, path)
	p, err := New(cfg, ecfg, nil, testLogger, prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	require.Eventually(t, func() bool { return p.Status() == engine.StatePlaybackCompleted }, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))

	got, err := os.ReadFile(filepath.Join(cfg.Dir, "local", "song.mp3"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPlayerRetriesFailedStream(t *testing.T) {
	data := mp3Stream(t, 100)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	cfg, ecfg := testConfigs(t, srv.URL+"/live.mp3")
	p, err := New(cfg, ecfg, nil, testLogger, prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(context.Background(), p) })

	require.Eventually(t, func() bool { return p.Status() == engine.StatePlaybackCompleted }, 10*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(p.retries.WithLabelValues("started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.retries.WithLabelValues("succeeded")))
	assert.Zero(t, testutil.ToFloat64(p.retries.WithLabelValues("failed")))
}

func TestPlayerGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	cfg, ecfg := testConfigs(t, srv.URL+"/gone.mp3")
	cfg.MaxRetryCount = 2
	p, err := New(cfg, ecfg, nil, testLogger, prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	require.Error(t, p.AwaitTerminated(context.Background()))

	assert.Equal(t, services.Failed, p.State())
	assert.Equal(t, engine.StateRetryFailed, p.Status())
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.retries.WithLabelValues("failed")))
}
