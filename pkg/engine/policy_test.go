package engine

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/audiostream/pkg/packet"
)

func defaultConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet(t.Name(), flag.ContinueOnError))
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBufferingByteThreshold(t *testing.T) {
	cfg := defaultConfig(t)

	in := bufferingInput{everPlayed: true, cachedBytes: 256000}
	assert.False(t, bufferingComplete(&cfg, in), "threshold must be exceeded, not met")

	in.cachedBytes = 256001
	assert.True(t, bufferingComplete(&cfg, in))

	cfg.RequiredInitialPrebufferedByteCountForContinuousStream = 1000
	in = bufferingInput{everPlayed: true, continuous: true, cachedBytes: 1001}
	assert.True(t, bufferingComplete(&cfg, in))
	in.continuous = false
	assert.False(t, bufferingComplete(&cfg, in))
}

func TestBufferingPacketAndSecondModes(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.UsePrebufferSizeCalculationInPackets = true

	in := bufferingInput{everPlayed: true, cachedPackets: 31, cachedBytes: 1 << 30}
	assert.False(t, bufferingComplete(&cfg, in), "packet mode ignores bytes")
	in.cachedPackets = 32
	assert.True(t, bufferingComplete(&cfg, in))

	cfg.UsePrebufferSizeCalculationInPackets = false
	cfg.UsePrebufferSizeCalculationInSeconds = true
	in = bufferingInput{everPlayed: true, cachedDuration: 6 * time.Second}
	assert.False(t, bufferingComplete(&cfg, in))
	in.cachedDuration = 7 * time.Second
	assert.True(t, bufferingComplete(&cfg, in))

	// Without a duration estimate the byte threshold applies.
	in = bufferingInput{everPlayed: true, cachedBytes: 256001}
	assert.True(t, bufferingComplete(&cfg, in))
}

func TestBufferingOverride(t *testing.T) {
	cfg := defaultConfig(t)

	t.Run("small resource", func(t *testing.T) {
		in := bufferingInput{contentLength: 10000, bytesReceived: 8999, cachedBytes: 8999}
		assert.False(t, bufferingComplete(&cfg, in))
		in.bytesReceived = 9000
		assert.True(t, bufferingComplete(&cfg, in))
	})

	t.Run("tail after an offset open", func(t *testing.T) {
		in := bufferingInput{contentLength: 1_000_000, openOffset: 990_000, bytesReceived: 9000}
		assert.True(t, bufferingComplete(&cfg, in))
	})

	t.Run("only before first playback", func(t *testing.T) {
		in := bufferingInput{everPlayed: true, contentLength: 10000, bytesReceived: 10000, cachedBytes: 100}
		assert.False(t, bufferingComplete(&cfg, in))
	})

	t.Run("continuous streams use the prebuffer cap", func(t *testing.T) {
		cfg := cfg
		cfg.RequiredInitialPrebufferedByteCountForContinuousStream = 1 << 40
		cfg.MaxPrebufferedByteCount = 1000
		in := bufferingInput{continuous: true, bytesReceived: 900}
		assert.True(t, bufferingComplete(&cfg, in))
		in.bytesReceived = 899
		assert.False(t, bufferingComplete(&cfg, in))
	})
}

func TestBounceDetector(t *testing.T) {
	now := time.Now()

	t.Run("fires once at the limit", func(t *testing.T) {
		b := bounceDetector{interval: 10 * time.Second, max: 4}
		fired := 0
		for i := 0; i < 4; i++ {
			if b.observe(now.Add(time.Duration(i) * time.Second)) {
				fired++
			}
		}
		assert.Equal(t, 1, fired)

		// The window restarts after firing.
		assert.False(t, b.observe(now.Add(5*time.Second)))
	})

	t.Run("window expiry resets the count", func(t *testing.T) {
		b := bounceDetector{interval: 10 * time.Second, max: 4}
		for i := 0; i < 3; i++ {
			assert.False(t, b.observe(now.Add(time.Duration(i)*time.Second)))
		}
		assert.False(t, b.observe(now.Add(20*time.Second)))
		assert.Equal(t, 1, b.count)
	})

	t.Run("reset", func(t *testing.T) {
		b := bounceDetector{interval: 10 * time.Second, max: 2}
		assert.False(t, b.observe(now))
		b.reset()
		assert.False(t, b.observe(now))
		assert.True(t, b.observe(now))
	})
}

func TestEvictPlayed(t *testing.T) {
	fill := func(t *testing.T) *packet.Queue {
		q := packet.NewQueue(0)
		for i := uint64(0); i < 10; i++ {
			require.NoError(t, q.Push(&packet.Packet{ID: i, Payload: make([]byte, 100)}))
		}
		for i := 0; i < 6; i++ {
			p, ok := q.Next()
			require.True(t, ok)
			q.Release(p.ID)
		}
		return q
	}

	// Under the cap played history stays for rewinds.
	q := fill(t)
	n, _ := evictPlayed(q, false, 1000)
	assert.Zero(t, n)
	assert.Equal(t, int64(1000), q.CachedBytes())

	// Over the cap everything already played goes, not just the excess.
	n, bytes := evictPlayed(q, false, 900)
	assert.Equal(t, 6, n)
	assert.Equal(t, int64(600), bytes)
	assert.Equal(t, int64(400), q.CachedBytes())
	assert.Equal(t, 4, q.Pending())

	q = fill(t)
	n, _ = evictPlayed(q, true, 1<<20)
	assert.Equal(t, 6, n)
}
