package output

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enqueued struct {
	index int
	data  []byte
	d     time.Duration
}

// holdDevice keeps every buffer until the test completes it.
type holdDevice struct {
	mu     sync.Mutex
	got    []enqueued
	volume float64
	paused bool
}

func (h *holdDevice) Enqueue(index int, data []byte, d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, enqueued{index: index, data: append([]byte(nil), data...), d: d})
	return nil
}

func (h *holdDevice) SetVolume(v float64) { h.volume = v }

func (h *holdDevice) SetPaused(p bool) { h.paused = p }

func (h *holdDevice) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func TestFeederBlocksWhenRingFull(t *testing.T) {
	dev := &holdDevice{}
	f := NewFeeder(2, 16, dev, nil, nil)

	require.NoError(t, f.Write([]byte("a"), time.Millisecond))
	require.NoError(t, f.Write([]byte("b"), time.Millisecond))
	assert.Equal(t, 2, f.Queued())

	done := make(chan error, 1)
	go func() { done <- f.Write([]byte("c"), time.Millisecond) }()

	select {
	case <-done:
		t.Fatal("write should block while every slot is in use")
	case <-time.After(50 * time.Millisecond):
	}

	f.Complete(0)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after completion")
	}

	require.Equal(t, 3, dev.count())
	assert.Equal(t, 0, dev.got[2].index, "ring wraps to the freed slot")
	assert.Equal(t, []byte("c"), dev.got[2].data)
}

func TestFeederCloseUnblocksProducer(t *testing.T) {
	dev := &holdDevice{}
	f := NewFeeder(1, 8, dev, nil, nil)
	require.NoError(t, f.Write([]byte("x"), 0))

	done := make(chan error, 1)
	go func() { done <- f.Write([]byte("y"), 0) }()

	time.Sleep(20 * time.Millisecond)
	f.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock the producer")
	}

	f.Complete(0)
	f.Open()
	require.NoError(t, f.Write([]byte("z"), 0))
}

func TestFeederSplitsLargeWrites(t *testing.T) {
	dev := &holdDevice{}
	f := NewFeeder(4, 4, dev, nil, nil)

	require.NoError(t, f.Write([]byte("0123456789"), 100*time.Millisecond))
	require.Equal(t, 3, dev.count())

	var (
		data  []byte
		total time.Duration
	)
	for _, e := range dev.got {
		data = append(data, e.data...)
		total += e.d
	}
	assert.Equal(t, "0123456789", string(data))
	assert.Equal(t, 100*time.Millisecond, total)
	assert.Equal(t, 40*time.Millisecond, dev.got[0].d)
}

func TestFeederEmptyCallbackAndClock(t *testing.T) {
	dev := &holdDevice{}
	var empties int
	f := NewFeeder(3, 8, dev, func() { empties++ }, nil)

	require.NoError(t, f.Write([]byte("a"), 10*time.Millisecond))
	require.NoError(t, f.Write([]byte("b"), 20*time.Millisecond))

	f.Complete(0)
	assert.Zero(t, empties)
	f.Complete(1)
	assert.Equal(t, 1, empties)
	assert.Equal(t, 30*time.Millisecond, f.Played())

	// Completing a free slot is ignored.
	f.Complete(1)
	f.Complete(7)
	assert.Equal(t, 1, empties)

	f.Open()
	assert.Zero(t, f.Played())
}

func TestFeederVolumeAndPause(t *testing.T) {
	dev := &holdDevice{}
	f := NewFeeder(1, 1, dev, nil, nil)

	f.SetVolume(1.5)
	assert.Equal(t, 1.0, f.Volume())
	assert.Equal(t, 1.0, dev.volume)

	f.SetVolume(-1)
	assert.Equal(t, 0.0, dev.volume)

	f.SetPaused(true)
	assert.True(t, dev.paused)
}

// bindDevice completes every buffer as soon as it is enqueued.
type bindDevice struct {
	complete func(int)
}

func (b *bindDevice) Bind(complete func(int)) { b.complete = complete }

func (b *bindDevice) Enqueue(index int, _ []byte, _ time.Duration) error {
	b.complete(index)
	return nil
}

func TestFeederBindsDevice(t *testing.T) {
	dev := &bindDevice{}
	var empties int
	f := NewFeeder(2, 4, dev, func() { empties++ }, nil)
	require.NotNil(t, dev.complete)

	for range 5 {
		require.NoError(t, f.Write([]byte("abcd"), 10*time.Millisecond))
	}
	assert.Equal(t, 0, f.Queued())
	assert.Equal(t, 50*time.Millisecond, f.Played())
	assert.Equal(t, 5, empties)
}
