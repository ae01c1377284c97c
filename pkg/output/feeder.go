// Package output hands decoded audio to a playback device through a fixed
// ring of buffers.
package output

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrClosed is returned by Write once the feeder has been closed.
var ErrClosed = errors.New("output feeder is closed")

// Device plays buffers. Enqueue must not block for the duration of
// playback; the device reports each finished buffer through
// Feeder.Complete, from any goroutine, possibly before Enqueue returns.
type Device interface {
	Enqueue(index int, data []byte, d time.Duration) error
}

// Binder is implemented by devices that report completions through the
// feeder they are attached to.
type Binder interface {
	Bind(complete func(index int))
}

// Pauser is implemented by devices that can hold playback.
type Pauser interface {
	SetPaused(paused bool)
}

// VolumeSetter is implemented by devices with a gain control.
type VolumeSetter interface {
	SetVolume(v float64)
}

// Feeder is a bounded producer/consumer ring between the decoder and a
// Device. Write blocks while the next slot is still owned by the device.
type Feeder struct {
	device Device

	mu     sync.Mutex
	cond   *sync.Cond
	bufs   [][]byte
	inUse  []bool
	durs   []time.Duration
	fill   int
	queued int
	closed bool

	played time.Duration
	volume float64

	onEmpty func()

	underruns prometheus.Counter
	enqueued  prometheus.Counter
}

// NewFeeder allocates count buffers of size bytes each. onEmpty, if set, is
// called whenever the device finishes the last outstanding buffer.
func NewFeeder(count, size int, device Device, onEmpty func(), reg prometheus.Registerer) *Feeder {
	if count < 1 {
		count = 1
	}
	if size < 1 {
		size = 1
	}

	f := &Feeder{
		device:  device,
		bufs:    make([][]byte, count),
		inUse:   make([]bool, count),
		durs:    make([]time.Duration, count),
		volume:  1,
		onEmpty: onEmpty,
		underruns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "output",
			Name:      "underruns_total",
			Help:      "Times the device drained every queued buffer.",
		}),
		enqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "output",
			Name:      "buffers_enqueued_total",
			Help:      "Buffers handed to the device.",
		}),
	}
	for i := range f.bufs {
		f.bufs[i] = make([]byte, 0, size)
	}
	f.cond = sync.NewCond(&f.mu)

	if b, ok := device.(Binder); ok {
		b.Bind(f.Complete)
	}

	return f
}

// Write copies data into the ring, splitting it across slots when it is
// larger than one buffer, and enqueues each filled slot. d is the playback
// duration of data and is split proportionally.
func (f *Feeder) Write(data []byte, d time.Duration) error {
	for len(data) > 0 {
		f.mu.Lock()
		for f.inUse[f.fill] && !f.closed {
			f.cond.Wait()
		}
		if f.closed {
			f.mu.Unlock()
			return ErrClosed
		}

		idx := f.fill
		buf := f.bufs[idx][:0]
		n := min(cap(buf), len(data))
		buf = append(buf, data[:n]...)
		f.bufs[idx] = buf

		part := d
		if n < len(data) {
			part = time.Duration(int64(d) * int64(n) / int64(len(data)))
		}
		d -= part
		data = data[n:]

		f.inUse[idx] = true
		f.durs[idx] = part
		f.queued++
		f.fill = (f.fill + 1) % len(f.bufs)
		f.mu.Unlock()

		if err := f.device.Enqueue(idx, buf, part); err != nil {
			f.Complete(idx)
			return err
		}
		f.enqueued.Inc()
	}

	return nil
}

// Complete marks slot index free and wakes a waiting producer.
func (f *Feeder) Complete(index int) {
	f.mu.Lock()
	if index < 0 || index >= len(f.inUse) || !f.inUse[index] {
		f.mu.Unlock()
		return
	}
	f.inUse[index] = false
	f.played += f.durs[index]
	f.queued--
	empty := f.queued == 0 && !f.closed
	f.cond.Broadcast()
	f.mu.Unlock()

	if empty {
		f.underruns.Inc()
		if f.onEmpty != nil {
			f.onEmpty()
		}
	}
}

// Close unblocks a waiting producer; further writes fail until Open.
func (f *Feeder) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Open re-enables writes after Close and resets the played clock. Slots the
// device still holds stay in use until completed but no longer count as
// played.
func (f *Feeder) Open() {
	f.mu.Lock()
	f.closed = false
	f.played = 0
	for i := range f.durs {
		if f.inUse[i] {
			f.durs[i] = 0
		}
	}
	f.mu.Unlock()
}

// Queued is the number of buffers the device currently holds.
func (f *Feeder) Queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

// Played is the total duration of buffers the device has finished since
// the last Open.
func (f *Feeder) Played() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.played
}

// SetVolume clamps v to [0,1] and passes it to the device.
func (f *Feeder) SetVolume(v float64) {
	v = max(0, min(1, v))
	f.mu.Lock()
	f.volume = v
	f.mu.Unlock()

	if vs, ok := f.device.(VolumeSetter); ok {
		vs.SetVolume(v)
	}
}

// Volume returns the last volume set.
func (f *Feeder) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

// SetPaused forwards to the device when it supports pausing.
func (f *Feeder) SetPaused(paused bool) {
	if p, ok := f.device.(Pauser); ok {
		p.SetPaused(paused)
	}
}
