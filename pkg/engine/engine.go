// Package engine turns a URL into a paced sequence of decoded audio. It owns
// the packet queue and the buffering state machine and drives the input,
// the packetizer, the decoder and the output feeder.
//
// All session state lives on one loop goroutine. Input events, timers and
// decoder progress are posted to the loop as closures.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/audiostream/pkg/cache"
	"github.com/zachfi/audiostream/pkg/input"
	"github.com/zachfi/audiostream/pkg/output"
)

var (
	ErrNotRunning        = errors.New("engine is not running")
	ErrNotOpen           = errors.New("no stream is open")
	ErrSeekUnavailable   = errors.New("stream cannot be seeked in its current state")
	ErrRewindUnavailable = errors.New("only continuous streams can be rewound")
	ErrNothingToResume   = errors.New("no previous stream to resume")
	ErrNotRetryState     = errors.New("not a retry state")
)

const (
	inboxSize         = 256
	throttleInterval  = 100 * time.Millisecond
	fadeDelay         = 300 * time.Millisecond
	fadeStepInterval  = 50 * time.Millisecond
	fadeStep          = 0.1
	defaultAudioMedia = "audio/mpeg"
)

// Options carries the collaborators of an Engine.
type Options struct {
	Device   output.Device
	Decoder  Decoder
	Observer Observer

	// Store backs the disk cache. Nil disables caching.
	Store *cache.Store
}

type Engine struct {
	services.Service

	cfg      Config
	logger   *slog.Logger
	observer Observer
	decoder  Decoder
	feeder   *output.Feeder
	inputs   input.Options
	metrics  *metrics

	inbox    chan func()
	emptyCh  chan struct{}
	loopDone chan struct{}

	stateMu       sync.Mutex
	state         State
	decodeEnabled bool

	decoderBusy atomic.Bool

	// Owned by the loop goroutine.
	sess                 *session
	last                 *resumePoint
	preloading           bool
	volume               float64
	defaultContentType   string
	defaultContentLength int64
}

// resumePoint remembers enough of a closed session to reopen it where it
// stopped.
type resumePoint struct {
	url           string
	fraction      float64
	continuous    bool
	contentLength int64
	dataOffset    int64
}

var module = "engine"

func New(cfg Config, opts Options, logger *slog.Logger, reg prometheus.Registerer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}
	if opts.Device == nil {
		return nil, errors.New("an output device is required")
	}
	if opts.Decoder == nil {
		opts.Decoder = Passthrough{}
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}

	e := &Engine{
		cfg:                cfg,
		logger:             logger.With("module", module),
		observer:           opts.Observer,
		decoder:            opts.Decoder,
		metrics:            newMetrics(reg),
		inbox:              make(chan func(), inboxSize),
		emptyCh:            make(chan struct{}, 1),
		loopDone:           make(chan struct{}),
		volume:             1,
		defaultContentType: defaultAudioMedia,
	}

	e.feeder = output.NewFeeder(cfg.BufferCount, cfg.BufferSize, opts.Device, e.signalEmpty, reg)

	e.inputs = input.Options{
		HTTP:       cfg.HTTP,
		BufferSize: cfg.HTTPConnectionBufferSize,
		Logger:     logger,
		Metrics:    input.NewMetrics(reg),
	}
	e.inputs.HTTP.BufferSize = cfg.HTTPConnectionBufferSize
	if cfg.CacheEnabled && opts.Store != nil {
		e.inputs.Store = opts.Store
	}

	e.Service = services.NewBasicService(nil, e.running, e.stopping)

	return e, nil
}

// NewStore opens the disk cache described by cfg, defaulting the cache
// directory to one under the system temp dir.
func NewStore(cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*cache.Store, error) {
	dir := cfg.CacheDirectory
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "audiostream")
	}
	return cache.NewStore(dir, cfg.StoreDirectory, logger, reg)
}

func (e *Engine) running(ctx context.Context) error {
	defer close(e.loopDone)

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.inbox:
			fn()
		case <-e.emptyCh:
			e.onBuffersEmpty()
		}
	}
}

func (e *Engine) stopping(_ error) error {
	e.logger.Info("stopping")
	e.closeSession()
	e.setState(StateStopped)
	return nil
}

// call runs fn on the loop goroutine and waits for it.
func (e *Engine) call(fn func()) error {
	if e.Service.State() != services.Running {
		return ErrNotRunning
	}

	done := make(chan struct{})
	select {
	case e.inbox <- func() { fn(); close(done) }:
	case <-e.loopDone:
		return ErrNotRunning
	}

	select {
	case <-done:
		return nil
	case <-e.loopDone:
		return ErrNotRunning
	}
}

// post queues fn for the loop unless s has been closed. fn runs only while
// s is still the current session.
func (e *Engine) post(s *session, fn func()) {
	select {
	case e.inbox <- func() {
		if e.sess == s && !s.closed() {
			fn()
		}
	}:
	case <-s.ctx.Done():
	}
}

// after runs fn on the loop after d, unless s closes first.
func (e *Engine) after(s *session, d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.post(s, func() {
			delete(s.timers, t)
			fn()
		})
	})
	s.timers[t] = struct{}{}
}

func (e *Engine) signalEmpty() {
	select {
	case e.emptyCh <- struct{}{}:
	default:
	}
}

// SessionState returns the current state. It is safe to call from any
// goroutine.
func (e *Engine) SessionState() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// setState records next and notifies the observer outside the lock.
// Repeated assignments of the same state are dropped.
func (e *Engine) setState(next State) {
	e.stateMu.Lock()
	prev := e.state
	if prev == next {
		e.stateMu.Unlock()
		return
	}
	e.state = next
	e.stateMu.Unlock()

	e.metrics.transitions.WithLabelValues(next.String()).Inc()
	e.logger.Debug("state changed", "from", prev, "to", next)
	e.observer.StateChanged(prev, next)
}

func (e *Engine) decodeAllowed() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.decodeEnabled
}

// updateDecode recomputes whether the decode loop may consume packets.
func (e *Engine) updateDecode() {
	s := e.sess
	run := false
	if s != nil {
		switch e.SessionState() {
		case StateBuffering, StatePlaying, StateEndOfFile:
			run = s.bufferingDone && !e.preloading && !s.paused
		}
	}

	e.stateMu.Lock()
	e.decodeEnabled = run
	e.stateMu.Unlock()
}

// Open starts playing rawURL from the beginning, replacing any open stream.
func (e *Engine) Open(rawURL string) error {
	var err error
	if cerr := e.call(func() { err = e.open(rawURL, 0) }); cerr != nil {
		return cerr
	}
	return err
}

// Resume reopens the last stream where it stopped. Continuous streams
// restart at the live edge.
func (e *Engine) Resume() error {
	var err error
	if cerr := e.call(func() {
		e.closeSession()
		if e.last == nil {
			err = ErrNothingToResume
			return
		}
		fraction := e.last.fraction
		if e.last.continuous {
			fraction = 0
		}
		err = e.open(e.last.url, fraction)
	}); cerr != nil {
		return cerr
	}
	return err
}

// ReportRetry records a caller's restart progress as the session state so
// the observer sees it in order with every other transition. After
// retry_succeeded the state in effect before it is restored.
func (e *Engine) ReportRetry(st State) error {
	switch st {
	case StateRetryStarted, StateRetrySucceeded, StateRetryFailed:
	default:
		return ErrNotRetryState
	}

	return e.call(func() {
		prev := e.SessionState()
		e.setState(st)
		if st == StateRetrySucceeded {
			e.setState(prev)
		}
	})
}

// Close stops playback and releases the input. It is idempotent.
func (e *Engine) Close() error {
	return e.call(func() {
		e.closeSession()
		e.setState(StateStopped)
	})
}

func (e *Engine) Pause() error {
	return e.call(func() {
		s := e.sess
		if s == nil || s.paused {
			return
		}
		switch st := e.SessionState(); st {
		case StateBuffering, StatePlaying, StateEndOfFile:
			s.paused = true
			s.resumeState = st
			e.feeder.SetPaused(true)
			e.setState(StatePaused)
			e.updateDecode()
		}
	})
}

func (e *Engine) Unpause() error {
	return e.call(func() {
		s := e.sess
		if s == nil || !s.paused {
			return
		}
		s.paused = false
		e.feeder.SetPaused(false)
		if e.SessionState() == StatePaused {
			e.setState(s.resumeState)
		}
		e.updateDecode()
	})
}

// Seek moves playback to fraction of the resource. Rapid calls collapse
// into one seek.
func (e *Engine) Seek(fraction float64) error {
	var err error
	if cerr := e.call(func() { err = e.seek(fraction) }); cerr != nil {
		return cerr
	}
	return err
}

// Rewind moves a continuous stream back by d when enough audio is queued.
// It reports whether the rewind happened.
func (e *Engine) Rewind(d time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if cerr := e.call(func() { ok, err = e.rewind(d) }); cerr != nil {
		return false, cerr
	}
	return ok, err
}

// SetVolume clamps v to [0,1].
func (e *Engine) SetVolume(v float64) error {
	return e.call(func() {
		e.volume = max(0, min(1, v))
		if e.sess == nil || e.SessionState() != StateSeeking {
			e.feeder.SetVolume(e.volume)
		}
	})
}

// SetPreloading holds the decoder after buffering until
// StartCachedDataPlayback.
func (e *Engine) SetPreloading(preload bool) error {
	return e.call(func() {
		e.preloading = preload
		e.updateDecode()
	})
}

func (e *Engine) StartCachedDataPlayback() error {
	return e.SetPreloading(false)
}

// SetDefaultContentType picks the packetizer when the source reports no
// usable content type.
func (e *Engine) SetDefaultContentType(ct string) error {
	return e.call(func() { e.defaultContentType = ct })
}

// SetDefaultContentLength stands in for a missing Content-Length.
func (e *Engine) SetDefaultContentLength(n int64) error {
	return e.call(func() { e.defaultContentLength = n })
}

func (e *Engine) PlaybackPosition() (PlaybackPosition, error) {
	var pos PlaybackPosition
	err := e.call(func() {
		if e.sess != nil {
			pos = e.position(e.sess)
		}
	})
	return pos, err
}

func (e *Engine) Duration() (time.Duration, error) {
	var d time.Duration
	err := e.call(func() {
		if e.sess != nil {
			d = e.sess.duration()
		}
	})
	return d, err
}

// Continuous reports whether the open stream has no known length.
func (e *Engine) Continuous() (bool, error) {
	var c bool
	err := e.call(func() {
		if e.sess != nil {
			c = e.sess.continuous
		}
	})
	return c, err
}

func (e *Engine) position(s *session) PlaybackPosition {
	played := e.feeder.Played() - s.playedAtSeek
	dur := s.duration()
	if dur <= 0 {
		return PlaybackPosition{Played: played}
	}

	elapsed := time.Duration(float64(dur)*s.seekOffset) + played
	return PlaybackPosition{
		Fractional: max(0, min(1, float64(elapsed)/float64(dur))),
		Played:     elapsed,
	}
}

func (e *Engine) snapshot(s *session) *resumePoint {
	return &resumePoint{
		url:           s.url,
		fraction:      e.position(s).Fractional,
		continuous:    s.continuous,
		contentLength: s.contentLength,
		dataOffset:    s.audioOffset(),
	}
}

func (e *Engine) open(rawURL string, fraction float64) error {
	e.closeSession()

	in, err := input.New(rawURL, e.inputs)
	if err != nil {
		e.setState(StateStopped)
		return errors.Wrap(err, "failed to create input")
	}

	s := newSession(rawURL, in, &e.cfg)
	e.sess = s
	e.feeder.Open()
	e.feeder.SetVolume(e.volume)
	e.feeder.SetPaused(false)
	e.decoder.Reset()

	pos := input.Position{}
	if last := e.last; fraction > 0 && last != nil && last.url == rawURL && last.contentLength > 0 {
		offset := max(last.dataOffset, 0)
		pos = input.Position{
			Start:      offset + int64(fraction*float64(last.contentLength-offset)),
			Fractional: fraction,
		}
		s.seekOffset = fraction
		s.dataOffset = last.dataOffset
	}

	e.logger.Info("opening stream", "url", rawURL, "session", s.id, "start", pos.Start)
	e.setState(StateBuffering)
	e.updateDecode()

	go e.decodeLoop(s)

	if e.cfg.StartupWatchdogPeriod > 0 {
		e.after(s, e.cfg.StartupWatchdogPeriod, func() { e.watchdogFired(s) })
	}

	e.openInput(s, pos)
	return nil
}

// closeSession stops every goroutine and timer of the current session and
// empties the queue.
func (e *Engine) closeSession() {
	s := e.sess
	if s == nil {
		return
	}
	e.last = e.snapshot(s)
	e.sess = nil

	s.cancel()
	s.stopTimers()
	s.in.Close()
	e.feeder.Close()
	<-s.decodeDone

	s.queue.Reset(0)
	e.metrics.cachedBytes.Set(0)

	e.stateMu.Lock()
	e.decodeEnabled = false
	e.stateMu.Unlock()

	e.logger.Debug("session closed", "session", s.id)
}

// fail surfaces one error, stops all I/O and leaves the engine in failed.
func (e *Engine) fail(code ErrorCode, err error) {
	if e.SessionState() == StateFailed {
		return
	}
	e.logger.Error("stream failed", "code", code, "err", err)
	e.metrics.failures.WithLabelValues(code.String()).Inc()

	e.closeSession()
	e.setState(StateFailed)
	e.observer.Failed(code, err)
}

func (e *Engine) watchdogFired(s *session) {
	if s.everPlayed || s.paused || e.preloading {
		return
	}
	e.fail(ErrorOpen, errors.Errorf("no audio decoded within %s", e.cfg.StartupWatchdogPeriod))
}
