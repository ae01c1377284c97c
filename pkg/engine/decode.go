package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/zachfi/audiostream/pkg/output"
	"github.com/zachfi/audiostream/pkg/packet"
)

// decodeLoop feeds queued packets through the decoder into the output until
// the session closes. It runs on its own goroutine and touches the session
// only through the queue, the atomics and posted closures.
func (e *Engine) decodeLoop(s *session) {
	defer close(s.decodeDone)

	ticker := time.NewTicker(e.cfg.DecodeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		consumed := 0
		for e.decodeAllowed() && !s.closed() {
			e.decoderBusy.Store(true)
			p, ok := s.queue.Next()
			if !ok {
				e.decoderBusy.Store(false)
				break
			}

			data, d, err := e.decoder.Decode(p)
			if err == nil && len(data) > 0 {
				err = e.feeder.Write(data, d)
			}
			s.queue.Release(p.ID)
			e.decoderBusy.Store(false)

			if errors.Is(err, output.ErrClosed) {
				return
			}
			if err != nil {
				code := ErrorStreamParse
				if errors.Is(err, ErrTerminated) {
					code = ErrorTerminated
				}
				e.post(s, func() { e.fail(code, errors.Wrap(err, "decode failed")) })
				return
			}
			consumed++
		}

		if n, bytes := e.evict(s); n > 0 {
			e.metrics.evictedBytes.Add(float64(bytes))
		}

		if consumed > 0 {
			e.post(s, func() { e.onConsumed(s) })
		}
	}
}

func (e *Engine) evict(s *session) (int, int64) {
	return evictPlayed(s.queue, s.evictAll.Load(), e.cfg.MaxPrebufferedByteCount)
}

// evictPlayed frees every played packet once the queue holds more than
// maxBytes. With all set it frees them on every call.
func evictPlayed(q *packet.Queue, all bool, maxBytes int64) (int, int64) {
	if all || q.CachedBytes() > maxBytes {
		return q.Evict()
	}
	return 0, 0
}

func (e *Engine) onConsumed(s *session) {
	e.metrics.cachedBytes.Set(float64(s.queue.CachedBytes()))

	if !s.everPlayed {
		s.everPlayed = true
		e.logger.Info("playback started", "session", s.id, "url", s.url)
	}

	if e.SessionState() != StateBuffering {
		return
	}
	if s.inputEnded {
		e.setState(StateEndOfFile)
	} else {
		e.setState(StatePlaying)
	}
}

// onBuffersEmpty runs when the device finished every buffer it was given.
func (e *Engine) onBuffersEmpty() {
	s := e.sess
	if s == nil || !s.everPlayed {
		return
	}
	e.observer.BuffersEmpty()

	if s.queue.HasNext() || e.feeder.Queued() > 0 {
		return
	}

	switch e.SessionState() {
	case StatePlaying, StateEndOfFile:
	default:
		return
	}

	if !s.inputEnded {
		if s.bounce.observe(time.Now()) {
			e.fail(ErrorStreamBouncing, errors.Errorf("stream re-buffered %d times within %s", e.cfg.MaxBounceCount, e.cfg.BounceInterval))
			return
		}
		e.metrics.rebuffers.Inc()
		e.logger.Warn("output drained, rebuffering", "session", s.id)
		e.setState(StateBuffering)
		return
	}

	e.drained(s)
}

// drained decides whether an ended input that has been played out finished
// the resource, or stopped short of it.
func (e *Engine) drained(s *session) {
	if s.continuous {
		e.fail(ErrorNetwork, errors.New("continuous stream ended"))
		return
	}

	remaining := s.duration() - e.position(s).Played
	switch {
	case remaining <= e.cfg.CompletionGraceMin:
		e.complete(s)
	case remaining <= e.cfg.CompletionGraceMax:
		e.after(s, remaining, func() { e.complete(s) })
	default:
		e.fail(ErrorNetwork, errors.Errorf("stream ended %s before its expected end", remaining.Round(time.Millisecond)))
	}
}

func (e *Engine) complete(s *session) {
	switch e.SessionState() {
	case StatePlaybackCompleted, StateFailed, StateStopped:
		return
	}
	e.logger.Info("playback completed", "session", s.id, "url", s.url)
	e.setState(StatePlaybackCompleted)
	e.updateDecode()
}
