package engine

import (
	"time"

	"github.com/zachfi/audiostream/pkg/input"
)

// seek starts or retargets a seek. The commit waits for the decoder to let
// go of its current packet; calls arriving meanwhile only move the target.
func (e *Engine) seek(fraction float64) error {
	s := e.sess
	if s == nil {
		return ErrNotOpen
	}
	if s.continuous || s.duration() <= 0 || s.packetDuration <= 0 {
		return ErrSeekUnavailable
	}

	state := e.SessionState()
	switch state {
	case StatePlaying, StateEndOfFile, StatePaused, StateSeeking:
	default:
		return ErrSeekUnavailable
	}

	s.pendingSeek = max(0, min(1, fraction))
	if state == StateSeeking {
		return nil
	}

	s.seekState = state
	e.setState(StateSeeking)
	e.updateDecode()
	s.in.SetScheduled(false)
	e.feeder.SetVolume(0)
	e.pollSeek(s)

	return nil
}

func (e *Engine) pollSeek(s *session) {
	e.after(s, e.cfg.SeekPollInterval, func() {
		if e.SessionState() != StateSeeking {
			return
		}
		// A paused device never frees the decoder.
		if e.decoderBusy.Load() && !s.paused {
			e.pollSeek(s)
			return
		}
		e.commitSeek(s)
	})
}

func (e *Engine) commitSeek(s *session) {
	fraction := s.pendingSeek
	dur := s.duration()
	target := uint64(float64(dur) * fraction / float64(s.packetDuration))

	s.seekOffset = fraction
	if dur > 0 {
		s.seekOffset = float64(time.Duration(target)*s.packetDuration) / float64(dur)
	}
	s.playedAtSeek = e.feeder.Played()
	e.decoder.Reset()

	mode := "reopen"
	if e.cfg.SeekingFromCacheEnabled && s.queue.Seek(target) {
		mode = "cache"
		if !s.throttled && !s.inputEnded {
			s.in.SetScheduled(true)
		}
		next := StatePlaying
		if s.inputEnded {
			next = StateEndOfFile
		}
		e.settleSeek(s, next)
	} else {
		s.in.Close()
		s.queue.Reset(target)
		s.nextID = target
		s.parser.Discontinuity()
		s.bounce.reset()

		offset := s.audioOffset()
		start := offset + int64(fraction*float64(s.contentLength-offset))
		e.settleSeek(s, StateBuffering)
		e.openInput(s, input.Position{Start: start, Fractional: fraction})
	}

	e.metrics.seeks.WithLabelValues(mode).Inc()
	e.logger.Debug("seek committed", "session", s.id, "fraction", fraction, "packet", target, "mode", mode)

	e.updateDecode()
	e.fadeIn(s)
}

// settleSeek leaves the seeking state for next, or stays paused with next
// as the state to restore.
func (e *Engine) settleSeek(s *session, next State) {
	if s.paused {
		s.resumeState = next
		e.setState(StatePaused)
		return
	}
	e.setState(next)
}

// fadeIn ramps the output back to the user volume after a seek.
func (e *Engine) fadeIn(s *session) {
	var step func(v float64)
	step = func(v float64) {
		if e.SessionState() == StateSeeking {
			return
		}
		v = min(e.volume, v+fadeStep)
		e.feeder.SetVolume(v)
		if v < e.volume {
			e.after(s, fadeStepInterval, func() { step(v) })
		}
	}
	e.after(s, fadeDelay, func() { step(0) })
}

// rewind moves the play cursor of a continuous stream back by d worth of
// queued packets.
func (e *Engine) rewind(d time.Duration) (bool, error) {
	s := e.sess
	if s == nil {
		return false, ErrNotOpen
	}
	if !s.continuous {
		return false, ErrRewindUnavailable
	}

	size := s.avgPacketSize()
	br := s.bitrate()
	if size <= 0 || br <= 0 || d <= 0 {
		return false, nil
	}

	n := int(d.Seconds() * float64(br) / 8 / size)
	if !s.queue.Rewind(n, e.cfg.RewindSafetyPackets) {
		e.logger.Debug("rewind refused", "session", s.id, "packets", n, "resident", s.queue.Resident())
		return false, nil
	}

	e.decoder.Reset()
	e.logger.Info("rewound", "session", s.id, "by", d, "packets", n)
	return true, nil
}
