package engine

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zachfi/audiostream/pkg/demux"
	"github.com/zachfi/audiostream/pkg/input"
	"github.com/zachfi/audiostream/pkg/packet"
)

// inputHandler forwards input events of one input open to the loop.
type inputHandler struct {
	e   *Engine
	s   *session
	gen uint64
}

func (h *inputHandler) post(fn func()) {
	h.e.post(h.s, func() {
		if h.s.inputGen == h.gen {
			fn()
		}
	})
}

func (h *inputHandler) ReadyToRead() { h.post(func() { h.e.onReady(h.s) }) }

func (h *inputHandler) BytesAvailable(b []byte) { h.post(func() { h.e.onBytes(h.s, b) }) }

func (h *inputHandler) EndReached() { h.post(func() { h.e.onEnd(h.s) }) }

func (h *inputHandler) Error(err error) { h.post(func() { h.e.onInputError(err) }) }

func (h *inputHandler) MetadataAvailable(m input.Metadata) {
	h.post(func() { h.e.observer.MetadataAvailable(h.s.metadata(m)) })
}

func (h *inputHandler) MetadataSizeAvailable(n int64) {
	h.post(func() { h.s.id3Size = n })
}

// openInput (re)opens the session input at pos and resets per-open counters.
func (e *Engine) openInput(s *session, pos input.Position) {
	s.inputGen++
	s.position = pos
	s.openedAt = time.Now()
	s.bytesReceived = 0
	s.inputEnded = false
	s.throttled = false
	s.bufferingDone = false
	e.updateDecode()

	s.in.SetHandler(&inputHandler{e: e, s: s, gen: s.inputGen})
	s.in.SetScheduled(true)
	if err := s.in.Open(pos); err != nil {
		e.onInputError(err)
	}
}

func acceptableContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "audio/") || strings.HasPrefix(ct, "application/octet-stream")
}

func (e *Engine) onReady(s *session) {
	ct := s.in.ContentType()
	if ct == "" {
		ct = e.defaultContentType
	}
	if e.cfg.RequireStrictContentTypeChecking && !acceptableContentType(ct) {
		e.fail(ErrorOpen, errors.Errorf("unsupported content type %q", ct))
		return
	}
	s.contentType = ct

	length := s.in.ContentLength()
	if length == 0 && e.defaultContentLength > 0 {
		length = e.defaultContentLength
	}
	if length > 0 || s.position.Start == 0 {
		s.contentLength = length
		s.continuous = length == 0
	}
	s.evictAll.Store(!e.cfg.SeekingFromCacheEnabled)

	if s.parser == nil {
		p, err := demux.New(ct, e.defaultContentType)
		if err != nil {
			e.fail(ErrorUnsupportedFormat, errors.Wrapf(err, "content type %q", ct))
			return
		}
		s.parser = p
	}

	e.logger.Debug("input ready",
		"session", s.id,
		"content_type", ct,
		"content_length", s.contentLength,
		"continuous", s.continuous,
		"format", s.parser.Format(),
	)
}

func (e *Engine) onBytes(s *session, b []byte) {
	if s.parser == nil {
		return
	}
	s.bytesReceived += int64(len(b))
	e.metrics.received.Add(float64(len(b)))

	frames, err := s.parser.Parse(b)
	if err != nil {
		e.fail(ErrorStreamParse, err)
		return
	}
	if s.dataOffset < 0 && s.position.Start == 0 {
		s.dataOffset = s.parser.DataOffset()
	}

	for _, f := range frames {
		e.enqueue(s, f)
	}
	e.metrics.cachedBytes.Set(float64(s.queue.CachedBytes()))

	e.checkBuffering(s)
	e.checkThrottle(s)
}

func (e *Engine) enqueue(s *session, f demux.Frame) {
	p := &packet.Packet{
		ID:              s.nextID,
		Payload:         f.Data,
		Offset:          f.Offset,
		VariableBitrate: f.Variable,
		SampleRate:      f.SampleRate,
		Samples:         f.Samples,
		Bitrate:         f.Bitrate,
	}
	if err := s.queue.Push(p); err != nil {
		e.logger.Debug("dropping packet", "id", p.ID, "err", err)
		return
	}
	s.nextID++
	s.packets++
	s.packetBytes += int64(p.Size())
	if s.packetDuration == 0 {
		s.packetDuration = p.Duration()
	}
	e.metrics.packets.Inc()

	e.trackBitrate(s, p)
}

// trackBitrate averages the first packets of a session and reports the
// result once.
func (e *Engine) trackBitrate(s *session, p *packet.Packet) {
	if s.bitrateCount >= bitrateSamples {
		return
	}

	br := float64(p.Bitrate)
	if br <= 0 {
		d := p.Duration()
		if d <= 0 {
			return
		}
		br = float64(p.Size()*8) / d.Seconds()
	}
	s.bitrateSum += br
	s.bitrateCount++

	if s.bitrateCount == bitrateSamples {
		e.reportBitrate(s)
	}
}

func (e *Engine) reportBitrate(s *session) {
	if s.bitrateReported || s.bitrate() == 0 {
		return
	}
	s.bitrateReported = true
	e.observer.BitrateAvailable(s.bitrate())
}

func (e *Engine) checkBuffering(s *session) {
	if s.bufferingDone {
		return
	}

	pending := s.queue.Pending()
	if !bufferingComplete(&e.cfg, bufferingInput{
		continuous:     s.continuous,
		everPlayed:     s.everPlayed,
		cachedBytes:    s.queue.CachedBytes(),
		cachedPackets:  pending,
		cachedDuration: time.Duration(pending) * s.packetDuration,
		bytesReceived:  s.bytesReceived,
		contentLength:  s.contentLength,
		openOffset:     s.position.Start,
	}) {
		return
	}

	e.completeBuffering(s)
}

func (e *Engine) completeBuffering(s *session) {
	if s.bufferingDone {
		return
	}
	s.bufferingDone = true
	e.metrics.bufferingTime.Observe(time.Since(s.openedAt).Seconds())
	e.logger.Debug("buffering complete",
		"session", s.id,
		"received", s.bytesReceived,
		"cached", s.queue.CachedBytes(),
	)
	e.updateDecode()
}

// checkThrottle unschedules the input while unplayed data reaches the cap
// and polls until the decoder works it down.
func (e *Engine) checkThrottle(s *session) {
	if s.throttled || s.unplayedBytes() < e.cfg.MaxPrebufferedByteCount {
		return
	}

	s.throttled = true
	s.in.SetScheduled(false)
	e.metrics.throttles.Inc()
	e.pollThrottle(s)
}

func (e *Engine) pollThrottle(s *session) {
	e.after(s, throttleInterval, func() {
		if !s.throttled {
			return
		}
		if s.unplayedBytes() >= e.cfg.MaxPrebufferedByteCount {
			e.pollThrottle(s)
			return
		}
		s.throttled = false
		if e.SessionState() != StateSeeking {
			s.in.SetScheduled(true)
		}
	})
}

func (e *Engine) onEnd(s *session) {
	s.inputEnded = true
	e.logger.Debug("input ended", "session", s.id, "received", s.bytesReceived, "packets", s.packets)

	if s.packets == 0 && !s.everPlayed {
		e.fail(ErrorStreamParse, errors.New("no audio packets found in stream"))
		return
	}
	e.reportBitrate(s)
	if s.position.Start == 0 && !s.continuous && s.exactDuration == 0 {
		s.exactDuration = time.Duration(s.nextID) * s.packetDuration
	}

	// Tails shorter than the threshold still play.
	e.completeBuffering(s)

	if e.SessionState() == StatePlaying {
		e.setState(StateEndOfFile)
	}

	if s.everPlayed && !s.queue.HasNext() && e.feeder.Queued() == 0 {
		e.drained(s)
	}
}

func (e *Engine) onInputError(err error) {
	code := ErrorNetwork

	var se *input.StatusError
	switch {
	case errors.As(err, &se):
		switch se.Code {
		case http.StatusNotFound, http.StatusGone:
			code = ErrorBadURL
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusProxyAuthRequired:
			code = ErrorNetworkPermission
		}
	case errors.Is(err, os.ErrNotExist):
		code = ErrorBadURL
	case errors.Is(err, os.ErrPermission):
		code = ErrorNetworkPermission
	}

	e.fail(code, err)
}
