package input

import (
	"log/slog"
	"sync"

	"github.com/zachfi/audiostream/pkg/cache"
)

// CachingStream mirrors a finite network resource into the disk cache while
// it plays, and serves later opens of the same resource from disk.
type CachingStream struct {
	inner      Input
	store      *cache.Store
	id         string
	bufferSize int
	logger     *slog.Logger
	metrics    *Metrics

	mu        sync.Mutex
	handler   Handler
	active    Input
	tee       *teeHandler
	scheduled bool
}

func NewCachingStream(inner Input, store *cache.Store, id string, bufferSize int, logger *slog.Logger, metrics *Metrics) *CachingStream {
	return &CachingStream{
		inner:      inner,
		store:      store,
		id:         id,
		bufferSize: bufferSize,
		logger:     logger.With("component", "caching_stream", "cache_id", id),
		metrics:    metrics,
		active:     inner,
		scheduled:  true,
	}
}

func (s *CachingStream) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *CachingStream) getHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *CachingStream) source() Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *CachingStream) URL() string          { return s.inner.URL() }
func (s *CachingStream) ContentType() string  { return s.source().ContentType() }
func (s *CachingStream) ContentLength() int64 { return s.source().ContentLength() }
func (s *CachingStream) Position() Position   { return s.source().Position() }

// Cached reports whether the current session is served from disk.
func (s *CachingStream) Cached() bool {
	return s.source() != s.inner
}

func (s *CachingStream) Open(pos Position) error {
	s.Close()

	if entry, ok := s.store.Lookup(s.id); ok {
		s.logger.Debug("serving from cache", "path", entry.DataPath, "size", entry.Size)
		fs := NewFileStream(entry.DataPath, entry.ContentType, s.bufferSize, s.logger, s.metrics)
		fs.SetHandler(s.getHandler())
		fs.SetScheduled(s.isScheduled())

		s.mu.Lock()
		s.active = fs
		s.mu.Unlock()

		return fs.Open(pos)
	}

	tee := &teeHandler{s: s}
	if pos.Start == 0 {
		w, err := s.store.Create(s.id)
		if err != nil {
			s.logger.Warn("not caching stream", "err", err)
		} else {
			tee.w = w
		}
	}

	s.mu.Lock()
	s.active = s.inner
	s.tee = tee
	s.mu.Unlock()

	s.inner.SetHandler(tee)
	return s.inner.Open(pos)
}

func (s *CachingStream) Close() {
	s.mu.Lock()
	active, tee := s.active, s.tee
	s.tee = nil
	s.mu.Unlock()

	active.Close()
	if tee != nil {
		tee.close()
	}
}

func (s *CachingStream) isScheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

func (s *CachingStream) SetScheduled(active bool) {
	s.mu.Lock()
	s.scheduled = active
	s.mu.Unlock()
	s.source().SetScheduled(active)
}

// teeHandler copies network bytes into a cache writer before forwarding
// every event to the stream's handler.
type teeHandler struct {
	s *CachingStream

	mu sync.Mutex
	w  *cache.Writer
}

// close leaves an unfinished entry on disk for the janitor to purge.
func (t *teeHandler) close() {
	t.mu.Lock()
	w := t.w
	t.w = nil
	t.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
}

func (t *teeHandler) abort(reason string) {
	t.mu.Lock()
	w := t.w
	t.w = nil
	t.mu.Unlock()

	if w != nil {
		t.s.logger.Debug("dropping cache entry", "reason", reason)
		_ = w.Abort()
	}
}

func (t *teeHandler) ReadyToRead() {
	if t.s.inner.ContentLength() == 0 {
		t.abort("continuous stream")
	}
	if h := t.s.getHandler(); h != nil {
		h.ReadyToRead()
	}
}

func (t *teeHandler) BytesAvailable(b []byte) {
	t.mu.Lock()
	if t.w != nil {
		if _, err := t.w.Write(b); err != nil {
			t.s.logger.Warn("cache write failed", "err", err)
			_ = t.w.Abort()
			t.w = nil
		}
	}
	t.mu.Unlock()

	if h := t.s.getHandler(); h != nil {
		h.BytesAvailable(b)
	}
}

func (t *teeHandler) EndReached() {
	t.mu.Lock()
	w := t.w
	t.w = nil
	t.mu.Unlock()

	if w != nil {
		if total := t.s.inner.ContentLength(); total > 0 && w.Written() != total {
			t.s.logger.Warn("cache entry size mismatch", "written", w.Written(), "expected", total)
			_ = w.Abort()
		} else if err := w.Commit(t.s.inner.ContentType()); err != nil {
			t.s.logger.Warn("failed to commit cache entry", "err", err)
		}
	}

	if h := t.s.getHandler(); h != nil {
		h.EndReached()
	}
}

func (t *teeHandler) Error(err error) {
	t.close()
	if h := t.s.getHandler(); h != nil {
		h.Error(err)
	}
}

func (t *teeHandler) MetadataAvailable(m Metadata) {
	if h := t.s.getHandler(); h != nil {
		h.MetadataAvailable(m)
	}
}

func (t *teeHandler) MetadataSizeAvailable(n int64) {
	if h := t.s.getHandler(); h != nil {
		h.MetadataSizeAvailable(n)
	}
}
