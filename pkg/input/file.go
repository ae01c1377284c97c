package input

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileStream reads a local file. It is also the source for cache hits.
type FileStream struct {
	path       string
	bufferSize int
	logger     *slog.Logger
	metrics    *Metrics

	mu            sync.Mutex
	handler       Handler
	contentType   string
	contentLength int64
	scheduled     bool
	pos           Position
	cancel        context.CancelFunc
	gate          *gate
}

// NewFileStream reads path. An empty contentType is derived from the file
// extension.
func NewFileStream(path, contentType string, bufferSize int, logger *slog.Logger, metrics *Metrics) *FileStream {
	if contentType == "" {
		contentType = contentTypeForPath(path)
	}
	if bufferSize <= 0 {
		bufferSize = 8192
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &FileStream{
		path:        path,
		bufferSize:  bufferSize,
		logger:      logger.With("component", "file_stream"),
		metrics:     metrics,
		contentType: contentType,
		scheduled:   true,
	}
}

func contentTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m4a":
		return "audio/x-m4a"
	case ".aac":
		return "audio/aac"
	}
	return "audio/mpeg"
}

func (s *FileStream) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *FileStream) getHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *FileStream) URL() string { return "file://" + s.path }

func (s *FileStream) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentType
}

func (s *FileStream) ContentLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLength
}

func (s *FileStream) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *FileStream) Open(pos Position) error {
	s.Close()

	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "failed to stat file")
	}
	if pos.Start > 0 {
		if _, err := f.Seek(pos.Start, io.SeekStart); err != nil {
			f.Close()
			return errors.Wrap(err, "failed to seek file")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.contentLength = info.Size()
	s.pos = pos
	s.cancel = cancel
	s.gate = newGate(s.scheduled)
	g := s.gate
	s.mu.Unlock()

	go s.run(ctx, g, f, pos)

	return nil
}

func (s *FileStream) Close() {
	s.mu.Lock()
	cancel, g := s.cancel, s.gate
	s.cancel, s.gate = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		g.close()
	}
}

func (s *FileStream) SetScheduled(active bool) {
	s.mu.Lock()
	s.scheduled = active
	g := s.gate
	s.mu.Unlock()

	if g != nil {
		g.set(active)
	}
}

func (s *FileStream) run(ctx context.Context, g *gate, f *os.File, pos Position) {
	defer f.Close()

	tap := newTagTap(pos, s.getHandler)
	if h := s.getHandler(); h != nil {
		h.ReadyToRead()
	}

	remaining := int64(-1)
	if pos.End > pos.Start {
		remaining = pos.End - pos.Start
	}

	buf := make([]byte, s.bufferSize)
	for remaining != 0 {
		if !g.wait() || ctx.Err() != nil {
			return
		}

		want := buf
		if remaining > 0 && remaining < int64(len(buf)) {
			want = buf[:remaining]
		}

		n, err := f.Read(want)
		if n > 0 {
			if remaining > 0 {
				remaining -= int64(n)
			}
			chunk := append([]byte(nil), want[:n]...)
			tap.feed(chunk)
			s.metrics.bytes.WithLabelValues("file").Add(float64(n))
			if h := s.getHandler(); h != nil && ctx.Err() == nil {
				h.BytesAvailable(chunk)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				s.metrics.failures.WithLabelValues("file").Inc()
				if h := s.getHandler(); h != nil {
					h.Error(errors.Wrap(err, "failed to read file"))
				}
			}
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	tap.end()
	if h := s.getHandler(); h != nil {
		h.EndReached()
	}
}
