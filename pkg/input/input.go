// Package input produces raw stream bytes from HTTP(S) servers or local
// files behind one contract. Bytes and lifecycle events are pushed to a
// Handler from the stream's own goroutine, in order.
package input

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zachfi/audiostream/pkg/cache"
	"github.com/zachfi/audiostream/pkg/id3"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrClosed            = errors.New("input stream closed")
)

// StationNameKey is the metadata key carrying the icy-name header.
const StationNameKey = "IcecastStationName"

// Position is a byte range plus the normalized playback fraction it was
// derived from. End is exclusive; zero means open ended.
type Position struct {
	Start      int64
	End        int64
	Fractional float64
}

// Metadata is a set of stream tags, from ICY blocks or ID3 tags.
type Metadata struct {
	Fields    map[string]string
	Cover     []byte
	CoverMIME string
}

// StatusError is a non-success HTTP status that ended a stream.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d: %s", e.Code, e.Status)
}

// Handler receives stream events.
type Handler interface {
	// ReadyToRead fires once per Open, after the source is connected and
	// its content type and length are known.
	ReadyToRead()
	BytesAvailable(b []byte)
	EndReached()
	Error(err error)
	MetadataAvailable(m Metadata)
	// MetadataSizeAvailable reports the byte size of an embedded tag.
	MetadataSizeAvailable(n int64)
}

// Input is a byte source.
type Input interface {
	// Open starts delivery from pos. Any running session is closed first.
	Open(pos Position) error
	// Close stops delivery. It is idempotent.
	Close()
	// SetScheduled pauses or resumes delivery without closing the source.
	SetScheduled(active bool)
	SetHandler(h Handler)

	URL() string
	ContentType() string
	// ContentLength is the total size of the resource, zero when unbounded.
	ContentLength() int64
	Position() Position
}

// Metrics are shared by every stream built from one Options.
type Metrics struct {
	bytes    *prometheus.CounterVec
	reopens  prometheus.Counter
	failures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "input",
			Name:      "received_bytes_total",
			Help:      "Audio bytes delivered by input streams.",
		}, []string{"source"}),
		reopens: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "input",
			Name:      "http_reopens_total",
			Help:      "HTTP reconnects after stalls, errors or short reads.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "input",
			Name:      "failures_total",
			Help:      "Input sessions that ended with an error.",
		}, []string{"source"}),
	}
}

// Options configure New.
type Options struct {
	HTTP HTTPConfig

	// BufferSize is the read chunk size for file streams.
	BufferSize int

	// Store enables the pass-through disk cache for HTTP sources.
	Store *cache.Store

	Logger  *slog.Logger
	Metrics *Metrics
}

// New builds the input for rawURL: an HTTP stream, optionally wrapped in a
// caching stream, or a file stream.
func New(rawURL string, opts Options) (Input, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.HTTP.BufferSize == 0 {
		opts.HTTP.BufferSize = opts.BufferSize
	}

	switch u.Scheme {
	case "http", "https":
		var in Input = NewHTTPStream(rawURL, opts.HTTP, opts.Logger, opts.Metrics)
		if opts.Store != nil {
			in = NewCachingStream(in, opts.Store, cache.Identifier(rawURL), opts.BufferSize, opts.Logger, opts.Metrics)
		}
		return in, nil
	case "file":
		return NewFileStream(u.Path, "", opts.BufferSize, opts.Logger, opts.Metrics), nil
	case "":
		return NewFileStream(rawURL, "", opts.BufferSize, opts.Logger, opts.Metrics), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// gate pauses a reader goroutine while a stream is unscheduled.
type gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	open   bool
	closed bool
}

func newGate(open bool) *gate {
	g := &gate{open: open}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) set(open bool) {
	g.mu.Lock()
	g.open = open
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open && !g.closed
}

// wait blocks until the gate opens. It reports false once closed.
func (g *gate) wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.open && !g.closed {
		g.cond.Wait()
	}
	return !g.closed
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// tagTap feeds the ID3 parser alongside delivery when a session starts at
// the beginning of the resource.
type tagTap struct {
	p *id3.Parser
}

func newTagTap(pos Position, handler func() Handler) *tagTap {
	if pos.Start != 0 {
		return &tagTap{}
	}

	p := id3.NewParser()
	p.OnTag = func(t id3.Tag) {
		if h := handler(); h != nil {
			h.MetadataAvailable(tagMetadata(t))
		}
	}
	p.OnTagSize = func(n int64) {
		if h := handler(); h != nil {
			h.MetadataSizeAvailable(n)
		}
	}

	return &tagTap{p: p}
}

func (t *tagTap) feed(b []byte) {
	if t.p != nil && t.p.WantData() {
		t.p.Feed(b)
	}
}

func (t *tagTap) end() {
	if t.p != nil {
		t.p.End()
	}
}

func tagMetadata(t id3.Tag) Metadata {
	fields := make(map[string]string)
	for k, v := range map[string]string{
		"Title":  t.Title,
		"Artist": t.Artist,
		"Album":  t.Album,
		"Year":   t.Year,
	} {
		if v != "" {
			fields[k] = v
		}
	}

	return Metadata{Fields: fields, Cover: t.Cover, CoverMIME: t.CoverMIME}
}
