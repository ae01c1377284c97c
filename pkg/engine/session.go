package engine

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zachfi/audiostream/pkg/demux"
	"github.com/zachfi/audiostream/pkg/input"
	"github.com/zachfi/audiostream/pkg/packet"
)

// bitrateSamples is how many packets the bitrate estimate averages.
const bitrateSamples = 50

// session is one open/close cycle of the engine. Every field except the
// queue and the atomics is owned by the loop goroutine.
type session struct {
	id     string
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	in       input.Input
	inputGen uint64
	parser   demux.Parser
	queue    *packet.Queue

	decodeDone chan struct{}
	evictAll   atomic.Bool

	timers map[*time.Timer]struct{}

	// Current input open.
	position      input.Position
	openedAt      time.Time
	bytesReceived int64
	inputEnded    bool
	throttled     bool

	contentType   string
	contentLength int64
	continuous    bool
	dataOffset    int64
	id3Size       int64

	exactDuration time.Duration

	bufferingDone bool
	everPlayed    bool
	paused        bool
	resumeState   State
	bounce        bounceDetector

	nextID         uint64
	packets        int64
	packetBytes    int64
	packetDuration time.Duration

	bitrateSum      float64
	bitrateCount    int
	bitrateReported bool

	seekOffset   float64
	playedAtSeek time.Duration
	pendingSeek  float64
	seekState    State

	stationName string
}

func newSession(rawURL string, in input.Input, cfg *Config) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:         uuid.NewString(),
		url:        rawURL,
		ctx:        ctx,
		cancel:     cancel,
		in:         in,
		queue:      packet.NewQueue(0),
		decodeDone: make(chan struct{}),
		timers:     make(map[*time.Timer]struct{}),
		dataOffset: -1,
		bounce: bounceDetector{
			interval: cfg.BounceInterval,
			max:      cfg.MaxBounceCount,
		},
	}
}

func (s *session) closed() bool {
	return s.ctx.Err() != nil
}

func (s *session) stopTimers() {
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
}

// bitrate is the averaged bitrate in bits per second, zero when unknown.
func (s *session) bitrate() int {
	if s.bitrateCount == 0 {
		return 0
	}
	return int(s.bitrateSum / float64(s.bitrateCount))
}

func (s *session) avgPacketSize() float64 {
	if s.packets == 0 {
		return 0
	}
	return float64(s.packetBytes) / float64(s.packets)
}

// unplayedBytes approximates the payload queued ahead of the play cursor.
func (s *session) unplayedBytes() int64 {
	return int64(float64(s.queue.Pending()) * s.avgPacketSize())
}

// audioOffset is the byte offset of the first audio frame.
func (s *session) audioOffset() int64 {
	if s.dataOffset >= 0 {
		return s.dataOffset
	}
	return s.id3Size
}

// duration estimates the length of the resource. Once the whole resource
// has been packetized from its start the packet count is exact; before that
// the content length and bitrate give an estimate.
func (s *session) duration() time.Duration {
	if s.continuous {
		return 0
	}
	if s.exactDuration > 0 {
		return s.exactDuration
	}

	br := s.bitrate()
	if br <= 0 || s.contentLength <= 0 {
		return 0
	}
	bytesPerSecond := math.Ceil(float64(br)/1000) * 1000 / 8
	audio := float64(s.contentLength - s.audioOffset())
	if audio <= 0 {
		return 0
	}
	return time.Duration(audio / bytesPerSecond * float64(time.Second))
}

// metadata merges the station name into every report.
func (s *session) metadata(m input.Metadata) input.Metadata {
	if name, ok := m.Fields[input.StationNameKey]; ok {
		s.stationName = name
	}
	if s.stationName == "" {
		return m
	}

	fields := make(map[string]string, len(m.Fields)+1)
	for k, v := range m.Fields {
		fields[k] = v
	}
	fields[input.StationNameKey] = s.stationName
	m.Fields = fields
	return m
}
