package player

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// minWriteBufSize and maxWriteBufSize clamp the configured write buffer to avoid
// tiny writes (no benefit) or very large buffers (memory and latency).
const (
	minWriteBufSize = 32 * 1024       // 32 KiB
	maxWriteBufSize = 4 * 1024 * 1024 // 4 MiB

	recordingExt = ".mp3"
)

var errRecorderStopped = errors.New("recorder stopped")

// track names the recording that incoming audio belongs to.
type track struct {
	station string
	title   string
}

func (t track) path(dir string) string {
	return filepath.Join(dir, sanitize(t.station), sanitize(t.title)+recordingExt)
}

// sanitize keeps a metadata value usable as one path element.
func sanitize(s string) string {
	s = strings.TrimSpace(strings.NewReplacer("/", "-", "\\", "-", "\x00", "").Replace(s))
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

// chunk is either audio for the current recording or a switch to a new one.
type chunk struct {
	data []byte
	next *track
}

// Recorder is an output device that paces delivered audio like a sound card
// and writes it to one file per track.
type Recorder struct {
	dir             string
	writeBufferSize int
	speed           float64
	logger          *slog.Logger

	ch   chan chunk
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	complete func(int)
	paused   bool
	held     []int
	clock    time.Time
	current  track

	written   prometheus.Counter
	committed *prometheus.CounterVec
}

func NewRecorder(cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Recorder {
	size := cfg.WriteBufferSize
	if size < minWriteBufSize {
		size = minWriteBufSize
	}
	if size > maxWriteBufSize {
		size = maxWriteBufSize
	}
	speed := cfg.Speed
	if speed <= 0 {
		speed = 1
	}

	return &Recorder{
		dir:             cfg.Dir,
		writeBufferSize: size,
		speed:           speed,
		logger:          logger.With("component", "recorder"),
		ch:              make(chan chunk, 1024),
		done:            make(chan struct{}),
		written: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "recorder",
			Name:      "written_bytes_total",
			Help:      "Audio bytes written to recordings.",
		}),
		committed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "recorder",
			Name:      "recordings_total",
			Help:      "Finished recordings by outcome.",
		}, []string{"result"}),
	}
}

func (r *Recorder) Bind(complete func(int)) {
	r.mu.Lock()
	r.complete = complete
	r.mu.Unlock()
}

// Enqueue hands data to the writer and completes the buffer once its
// duration has elapsed on the recorder clock.
func (r *Recorder) Enqueue(index int, data []byte, d time.Duration) error {
	select {
	case r.ch <- chunk{data: append([]byte(nil), data...)}:
	case <-r.done:
		return errRecorderStopped
	}

	r.mu.Lock()
	now := time.Now()
	if r.clock.Before(now) {
		r.clock = now
	}
	r.clock = r.clock.Add(time.Duration(float64(d) / r.speed))
	wait := time.Until(r.clock)
	r.mu.Unlock()

	time.AfterFunc(wait, func() { r.finish(index) })
	return nil
}

func (r *Recorder) finish(index int) {
	r.mu.Lock()
	if r.paused {
		r.held = append(r.held, index)
		r.mu.Unlock()
		return
	}
	complete := r.complete
	r.mu.Unlock()

	if complete != nil {
		complete(index)
	}
}

// SetPaused holds buffer completions while paused.
func (r *Recorder) SetPaused(paused bool) {
	r.mu.Lock()
	r.paused = paused
	var held []int
	if !paused {
		held, r.held = r.held, nil
		r.clock = time.Now()
	}
	complete := r.complete
	r.mu.Unlock()

	for _, i := range held {
		if complete != nil {
			complete(i)
		}
	}
}

// SetTrack starts a new recording for audio enqueued from now on. Repeated
// calls for the current track are ignored.
func (r *Recorder) SetTrack(station, title string) {
	t := track{station: station, title: title}

	r.mu.Lock()
	if t == r.current {
		r.mu.Unlock()
		return
	}
	r.current = t
	r.mu.Unlock()

	r.logger.Info("now listening to", "station", station, "title", title)
	select {
	case r.ch <- chunk{next: &t}:
	case <-r.done:
	}
}

// Run writes recordings until ctx is done, then drains what was already
// enqueued and commits the open recording.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.done) })

	var rec *recording
	defer func() {
		if rec != nil {
			r.commit(rec)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case c := <-r.ch:
					rec = r.handle(rec, c)
				default:
					return nil
				}
			}
		case c := <-r.ch:
			rec = r.handle(rec, c)
		}
	}
}

func (r *Recorder) handle(rec *recording, c chunk) *recording {
	if c.next != nil {
		if rec != nil {
			r.commit(rec)
		}
		next, err := r.create(c.next.path(r.dir))
		if err != nil {
			r.logger.Error("error creating recording", "err", err)
			return nil
		}
		return next
	}

	if rec == nil || len(c.data) == 0 {
		return rec
	}
	if err := rec.write(c.data); err != nil {
		r.logger.Error("error writing to file", "err", err, "path", rec.dest)
		return rec
	}
	r.written.Add(float64(len(c.data)))
	return rec
}

// recording batches writes to a temp file next to its destination.
type recording struct {
	f    *os.File
	dest string
	buf  []byte
}

func (r *Recorder) create(dest string) (*recording, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "error creating stream directory")
	}
	f, err := os.CreateTemp(dir, "*"+recordingExt+".tmp")
	if err != nil {
		return nil, errors.Wrap(err, "error creating temp file")
	}
	r.logger.Debug("starting new writer", "path", dest)
	return &recording{f: f, dest: dest, buf: make([]byte, 0, r.writeBufferSize)}, nil
}

func (rec *recording) write(b []byte) error {
	if len(rec.buf)+len(b) > cap(rec.buf) {
		if err := rec.flush(); err != nil {
			return err
		}
	}
	if len(b) >= cap(rec.buf) {
		_, err := rec.f.Write(b)
		return err
	}
	rec.buf = append(rec.buf, b...)
	return nil
}

func (rec *recording) flush() error {
	if len(rec.buf) == 0 {
		return nil
	}
	_, err := rec.f.Write(rec.buf)
	rec.buf = rec.buf[:0]
	return err
}

func (r *Recorder) commit(rec *recording) {
	tempPath := rec.f.Name()
	if err := rec.flush(); err != nil {
		r.logger.Error("error writing to file", "err", err)
	}
	if err := rec.f.Sync(); err != nil {
		r.logger.Error("error syncing file", "err", err)
	}
	if err := rec.f.Close(); err != nil {
		r.logger.Error("error closing file", "err", err)
	}
	r.committed.WithLabelValues(commitTempFile(r.logger, tempPath, rec.dest)).Inc()
}

// commitTempFile renames tempPath to destPath only if dest doesn't exist or
// the temp file is larger (so a previous crash doesn't overwrite a good
// recording). It returns the outcome for metrics.
func commitTempFile(logger *slog.Logger, tempPath, destPath string) string {
	tempInfo, err := os.Stat(tempPath)
	if err != nil {
		logger.Error("error stating temp file", "err", err, "path", tempPath)
		_ = os.Remove(tempPath)
		return "error"
	}
	if tempInfo.Size() == 0 {
		_ = os.Remove(tempPath)
		return "empty"
	}

	destInfo, err := os.Stat(destPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		logger.Error("error stating dest file", "err", err, "path", destPath)
		_ = os.Remove(tempPath)
		return "error"
	case tempInfo.Size() <= destInfo.Size():
		_ = os.Remove(tempPath)
		logger.Debug("discarded shorter recording", "path", destPath,
			"temp_size", humanize.IBytes(uint64(tempInfo.Size())),
			"existing_size", humanize.IBytes(uint64(destInfo.Size())))
		return "discarded"
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		logger.Error("error renaming temp to dest", "err", err, "temp", tempPath, "dest", destPath)
		_ = os.Remove(tempPath)
		return "error"
	}
	logger.Info("saved recording", "path", destPath, "size", humanize.IBytes(uint64(tempInfo.Size())))
	return "saved"
}
