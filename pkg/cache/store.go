// Package cache stores completed streams on disk. An entry is a data file
// named by the stream identifier plus a sidecar holding its content type. An
// entry only counts once both files exist; data still being written lives
// under a .tmp name until it is committed.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metadataSuffix = ".metadata"
	tempSuffix     = ".tmp"
)

// Identifier derives the cache key for a source URL.
func Identifier(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Entry locates the files of one cache entry.
type Entry struct {
	ID           string
	DataPath     string
	MetadataPath string
	TempPath     string

	// ContentType is only set on entries returned by Lookup.
	ContentType string
	Size        int64
}

// Store manages a cache directory and an optional read-only store directory
// that is consulted first.
type Store struct {
	dir      string
	storeDir string
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}

	hits     prometheus.Counter
	misses   prometheus.Counter
	written  prometheus.Counter
	commits  prometheus.Counter
	purged   *prometheus.CounterVec
	diskSize prometheus.Gauge
}

// NewStore creates dir if needed. storeDir may be empty.
func NewStore(dir, storeDir string, logger *slog.Logger, reg prometheus.Registerer) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	f := promauto.With(reg)
	s := &Store{
		dir:      dir,
		storeDir: storeDir,
		logger:   logger.With("component", "cache"),
		active:   make(map[string]struct{}),
		hits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Opens served from a complete cache entry.",
		}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Opens that found no complete cache entry.",
		}),
		written: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "cache",
			Name:      "written_bytes_total",
			Help:      "Bytes mirrored into cache files.",
		}),
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "cache",
			Name:      "commits_total",
			Help:      "Cache entries completed.",
		}),
		purged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: "cache",
			Name:      "purged_files_total",
			Help:      "Files removed by maintenance sweeps.",
		}, []string{"reason"}),
		diskSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "audiostream",
			Subsystem: "cache",
			Name:      "disk_bytes",
			Help:      "Bytes held by complete cache entries after the last sweep.",
		}),
	}

	return s, nil
}

// Dir is the writable cache directory.
func (s *Store) Dir() string {
	return s.dir
}

func entryIn(dir, id string) Entry {
	data := filepath.Join(dir, id)
	return Entry{
		ID:           id,
		DataPath:     data,
		MetadataPath: data + metadataSuffix,
		TempPath:     data + tempSuffix,
	}
}

// Lookup returns the complete entry for id, preferring the store directory.
func (s *Store) Lookup(id string) (Entry, bool) {
	for _, dir := range []string{s.storeDir, s.dir} {
		if dir == "" {
			continue
		}
		if e, ok := complete(entryIn(dir, id)); ok {
			s.hits.Inc()
			return e, true
		}
	}

	s.misses.Inc()
	return Entry{}, false
}

func complete(e Entry) (Entry, bool) {
	info, err := os.Stat(e.DataPath)
	if err != nil || !info.Mode().IsRegular() {
		return e, false
	}
	ct, err := os.ReadFile(e.MetadataPath)
	if err != nil {
		return e, false
	}

	e.ContentType = strings.TrimSpace(string(ct))
	e.Size = info.Size()
	return e, true
}

// Create starts a new entry for id in the cache directory. Any earlier
// artifact for id is replaced when the writer commits.
func (s *Store) Create(id string) (*Writer, error) {
	s.mu.Lock()
	if _, busy := s.active[id]; busy {
		s.mu.Unlock()
		return nil, errors.Errorf("cache entry %s is already being written", id)
	}
	s.active[id] = struct{}{}
	s.mu.Unlock()

	e := entryIn(s.dir, id)
	f, err := os.Create(e.TempPath)
	if err != nil {
		s.release(id)
		return nil, errors.Wrap(err, "failed to create cache temp file")
	}

	return newWriter(s, e, f), nil
}

func (s *Store) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Store) busy(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	Incomplete int
	Evicted    int
	Bytes      int64
}

type fileInfo struct {
	id   string
	size int64
	mod  int64
}

// Purge removes interrupted artifacts from the cache directory: temp files,
// data files without a sidecar and sidecars without data. Entries being
// written by this process are left alone.
func (s *Store) Purge() (SweepResult, error) {
	var res SweepResult

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return res, errors.Wrap(err, "failed to read cache directory")
	}

	names := make(map[string]struct{}, len(dirents))
	for _, d := range dirents {
		names[d.Name()] = struct{}{}
	}

	remove := func(name, reason string) {
		path := filepath.Join(s.dir, name)
		info, statErr := os.Stat(path)
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Error("failed to purge cache file", "path", path, "err", rmErr)
			return
		}
		if statErr == nil {
			res.Bytes += info.Size()
		}
		res.Incomplete++
		s.purged.WithLabelValues(reason).Inc()
	}

	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, tempSuffix):
			if !s.busy(strings.TrimSuffix(name, tempSuffix)) {
				remove(name, "temp")
			}
		case strings.HasSuffix(name, metadataSuffix):
			if _, ok := names[strings.TrimSuffix(name, metadataSuffix)]; !ok {
				remove(name, "orphan_metadata")
			}
		default:
			if _, ok := names[name+metadataSuffix]; !ok && !s.busy(name) {
				remove(name, "incomplete")
			}
		}
	}

	return res, nil
}

// Enforce evicts the least recently modified complete entries until the
// cache directory holds at most maxBytes.
func (s *Store) Enforce(maxBytes int64) (SweepResult, error) {
	var res SweepResult

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return res, errors.Wrap(err, "failed to read cache directory")
	}

	var (
		entries []fileInfo
		total   int64
	)
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || strings.HasSuffix(name, tempSuffix) || strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		e, ok := complete(entryIn(s.dir, name))
		if !ok {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, fileInfo{id: name, size: e.Size, mod: info.ModTime().UnixNano()})
		total += e.Size
	}

	if maxBytes > 0 && total > maxBytes {
		sort.Slice(entries, func(i, j int) bool { return entries[i].mod < entries[j].mod })

		for _, fi := range entries {
			if total <= maxBytes {
				break
			}
			if s.busy(fi.id) {
				continue
			}
			e := entryIn(s.dir, fi.id)
			// Drop the sidecar first so a half-removed entry is never a hit.
			if err := os.Remove(e.MetadataPath); err != nil {
				s.logger.Error("failed to evict cache entry", "id", fi.id, "err", err)
				continue
			}
			_ = os.Remove(e.DataPath)

			total -= fi.size
			res.Evicted++
			res.Bytes += fi.size
			s.purged.WithLabelValues("evicted").Inc()
		}

		s.logger.Info("cache evicted entries", "evicted", res.Evicted, "freed", humanize.IBytes(uint64(res.Bytes)), "size", humanize.IBytes(uint64(total)))
	}

	s.diskSize.Set(float64(total))

	return res, nil
}
