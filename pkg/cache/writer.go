package cache

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
)

// Batch writes so a stream arriving in small network reads does not turn
// into a syscall per read.
const (
	writeBufferSize = 256 * 1024
	minWriteBufSize = 32 * 1024
	maxWriteBufSize = 4 * 1024 * 1024
)

func clampWriteBuffer(n int) int {
	if n < minWriteBufSize {
		return minWriteBufSize
	}
	if n > maxWriteBufSize {
		return maxWriteBufSize
	}
	return n
}

// Writer appends stream bytes to an entry's temp file. Nothing becomes
// visible to Lookup until Commit.
type Writer struct {
	store *Store
	entry Entry
	f     *os.File
	w     *bufio.Writer

	written int64
	done    bool
}

func newWriter(s *Store, e Entry, f *os.File) *Writer {
	return &Writer{
		store: s,
		entry: e,
		f:     f,
		w:     bufio.NewWriterSize(f, clampWriteBuffer(writeBufferSize)),
	}
}

// Entry returns the paths the writer targets.
func (w *Writer) Entry() Entry {
	return w.entry
}

// Written is the number of bytes accepted so far.
func (w *Writer) Written() int64 {
	return w.written
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.w.Write(p)
	w.written += int64(n)
	w.store.written.Add(float64(n))
	return n, err
}

// Commit flushes the temp file, moves it to the data path and writes the
// content type sidecar, in that order.
func (w *Writer) Commit(contentType string) error {
	if w.done {
		return os.ErrClosed
	}
	defer w.store.release(w.entry.ID)

	if err := w.closeFile(); err != nil {
		_ = os.Remove(w.entry.TempPath)
		return err
	}

	if err := os.Rename(w.entry.TempPath, w.entry.DataPath); err != nil {
		_ = os.Remove(w.entry.TempPath)
		return errors.Wrap(err, "failed to move cache file into place")
	}

	metaTemp := w.entry.MetadataPath + tempSuffix
	if err := os.WriteFile(metaTemp, []byte(contentType), 0o644); err != nil {
		return errors.Wrap(err, "failed to write cache metadata")
	}
	if err := os.Rename(metaTemp, w.entry.MetadataPath); err != nil {
		_ = os.Remove(metaTemp)
		return errors.Wrap(err, "failed to move cache metadata into place")
	}

	w.store.commits.Inc()
	w.store.logger.Debug("cache entry committed", "id", w.entry.ID, "size", w.written, "content_type", contentType)

	return nil
}

// Close stops writing and leaves the temp file for a maintenance sweep.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	defer w.store.release(w.entry.ID)
	return w.closeFile()
}

// Abort stops writing and removes the temp file.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	defer w.store.release(w.entry.ID)
	err := w.closeFile()
	if rmErr := os.Remove(w.entry.TempPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return err
}

func (w *Writer) closeFile() error {
	w.done = true

	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return errors.Wrap(err, "failed to flush cache file")
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return errors.Wrap(err, "failed to sync cache file")
	}
	return errors.Wrap(w.f.Close(), "failed to close cache file")
}
