package shoutcast

import (
	"io"
)

// Reader strips ICY metadata from an underlying stream so that Read only
// ever returns audio bytes.
type Reader struct {
	rc io.ReadCloser
	d  *Demuxer
}

// NewReader wraps rc. fn is called from Read whenever the stream metadata
// changes.
func NewReader(rc io.ReadCloser, metaint int, fn MetadataFunc) *Reader {
	return &Reader{
		rc: rc,
		d:  NewDemuxer(metaint, fn),
	}
}

// Read implements io.Reader. The metadata is demuxed in place inside buf.
func (r *Reader) Read(buf []byte) (int, error) {
	for {
		n, err := r.rc.Read(buf)
		audio := r.d.Demux(buf[:0], buf[:n])
		if len(audio) > 0 || err != nil || n == 0 {
			return len(audio), err
		}
		// The whole chunk was metadata; keep reading.
	}
}

// Close closes the underlying stream.
func (r *Reader) Close() error {
	return r.rc.Close()
}
