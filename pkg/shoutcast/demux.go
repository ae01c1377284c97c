package shoutcast

type demuxState int

const (
	stateAudio demuxState = iota
	stateLength
	stateMetadata
)

// MetadataFunc is called when a metadata block differs from the previous
// one.
type MetadataFunc func(m *Metadata)

// Demuxer separates ICY metadata blocks from audio. Every metaint audio
// bytes the server sends one length byte, in units of 16 bytes, followed by
// that many bytes of metadata. The demuxer keeps its position between calls
// so chunks may be split anywhere, down to a single byte.
type Demuxer struct {
	metaint int
	onMeta  MetadataFunc

	state     demuxState
	remaining int
	meta      []byte
	metaLen   int
	last      *Metadata
}

// NewDemuxer returns a demuxer for a stream announcing icy-metaint. A
// metaint of zero passes everything through as audio.
func NewDemuxer(metaint int, fn MetadataFunc) *Demuxer {
	return &Demuxer{
		metaint:   metaint,
		onMeta:    fn,
		remaining: metaint,
	}
}

// Demux appends the audio bytes of src to dst and returns the extended
// slice. dst may alias src as long as it starts at or before src.
func (d *Demuxer) Demux(dst, src []byte) []byte {
	if d.metaint <= 0 {
		return append(dst, src...)
	}

	for len(src) > 0 {
		switch d.state {
		case stateAudio:
			n := min(d.remaining, len(src))
			dst = append(dst, src[:n]...)
			src = src[n:]
			d.remaining -= n
			if d.remaining == 0 {
				d.state = stateLength
			}

		case stateLength:
			d.metaLen = int(src[0]) * 16
			src = src[1:]
			if d.metaLen == 0 {
				d.resume()
				continue
			}
			d.meta = d.meta[:0]
			d.state = stateMetadata

		case stateMetadata:
			n := min(d.metaLen-len(d.meta), len(src))
			d.meta = append(d.meta, src[:n]...)
			src = src[n:]
			if len(d.meta) == d.metaLen {
				d.emit()
				d.resume()
			}
		}
	}

	return dst
}

// Pending reports how many audio bytes remain before the next metadata
// marker.
func (d *Demuxer) Pending() int {
	return d.remaining
}

func (d *Demuxer) resume() {
	d.state = stateAudio
	d.remaining = d.metaint
}

func (d *Demuxer) emit() {
	m := NewMetadata(d.meta)
	if m.Equals(d.last) {
		return
	}
	d.last = m
	if d.onMeta != nil {
		d.onMeta(m)
	}
}
