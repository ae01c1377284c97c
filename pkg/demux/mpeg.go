package demux

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg1audio"

	"github.com/zachfi/audiostream/pkg/id3"
)

// MPEG parses MPEG-1/2 audio (MP3) streams. A leading ID3v2 tag is skipped.
type MPEG struct {
	buf []byte

	// consumed counts stream bytes dropped from the front of buf.
	consumed   int64
	dataOffset int64

	id3Checked bool
	skip       int

	firstBitrate int
}

func NewMPEG() *MPEG {
	return &MPEG{dataOffset: -1}
}

func (p *MPEG) Format() Format { return FormatMPEG }

func (p *MPEG) DataOffset() int64 { return p.dataOffset }

func (p *MPEG) Discontinuity() {
	p.buf = p.buf[:0]
	p.id3Checked = true
	p.skip = 0
}

func (p *MPEG) drop(n int) {
	p.buf = p.buf[n:]
	p.consumed += int64(n)
}

func (p *MPEG) Parse(data []byte) ([]Frame, error) {
	chunkStart := p.consumed + int64(len(p.buf))
	p.buf = append(p.buf, data...)

	if !p.id3Checked {
		if len(p.buf) < 10 {
			return nil, nil
		}
		p.id3Checked = true
		p.skip = id3.TagSize(p.buf)
	}

	if p.skip > 0 {
		n := min(p.skip, len(p.buf))
		p.drop(n)
		p.skip -= n
		if p.skip > 0 {
			return nil, nil
		}
	}

	var frames []Frame
	for {
		i := findMP3FrameSync(p.buf)
		if i < 0 {
			// Keep a trailing 0xFF that may start the next sync word.
			keep := 0
			if n := len(p.buf); n > 0 && p.buf[n-1] == 0xFF {
				keep = 1
			}
			p.drop(len(p.buf) - keep)
			break
		}
		p.drop(i)

		// The header parser wants one byte past the 4-byte header.
		if len(p.buf) < 5 {
			break
		}

		var h mpeg1audio.FrameHeader
		if err := h.Unmarshal(p.buf[:5]); err != nil {
			p.drop(1)
			continue
		}
		l := h.FrameLen()
		if l < 5 {
			p.drop(1)
			continue
		}
		if len(p.buf) < l {
			break
		}
		if !followedBySync(p.buf[l:]) {
			p.drop(1)
			continue
		}

		if p.dataOffset < 0 {
			p.dataOffset = p.consumed
		}
		if p.firstBitrate == 0 {
			p.firstBitrate = h.Bitrate
		}

		f := Frame{
			Data:       append([]byte(nil), p.buf[:l]...),
			Offset:     int(max(0, p.consumed-chunkStart)),
			SampleRate: h.SampleRate,
			Samples:    h.SampleCount(),
			Bitrate:    h.Bitrate,
			Variable:   h.Bitrate != p.firstBitrate,
		}
		frames = append(frames, f)
		p.drop(l)
	}

	if len(p.buf) > maxBuffered {
		p.drop(len(p.buf) - maxBuffered)
	}

	return frames, nil
}

// followedBySync reports whether the bytes after a candidate frame are
// consistent with another frame or a trailing tag. Too few bytes to tell
// counts as consistent.
func followedBySync(rest []byte) bool {
	switch {
	case len(rest) == 0:
		return true
	case len(rest) < 3:
		return rest[0] == 0xFF && (len(rest) < 2 || rest[1]&0xE0 == 0xE0)
	case bytes.HasPrefix(rest, []byte("TAG")), bytes.HasPrefix(rest, []byte("ID3")):
		return true
	}
	return rest[0] == 0xFF && rest[1]&0xE0 == 0xE0
}

// findMP3FrameSync finds the position of the first MP3 frame sync word: 0xFF
// followed by a byte whose top three bits are set. Returns -1 if not found.
func findMP3FrameSync(data []byte) int {
	for i := 0; i < len(data)-1; i++ {
		if data[i] == 0xFF && data[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}
