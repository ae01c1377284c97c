package demux

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg1audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MPEG-1 Layer III, 128 kbit/s, 44.1 kHz, no CRC.
var mp3Header = []byte{0xFF, 0xFB, 0x90, 0x64}

func mp3Frame(t *testing.T) []byte {
	t.Helper()
	var h mpeg1audio.FrameHeader
	require.NoError(t, h.Unmarshal(append(mp3Header, 0)))
	f := make([]byte, h.FrameLen())
	copy(f, mp3Header)
	for i := 4; i < len(f); i++ {
		f[i] = byte(i % 0x7F)
	}
	return f
}

func adtsFrame(payload int) []byte {
	frameLen := 7 + payload
	h := []byte{
		0xFF,
		0xF1,
		(1 << 6) | (4 << 2), // AAC-LC, 44.1 kHz
		(2 << 6) | byte((frameLen>>11)&0x03),
		byte((frameLen >> 3) & 0xFF),
		byte((frameLen&0x07)<<5) | 0x1F,
		0xFC,
	}
	return append(h, make([]byte, payload)...)
}

func parseChunked(t *testing.T, p Parser, stream []byte, chunk int) []Frame {
	t.Helper()
	var frames []Frame
	for i := 0; i < len(stream); i += chunk {
		end := min(i+chunk, len(stream))
		got, err := p.Parse(stream[i:end])
		require.NoError(t, err)
		frames = append(frames, got...)
	}
	return frames
}

func TestMPEGParse(t *testing.T) {
	frame := mp3Frame(t)
	stream := bytes.Repeat(frame, 10)

	for _, chunk := range []int{1, 3, 100, len(frame), len(stream)} {
		p := NewMPEG()
		frames := parseChunked(t, p, stream, chunk)
		require.Len(t, frames, 10, "chunk %d", chunk)
		for _, f := range frames {
			assert.Equal(t, frame, f.Data)
			assert.Equal(t, 44100, f.SampleRate)
			assert.Equal(t, 1152, f.Samples)
			assert.Equal(t, 128000, f.Bitrate)
			assert.False(t, f.Variable)
		}
		assert.Equal(t, int64(0), p.DataOffset())
	}
}

func TestMPEGAudioMPEGContentType(t *testing.T) {
	// 128 kbit/s at 44.1 kHz without padding is 417 bytes per frame.
	frame := make([]byte, 417)
	copy(frame, mp3Header)
	stream := bytes.Repeat(frame, 20)

	p, err := New("audio/mpeg", "")
	require.NoError(t, err)

	// A header alone is not enough to size the frame yet.
	got, err := p.Parse(stream[:4])
	require.NoError(t, err)
	assert.Empty(t, got)

	rest, err := p.Parse(stream[4:])
	require.NoError(t, err)
	require.Len(t, rest, 20)
	assert.Len(t, rest[0].Data, 417)
}

func TestMPEGSkipsID3AndJunk(t *testing.T) {
	frame := mp3Frame(t)
	body := make([]byte, 300)
	tag := []byte{'I', 'D', '3', 3, 0, 0, 0, 0, 0x02, 0x2C} // 300 byte body
	tag = append(tag, body...)
	// Sync-looking bytes inside the tag must not produce frames.
	tag[50], tag[51] = 0xFF, 0xFB

	junk := []byte{0x00, 0x11, 0xFF, 0x00}
	stream := append(append(append([]byte{}, tag...), junk...), bytes.Repeat(frame, 3)...)

	p := NewMPEG()
	frames := parseChunked(t, p, stream, 7)
	require.Len(t, frames, 3)
	assert.Equal(t, int64(len(tag)+len(junk)), p.DataOffset())
}

func TestMPEGDiscontinuity(t *testing.T) {
	frame := mp3Frame(t)
	p := NewMPEG()

	got, err := p.Parse(frame[:100])
	require.NoError(t, err)
	assert.Empty(t, got)

	p.Discontinuity()
	frames := parseChunked(t, p, bytes.Repeat(frame, 2), 50)
	assert.Len(t, frames, 2)
}

func TestADTSParse(t *testing.T) {
	frame := adtsFrame(200)
	stream := append([]byte{0x01, 0x02}, bytes.Repeat(frame, 5)...)

	for _, chunk := range []int{1, 6, 207, len(stream)} {
		p := NewADTS()
		frames := parseChunked(t, p, stream, chunk)
		require.Len(t, frames, 5, "chunk %d", chunk)
		for _, f := range frames {
			assert.Equal(t, frame, f.Data)
			assert.Equal(t, 44100, f.SampleRate)
			assert.Equal(t, 1024, f.Samples)
		}
		assert.Equal(t, int64(2), p.DataOffset())
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		contentType string
		fallback    string
		format      Format
		err         error
	}{
		{"audio/mpeg", "", FormatMPEG, nil},
		{"audio/mp3; charset=binary", "", FormatMPEG, nil},
		{"audio/aacp", "", FormatADTS, nil},
		{"AUDIO/AAC", "", FormatADTS, nil},
		{"application/octet-stream", "audio/mpeg", FormatMPEG, nil},
		{"", "audio/aac", FormatADTS, nil},
		{"audio/ogg", "", FormatUnknown, ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			p, err := New(tt.contentType, tt.fallback)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.format, p.Format())
		})
	}
}
