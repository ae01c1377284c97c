package demux

import "errors"

// ErrInvalidADTS is returned when an ADTS header carries an impossible
// sample rate index.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

const aacSamplesPerFrame = 1024

// ADTS parses AAC audio wrapped in ADTS headers.
type ADTS struct {
	buf        []byte
	consumed   int64
	dataOffset int64
}

func NewADTS() *ADTS {
	return &ADTS{dataOffset: -1}
}

func (p *ADTS) Format() Format { return FormatADTS }

func (p *ADTS) DataOffset() int64 { return p.dataOffset }

func (p *ADTS) Discontinuity() {
	p.buf = p.buf[:0]
}

func (p *ADTS) drop(n int) {
	p.buf = p.buf[n:]
	p.consumed += int64(n)
}

func (p *ADTS) Parse(data []byte) ([]Frame, error) {
	chunkStart := p.consumed + int64(len(p.buf))
	p.buf = append(p.buf, data...)

	var frames []Frame
	for len(p.buf) >= 7 {
		// Sync word: 0xFFF
		if p.buf[0] != 0xFF || (p.buf[1]&0xF0) != 0xF0 {
			p.drop(1)
			continue
		}

		hasCRC := (p.buf[1] & 0x01) == 0
		headerSize := 7
		if hasCRC {
			headerSize = 9
		}

		sampleRateIdx := (p.buf[2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(aacSampleRates) {
			p.drop(1)
			return frames, ErrInvalidADTS
		}

		frameLen := int(p.buf[3]&0x03)<<11 |
			int(p.buf[4])<<3 |
			int(p.buf[5]>>5)

		if frameLen < headerSize {
			p.drop(1)
			continue
		}
		if frameLen > len(p.buf) {
			break // truncated, wait for more
		}

		if p.dataOffset < 0 {
			p.dataOffset = p.consumed
		}

		rate := aacSampleRates[sampleRateIdx]
		frames = append(frames, Frame{
			Data:       append([]byte(nil), p.buf[:frameLen]...),
			Offset:     int(max(0, p.consumed-chunkStart)),
			SampleRate: rate,
			Samples:    aacSamplesPerFrame,
			Bitrate:    frameLen * 8 * rate / aacSamplesPerFrame,
			Variable:   true,
		})
		p.drop(frameLen)
	}

	if len(p.buf) > maxBuffered {
		p.drop(len(p.buf) - maxBuffered)
	}

	return frames, nil
}
