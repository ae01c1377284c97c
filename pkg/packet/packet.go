// Package packet holds demuxed audio frames awaiting decode and the arena
// queue that orders them for the decoder.
package packet

import "time"

// Packet is one demuxed audio frame.
type Packet struct {
	// ID is assigned at ingestion and strictly increases within a session.
	ID uint64

	Payload []byte

	// Offset is the byte offset of the frame within the read buffer it was
	// cut from.
	Offset int

	// VariableBitrate marks frames whose size does not follow from the
	// stream bitrate.
	VariableBitrate bool

	SampleRate int
	Samples    int

	// Bitrate is the instantaneous bitrate of this frame in bits per second.
	Bitrate int
}

// Duration is the amount of audio the packet carries.
func (p *Packet) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.Samples) * time.Second / time.Duration(p.SampleRate)
}

// Size is the payload length in bytes.
func (p *Packet) Size() int {
	return len(p.Payload)
}
