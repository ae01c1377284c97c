package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/zachfi/audiostream/pkg/packet"
)

// ErrTerminated is returned by a decoder that has shut down for good. The
// engine surfaces it as ErrorTerminated rather than a parse failure.
var ErrTerminated = errors.New("decoder terminated")

// Decoder turns a compressed packet into output data for the feeder.
type Decoder interface {
	Decode(p *packet.Packet) ([]byte, time.Duration, error)

	// Reset discards decoder state after a discontinuity.
	Reset()
}

// Passthrough hands the compressed frame to the output unchanged.
type Passthrough struct{}

func (Passthrough) Decode(p *packet.Packet) ([]byte, time.Duration, error) {
	return p.Payload, p.Duration(), nil
}

func (Passthrough) Reset() {}
