// Package demux cuts a raw compressed audio byte stream into frames. Parsers
// buffer partial frames between calls, so input may be split anywhere.
package demux

import (
	"errors"
	"mime"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Format identifies the container of a stream.
type Format int

const (
	FormatUnknown Format = iota
	FormatMPEG
	FormatADTS
)

func (f Format) String() string {
	switch f {
	case FormatMPEG:
		return "mpeg"
	case FormatADTS:
		return "adts"
	}
	return "unknown"
}

// Frame is one complete compressed audio frame.
type Frame struct {
	Data []byte

	// Offset is the position of the frame within the chunk that completed
	// it; frames assembled from earlier chunks report zero.
	Offset int

	SampleRate int
	Samples    int
	Bitrate    int
	Variable   bool
}

// Parser turns stream bytes into frames.
type Parser interface {
	// Parse consumes data and returns every frame it completes. Frame data
	// does not alias data.
	Parse(data []byte) ([]Frame, error)

	// Discontinuity drops buffered partial data, used after a seek.
	Discontinuity()

	Format() Format

	// DataOffset is the number of bytes preceding the first frame, or -1
	// before a frame has been found.
	DataOffset() int64
}

// FormatFor maps a content type to a container format.
func FormatFor(contentType string) Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch mt {
	case "audio/mpeg", "audio/mp3", "audio/mpeg3", "audio/x-mpeg", "audio/mpg":
		return FormatMPEG
	case "audio/aac", "audio/aacp", "audio/x-aac":
		return FormatADTS
	}
	return FormatUnknown
}

// New returns a parser for contentType, falling back to fallback when the
// content type names no known format.
func New(contentType, fallback string) (Parser, error) {
	f := FormatFor(contentType)
	if f == FormatUnknown {
		f = FormatFor(fallback)
	}

	switch f {
	case FormatMPEG:
		return NewMPEG(), nil
	case FormatADTS:
		return NewADTS(), nil
	}
	return nil, ErrUnsupportedFormat
}

// maxBuffered bounds how much unparseable data a parser keeps while hunting
// for a sync word.
const maxBuffered = 64 * 1024
