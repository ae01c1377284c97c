// Package id3 extracts title, artist, album and cover art from ID3v2 tags at
// the head of an audio stream and ID3v1 tags at its tail. The parser is fed
// bytes as they arrive and keeps whatever partial state it needs between
// calls.
package id3

import (
	"bytes"
)

// State is the parser's position in its state machine.
type State int

const (
	StateInitial State = iota
	StateParseFrames
	StateTagParsed
	StateNotID3v2
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateParseFrames:
		return "parse_frames"
	case StateTagParsed:
		return "tag_parsed"
	case StateNotID3v2:
		return "not_id3v2"
	}
	return "unknown"
}

const (
	headerLen = 10
	v1Len     = 128
)

// Tag is the metadata recovered from a tag.
type Tag struct {
	Version   int
	Title     string
	Artist    string
	Album     string
	Year      string
	Comment   string
	Cover     []byte
	CoverMIME string
}

// Empty reports whether no field was recovered.
func (t Tag) Empty() bool {
	return t.Title == "" && t.Artist == "" && t.Album == "" && t.Year == "" && t.Comment == "" && len(t.Cover) == 0
}

// Parser is a push-fed ID3 state machine. It is not safe for concurrent use.
type Parser struct {
	// OnTag is called once with the parsed tag.
	OnTag func(Tag)
	// OnTagSize is called with the full byte size of the tag, header included.
	OnTagSize func(int64)

	state   State
	buf     []byte
	tagSize int
	major   byte
	flags   byte
	footer  bool

	// Rolling window over the last 128 bytes while looking for ID3v1.
	tail []byte
}

// NewParser returns a parser in the initial state.
func NewParser() *Parser {
	return &Parser{}
}

// State returns the current state.
func (p *Parser) State() State {
	return p.state
}

// WantData reports whether Feed still has any use for bytes.
func (p *Parser) WantData() bool {
	return p.state != StateTagParsed
}

// Reset returns the parser to the initial state, keeping the callbacks.
func (p *Parser) Reset() {
	p.state = StateInitial
	p.buf = nil
	p.tagSize = 0
	p.major = 0
	p.flags = 0
	p.footer = false
	p.tail = nil
}

// Feed appends stream bytes.
func (p *Parser) Feed(b []byte) {
	switch p.state {
	case StateTagParsed:
		return
	case StateNotID3v2:
		p.feedTail(b)
		return
	}

	p.buf = append(p.buf, b...)

	if p.state == StateInitial {
		if len(p.buf) < headerLen {
			return
		}
		if !p.readHeader() {
			p.state = StateNotID3v2
			pending := p.buf
			p.buf = nil
			p.feedTail(pending)
			return
		}
		p.state = StateParseFrames
		if p.OnTagSize != nil {
			p.OnTagSize(int64(p.tagSize))
		}
	}

	if len(p.buf) < p.tagSize {
		return
	}

	end := p.tagSize
	if p.footer {
		end -= headerLen
	}
	tag := parseFrames(p.buf[headerLen:end], p.major, p.flags)
	p.buf = nil
	p.finish(tag)
}

// End tells the parser the stream is over. A parser still looking for an
// ID3v1 tag inspects the final 128 bytes; every state ends up in
// StateTagParsed.
func (p *Parser) End() {
	switch p.state {
	case StateTagParsed:
		return
	case StateInitial:
		pending := p.buf
		p.buf = nil
		p.feedTail(pending)
	case StateParseFrames:
		// Truncated tag.
		p.buf = nil
		p.finish(Tag{})
		return
	}

	if len(p.tail) == v1Len && bytes.HasPrefix(p.tail, []byte("TAG")) {
		if p.OnTagSize != nil {
			p.OnTagSize(v1Len)
		}
		p.finish(parseV1(p.tail))
		return
	}

	p.finish(Tag{})
}

func (p *Parser) finish(tag Tag) {
	p.state = StateTagParsed
	p.tail = nil
	if p.OnTag != nil && !tag.Empty() {
		p.OnTag(tag)
	}
}

func (p *Parser) feedTail(b []byte) {
	if len(b) >= v1Len {
		p.tail = append(p.tail[:0], b[len(b)-v1Len:]...)
		return
	}

	p.tail = append(p.tail, b...)
	if over := len(p.tail) - v1Len; over > 0 {
		p.tail = append(p.tail[:0], p.tail[over:]...)
	}
}

func (p *Parser) readHeader() bool {
	h := p.buf[:headerLen]
	if !bytes.Equal(h[:3], []byte("ID3")) {
		return false
	}

	major := h[3]
	if major < 2 || major > 4 || h[4] == 0xFF {
		return false
	}
	for _, c := range h[6:10] {
		if c&0x80 != 0 {
			return false
		}
	}

	p.major = major
	p.flags = h[5]
	p.tagSize = headerLen + synchsafe(h[6:10])
	if major == 4 && p.flags&0x10 != 0 {
		p.footer = true
		p.tagSize += headerLen
	}

	return true
}

// TagSize returns the total size of an ID3v2 tag starting at b, or zero when
// b does not begin with one. b must hold at least ten bytes.
func TagSize(b []byte) int {
	if len(b) < headerLen || !bytes.Equal(b[:3], []byte("ID3")) {
		return 0
	}
	if b[3] < 2 || b[3] > 4 {
		return 0
	}

	size := headerLen + synchsafe(b[6:10])
	if b[3] == 4 && b[5]&0x10 != 0 {
		size += headerLen
	}

	return size
}

func synchsafe(b []byte) int {
	return int(b[0]&0x7f)<<21 | int(b[1]&0x7f)<<14 | int(b[2]&0x7f)<<7 | int(b[3]&0x7f)
}

func bigEndian(b []byte) int {
	n := 0
	for _, c := range b {
		n = n<<8 | int(c)
	}
	return n
}
