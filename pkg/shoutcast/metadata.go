package shoutcast

import (
	"maps"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Metadata is one parsed ICY metadata block.
type Metadata struct {
	StreamTitle string
	StreamURL   string

	// Fields holds every key in the block, StreamTitle and StreamURL included.
	Fields map[string]string
}

// NewMetadata parses a raw block of the form key='value';key='value';
// padded with NUL bytes. Values may themselves contain quotes and
// semicolons, so a value only ends at a "';" that is followed by another
// key or the end of the block.
func NewMetadata(b []byte) *Metadata {
	s := strings.TrimRight(string(b), "\x00")
	if !utf8.ValidString(s) {
		if dec, err := charmap.Windows1252.NewDecoder().String(s); err == nil {
			s = dec
		}
	}

	m := &Metadata{Fields: make(map[string]string)}

	for len(s) > 0 {
		eq := strings.Index(s, "='")
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		rest := s[eq+2:]

		end := valueEnd(rest)
		value := rest[:end]
		m.Fields[key] = value

		if end+2 > len(rest) {
			break
		}
		s = rest[end+2:]
	}

	m.StreamTitle = m.Fields["StreamTitle"]
	m.StreamURL = m.Fields["StreamUrl"]

	return m
}

func valueEnd(s string) int {
	from := 0
	for {
		i := strings.Index(s[from:], "';")
		if i < 0 {
			return len(strings.TrimSuffix(s, "'"))
		}
		i += from
		next := s[i+2:]
		if strings.TrimSpace(next) == "" || looksLikeKey(next) {
			return i
		}
		from = i + 2
	}
}

func looksLikeKey(s string) bool {
	eq := strings.Index(s, "='")
	if eq <= 0 {
		return false
	}
	for _, r := range s[:eq] {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// Equals reports whether two blocks carry the same fields.
func (m *Metadata) Equals(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return maps.Equal(m.Fields, other.Fields)
}
