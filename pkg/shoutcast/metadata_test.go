package shoutcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMetadata(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		title  string
		url    string
		fields int
	}{
		{
			name:   "title and url",
			raw:    "StreamTitle='Artist - Song';StreamUrl='http://example.com/art.jpg';\x00\x00\x00",
			title:  "Artist - Song",
			url:    "http://example.com/art.jpg",
			fields: 2,
		},
		{
			name:   "quote inside value",
			raw:    "StreamTitle='Guns N' Roses - Patience';StreamUrl='';",
			title:  "Guns N' Roses - Patience",
			fields: 2,
		},
		{
			name:   "semicolon inside value",
			raw:    "StreamTitle='Live';Acoustic';",
			title:  "Live';Acoustic",
			fields: 1,
		},
		{
			name:   "missing trailing semicolon",
			raw:    "StreamTitle='Unterminated'",
			title:  "Unterminated",
			fields: 1,
		},
		{
			name: "empty",
			raw:  "\x00\x00\x00\x00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetadata([]byte(tt.raw))
			assert.Equal(t, tt.title, m.StreamTitle)
			assert.Equal(t, tt.url, m.StreamURL)
			assert.Len(t, m.Fields, tt.fields)
		})
	}
}

func TestNewMetadataLatin1(t *testing.T) {
	// "Café" encoded as Windows-1252.
	m := NewMetadata([]byte("StreamTitle='Caf\xe9';"))
	assert.Equal(t, "Café", m.StreamTitle)
}

func TestMetadataEquals(t *testing.T) {
	a := NewMetadata([]byte("StreamTitle='A';"))
	b := NewMetadata([]byte("StreamTitle='A';"))
	c := NewMetadata([]byte("StreamTitle='B';"))

	assert.True(t, a.Equals(b))
	assert.False(t, a.Equals(c))
	assert.False(t, a.Equals(nil))

	var none *Metadata
	assert.True(t, none.Equals(nil))
}
