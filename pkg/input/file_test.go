package input

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileStreamReadsWholeFile(t *testing.T) {
	tag := id3Title("Song")
	data := append(append([]byte{}, tag...), payload(30_000)...)
	path := writeFile(t, "track.mp3", data)

	s := NewFileStream(path, "", 1024, testLogger, nil)
	rec := newRecorder()
	s.SetHandler(rec)
	require.NoError(t, s.Open(Position{}))
	defer s.Close()
	rec.wait(t)

	require.NoError(t, rec.err)
	assert.True(t, rec.ended)
	assert.Equal(t, 1, rec.ready)
	assert.Equal(t, data, rec.bytes())
	assert.Equal(t, "audio/mpeg", s.ContentType())
	assert.Equal(t, int64(len(data)), s.ContentLength())
	assert.Equal(t, "Song", rec.field("Title"))
	assert.Equal(t, []int64{int64(len(tag))}, rec.tagSizes)
}

func TestFileStreamOpensAtPosition(t *testing.T) {
	data := payload(5000)
	path := writeFile(t, "track.aac", data)

	s := NewFileStream(path, "", 512, testLogger, nil)
	rec := newRecorder()
	s.SetHandler(rec)
	require.NoError(t, s.Open(Position{Start: 1000, End: 3000}))
	defer s.Close()
	rec.wait(t)

	assert.Equal(t, data[1000:3000], rec.bytes())
	assert.Equal(t, "audio/aac", s.ContentType())
	assert.Empty(t, rec.meta, "tags are only parsed from the start")
}

func TestFileStreamMissingFile(t *testing.T) {
	s := NewFileStream(filepath.Join(t.TempDir(), "nope.mp3"), "", 0, testLogger, nil)
	assert.Error(t, s.Open(Position{}))
}

func TestContentTypeForPath(t *testing.T) {
	for path, want := range map[string]string{
		"a.mp3":  "audio/mpeg",
		"A.M4A":  "audio/x-m4a",
		"b.aac":  "audio/aac",
		"c":      "audio/mpeg",
		"d.flac": "audio/mpeg",
	} {
		assert.Equal(t, want, contentTypeForPath(path), path)
	}
}
