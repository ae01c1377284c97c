package id3

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	pngSig  = []byte{0x89, 0x50, 0x4E, 0x47}
)

type frameLayout struct {
	nameLen   int
	headerLen int
	size      func([]byte) int
}

func layoutFor(major byte) frameLayout {
	switch major {
	case 2:
		return frameLayout{nameLen: 3, headerLen: 6, size: bigEndian}
	case 3:
		return frameLayout{nameLen: 4, headerLen: 10, size: bigEndian}
	default:
		return frameLayout{nameLen: 4, headerLen: 10, size: synchsafe}
	}
}

func parseFrames(data []byte, major, flags byte) Tag {
	tag := Tag{Version: int(major)}
	l := layoutFor(major)

	pos := 0
	if major > 2 && flags&0x40 != 0 && len(data) >= 4 {
		if major == 4 {
			pos = synchsafe(data[:4])
		} else {
			pos = bigEndian(data[:4]) + 4
		}
	}

	for pos+l.headerLen <= len(data) {
		name := data[pos : pos+l.nameLen]
		if !validFrameName(name) {
			// Padding or garbage; nothing useful follows.
			break
		}

		size := l.size(data[pos+l.nameLen : pos+2*l.nameLen])
		body := pos + l.headerLen
		if size <= 0 || body+size > len(data) {
			break
		}

		frame := data[body : body+size]
		switch string(name) {
		case "TIT2", "TT2":
			tag.Title = decodeText(frame)
		case "TPE1", "TP1":
			tag.Artist = decodeText(frame)
		case "TALB", "TAL":
			tag.Album = decodeText(frame)
		case "TYER", "TYE", "TDRC":
			tag.Year = decodeText(frame)
		case "APIC":
			tag.CoverMIME, tag.Cover = decodeAPIC(frame)
		case "PIC":
			tag.CoverMIME, tag.Cover = decodePIC(frame)
		}

		pos = body + size
	}

	return tag
}

func validFrameName(name []byte) bool {
	for _, c := range name {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func textEncoding(b byte) encoding.Encoding {
	switch b {
	case 1:
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)
	case 2:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case 3:
		return unicode.UTF8
	default:
		return charmap.ISO8859_1
	}
}

// decodeText decodes a text information frame: one encoding byte followed by
// the encoded string.
func decodeText(frame []byte) string {
	if len(frame) < 2 {
		return ""
	}

	out, err := textEncoding(frame[0]).NewDecoder().Bytes(frame[1:])
	if err != nil {
		return ""
	}

	return strings.TrimSpace(strings.TrimRight(string(out), "\x00"))
}

// decodeAPIC locates the image in an attached picture frame. Encoders pad the
// description inconsistently, so the image start is found by scanning for a
// JPEG or PNG signature after the MIME type.
func decodeAPIC(frame []byte) (string, []byte) {
	if len(frame) < 2 {
		return "", nil
	}

	rest := frame[1:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", nil
	}
	mime := string(rest[:end])

	return mime, findImage(rest[end+1:])
}

// decodePIC handles the ID3v2.2 picture frame, which carries a fixed three
// byte image format instead of a MIME string.
func decodePIC(frame []byte) (string, []byte) {
	if len(frame) < 5 {
		return "", nil
	}

	mime := "image/" + strings.ToLower(string(frame[1:4]))
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}

	return mime, findImage(frame[4:])
}

func findImage(b []byte) []byte {
	idx := -1
	if i := bytes.Index(b, jpegSOI); i >= 0 {
		idx = i
	}
	if i := bytes.Index(b, pngSig); i >= 0 && (idx < 0 || i < idx) {
		idx = i
	}
	if idx < 0 {
		return nil
	}

	img := make([]byte, len(b)-idx)
	copy(img, b[idx:])
	return img
}

func parseV1(b []byte) Tag {
	field := func(from, to int) string {
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(b[from:to])
		if err != nil {
			return ""
		}
		s := string(out)
		if i := strings.IndexByte(s, 0); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(s)
	}

	return Tag{
		Version: 1,
		Title:   field(3, 33),
		Artist:  field(33, 63),
		Album:   field(63, 93),
		Year:    field(93, 97),
		Comment: field(97, 127),
	}
}
