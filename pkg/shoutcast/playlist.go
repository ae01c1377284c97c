package shoutcast

import (
	"fmt"
	"io"
	"strings"
)

// parsePLS parses a PLS playlist file and returns the first stream URL
func parsePLS(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	content := string(data)
	lines := strings.Split(content, "\n")

	for _, line := range lines {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || !strings.HasPrefix(strings.ToLower(key), "file") {
			continue
		}
		if url := strings.TrimSpace(value); url != "" {
			return url, nil
		}
	}

	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// parseM3U parses an M3U playlist file and returns the first stream URL
func parseM3U(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	content := string(data)
	lines := strings.Split(content, "\n")

	for _, line := range lines {
		line = strings.TrimSpace(line)
		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Check if it's a URL (starts with http:// or https://)
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}

	return "", fmt.Errorf("no stream URL found in M3U playlist")
}

// IsPlaylist reports whether a response looks like a playlist rather than
// audio, judged by its content type and URL.
func IsPlaylist(contentType, rawURL string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range playlistTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}

	u := strings.ToLower(rawURL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".pls") || strings.HasSuffix(u, ".m3u") || strings.HasSuffix(u, ".m3u8")
}

var playlistTypes = []string{
	"audio/x-scpls",
	"application/pls+xml",
	"audio/mpegurl",
	"audio/x-mpegurl",
	"application/vnd.apple.mpegurl",
}

// ResolvePlaylist returns the first stream URL listed in a PLS or M3U body.
func ResolvePlaylist(body io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxPlaylistSize))
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}
	content := string(data)

	isPLS := strings.Contains(content, "[playlist]") || strings.Contains(content, "File1=")
	if isPLS {
		streamURL, err := parsePLS(strings.NewReader(content))
		if err != nil {
			return "", fmt.Errorf("failed to parse PLS playlist: %w", err)
		}
		return streamURL, nil
	}

	streamURL, err := parseM3U(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse M3U playlist: %w", err)
	}
	return streamURL, nil
}

const maxPlaylistSize = 1 << 20
