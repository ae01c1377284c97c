// Package shoutcast handles the Shoutcast/Icecast (ICY) side of HTTP audio:
//   - In-band metadata: ICY metadata blocks are split out of the audio bytes,
//     whatever the read chunking, and parsed into key/value pairs
//   - Status lines: a bare "ICY 200 OK" response is rewritten so net/http can
//     parse it
//   - Playlist resolution: .pls and .m3u bodies are resolved to the actual
//     stream URL
package shoutcast
