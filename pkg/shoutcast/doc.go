// Package shoutcast reads the ICY metadata interleaved in Shoutcast/Icecast
// audio streams.
//
// It started as a fork of github.com/romantomjak/shoutcast and now only
// watches the metadata side of a stream:
//   - Playlist resolution: .pls and .m3u URLs are resolved to the actual stream URL
//   - Metaint discovery from the response headers or from headers inlined in the body
//   - Servers answering with a bare "ICY 200 OK" status line are accepted
//   - Audio bytes are skipped; only metadata blocks are returned
//   - StreamTitle extraction and charset aware decoding
package shoutcast
