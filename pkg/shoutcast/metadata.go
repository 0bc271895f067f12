package shoutcast

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

var streamTitleMarker = []byte("streamtitle='")

// ExtractStreamTitle returns the bytes between the StreamTitle=' marker and
// the next single quote, trimmed of surrounding whitespace. The marker is
// matched without regard to ASCII case. A block without a closing quote
// yields everything after the marker.
func ExtractStreamTitle(block []byte) ([]byte, bool) {
	start := indexFoldASCII(block, streamTitleMarker)
	if start < 0 {
		return nil, false
	}

	rest := block[start+len(streamTitleMarker):]
	if end := bytes.IndexByte(rest, '\''); end >= 0 {
		rest = rest[:end]
	}
	return bytes.TrimSpace(rest), true
}

// indexFoldASCII is bytes.Index with ASCII case folding. needle must be lower
// case.
func indexFoldASCII(haystack, needle []byte) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		match := true
		for j := 0; j < n; j++ {
			if lowerASCII(haystack[i+j]) != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func lowerASCII(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}

// DecodeTitle turns raw title bytes into text. The charset declared by the
// server is tried first, then the configured fallback, then strict UTF-8, and
// finally Latin-1, which accepts any input.
func DecodeTitle(raw []byte, declared, fallback string) string {
	for _, name := range []string{declared, fallback} {
		if s, ok := decodeNamed(raw, name); ok {
			return clean(s)
		}
	}

	if utf8.Valid(raw) {
		return clean(string(raw))
	}

	s, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return ""
	}
	return clean(string(s))
}

func decodeNamed(raw []byte, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", false
	}
	s, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	return string(s), true
}

func clean(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}
