// Package mojibake repairs track text that was decoded under the wrong
// character encoding before it reached us.
//
// Two corruption shapes are recognised:
//   - UTF-8 bytes that were read as Latin-1 ("CafÃ©")
//   - GB18030/Big5/Shift-JIS/EUC-KR bytes that were read as a single-byte
//     Western code page ("ÄãºÃ")
//
// Repair runs both passes until the text stops changing, so its output is
// always a fixed point and Repair(Repair(s)) == Repair(s).
package mojibake

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// byteSources re-create the raw bytes of a single-byte misread.
var byteSources = []encoding.Encoding{
	charmap.ISO8859_1,
	charmap.Windows1252,
}

// cjkDecoders are tried in order; the first decoding that produces
// CJK/Kana/Hangul text wins.
var cjkDecoders = []encoding.Encoding{
	simplifiedchinese.GB18030,
	traditionalchinese.Big5,
	japanese.ShiftJIS,
	korean.EUCKR,
}

// Repair returns text with known mojibake undone. Text that shows neither
// corruption signature is returned unchanged.
func Repair(text string) string {
	cur := text
	for {
		next := step(cur)
		if next == cur {
			return cur
		}
		cur = next
	}
}

func step(text string) string {
	if HasCJK(text) {
		return text
	}

	if hasLatin1Markers(text) {
		if fixed, ok := utf8FromLatin1(text); ok {
			return fixed
		}
	}

	if hasSingleByteSignature(text) {
		if fixed, ok := cjkFromSingleByte(text); ok {
			return fixed
		}
	}

	return text
}

// utf8FromLatin1 reverses a UTF-8-read-as-Latin-1 decode. Every marker pair
// collapses into one rune, so a successful result is always shorter than the
// input.
func utf8FromLatin1(text string) (string, bool) {
	raw, err := charmap.ISO8859_1.NewEncoder().String(text)
	if err != nil {
		return "", false
	}
	if !utf8.ValidString(raw) {
		return "", false
	}
	if raw == "" || raw == text {
		return "", false
	}
	return raw, true
}

func cjkFromSingleByte(text string) (string, bool) {
	for _, src := range byteSources {
		raw, err := src.NewEncoder().Bytes([]byte(text))
		if err != nil {
			continue
		}
		for _, dec := range cjkDecoders {
			out, err := dec.NewDecoder().Bytes(raw)
			if err != nil {
				continue
			}
			s := string(out)
			if !utf8.ValidString(s) || strings.ContainsRune(s, utf8.RuneError) {
				continue
			}
			if plausibleCJK(s) {
				return s, true
			}
		}
	}
	return "", false
}

// plausibleCJK accepts a decode only when every non-ASCII rune became CJK
// text or CJK punctuation and no CJK letter is glued to an ASCII letter.
func plausibleCJK(s string) bool {
	letters := 0
	prev := rune(-1)
	for _, r := range s {
		switch {
		case r < utf8.RuneSelf:
			if isASCIILetter(r) && isCJK(prev) {
				return false
			}
		case isCJK(r):
			if isASCIILetter(prev) {
				return false
			}
			letters++
		case isCJKPunct(r):
		default:
			return false
		}
		prev = r
	}
	return letters > 0
}

// hasLatin1Markers reports whether text contains a UTF-8 lead byte rendered as
// Latin-1 (Â..ô) directly followed by a continuation byte rendered as Latin-1
// (U+0080..U+00BF), e.g. "Ã©".
func hasLatin1Markers(text string) bool {
	prev := rune(-1)
	for _, r := range text {
		if prev >= 0xC2 && prev <= 0xF4 && r >= 0x80 && r <= 0xBF {
			return true
		}
		prev = r
	}
	return false
}

// hasSingleByteSignature reports text whose high-range runes all come in runs
// of two or more. Each double-byte character shows up as a pair of adjacent
// high-range runes, while correctly decoded Western text has accented letters
// and marks like ¿ « » standing next to ASCII.
func hasSingleByteSignature(text string) bool {
	run, runs := 0, 0
	for _, r := range text {
		if isHighRange(r) {
			run++
			continue
		}
		if run == 1 {
			return false
		}
		if run > 1 {
			runs++
		}
		run = 0
	}
	if run == 1 {
		return false
	}
	if run > 1 {
		runs++
	}
	return runs > 0
}

// isHighRange reports runes that stand for a byte in 0x80..0xFF under
// Latin-1 or Windows-1252.
func isHighRange(r rune) bool {
	if r >= 0x80 && r <= 0xFF {
		return true
	}
	return isWindows1252Punct(r)
}

// isWindows1252Punct covers the 0x80..0x9F block of Windows-1252.
func isWindows1252Punct(r rune) bool {
	switch r {
	case '€', '‚', 'ƒ', '„', '…', '†', '‡', 'ˆ', '‰', 'Š', '‹', 'Œ', 'Ž',
		'‘', '’', '“', '”', '•', '–', '—', '˜', '™', 'š', '›', 'œ', 'ž', 'Ÿ':
		return true
	}
	return false
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// isHalfwidthKatakana covers the halfwidth forms block U+FF61..U+FF9F, which
// single-byte Shift-JIS decodes produce from almost any Latin-1 text.
func isHalfwidthKatakana(r rune) bool {
	return r >= 0xFF61 && r <= 0xFF9F
}

func isCJK(r rune) bool {
	if r < 0 || isHalfwidthKatakana(r) {
		return false
	}
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// isCJKPunct covers CJK symbols and punctuation and the fullwidth ASCII forms.
func isCJKPunct(r rune) bool {
	return (r >= 0x3000 && r <= 0x303F) || (r >= 0xFF01 && r <= 0xFF60) || r == 0x30FB || r == 0x30FC
}

// HasCJK reports whether text contains a Han, Hiragana, Katakana or Hangul
// codepoint. Halfwidth Katakana does not count.
func HasCJK(text string) bool {
	for _, r := range text {
		if isCJK(r) {
			return true
		}
	}
	return false
}
