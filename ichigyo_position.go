// ichigyo/ichigyo_position.go
// Converts linter coordinates (UTF-16 offsets, 1-based line/column) into
// LSP positions expressed in the session's negotiated encoding.
package ichigyo

import (
	"math"
	"unicode/utf8"

	"fortio.org/safecast"
)

// ============================================================================
// Position Encodings
// ============================================================================

// PositionEncoding names the code unit used for LSP character offsets.
// Values match the LSP 3.17 PositionEncodingKind strings.
type PositionEncoding string

const (
	PositionEncodingUTF8  PositionEncoding = "utf-8"
	PositionEncodingUTF16 PositionEncoding = "utf-16"
	PositionEncodingUTF32 PositionEncoding = "utf-32"
)

// ParsePositionEncoding validates an encoding name sent by a client or found in config.
func ParsePositionEncoding(name string) (PositionEncoding, bool) {
	switch enc := PositionEncoding(name); enc {
	case PositionEncodingUTF8, PositionEncodingUTF16, PositionEncodingUTF32:
		return enc, true
	default:
		return "", false
	}
}

// NegotiatePositionEncoding picks the first server-preferred encoding the client offers.
// A client that advertises nothing gets UTF-16, the protocol's mandatory default.
func NegotiatePositionEncoding(clientEncodings []string, preferred []PositionEncoding) PositionEncoding {
	offered := make(map[PositionEncoding]bool, len(clientEncodings))
	for _, name := range clientEncodings {
		if enc, ok := ParsePositionEncoding(name); ok {
			offered[enc] = true
		}
	}
	if len(offered) == 0 {
		return PositionEncodingUTF16
	}
	for _, enc := range preferred {
		if offered[enc] {
			return enc
		}
	}
	// Client restricted the set to something we do not prefer; honour its first valid choice.
	for _, name := range clientEncodings {
		if enc, ok := ParsePositionEncoding(name); ok {
			return enc
		}
	}
	return PositionEncodingUTF16
}

// ============================================================================
// Unit Counting
// ============================================================================

// unitCounts tracks the width of a text span in every supported encoding.
type unitCounts struct {
	bytes  int
	utf16  int
	points int
}

func (u *unitCounts) add(r rune, size int) {
	u.bytes += size
	u.points++
	if r >= 0x10000 && r <= utf8.MaxRune {
		u.utf16 += 2
	} else {
		u.utf16++
	}
}

func (u unitCounts) in(enc PositionEncoding) int {
	switch enc {
	case PositionEncodingUTF8:
		return u.bytes
	case PositionEncodingUTF32:
		return u.points
	default:
		return u.utf16
	}
}

// toUint32 converts a non-negative count to a protocol integer, saturating on overflow.
func toUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	v, err := safecast.Conv[uint32](n)
	if err != nil {
		return math.MaxUint32
	}
	return v
}

// ============================================================================
// Coordinate Translation
// ============================================================================

// OffsetToPosition converts a UTF-16 code unit offset into text to a 0-based
// line and a line-relative character count in enc.
//
// The scan stops once the running UTF-16 count reaches offset. Offsets past
// the end clamp to the end of text, an offset on '\n' yields the end of that
// line, and an offset inside a surrogate pair rounds forward past the pair.
func OffsetToPosition(text string, offset int, enc PositionEncoding) LSPPosition {
	line := 0
	var total, lineCounts unitCounts
	for i, r := range text {
		if total.utf16 >= offset {
			break
		}
		size := utf8.RuneLen(r)
		if r == utf8.RuneError {
			// Invalid byte sequences decode one byte at a time.
			_, size = utf8.DecodeRuneInString(text[i:])
		}
		total.add(r, size)
		if r == '\n' {
			line++
			lineCounts = unitCounts{}
			continue
		}
		lineCounts.add(r, size)
	}
	return LSPPosition{Line: toUint32(line), Character: toUint32(lineCounts.in(enc))}
}

// LinterColumnToCharacter converts a 1-based linter column (UTF-16 units) on
// 0-based line0 into a character count in enc. Columns that would cross the
// end of the line clamp to end-of-line and column1 values below 1 count as 1.
func LinterColumnToCharacter(text string, line0, column1 int, enc PositionEncoding) uint32 {
	target := max(column1, 1) - 1
	if enc == PositionEncodingUTF16 {
		return toUint32(target)
	}

	start, ok := lineStart(text, max(line0, 0))
	if !ok {
		return 0
	}
	var counts unitCounts
	for i, r := range text[start:] {
		if counts.utf16 >= target || r == '\n' {
			break
		}
		size := utf8.RuneLen(r)
		if r == utf8.RuneError {
			_, size = utf8.DecodeRuneInString(text[start+i:])
		}
		counts.add(r, size)
	}
	return toUint32(counts.in(enc))
}

// lineStart returns the byte offset at which 0-based line begins.
func lineStart(text string, line int) (int, bool) {
	if line == 0 {
		return 0, true
	}
	seen := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			seen++
			if seen == line {
				return i + 1, true
			}
		}
	}
	return 0, false
}
