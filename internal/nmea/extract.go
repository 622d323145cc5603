// Package nmea scans receiver output for the GGA position-fix sentence.
//
// The receiver stream is forwarded as opaque bytes; this package only looks at
// it for logging and status:
// - ExtractFix finds a GNGGA sentence in one read chunk
// - FixRecord.Parse decodes the GGA fields for the status API
package nmea

import (
	"strings"
	"unicode/utf8"
)

// GGAMarker starts the multi-GNSS fix sentence.
const GGAMarker = "$GNGGA"

// FixRecord is the raw GGA text found in one chunk.
type FixRecord struct {
	Raw string `json:"raw"`
}

// ExtractFix returns the first GNGGA sentence in chunk, from the marker up to
// the next carriage return or the end of the chunk. A chunk that is not valid
// UTF-8 yields no record.
//
// Only the given chunk is scanned: a sentence split across two reads is
// returned truncated.
func ExtractFix(chunk []byte) (FixRecord, bool) {
	raw, ok := extractSentence(chunk, GGAMarker)
	if !ok {
		return FixRecord{}, false
	}
	return FixRecord{Raw: raw}, true
}

func extractSentence(chunk []byte, marker string) (string, bool) {
	if !utf8.Valid(chunk) {
		return "", false
	}
	text := string(chunk)
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	rest := text[start:]
	if end := strings.IndexByte(rest, '\r'); end >= 0 {
		rest = rest[:end]
	}
	return rest, true
}
