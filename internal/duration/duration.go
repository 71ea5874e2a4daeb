// Package duration encapsulates the one domain rule that must be
// bit-identical to the reference device firmware: inferring a recording's
// duration from its filename, recording type, and size in bytes (spec
// §4.5, §6). Keeping it in its own package makes it the single place this
// "magic number" math is allowed to live (spec §9).
package duration

import (
	"regexp"
	"time"
)

var (
	legacyName = regexp.MustCompile(`^\d{14}REC\d+\.wav$`)
	modernName = regexp.MustCompile(`^\d{4}[A-Za-z]{3}\d{2}-\d{6}-Rec\d+\.hda$`)
)

// Format identifies which filename convention a name matched.
type Format int

const (
	// FormatUnknown means neither recognized filename pattern matched; the
	// base duration falls back to the legacy formula, since the reference
	// implementation treats unrecognized names that way.
	FormatUnknown Format = iota
	FormatLegacy
	FormatModern
)

// ClassifyFilename reports which naming convention a filename follows.
//
//   - Legacy:  YYYYMMDDHHMMSSREC\d+.wav
//   - Modern:  YYYYMmmDD-HHMMSS-Rec\d+.hda
func ClassifyFilename(name string) Format {
	switch {
	case legacyName.MatchString(name):
		return FormatLegacy
	case modernName.MatchString(name):
		return FormatModern
	default:
		return FormatUnknown
	}
}

// Of computes the duration of a recording given its filename, device
// recording_type, and size in bytes. Unknown recording_type values fall
// through to the base formula unmodified (spec §9 Open Question: carry the
// raw integer through the core, apply formulas only here).
func Of(filename string, recordingType int, sizeBytes int64) time.Duration {
	var base float64
	switch ClassifyFilename(filename) {
	case FormatModern:
		base = float64(sizeBytes) / 32 * 4
	default: // legacy and unknown both use the legacy base formula
		base = float64(sizeBytes) / 32
	}

	var seconds float64
	switch recordingType {
	case 1:
		seconds = base * 2
	case 2:
		seconds = float64(sizeBytes-44) / 48 / 2
	case 3:
		seconds = float64(sizeBytes-44) / 48 / 2 / 2
	case 5:
		seconds = float64(sizeBytes) / 12
	default:
		seconds = base
	}

	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}
