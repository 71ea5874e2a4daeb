// Package filelist parses the device's file-list stream: a running
// concatenation of binary entries terminated either by reaching an
// announced total count or by an empty-body response (spec §4.4).
//
// Parsing is forward-only and never aliases the accumulator's backing
// array: every Entry owns copies of its Filename and Signature bytes, so
// the caller's byte buffer may be reallocated or reused after Parse
// returns (spec §4.4 "no buffer aliasing", §9).
package filelist

import (
	"time"

	"github.com/kschwarz/jensen-go/internal/constants"
	"github.com/kschwarz/jensen-go/internal/duration"
)

// Entry is one parsed file-list record (spec §3 "File entry").
type Entry struct {
	Filename      string
	SizeBytes     int64
	RecordingType int
	Signature     [constants.FileEntrySignatureSize]byte

	// CreatedAt is parsed from Filename's embedded timestamp (spec §3,
	// §6). It is the zero time if Filename matches neither the legacy nor
	// the modern naming convention.
	CreatedAt time.Time
}

// entryPrefixSize is the fixed portion preceding the variable-length
// filename: 1 byte filename length, 4 bytes size (BE uint32), 1 byte
// recording type, 17 reserved bytes carried by the device but not
// surfaced to callers. 1+4+1+17 = 23, matching spec §4.4's minimum entry
// size.
const entryPrefixSize = constants.FileEntryMinSize

// Parse extracts as many complete entries as possible from the head of
// buf. It returns the parsed entries and the number of bytes consumed;
// consumed covers only whole entries, so when consumed < len(buf) the
// bytes in buf[consumed:] are a truncated entry that the caller keeps to
// prepend to the next chunk.
func Parse(buf []byte) (entries []Entry, consumed int) {
	offset := 0
	for {
		remaining := buf[offset:]
		if len(remaining) < entryPrefixSize {
			break
		}

		nameLen := int(remaining[0])
		sizeBytes := int64(be32(remaining[1:5]))
		recordingType := int(remaining[5])

		total := entryPrefixSize + nameLen + constants.FileEntrySignatureSize
		if len(remaining) < total {
			break
		}

		nameStart := entryPrefixSize
		nameEnd := nameStart + nameLen
		name := make([]byte, nameLen)
		copy(name, remaining[nameStart:nameEnd])

		var sig [constants.FileEntrySignatureSize]byte
		copy(sig[:], remaining[nameEnd:nameEnd+constants.FileEntrySignatureSize])

		filename := string(name)
		entries = append(entries, Entry{
			Filename:      filename,
			SizeBytes:     sizeBytes,
			RecordingType: recordingType,
			Signature:     sig,
			CreatedAt:     createdAt(filename),
		})

		offset += total
	}
	return entries, offset
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// createdAt extracts the timestamp embedded in a legacy or modern
// filename, reusing duration.ClassifyFilename's format detection so the
// two naming conventions are recognized in exactly one place (spec §9).
// An unrecognized filename yields the zero time.
func createdAt(filename string) time.Time {
	switch duration.ClassifyFilename(filename) {
	case duration.FormatLegacy:
		if len(filename) < 14 {
			return time.Time{}
		}
		if t, err := time.Parse("20060102150405", filename[:14]); err == nil {
			return t
		}
	case duration.FormatModern:
		if len(filename) < 16 {
			return time.Time{}
		}
		if t, err := time.Parse("2006Jan02-150405", filename[:16]); err == nil {
			return t
		}
	}
	return time.Time{}
}
