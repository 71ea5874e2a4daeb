package wire

import (
	"errors"

	"github.com/kschwarz/jensen-go/internal/constants"
)

// ErrDesync is returned by Next when the buffered bytes did not begin with a
// valid sync prelude and the resync scan has skipped them to a later sync
// prelude with at least a full header buffered behind it. When no later
// sync prelude is found, or fewer than a header's bytes follow it, Next
// drops the skipped bytes and reports that more data is needed instead.
var ErrDesync = errors.New("wire: protocol desync")

// ErrOversized is returned by Next when a frame header claims a body larger
// than constants.MaxBodyBytes.
var ErrOversized = errors.New("wire: oversized packet")

// Decoder accumulates bytes arriving in arbitrary chunk sizes and extracts
// complete Packets from the front of the buffer (spec §4.2). It never
// shrinks or reallocates the backing store out from under a Packet it has
// already returned: each returned Packet.Body is copied into its own slice
// before being handed back, so callers may retain it indefinitely (spec
// §4.4, §9 "no buffer aliasing").
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-read bytes to the accumulator.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Next attempts to parse one complete packet from the front of the
// accumulator. It returns (packet, true, nil) when a packet was extracted,
// (zero, false, nil) when more bytes are needed, and (zero, false, err) on
// a protocol error. On ErrDesync, Next has already advanced past the
// offending byte so the next call resumes the resync scan; at most one
// ErrDesync is produced per bad byte run, matching spec §8's "at most one
// ProtocolDesync per resync".
func (d *Decoder) Next() (Packet, bool, error) {
	if len(d.buf) < constants.HeaderSize {
		return Packet{}, false, nil
	}

	if d.buf[0] != constants.SyncByteHi || d.buf[1] != constants.SyncByteLo {
		d.resync()
		if len(d.buf) < constants.HeaderSize {
			return Packet{}, false, nil
		}
		return Packet{}, false, ErrDesync
	}

	cmd := CommandID(getUint16(d.buf[2:4]))
	seq := getUint32(d.buf[4:8])
	lengthField := getUint32(d.buf[8:12])
	bodyLen := int(lengthField & 0x00FFFFFF)
	checksumLen := int((lengthField >> 24) & 0xFF)

	if bodyLen > constants.MaxBodyBytes {
		// Drop one byte so we don't spin forever on this header and
		// attempt to resync from the next byte.
		d.buf = d.buf[1:]
		return Packet{}, false, ErrOversized
	}

	total := constants.HeaderSize + bodyLen + checksumLen
	if len(d.buf) < total {
		return Packet{}, false, nil
	}

	body := make([]byte, bodyLen)
	copy(body, d.buf[constants.HeaderSize:constants.HeaderSize+bodyLen])
	d.buf = d.buf[total:]

	return Packet{Command: cmd, Sequence: seq, Body: body, ChecksumLen: checksumLen}, true, nil
}

// resync advances past garbage bytes until a sync prelude is found at the
// head of the buffer, or the buffer is exhausted.
func (d *Decoder) resync() {
	for i := 1; i <= len(d.buf)-2; i++ {
		if d.buf[i] == constants.SyncByteHi && d.buf[i+1] == constants.SyncByteLo {
			d.buf = d.buf[i:]
			return
		}
	}
	// No sync found; keep only the last byte in case it is the first half
	// of a split sync prelude.
	if len(d.buf) > 0 {
		d.buf = d.buf[len(d.buf)-1:]
	}
}
