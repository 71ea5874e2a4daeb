// Package wire implements the Jensen binary frame format: encoding
// commands, and decoding a byte stream that does not respect packet
// boundaries back into discrete packets (spec §4.2, §6).
package wire

import "github.com/kschwarz/jensen-go/internal/constants"

// Packet is one decoded frame. Body is an owned slice — callers may retain
// it past the next Decoder call without risk of aliasing a buffer the
// decoder later overwrites (spec §4.4's "no buffer aliasing" rule, §9).
type Packet struct {
	Command     CommandID
	Sequence    uint32
	Body        []byte
	ChecksumLen int
}

// Encode serializes a command packet:
//
//	[0x12][0x34][cmd_hi][cmd_lo][seq32 BE][body_len32 BE][body...]
//
// The length field's top byte (checksum length) is always zero for
// host-originated frames; the host never emits a checksum.
func Encode(cmd CommandID, seq uint32, body []byte) []byte {
	buf := make([]byte, constants.HeaderSize+len(body))
	buf[0] = constants.SyncByteHi
	buf[1] = constants.SyncByteLo
	buf[2] = byte(cmd >> 8)
	buf[3] = byte(cmd)
	putUint32(buf[4:8], seq)
	putUint32(buf[8:12], uint32(len(body))&0x00FFFFFF)
	copy(buf[constants.HeaderSize:], body)
	return buf
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func getUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
