package filelist

// The count header is the optional prefix some firmware prepends to the first
// GET_FILE_LIST chunk, announcing how many entries the stream will
// contain: "0xFF 0xFF" followed by a 4-byte big-endian count. Firmware
// that omits it requires a separate GetFileCount round trip instead
// (spec §4.4).
// HeaderSize is the fixed byte length of the optional count-header prelude.
const HeaderSize = 6

// ParseHeader reports whether buf begins with a count header and, if so,
// the announced count and how many bytes it occupies.
func ParseHeader(buf []byte) (count int, size int, ok bool) {
	if len(buf) < HeaderSize {
		return 0, 0, false
	}
	if buf[0] != 0xFF || buf[1] != 0xFF {
		return 0, 0, false
	}
	return int(be32(buf[2:6])), HeaderSize, true
}
