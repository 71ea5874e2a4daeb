package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, chunks [][]byte) []Packet {
	t.Helper()
	d := NewDecoder()
	var out []Packet
	for _, c := range chunks {
		d.Feed(c)
		for {
			pkt, ok, err := d.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			out = append(out, pkt)
		}
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := []byte("hello jensen")
	encoded := Encode(CmdGetDeviceInfo, 7, body)

	pkts := decodeAll(t, [][]byte{encoded})
	require.Len(t, pkts, 1)
	require.Equal(t, CmdGetDeviceInfo, pkts[0].Command)
	require.Equal(t, uint32(7), pkts[0].Sequence)
	require.Equal(t, body, pkts[0].Body)
}

func TestEmptyBodyPacketIsLegal(t *testing.T) {
	encoded := Encode(CmdListFiles, 1, nil)
	pkts := decodeAll(t, [][]byte{encoded})
	require.Len(t, pkts, 1)
	require.Empty(t, pkts[0].Body)
}

func TestFragmentedArrivalAtEveryOffset(t *testing.T) {
	encoded := Encode(CmdStreamFile, 42, []byte("the quick brown fox jumps"))
	for split := 0; split <= len(encoded); split++ {
		chunks := [][]byte{encoded[:split], encoded[split:]}
		pkts := decodeAll(t, chunks)
		require.Lenf(t, pkts, 1, "split at %d", split)
		require.Equal(t, CmdStreamFile, pkts[0].Command)
		require.Equal(t, []byte("the quick brown fox jumps"), pkts[0].Body)
	}
}

func TestMultiplePacketsInOneChunk(t *testing.T) {
	a := Encode(CmdGetFileCount, 1, nil)
	b := Encode(CmdGetFileCount, 2, []byte{0, 0, 0, 5})
	pkts := decodeAll(t, [][]byte{append(a, b...)})
	require.Len(t, pkts, 2)
	require.Equal(t, uint32(1), pkts[0].Sequence)
	require.Equal(t, uint32(2), pkts[1].Sequence)
}

func TestGarbageBeforeSyncResyncsOnce(t *testing.T) {
	good := Encode(CmdGetDeviceInfo, 1, []byte("ok"))
	garbage := []byte{0x00, 0x01, 0x02, 0x03, 0x04}
	stream := append(garbage, good...)

	d := NewDecoder()
	d.Feed(stream)

	desyncCount := 0
	var pkts []Packet
	for {
		pkt, ok, err := d.Next()
		if err == ErrDesync {
			desyncCount++
			continue
		}
		require.NoError(t, err)
		if !ok {
			break
		}
		pkts = append(pkts, pkt)
	}

	require.Equal(t, 1, desyncCount)
	require.Len(t, pkts, 1)
	require.Equal(t, CmdGetDeviceInfo, pkts[0].Command)
}

func TestOversizedBodyRejected(t *testing.T) {
	buf := Encode(CmdStreamFile, 1, nil)
	// Hand-craft a length field claiming more than MaxBodyBytes.
	buf[8] = 0x02 // top byte of length (checksum len, irrelevant here)
	buf[9] = 0xFF
	buf[10] = 0xFF
	buf[11] = 0xFF

	d := NewDecoder()
	d.Feed(buf)
	_, ok, err := d.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrOversized)
}

func TestSequenceIncreasesMonotonically(t *testing.T) {
	var encoded []byte
	for seq := uint32(1); seq <= 5; seq++ {
		encoded = append(encoded, Encode(CmdGetTime, seq, nil)...)
	}
	pkts := decodeAll(t, [][]byte{encoded})
	require.Len(t, pkts, 5)
	for i := 1; i < len(pkts); i++ {
		require.Less(t, pkts[i-1].Sequence, pkts[i].Sequence)
	}
}
