package fakedevice

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kschwarz/jensen-go/internal/gating"
	"github.com/kschwarz/jensen-go/internal/wire"
)

func readAllPending(t *testing.T, d *Device) []wire.Packet {
	t.Helper()
	dec := wire.NewDecoder()
	var pkts []wire.Packet
	for {
		chunk, err := d.Read(0)
		require.NoError(t, err)
		if chunk == nil {
			break
		}
		dec.Feed(chunk)
		for {
			pkt, ok, err := dec.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			pkts = append(pkts, pkt)
		}
	}
	return pkts
}

func TestGetDeviceInfoRoundTrip(t *testing.T) {
	d := New(gating.ModelH1E, 393500)
	_, err := d.Write(wire.Encode(wire.CmdGetDeviceInfo, 1, nil))
	require.NoError(t, err)

	pkts := readAllPending(t, d)
	require.Len(t, pkts, 1)
	require.Equal(t, wire.CmdGetDeviceInfo, pkts[0].Command)
	require.Equal(t, uint32(1), pkts[0].Sequence)
}

func TestListFilesEmitsOneEntryPerPacketThenSentinel(t *testing.T) {
	d := New(gating.ModelH1, 327714)
	d.SetFiles([]FileRecord{
		{Filename: "a.hda", Data: make([]byte, 10)},
		{Filename: "b.hda", Data: make([]byte, 20)},
	})
	_, err := d.Write(wire.Encode(wire.CmdListFiles, 5, nil))
	require.NoError(t, err)

	pkts := readAllPending(t, d)
	require.Len(t, pkts, 3) // 2 entries + sentinel
	require.Empty(t, pkts[2].Body)
	for _, p := range pkts {
		require.Equal(t, uint32(5), p.Sequence)
	}
}

func TestStreamFileChunksThenSentinel(t *testing.T) {
	d := New(gating.ModelP1, 0)
	data := make([]byte, 9000)
	d.SetFiles([]FileRecord{{Filename: "rec.hda", Data: data}})

	_, err := d.Write(wire.Encode(wire.CmdStreamFile, 9, []byte("rec.hda")))
	require.NoError(t, err)

	pkts := readAllPending(t, d)
	require.True(t, len(pkts) >= 3)
	require.Empty(t, pkts[len(pkts)-1].Body)

	var total int
	for _, p := range pkts[:len(pkts)-1] {
		total += len(p.Body)
	}
	require.Equal(t, len(data), total)
}

func TestInjectDesyncOnNextReplyForcesResync(t *testing.T) {
	d := New(gating.ModelH1, 327714)
	d.InjectDesyncOnNextReply()
	_, err := d.Write(wire.Encode(wire.CmdGetDeviceInfo, 1, nil))
	require.NoError(t, err)

	chunk, err := d.Read(0)
	require.NoError(t, err)

	dec := wire.NewDecoder()
	dec.Feed(chunk)
	_, ok, err := dec.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, wire.ErrDesync)

	pkt, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wire.CmdGetDeviceInfo, pkt.Command)
}

func TestDeleteFileRemovesEntry(t *testing.T) {
	d := New(gating.ModelH1, 327714)
	d.SetFiles([]FileRecord{{Filename: "a.hda"}})
	_, err := d.Write(wire.Encode(wire.CmdDeleteFile, 2, []byte("a.hda")))
	require.NoError(t, err)

	pkts := readAllPending(t, d)
	require.Len(t, pkts, 1)
	require.Equal(t, []byte{byte(wire.StatusSuccess)}, pkts[0].Body)
}
