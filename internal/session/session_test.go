package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kschwarz/jensen-go/internal/constants"
	"github.com/kschwarz/jensen-go/internal/fakedevice"
	"github.com/kschwarz/jensen-go/internal/gating"
	"github.com/kschwarz/jensen-go/internal/iface"
	"github.com/kschwarz/jensen-go/internal/wire"
)

// countingTransport wraps another transport and records the command id of
// every frame written to it, so a test can assert a command was (or was
// not) issued on the wire at all.
type countingTransport struct {
	inner  iface.Transport
	writes []wire.CommandID
}

func (t *countingTransport) Write(p []byte) (int, error) {
	if len(p) >= 4 {
		t.writes = append(t.writes, wire.CommandID(uint16(p[2])<<8|uint16(p[3])))
	}
	return t.inner.Write(p)
}

func (t *countingTransport) Read(timeout time.Duration) ([]byte, error) { return t.inner.Read(timeout) }
func (t *countingTransport) Release() error                             { return t.inner.Release() }

// scriptedTransport replays a fixed sequence of raw read chunks, regardless
// of what is written to it. Each chunk is returned by one Read call, so a
// test can split a response across several reads.
type scriptedTransport struct {
	chunks [][]byte
}

func (t *scriptedTransport) Write(p []byte) (int, error) { return len(p), nil }

func (t *scriptedTransport) Read(time.Duration) ([]byte, error) {
	if len(t.chunks) == 0 {
		return nil, nil
	}
	c := t.chunks[0]
	t.chunks = t.chunks[1:]
	return c, nil
}

func (t *scriptedTransport) Release() error { return nil }

func newTestSession(t *testing.T, dev *fakedevice.Device) *Session {
	t.Helper()
	return New(Config{Transport: dev})
}

func TestGetDeviceInfoCachesModelAndFirmware(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1E, 393500)
	s := newTestSession(t, dev)

	info, err := s.GetDeviceInfo()
	require.NoError(t, err)
	require.Equal(t, gating.ModelH1E, info.Model)
	require.Equal(t, 393500, info.FirmwareVersion)
	require.Equal(t, "FAKE0001", info.Serial)
}

func TestRequireFeatureBeforeDeviceInfoFails(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327714)
	s := newTestSession(t, dev)

	err := s.RequireFeature("GetSettings", gating.FeatureSettings)
	require.Error(t, err)
}

func TestRequireFeatureGatesOnFirmwareVersion(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327700)
	s := newTestSession(t, dev)
	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	err = s.RequireFeature("GetSettings", gating.FeatureSettings)
	require.Error(t, err)
	ce, ok := err.(CodedError)
	require.True(t, ok)
	require.Equal(t, CodeNotSupported, ce.Code())
}

func TestListFilesAccumulatesUntilSentinel(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{
		{Filename: "one.hda", Data: make([]byte, 100)},
		{Filename: "two.hda", Data: make([]byte, 200)},
	})
	s := newTestSession(t, dev)

	entries, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "one.hda", entries[0].Filename)
	require.Equal(t, "two.hda", entries[1].Filename)
}

func TestListFilesHonorsAnnouncedCountHeader(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1E, 393500)
	dev.AnnounceCountHeader(true)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "a.hda"}})
	s := newTestSession(t, dev)

	entries, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStreamFileWritesAllChunksToSink(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "rec.hda", Data: data}})
	s := newTestSession(t, dev)

	var got []byte
	n, err := s.StreamFile("rec.hda", func(chunk []byte) error {
		got = append(got, chunk...)
		return nil
	}, nil)
	require.NoError(t, err)
	require.EqualValues(t, len(data), n)
	require.Equal(t, data, got)
}

func TestStreamFileCancellation(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	data := make([]byte, 100000)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "rec.hda", Data: data}})
	s := newTestSession(t, dev)

	cancel := make(chan struct{})
	close(cancel)

	_, err := s.StreamFile("rec.hda", func(chunk []byte) error { return nil }, cancel)
	require.Error(t, err)
	ce, ok := err.(CodedError)
	require.True(t, ok)
	require.Equal(t, CodeCancelled, ce.Code())
}

func TestDeleteFileNotFound(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327714)
	s := newTestSession(t, dev)

	err := s.DeleteFile("missing.hda")
	require.Error(t, err)
	ce, ok := err.(CodedError)
	require.True(t, ok)
	require.Equal(t, CodeNotFound, ce.Code())
}

// TestProtocolDesyncFailsOperationAndForcesHealthCheck exercises spec
// §4.5: the decoder resyncs past the injected garbage on its own (no
// crash, no stuck session), but the command in flight when that happened
// still fails with CodeProtocolDesync, and the very next command attempt
// transparently runs a health check before issuing its own bytes.
func TestProtocolDesyncFailsOperationAndForcesHealthCheck(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327714)
	dev.InjectDesyncOnNextReply()
	s := newTestSession(t, dev)

	_, err := s.GetDeviceInfo()
	require.Error(t, err)
	ce, ok := err.(CodedError)
	require.True(t, ok)
	require.Equal(t, CodeProtocolDesync, ce.Code())
	require.True(t, s.needsHealthCheck.Load())

	info, err := s.GetDeviceInfo()
	require.NoError(t, err)
	require.Equal(t, gating.ModelH1, info.Model)
	require.False(t, s.needsHealthCheck.Load())
}

func TestSetTimeAcceptedAndGetTimeDecodesDeviceClock(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327714)
	s := newTestSession(t, dev)

	err := s.SetTime(time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)

	got, err := s.GetTime()
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), got, 2*time.Second)
}

func TestGetCardInfoGatedByStorageOps(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327700)
	s := newTestSession(t, dev)
	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	_, err = s.GetCardInfo()
	require.Error(t, err)
	ce, ok := err.(CodedError)
	require.True(t, ok)
	require.Equal(t, CodeNotSupported, ce.Code())
}

func TestGetCardInfoReturnsConfiguredValues(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetCardInfo(1000, 8000, 0)
	s := newTestSession(t, dev)
	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	info, err := s.GetCardInfo()
	require.NoError(t, err)
	require.EqualValues(t, 1000, info.UsedBytes)
	require.EqualValues(t, 8000, info.CapacityBytes)
}

func TestGetRecordingFilenameReportsAbsence(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	s := newTestSession(t, dev)

	name, exists, err := s.GetRecordingFilename()
	require.NoError(t, err)
	require.False(t, exists)
	require.Empty(t, name)
}

func TestGetSetSettingsRoundTrips(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	s := newTestSession(t, dev)
	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	want := Settings{BluetoothPromptRaw: 2}
	require.NoError(t, s.SetSettings(want))

	got, err := s.GetSettings()
	require.NoError(t, err)
	require.True(t, got.BluetoothPromptEnabled())
}

func TestFormatCardGatedByStorageOps(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327700)
	s := newTestSession(t, dev)
	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	err = s.FormatCard()
	require.Error(t, err)
	ce, ok := err.(CodedError)
	require.True(t, ok)
	require.Equal(t, CodeNotSupported, ce.Code())
}

func TestFactoryResetGatedByFirmwareVersion(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327600)
	s := newTestSession(t, dev)
	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	err = s.FactoryReset()
	require.Error(t, err)
}

func TestBluetoothCommandsGatedToP1(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1E, 393500)
	s := newTestSession(t, dev)
	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	err = s.BluetoothScan()
	require.Error(t, err)

	dev2 := fakedevice.New(gating.ModelP1, 0)
	s2 := newTestSession(t, dev2)
	_, err = s2.GetDeviceInfo()
	require.NoError(t, err)
	require.NoError(t, s2.BluetoothScan())
}

func TestDeleteFileShortCircuitsWhileStreaming(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	s := newTestSession(t, dev)
	s.streaming.Store(true)

	err := s.DeleteFile("anything.hda")
	require.Error(t, err)
	ce, ok := err.(CodedError)
	require.True(t, ok)
	require.Equal(t, CodeBusy, ce.Code())
}

// TestListFilesReassemblesEntrySplitAcrossChunks exercises spec §4.4's
// forward-only accumulator contract directly: a single file-list entry's
// bytes arrive split across two wire packets (mid-signature), so the
// first chunk alone is a truncated entry the parser must hold rather than
// drop, carrying it forward to combine with the second chunk.
func TestListFilesReassemblesEntrySplitAcrossChunks(t *testing.T) {
	entry := encodeFileEntryForTest("2025Jul11-223631-Rec04.hda", 1024, 0)
	split := len(entry) - 5 // break mid-signature, well past the filename

	frame1 := wire.Encode(wire.CmdListFiles, 1, entry[:split])
	frame2 := wire.Encode(wire.CmdListFiles, 1, entry[split:])
	terminator := wire.Encode(wire.CmdListFiles, 1, nil)

	tr := &scriptedTransport{chunks: [][]byte{frame1, frame2, terminator}}
	s := New(Config{Transport: tr})

	entries, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "2025Jul11-223631-Rec04.hda", entries[0].Filename)
	require.EqualValues(t, 1024, entries[0].SizeBytes)
}

func encodeFileEntryForTest(filename string, size uint32, recordingType byte) []byte {
	buf := make([]byte, constants.FileEntryMinSize+len(filename)+constants.FileEntrySignatureSize)
	buf[0] = byte(len(filename))
	buf[1] = byte(size >> 24)
	buf[2] = byte(size >> 16)
	buf[3] = byte(size >> 8)
	buf[4] = byte(size)
	buf[5] = recordingType
	copy(buf[constants.FileEntryMinSize:], filename)
	return buf
}

// TestListFilesLegacyFirmwareUsesGetFileCountFirst exercises spec §4.4:
// firmware below constants.ListFilesCountHeaderMinFirmware never sends the
// inline count header, so ListFiles must round-trip GetFileCount first and
// fall back to the header-less accumulation path.
func TestListFilesLegacyFirmwareUsesGetFileCountFirst(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327700)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "one.hda", Data: make([]byte, 10)}})
	tr := &countingTransport{inner: dev}
	s := New(Config{Transport: tr})

	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	entries, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "one.hda", entries[0].Filename)
	require.Equal(t,
		[]wire.CommandID{wire.CmdGetDeviceInfo, wire.CmdGetFileCount, wire.CmdListFiles},
		tr.writes)
}

// TestListFilesLegacyFirmwareZeroCountSkipsListFilesEntirely exercises spec
// §4.4 and §8 scenario 2: when GetFileCount reports zero on legacy
// firmware, ListFiles completes with an empty result without ever putting a
// GET_FILE_LIST frame on the wire.
func TestListFilesLegacyFirmwareZeroCountSkipsListFilesEntirely(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327700)
	tr := &countingTransport{inner: dev}
	s := New(Config{Transport: tr})

	_, err := s.GetDeviceInfo()
	require.NoError(t, err)

	entries, err := s.ListFiles()
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t,
		[]wire.CommandID{wire.CmdGetDeviceInfo, wire.CmdGetFileCount},
		tr.writes)
}

// TestDrainAfterCancelConsumesRemainingChunksUntilSentinel exercises spec
// §4.4's cancel-drain contract directly: every chunk still queued under the
// cancelled command's tag is read and discarded up to the empty-body
// sentinel, leaving nothing behind for the next command to stumble over.
func TestDrainAfterCancelConsumesRemainingChunksUntilSentinel(t *testing.T) {
	want := tag{command: wire.CmdStreamFile, sequence: 7}
	chunk1 := wire.Encode(want.command, want.sequence, []byte("abc"))
	chunk2 := wire.Encode(want.command, want.sequence, []byte("def"))
	terminator := wire.Encode(want.command, want.sequence, nil)

	tr := &scriptedTransport{chunks: [][]byte{chunk1, chunk2, terminator}}
	s := New(Config{Transport: tr})

	s.drainAfterCancel(want)

	require.Empty(t, tr.chunks)
}

// TestDrainAfterCancelBoundedByTimeoutWhenNoSentinelArrives confirms the
// drain never blocks past constants.CancelDrainTimeout even if the device
// never sends the terminating empty-body reply.
func TestDrainAfterCancelBoundedByTimeoutWhenNoSentinelArrives(t *testing.T) {
	want := tag{command: wire.CmdStreamFile, sequence: 1}
	tr := &scriptedTransport{}
	s := New(Config{Transport: tr})

	start := time.Now()
	s.drainAfterCancel(want)
	require.Less(t, time.Since(start), constants.CancelDrainTimeout+200*time.Millisecond)
}

// TestStreamFileCancellationDrainsBeforeNextCommand confirms a cancelled
// StreamFile's leftover TRANSFER_FILE chunks don't leak into the next
// command issued on the same Session.
func TestStreamFileCancellationDrainsBeforeNextCommand(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	data := make([]byte, 100000)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "rec.hda", Data: data}})
	s := newTestSession(t, dev)

	cancel := make(chan struct{})
	close(cancel)
	_, err := s.StreamFile("rec.hda", func(chunk []byte) error { return nil }, cancel)
	require.Error(t, err)

	info, err := s.GetDeviceInfo()
	require.NoError(t, err)
	require.Equal(t, gating.ModelP1, info.Model)
}

func TestHealthCheckIsReentrancyGuardedBySessionMutex(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1, 327714)
	s := newTestSession(t, dev)

	done := make(chan error, 1)
	go func() {
		done <- s.HealthCheck()
	}()
	err := s.HealthCheck()
	require.NoError(t, err)
	require.NoError(t, <-done)
}
