package jensen

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kschwarz/jensen-go/internal/fakedevice"
	"github.com/kschwarz/jensen-go/internal/gating"
)

func waitStatus(t *testing.T, s *Session, id OperationID, timeout time.Duration) OperationStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, _ := s.Status(id)
		if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("operation did not reach a terminal state in time")
	return ""
}

func TestOpenAndHandshake(t *testing.T) {
	dev := fakedevice.New(gating.ModelH1E, 327714)
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	info, err := s.GetDeviceInfo()
	require.NoError(t, err)
	require.Equal(t, ModelH1E, info.Model)
	require.Equal(t, 327714, info.FirmwareVersion)
}

func TestListFilesPopulatesCacheWithDuration(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{
		{Filename: "20260115143022REC01.wav", Data: make([]byte, 3200)},
	})
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 100*time.Second, entries[0].Duration)

	cached, ok := s.CachedEntry("20260115143022REC01.wav")
	require.True(t, ok)
	require.Equal(t, int64(3200), cached.SizeBytes)
}

func TestQueueDownloadWithoutListingFailsFast(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.QueueDownload("missing.hda", filepath.Join(t.TempDir(), "missing.hda"))
	require.Error(t, err)
	require.True(t, IsCode(err, CodeSizeUnknown))
}

func TestQueueDownloadWritesExactSizeToDisk(t *testing.T) {
	data := make([]byte, 50_000)
	for i := range data {
		data[i] = byte(i)
	}
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "rec.hda", Data: data}})

	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListFiles()
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "rec.hda")
	id, err := s.QueueDownload("rec.hda", dest)
	require.NoError(t, err)

	status := waitStatus(t, s, id, 5*time.Second)
	require.Equal(t, StatusCompleted, status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestDuplicateDownloadReturnsSameOperationID(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "rec.hda", Data: make([]byte, 100_000)}})
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListFiles()
	require.NoError(t, err)

	dir := t.TempDir()
	id1, err := s.QueueDownload("rec.hda", filepath.Join(dir, "rec.hda"))
	require.NoError(t, err)
	id2, err := s.QueueDownload("rec.hda", filepath.Join(dir, "rec.hda"))
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	waitStatus(t, s, id1, 5*time.Second)

	id3, err := s.QueueDownload("rec.hda", filepath.Join(dir, "rec2.hda"))
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestCancelDownloadRemovesPartialFile(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "big.hda", Data: make([]byte, 5_000_000)}})
	// Slow the fake bulk-in endpoint so the transfer is still mid-stream
	// when Cancel is called below, instead of racing an instantaneous
	// in-memory copy.
	dev.SetReadDelay(20 * time.Millisecond)
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListFiles()
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "big.hda")
	id, err := s.QueueDownload("big.hda", dest)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _ := s.Status(id)
		return status == StatusActive
	}, time.Second, time.Millisecond, "download never became active")

	s.Cancel(id)
	status := waitStatus(t, s, id, 5*time.Second)
	require.Equal(t, StatusCancelled, status)

	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))
}

func TestQueueDeleteRemovesFileAndCacheEntry(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "gone.hda", Data: make([]byte, 10)}})
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListFiles()
	require.NoError(t, err)

	id := s.QueueDelete("gone.hda")
	status := waitStatus(t, s, id, 5*time.Second)
	require.Equal(t, StatusCompleted, status)

	_, ok := s.CachedEntry("gone.hda")
	require.False(t, ok)
}

func TestSubscribeDeliversTerminalEvent(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{{Filename: "rec.hda", Data: make([]byte, 20_000)}})
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListFiles()
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "rec.hda")
	id, err := s.QueueDownload("rec.hda", dest)
	require.NoError(t, err)

	events := make(chan Progress, 32)
	s.Subscribe(id, func(p Progress) { events <- p })

	var last Progress
	for {
		select {
		case p := <-events:
			last = p
			if p.Status == StatusCompleted {
				require.Equal(t, int64(20_000), p.BytesDone)
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("subscribe never delivered a terminal event, last=%+v", last)
		}
	}
}

func TestQueueBatchDownloadWritesEveryFileInOrder(t *testing.T) {
	one := make([]byte, 1000)
	two := make([]byte, 2000)
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{
		{Filename: "one.hda", Data: one},
		{Filename: "two.hda", Data: two},
	})
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListFiles()
	require.NoError(t, err)

	dir := t.TempDir()
	items := []BatchDownloadItem{
		{Filename: "one.hda", DestPath: filepath.Join(dir, "one.hda")},
		{Filename: "two.hda", DestPath: filepath.Join(dir, "two.hda")},
	}
	id, err := s.QueueBatchDownload(items)
	require.NoError(t, err)

	status := waitStatus(t, s, id, 5*time.Second)
	require.Equal(t, StatusCompleted, status)

	got1, err := os.ReadFile(filepath.Join(dir, "one.hda"))
	require.NoError(t, err)
	require.Equal(t, one, got1)

	got2, err := os.ReadFile(filepath.Join(dir, "two.hda"))
	require.NoError(t, err)
	require.Equal(t, two, got2)
}

func TestQueueBatchDownloadRejectsEmptyBatch(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.QueueBatchDownload(nil)
	require.Error(t, err)
	require.True(t, IsCode(err, CodeSizeUnknown))
}

func TestQueueBatchDeleteRemovesEveryFile(t *testing.T) {
	dev := fakedevice.New(gating.ModelP1, 0)
	dev.SetFiles([]fakedevice.FileRecord{
		{Filename: "a.hda", Data: make([]byte, 10)},
		{Filename: "b.hda", Data: make([]byte, 10)},
	})
	s, err := Open(dev, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ListFiles()
	require.NoError(t, err)

	id, err := s.QueueBatchDelete([]string{"a.hda", "b.hda"})
	require.NoError(t, err)

	status := waitStatus(t, s, id, 5*time.Second)
	require.Equal(t, StatusCompleted, status)

	_, ok := s.CachedEntry("a.hda")
	require.False(t, ok)
	_, ok = s.CachedEntry("b.hda")
	require.False(t, ok)
}
