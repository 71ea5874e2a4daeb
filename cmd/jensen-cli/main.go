// Command jensen-cli is a flag-driven smoke-test program for the Jensen
// protocol engine: it opens a session (real USB device, or an in-process
// fake for hardware-less runs), drives the handshake, lists files, and
// downloads one with a terminal progress bar. It owns process lifecycle
// only; all protocol logic lives in the core packages so it stays testable
// without this binary (spec §4.6).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	jensen "github.com/kschwarz/jensen-go"
	"github.com/kschwarz/jensen-go/internal/fakedevice"
	"github.com/kschwarz/jensen-go/internal/gating"
	"github.com/kschwarz/jensen-go/internal/logging"
	"github.com/kschwarz/jensen-go/internal/transport"
)

func main() {
	var (
		mock     = flag.Bool("mock", false, "use an in-process fake Jensen device instead of real USB")
		list     = flag.Bool("list", false, "GetDeviceInfo then ListFiles")
		download = flag.String("download", "", "filename to download")
		dest     = flag.String("dest", "", "local destination path for -download")
		verbose  = flag.Bool("v", false, "enable debug-level logging")
	)
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr})
	metrics := jensen.NewMetrics()

	t, closeTransport, err := openTransport(*mock, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "jensen-cli:", err)
		os.Exit(1)
	}
	defer closeTransport()

	sess, err := jensen.Open(t, &jensen.Options{Logger: logger, Observer: metrics})
	if err != nil {
		fmt.Fprintln(os.Stderr, "jensen-cli: open session:", err)
		os.Exit(1)
	}
	defer sess.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("signal received, closing session")
		sess.Close()
		os.Exit(130)
	}()

	info, err := sess.GetDeviceInfo()
	if err != nil {
		fmt.Fprintln(os.Stderr, "jensen-cli: GetDeviceInfo:", err)
		os.Exit(1)
	}
	fmt.Printf("device: model=%s firmware=%d serial=%s\n", info.Model, info.FirmwareVersion, info.Serial)

	if *list || *download != "" {
		entries, err := sess.ListFiles()
		if err != nil {
			fmt.Fprintln(os.Stderr, "jensen-cli: ListFiles:", err)
			os.Exit(1)
		}
		if *list {
			for _, e := range entries {
				fmt.Printf("%-40s %10d bytes  %s\n", e.Filename, e.SizeBytes, e.Duration)
			}
		}
	}

	if *download != "" {
		destPath := *dest
		if destPath == "" {
			destPath = *download
		}
		if err := runDownload(sess, *download, destPath); err != nil {
			fmt.Fprintln(os.Stderr, "jensen-cli: download:", err)
			os.Exit(1)
		}
	}

	snap := metrics.Snapshot()
	if *verbose {
		fmt.Printf("bytes in=%d out=%d desyncs=%d ops=%d\n", snap.BytesIn, snap.BytesOut, snap.Desyncs, snap.TotalOps)
	}
}

// openTransport returns a ready jensen.Transport: a real claimed USB
// device, or an in-process fakedevice seeded with a couple of recordings
// when -mock is set.
func openTransport(mock bool, logger jensen.Logger) (jensen.Transport, func(), error) {
	if mock {
		dev := fakedevice.New(gating.ModelH1E, 393500)
		dev.SetFiles([]fakedevice.FileRecord{
			{Filename: "20260115143022REC01.wav", RecordingType: 0, Data: make([]byte, 320_000)},
			{Filename: "2026Jan20-091533-Rec02.hda", RecordingType: 1, Data: make([]byte, 640_000)},
		})
		logger.Info("using mock device", "model", "H1E")
		return dev, func() {}, nil
	}

	real, err := transport.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("claim USB device: %w", err)
	}
	return real, func() { _ = real.Release() }, nil
}

// runDownload queues name for download to destPath, drives an mpb progress
// bar off Subscribe's throttled events, and blocks until the operation
// reaches a terminal state.
func runDownload(sess *jensen.Session, name, destPath string) error {
	entry, ok := sess.CachedEntry(name)
	if !ok {
		return fmt.Errorf("%q not found in the device's file list", name)
	}

	opID, err := sess.QueueDownload(name, destPath)
	if err != nil {
		return err
	}

	progress := mpb.New(mpb.WithWidth(48))
	bar := progress.AddBar(entry.SizeBytes,
		mpb.PrependDecorators(decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncWidthR})),
		mpb.AppendDecorators(decor.CountersKibiByte("% .2f / % .2f"), decor.Percentage(decor.WCSyncWidth)),
	)

	done := make(chan jensen.Progress, 1)
	sess.Subscribe(opID, func(p jensen.Progress) {
		bar.SetCurrent(p.BytesDone)
		if p.Status == jensen.StatusCompleted || p.Status == jensen.StatusFailed || p.Status == jensen.StatusCancelled {
			select {
			case done <- p:
			default:
			}
		}
	})

	select {
	case p := <-done:
		progress.Wait()
		if p.Status != jensen.StatusCompleted {
			if p.Err != nil {
				return p.Err
			}
			return fmt.Errorf("download ended in status %s", p.Status)
		}
		return nil
	case <-time.After(5 * time.Minute):
		sess.Cancel(opID)
		progress.Wait()
		return fmt.Errorf("download of %q timed out", name)
	}
}
