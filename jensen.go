// Package jensen is the public entry point to the Jensen protocol engine:
// open a Session over a claimed transport, issue typed device commands,
// and queue long-running file operations through a bounded worker pool.
// Everything under internal/ is an implementation seam; this file and its
// siblings (errors.go, metrics.go, profile.go, testing.go) are the whole
// surface external collaborators (GUI, CLI, transcription pipeline) see.
package jensen

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kschwarz/jensen-go/internal/duration"
	"github.com/kschwarz/jensen-go/internal/filelist"
	"github.com/kschwarz/jensen-go/internal/iface"
	"github.com/kschwarz/jensen-go/internal/opsmgr"
	"github.com/kschwarz/jensen-go/internal/session"
)

// Transport is the byte pipe to one claimed device (component C1). Real
// callers use internal/transport.USBTransport; tests use MockTransport or
// internal/fakedevice.Device.
type Transport = iface.Transport

// Logger is the leveled logging seam every component writes through.
type Logger = iface.Logger

// Observer receives metrics events from the Session and its Manager.
type Observer = iface.Observer

// NoOpLogger discards everything; the zero-value default when no Logger is
// configured.
type NoOpLogger = iface.NoOpLogger

// NoOpObserver discards everything; the zero-value default when no
// Observer is configured.
type NoOpObserver = iface.NoOpObserver

// OperationID identifies one queued file operation for the lifetime of its
// Manager.
type OperationID = opsmgr.OperationID

// OperationStatus is a queued operation's lifecycle state.
type OperationStatus = opsmgr.Status

// Lifecycle states an Operation passes through; see the state machine in
// spec §4.5.
const (
	StatusPending   = opsmgr.StatusPending
	StatusActive    = opsmgr.StatusActive
	StatusCompleted = opsmgr.StatusCompleted
	StatusFailed    = opsmgr.StatusFailed
	StatusCancelled = opsmgr.StatusCancelled
)

// DeviceInfo is the parsed reply to GetDeviceInfo.
type DeviceInfo = session.DeviceInfo

// FileEntry is one file the device reported through ListFiles, with its
// duration already computed from the one domain rule that must be
// bit-identical to the reference firmware (spec §4.5/§6).
type FileEntry struct {
	Filename      string
	SizeBytes     int64
	RecordingType int
	Signature     [16]byte
	CreatedAt     time.Time
	Duration      time.Duration
}

// BatchDownloadItem is one file in a QueueBatchDownload request.
type BatchDownloadItem struct {
	Filename string
	DestPath string
}

// CardInfo is the parsed reply to GetCardInfo.
type CardInfo = session.CardInfo

// Settings is the parsed Get/Set Settings payload.
type Settings = session.Settings

// Progress is one throttled snapshot of a queued operation's transfer
// state, delivered to a Subscribe callback.
type Progress struct {
	OpID       OperationID
	Status     OperationStatus
	BytesDone  int64
	TotalBytes int64
	Err        error
}

// Options configures a Session's collaborators. The zero value is valid:
// no-op logging and metrics, and the default worker count.
type Options struct {
	Logger   Logger
	Observer Observer

	// Workers bounds the Operations Manager's concurrency. Zero uses
	// constants.DefaultWorkerCount.
	Workers int

	// CPUAffinity, if non-empty, pins each Operations Manager worker to a
	// CPU from this list (round-robin). Unset leaves workers unpinned.
	CPUAffinity []int
}

// cacheEntry is one metadata cache row: the last file-list entry seen for
// a filename, plus the local path its most recent download (if any) was
// written to (spec §3 "Metadata cache").
type cacheEntry struct {
	entry         FileEntry
	lastLocalPath string
}

// Session is the public facade over one claimed device: the protocol
// engine (internal/session) for typed commands, and the Operations
// Manager (internal/opsmgr) for queued downloads and deletes. A Session
// owns both; the Manager only holds a non-owning reference back into it
// (spec §3 "Ownership").
type Session struct {
	sess     *session.Session
	mgr      *opsmgr.Manager
	logger   Logger
	observer Observer

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
}

// Open wraps an already-claimed Transport in a Session and starts its
// Operations Manager worker pool. It does not itself talk to the device;
// call GetDeviceInfo before issuing any gated command (spec §4.3 "Feature
// gating").
func Open(t Transport, opts *Options) (*Session, error) {
	if t == nil {
		return nil, NewError("Open", CodeIO, "nil transport")
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = NoOpLogger{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	s := &Session{
		sess:     session.New(session.Config{Transport: t, Logger: logger, Observer: observer}),
		logger:   logger,
		observer: observer,
		cache:    make(map[string]cacheEntry),
	}
	s.mgr = opsmgr.New(opsmgr.Config{
		Workers:     opts.Workers,
		CPUAffinity: opts.CPUAffinity,
		Observer:    observer,
		Logger:      logger,
		HealthCheck: s.sess.HealthCheck,
		Handlers: map[opsmgr.OperationKind]opsmgr.Handler{
			opsmgr.KindDownload:      s.downloadHandler,
			opsmgr.KindDelete:        s.deleteHandler,
			opsmgr.KindBatchDownload: s.batchDownloadHandler,
			opsmgr.KindBatchDelete:   s.batchDeleteHandler,
		},
	})
	return s, nil
}

// IsStreaming reports whether a ListFiles or StreamFile drain currently
// owns the transport (spec §6 "is_streaming").
func (s *Session) IsStreaming() bool {
	return s.sess.IsStreaming()
}

// GetDeviceInfo issues the handshake command and caches the model and
// firmware version the Session uses for feature gating.
func (s *Session) GetDeviceInfo() (DeviceInfo, error) {
	info, err := s.sess.GetDeviceInfo()
	if err != nil {
		return DeviceInfo{}, wrapSessionErr("GetDeviceInfo", err)
	}
	return info, nil
}

// GetFileCount issues the legacy file-count command (spec §4.4).
func (s *Session) GetFileCount() (int, error) {
	n, err := s.sess.GetFileCount()
	if err != nil {
		return 0, wrapSessionErr("GetFileCount", err)
	}
	return n, nil
}

// ListFiles drains the streamed file-list response and refreshes the
// metadata cache with every entry seen, so a later QueueDownload can
// resolve a declared size without re-listing (spec §4.4, §4.5).
func (s *Session) ListFiles() ([]FileEntry, error) {
	entries, err := s.sess.ListFiles()
	if err != nil {
		return nil, wrapSessionErr("ListFiles", err)
	}

	out := make([]FileEntry, len(entries))
	s.cacheMu.Lock()
	for i, e := range entries {
		fe := toFileEntry(e)
		out[i] = fe
		ce := s.cache[e.Filename]
		ce.entry = fe
		s.cache[e.Filename] = ce
	}
	s.cacheMu.Unlock()
	return out, nil
}

func toFileEntry(e filelist.Entry) FileEntry {
	return FileEntry{
		Filename:      e.Filename,
		SizeBytes:     e.SizeBytes,
		RecordingType: e.RecordingType,
		Signature:     e.Signature,
		CreatedAt:     e.CreatedAt,
		Duration:      duration.Of(e.Filename, e.RecordingType, e.SizeBytes),
	}
}

// CachedEntry returns the last file-list entry seen for filename, if any.
// External collaborators use this to render a file's metadata without
// forcing a fresh ListFiles round trip.
func (s *Session) CachedEntry(filename string) (FileEntry, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	ce, ok := s.cache[filename]
	return ce.entry, ok
}

// DeleteFile removes a file synchronously, bypassing the Operations
// Manager's queue. QueueDelete is the async, cancellable equivalent.
func (s *Session) DeleteFile(filename string) error {
	if err := s.sess.DeleteFile(filename); err != nil {
		return wrapSessionErr("DeleteFile", err)
	}
	s.cacheMu.Lock()
	delete(s.cache, filename)
	s.cacheMu.Unlock()
	return nil
}

// HealthCheck probes the device with a cheap, short-timeout command.
func (s *Session) HealthCheck() error {
	return wrapSessionErr("HealthCheck", s.sess.HealthCheck())
}

// GetTime reads the device's clock.
func (s *Session) GetTime() (time.Time, error) {
	t, err := s.sess.GetTime()
	return t, wrapSessionErr("GetTime", err)
}

// SetTime writes the device's clock.
func (s *Session) SetTime(t time.Time) error {
	return wrapSessionErr("SetTime", s.sess.SetTime(t))
}

// GetCardInfo reports storage usage, gated by firmware support.
func (s *Session) GetCardInfo() (CardInfo, error) {
	info, err := s.sess.GetCardInfo()
	return info, wrapSessionErr("GetCardInfo", err)
}

// FormatCard formats the device's storage, gated by firmware support.
func (s *Session) FormatCard() error {
	return wrapSessionErr("FormatCard", s.sess.FormatCard())
}

// GetRecordingFilename reports the name of the file currently being
// recorded, if any.
func (s *Session) GetRecordingFilename() (string, bool, error) {
	name, exists, err := s.sess.GetRecordingFilename()
	return name, exists, wrapSessionErr("GetRecordingFilename", err)
}

// GetSettings reads the device's settings struct, gated by firmware
// support.
func (s *Session) GetSettings() (Settings, error) {
	settings, err := s.sess.GetSettings()
	return settings, wrapSessionErr("GetSettings", err)
}

// SetSettings writes the device's settings struct, gated by firmware
// support.
func (s *Session) SetSettings(settings Settings) error {
	return wrapSessionErr("SetSettings", s.sess.SetSettings(settings))
}

// FactoryReset restores factory defaults, gated by firmware support.
func (s *Session) FactoryReset() error {
	return wrapSessionErr("FactoryReset", s.sess.FactoryReset())
}

// RestoreFactorySettings restores factory settings under its own,
// stricter feature gate (spec §4.3).
func (s *Session) RestoreFactorySettings() error {
	return wrapSessionErr("RestoreFactorySettings", s.sess.RestoreFactorySettings())
}

// RequestFirmwareUpgrade announces an incoming firmware image's size and
// CRC before UploadFirmwareChunk streams its bytes.
func (s *Session) RequestFirmwareUpgrade(size, crc uint32) error {
	return wrapSessionErr("RequestFirmwareUpgrade", s.sess.RequestFirmwareUpgrade(size, crc))
}

// UploadFirmwareChunk sends one raw chunk of a firmware image previously
// announced by RequestFirmwareUpgrade.
func (s *Session) UploadFirmwareChunk(data []byte) error {
	return wrapSessionErr("UploadFirmwareChunk", s.sess.UploadFirmwareChunk(data))
}

// BluetoothScan issues a Bluetooth device scan, available only on the P1
// profile.
func (s *Session) BluetoothScan() error {
	return wrapSessionErr("BluetoothScan", s.sess.BluetoothScan())
}

// BluetoothConnect connects to the device at mac, available only on the
// P1 profile.
func (s *Session) BluetoothConnect(mac string) error {
	return wrapSessionErr("BluetoothConnect", s.sess.BluetoothConnect(mac))
}

// BluetoothDisconnect disconnects any active Bluetooth peer, available
// only on the P1 profile.
func (s *Session) BluetoothDisconnect() error {
	return wrapSessionErr("BluetoothDisconnect", s.sess.BluetoothDisconnect())
}

// BluetoothStatus reports the raw Bluetooth status byte, available only
// on the P1 profile.
func (s *Session) BluetoothStatus() (byte, error) {
	status, err := s.sess.BluetoothStatus()
	return status, wrapSessionErr("BluetoothStatus", err)
}

// Close stops the Operations Manager (waiting for in-flight operations to
// reach a terminal state) and releases the underlying transport.
func (s *Session) Close() error {
	s.mgr.Stop()
	return s.sess.Close()
}

// QueueDownload enqueues a download of filename to destPath through the
// Operations Manager, returning the existing operation id instead of a
// duplicate if one is already active for this filename (spec §4.5
// "Enqueue contract"). The file's size must already be known from a prior
// ListFiles; per spec §4.4, a missing size does not trigger an implicit
// re-list.
func (s *Session) QueueDownload(filename, destPath string) (OperationID, error) {
	s.cacheMu.RLock()
	_, known := s.cache[filename]
	s.cacheMu.RUnlock()
	if !known {
		return 0, NewError("QueueDownload", CodeSizeUnknown, fmt.Sprintf("size unknown for %q; call ListFiles first", filename))
	}

	sink, err := opsmgr.NewFileSink(destPath)
	if err != nil {
		return 0, WrapError("QueueDownload", err)
	}

	op := s.mgr.Submit(opsmgr.KindDownload, filename, 0, sink)

	s.cacheMu.Lock()
	ce := s.cache[filename]
	ce.lastLocalPath = destPath
	s.cache[filename] = ce
	s.cacheMu.Unlock()

	return op.ID, nil
}

// QueueDelete enqueues a delete of filename through the Operations
// Manager, with the same duplicate-suppression rule as QueueDownload.
func (s *Session) QueueDelete(filename string) OperationID {
	op := s.mgr.Submit(opsmgr.KindDelete, filename, 0, nil)
	return op.ID
}

// QueueBatchDownload enqueues a single operation that downloads every item
// in order. The batch's own worker streams each file in turn; the files are
// not enqueued as separate operations and get no operation ids of their
// own. The batch key is the joined filename list, so an
// identical batch submitted twice in a row is suppressed like any other
// duplicate.
func (s *Session) QueueBatchDownload(items []BatchDownloadItem) (OperationID, error) {
	if len(items) == 0 {
		return 0, NewError("QueueBatchDownload", CodeSizeUnknown, "no items in batch")
	}
	s.cacheMu.RLock()
	for _, it := range items {
		if _, known := s.cache[it.Filename]; !known {
			s.cacheMu.RUnlock()
			return 0, NewError("QueueBatchDownload", CodeSizeUnknown, fmt.Sprintf("size unknown for %q; call ListFiles first", it.Filename))
		}
	}
	s.cacheMu.RUnlock()

	op := s.mgr.SubmitPayload(opsmgr.KindBatchDownload, batchKey(filenamesOf(items)), 0, nil, items)
	return op.ID, nil
}

// QueueBatchDelete enqueues a single operation that deletes every filename
// in order (spec §4.5).
func (s *Session) QueueBatchDelete(filenames []string) (OperationID, error) {
	if len(filenames) == 0 {
		return 0, NewError("QueueBatchDelete", CodeSizeUnknown, "no items in batch")
	}
	op := s.mgr.SubmitPayload(opsmgr.KindBatchDelete, batchKey(filenames), 0, nil, filenames)
	return op.ID, nil
}

func filenamesOf(items []BatchDownloadItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Filename
	}
	return out
}

func batchKey(filenames []string) string {
	return strings.Join(filenames, "\x00")
}

// Cancel requests cancellation of a queued or active operation. It is
// wait-free, idempotent, and a no-op on an unknown or already-terminal id
// (spec §5 "Cancellation").
func (s *Session) Cancel(id OperationID) {
	if op, ok := s.mgr.Lookup(id); ok {
		op.Cancel()
	}
}

// Status reports an operation's current lifecycle state and, if it failed,
// the error that caused it.
func (s *Session) Status(id OperationID) (OperationStatus, error) {
	op, ok := s.mgr.Lookup(id)
	if !ok {
		return "", NewOperationError("Status", id, CodeNotFound, "unknown operation id")
	}
	return op.Status(), op.Err()
}

// Subscribe starts a goroutine that delivers throttled Progress events for
// id to callback until the operation reaches a terminal state, at which
// point it delivers one final event and returns. Subscribing to an
// unknown id is a no-op.
func (s *Session) Subscribe(id OperationID, callback func(Progress)) {
	op, ok := s.mgr.Lookup(id)
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(progressPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-op.Done():
				p := op.Progress()
				callback(Progress{OpID: id, Status: op.Status(), BytesDone: p.BytesDone, TotalBytes: p.TotalBytes, Err: op.Err()})
				return
			case <-ticker.C:
				p := op.Progress()
				callback(Progress{OpID: id, Status: op.Status(), BytesDone: p.BytesDone, TotalBytes: p.TotalBytes})
			}
		}
	}()
}

const progressPollInterval = 150 * time.Millisecond

// downloadHandler is the opsmgr.Handler bound to KindDownload: it resolves
// the declared size from the metadata cache (never by re-listing, per
// spec §4.4), streams the file straight into the operation's Sink, and
// validates completion by size only — the device's signature is opaque
// identity, not a content digest (spec §4.5, §9).
func (s *Session) downloadHandler(op *opsmgr.Operation, report func(opsmgr.Progress)) (err error) {
	s.cacheMu.RLock()
	ce, ok := s.cache[op.Key]
	s.cacheMu.RUnlock()
	if !ok {
		return NewError("Download", CodeSizeUnknown, fmt.Sprintf("size unknown for %q", op.Key))
	}
	total := ce.entry.SizeBytes

	fs, _ := op.Sink.(*opsmgr.FileSink)
	defer func() {
		if fs == nil {
			return
		}
		cancelled := false
		select {
		case <-op.Cancelled():
			cancelled = true
		default:
		}
		if err != nil || cancelled {
			_ = fs.Abort()
		}
	}()

	var done int64
	n, streamErr := s.sess.StreamFile(op.Key, func(chunk []byte) error {
		if _, werr := op.Sink.Write(chunk); werr != nil {
			return werr
		}
		done += int64(len(chunk))
		report(opsmgr.Progress{BytesDone: done, TotalBytes: total})
		return nil
	}, op.Cancelled())
	if streamErr != nil {
		return wrapSessionErr("Download", streamErr)
	}
	if n != total {
		return NewError("Download", CodeSizeMismatch, fmt.Sprintf("downloaded %d bytes, expected %d", n, total))
	}
	return nil
}

// deleteHandler is the opsmgr.Handler bound to KindDelete: it issues the
// device delete and, on success, drops the filename from the metadata
// cache (spec §4.5 "Delete").
func (s *Session) deleteHandler(op *opsmgr.Operation, report func(opsmgr.Progress)) error {
	if err := s.sess.DeleteFile(op.Key); err != nil {
		return wrapSessionErr("Delete", err)
	}
	s.cacheMu.Lock()
	delete(s.cache, op.Key)
	s.cacheMu.Unlock()
	return nil
}

// batchDownloadHandler is the opsmgr.Handler bound to KindBatchDownload: it
// expands the batch into per-file downloads run in order, in the same
// worker executing the batch rather than re-entering the Manager's queue
// (which would deadlock a small worker pool), polling the batch's own
// cancellation between items.
func (s *Session) batchDownloadHandler(op *opsmgr.Operation, report func(opsmgr.Progress)) (err error) {
	items, ok := op.Payload.([]BatchDownloadItem)
	if !ok {
		return NewError("BatchDownload", CodeIO, "malformed batch payload")
	}

	var done int64
	total := int64(len(items))
	for _, it := range items {
		select {
		case <-op.Cancelled():
			return NewError("BatchDownload", CodeCancelled, "batch cancelled")
		default:
		}

		s.cacheMu.RLock()
		ce, known := s.cache[it.Filename]
		s.cacheMu.RUnlock()
		if !known {
			return NewError("BatchDownload", CodeSizeUnknown, fmt.Sprintf("size unknown for %q; call ListFiles first", it.Filename))
		}

		sink, serr := opsmgr.NewFileSink(it.DestPath)
		if serr != nil {
			return WrapError("BatchDownload", serr)
		}
		n, streamErr := s.sess.StreamFile(it.Filename, func(chunk []byte) error {
			_, werr := sink.Write(chunk)
			return werr
		}, op.Cancelled())
		if streamErr != nil {
			_ = sink.Abort()
			return wrapSessionErr("BatchDownload", streamErr)
		}
		if n != ce.entry.SizeBytes {
			_ = sink.Abort()
			return NewError("BatchDownload", CodeSizeMismatch, fmt.Sprintf("downloaded %d bytes, expected %d for %q", n, ce.entry.SizeBytes, it.Filename))
		}
		if cerr := sink.Close(); cerr != nil {
			return WrapError("BatchDownload", cerr)
		}

		s.cacheMu.Lock()
		ce.lastLocalPath = it.DestPath
		s.cache[it.Filename] = ce
		s.cacheMu.Unlock()

		done++
		report(opsmgr.Progress{BytesDone: done, TotalBytes: total})
	}
	return nil
}

// batchDeleteHandler is the opsmgr.Handler bound to KindBatchDelete: the
// per-file delete analogue of batchDownloadHandler, run inline for the same
// reason.
func (s *Session) batchDeleteHandler(op *opsmgr.Operation, report func(opsmgr.Progress)) error {
	filenames, ok := op.Payload.([]string)
	if !ok {
		return NewError("BatchDelete", CodeIO, "malformed batch payload")
	}

	var done int64
	total := int64(len(filenames))
	for _, filename := range filenames {
		select {
		case <-op.Cancelled():
			return NewError("BatchDelete", CodeCancelled, "batch cancelled")
		default:
		}

		if err := s.sess.DeleteFile(filename); err != nil {
			return wrapSessionErr("BatchDelete", err)
		}
		s.cacheMu.Lock()
		delete(s.cache, filename)
		s.cacheMu.Unlock()

		done++
		report(opsmgr.Progress{BytesDone: done, TotalBytes: total})
	}
	return nil
}

// wrapSessionErr maps an internal/session.CodedError onto the public
// ErrorCode taxonomy so callers never need to import internal packages to
// branch on error category.
func wrapSessionErr(op string, err error) error {
	if err == nil {
		return nil
	}
	code := CodeIO
	if ce, ok := err.(session.CodedError); ok {
		switch ce.Code() {
		case session.CodeIO:
			code = CodeIO
		case session.CodeTimeout:
			code = CodeTimeout
		case session.CodeNotSupported:
			code = CodeNotSupported
		case session.CodeNotFound:
			code = CodeFileNotFound
		case session.CodeBusy:
			code = CodeBusy
		case session.CodeCancelled:
			code = CodeCancelled
		case session.CodeUnexpectedCommand:
			code = CodeUnexpectedCommand
		case session.CodeCardFull:
			code = CodeCardFull
		case session.CodeCardError:
			code = CodeCardError
		case session.CodeProtocolDesync:
			code = CodeProtocolDesync
		}
	}
	return &Error{Op: op, Code: code, Msg: err.Error(), Inner: err}
}

var _ iface.Observer = (*Metrics)(nil)
