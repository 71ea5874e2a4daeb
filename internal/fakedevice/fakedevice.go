// Package fakedevice is an in-memory stand-in for a real Jensen recorder,
// used by session and integration tests and by the CLI's -mock flag. It
// implements iface.Transport directly: bytes written to it are decoded as
// wire packets and answered with canned replies, the way a real device
// would respond over its bulk endpoints.
package fakedevice

import (
	"errors"
	"sync"
	"time"

	"github.com/kschwarz/jensen-go/internal/constants"
	"github.com/kschwarz/jensen-go/internal/gating"
	"github.com/kschwarz/jensen-go/internal/iface"
	"github.com/kschwarz/jensen-go/internal/wire"
)

// FileRecord is one entry the fake device will report through ListFiles
// and serve through StreamFile.
type FileRecord struct {
	Filename      string
	RecordingType int
	Signature     [constants.FileEntrySignatureSize]byte
	Data          []byte
}

// Device is a scriptable fake Jensen device.
type Device struct {
	mu sync.Mutex

	model           gating.Model
	firmwareVersion int
	serial          string

	files []FileRecord

	cardUsedBytes     int64
	cardCapacityBytes int64
	cardStatus        byte
	settings          [constants.SettingsBodySize]byte
	recordingFilename string
	bluetoothStatus   byte

	decoder *wire.Decoder
	outbox  [][]byte

	// injectGarbageOnce prefixes the next queued reply with bytes that do
	// not form a valid sync prelude, to exercise ProtocolDesync recovery.
	injectGarbageOnce bool

	// announceCountHeader controls whether ListFiles replies are preceded
	// by the optional 0xFF 0xFF count header (newer firmware behavior).
	announceCountHeader bool

	// readDelay, when set, is slept before every Read returns a queued
	// chunk, simulating a slow bulk-in endpoint so tests get a
	// deterministic window to exercise mid-stream cancellation instead of
	// racing an instantaneous in-memory transfer.
	readDelay time.Duration

	closed bool
}

// New creates a fake device for the given model and packed firmware
// version, with no files.
func New(model gating.Model, firmwareVersion int) *Device {
	return &Device{
		model:           model,
		firmwareVersion: firmwareVersion,
		serial:          "FAKE0001",
		decoder:         wire.NewDecoder(),
	}
}

// SetFiles replaces the device's file table.
func (d *Device) SetFiles(files []FileRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = files
}

// SetCardInfo configures the reply GetCardInfo returns.
func (d *Device) SetCardInfo(usedBytes, capacityBytes int64, status byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cardUsedBytes = usedBytes
	d.cardCapacityBytes = capacityBytes
	d.cardStatus = status
}

// SetRecordingFilename configures the reply GetRecordingFile returns; an
// empty string means nothing is currently recording.
func (d *Device) SetRecordingFilename(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordingFilename = name
}

// AnnounceCountHeader toggles whether ListFiles responses are prefixed
// with the optional entry-count header.
func (d *Device) AnnounceCountHeader(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announceCountHeader = enabled
}

// InjectDesyncOnNextReply corrupts the next queued reply's sync bytes so
// the caller's decoder must resync.
func (d *Device) InjectDesyncOnNextReply() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injectGarbageOnce = true
}

// SetReadDelay makes every subsequent Read sleep for delay before
// returning a queued chunk.
func (d *Device) SetReadDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readDelay = delay
}

// Write implements iface.Transport: it feeds bytes into the device's own
// decoder and, for each complete command packet, appends the response
// frames to the outbox.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.decoder.Feed(p)
	for {
		pkt, ok, err := d.decoder.Next()
		if err != nil {
			continue
		}
		if !ok {
			break
		}
		d.handleLocked(pkt)
	}
	return len(p), nil
}

// Read implements iface.Transport, returning one queued reply chunk per
// call (or (nil, nil) if the outbox is empty, mirroring an idle bulk-in
// poll).
func (d *Device) Read(timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("fakedevice: read on released transport")
	}
	if len(d.outbox) == 0 {
		d.mu.Unlock()
		return nil, nil
	}
	chunk := d.outbox[0]
	d.outbox = d.outbox[1:]
	delay := d.readDelay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return chunk, nil
}

// Release implements iface.Transport.
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) queueLocked(frame []byte) {
	if d.injectGarbageOnce {
		garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF}
		frame = append(garbage, frame...)
		d.injectGarbageOnce = false
	}
	d.outbox = append(d.outbox, frame)
}

func (d *Device) handleLocked(pkt wire.Packet) {
	switch pkt.Command {
	case wire.CmdGetDeviceInfo:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, d.deviceInfoBody()))

	case wire.CmdGetFileCount:
		body := make([]byte, 4)
		putU32(body, uint32(len(d.files)))
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, body))

	case wire.CmdListFiles:
		d.emitFileListLocked(pkt.Command, pkt.Sequence)

	case wire.CmdStreamFile:
		d.emitFileStreamLocked(pkt.Command, pkt.Sequence, string(pkt.Body))

	case wire.CmdDeleteFile:
		d.deleteFileLocked(pkt.Command, pkt.Sequence, string(pkt.Body))

	case wire.CmdGetTime:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, encodeBCDTime(time.Now())))

	case wire.CmdSetTime:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte{byte(wire.StatusSuccess)}))

	case wire.CmdGetCardInfo:
		body := make([]byte, 12)
		putU32(body[0:4], uint32(d.cardUsedBytes))
		putU32(body[4:8], uint32(d.cardCapacityBytes))
		body[11] = d.cardStatus
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, body))

	case wire.CmdFormatCard:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte{byte(wire.StatusSuccess)}))

	case wire.CmdGetRecordingFile:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte(d.recordingFilename)))

	case wire.CmdGetSettings:
		body := make([]byte, constants.SettingsBodySize)
		copy(body, d.settings[:])
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, body))

	case wire.CmdSetSettings:
		if len(pkt.Body) >= constants.SettingsBodySize {
			copy(d.settings[:], pkt.Body[:constants.SettingsBodySize])
		}
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte{byte(wire.StatusSuccess)}))

	case wire.CmdFactoryReset:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte{byte(wire.StatusSuccess)}))

	case wire.CmdRequestFirmwareUpgrade, wire.CmdFirmwareUpload:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte{byte(wire.StatusSuccess)}))

	case wire.CmdBluetoothScan, wire.CmdBluetoothCommand:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte{byte(wire.StatusSuccess)}))

	case wire.CmdBluetoothStatus:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte{d.bluetoothStatus}))

	default:
		d.queueLocked(wire.Encode(pkt.Command, pkt.Sequence, []byte{byte(wire.StatusNotExistsOrWrong)}))
	}
}

func (d *Device) deviceInfoBody() []byte {
	body := make([]byte, 0, 64)
	body = append(body, byte(len(d.model.String())))
	body = append(body, d.model.String()...)
	fw := make([]byte, 4)
	putU32(fw, uint32(d.firmwareVersion))
	body = append(body, fw...)
	body = append(body, byte(len(d.serial)))
	body = append(body, d.serial...)
	return body
}

// emitFileListLocked streams one entry per packet under the same command
// id and sequence, followed by an empty-body sentinel frame (spec §4.4).
func (d *Device) emitFileListLocked(cmd wire.CommandID, seq uint32) {
	if d.announceCountHeader {
		header := make([]byte, 6)
		header[0] = 0xFF
		header[1] = 0xFF
		putU32(header[2:], uint32(len(d.files)))
		d.queueLocked(wire.Encode(cmd, seq, header))
	}
	for _, f := range d.files {
		d.queueLocked(wire.Encode(cmd, seq, encodeFileEntry(f)))
	}
	d.queueLocked(wire.Encode(cmd, seq, nil))
}

// emitFileStreamLocked streams a named file's bytes in fixed chunks under
// the same command id and sequence, followed by an empty-body sentinel.
func (d *Device) emitFileStreamLocked(cmd wire.CommandID, seq uint32, name string) {
	var data []byte
	found := false
	for _, f := range d.files {
		if f.Filename == name {
			data = f.Data
			found = true
			break
		}
	}
	if !found {
		d.queueLocked(wire.Encode(cmd, seq, []byte{byte(wire.StatusNotExistsOrWrong)}))
		return
	}
	const chunkSize = 4096
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		d.queueLocked(wire.Encode(cmd, seq, data[off:end]))
	}
	d.queueLocked(wire.Encode(cmd, seq, nil))
}

func (d *Device) deleteFileLocked(cmd wire.CommandID, seq uint32, name string) {
	for i, f := range d.files {
		if f.Filename == name {
			d.files = append(d.files[:i], d.files[i+1:]...)
			d.queueLocked(wire.Encode(cmd, seq, []byte{byte(wire.StatusSuccess)}))
			return
		}
	}
	d.queueLocked(wire.Encode(cmd, seq, []byte{byte(wire.StatusNotExistsOrWrong)}))
}

func encodeFileEntry(f FileRecord) []byte {
	buf := make([]byte, constants.FileEntryMinSize+len(f.Filename)+constants.FileEntrySignatureSize)
	buf[0] = byte(len(f.Filename))
	putU32(buf[1:5], uint32(len(f.Data)))
	buf[5] = byte(f.RecordingType)
	copy(buf[constants.FileEntryMinSize:], f.Filename)
	copy(buf[constants.FileEntryMinSize+len(f.Filename):], f.Signature[:])
	return buf
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// encodeBCDTime mirrors internal/session's encoding so the fake device's
// GetTime reply round-trips through the real decoder (spec §6 "BCD
// encoding").
func encodeBCDTime(t time.Time) []byte {
	year := t.Year()
	bcd := func(v int) byte { return byte((v/10)<<4 | (v % 10)) }
	return []byte{
		bcd(year / 100),
		bcd(year % 100),
		bcd(int(t.Month())),
		bcd(t.Day()),
		bcd(t.Hour()),
		bcd(t.Minute()),
		bcd(t.Second()),
	}
}

var _ iface.Transport = (*Device)(nil)
