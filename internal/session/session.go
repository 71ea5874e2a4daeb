// Package session implements the device session layer: one in-flight
// request at a time, sequence-tagged pending replies, streaming command
// accumulation, and feature gating before a command is ever sent (spec
// §4, §5).
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kschwarz/jensen-go/internal/constants"
	"github.com/kschwarz/jensen-go/internal/filelist"
	"github.com/kschwarz/jensen-go/internal/gating"
	"github.com/kschwarz/jensen-go/internal/iface"
	"github.com/kschwarz/jensen-go/internal/wire"
)

// tag identifies one pending request: the command/sequence pair the next
// reply must match (spec §4.1 "pending requests tagged by (command_id,
// sequence_id)").
type tag struct {
	command  wire.CommandID
	sequence uint32
}

// DeviceInfo is the parsed reply to GetDeviceInfo.
type DeviceInfo struct {
	Model           gating.Model
	FirmwareVersion int
	Serial          string
}

// CardInfo is the parsed reply to GetCardInfo (spec §6: 12 bytes — used,
// capacity, a raw status byte).
type CardInfo struct {
	UsedBytes     int64
	CapacityBytes int64
	StatusRaw     byte
}

// Settings is the parsed Get/Set Settings payload. Only the fields the
// spec documents a concrete contract for are decoded; the remainder of
// the 16-byte struct is preserved verbatim in Raw so a round trip
// (Get then Set) never drops firmware-specific bits this layer doesn't
// understand.
type Settings struct {
	Raw [constants.SettingsBodySize]byte

	// BluetoothPromptRaw is byte 0 of the payload. Per spec §9 this bit is
	// intentionally inverted in the firmware contract: 1 means the
	// Bluetooth audio prompt is disabled, 2 means enabled. Carried
	// verbatim rather than normalized, per the spec's explicit
	// instruction to treat this as contract, not bug.
	BluetoothPromptRaw byte
}

// BluetoothPromptEnabled interprets the inverted raw bit (spec §9).
func (s Settings) BluetoothPromptEnabled() bool {
	return s.BluetoothPromptRaw == 2
}

// Config wires a Session's collaborators.
type Config struct {
	Transport iface.Transport
	Logger    iface.Logger
	Observer  iface.Observer
}

// Session owns one claimed transport and serializes every command issued
// against it. At most one request may be in flight at a time (spec §4.1).
type Session struct {
	transport iface.Transport
	logger    iface.Logger
	observer  iface.Observer

	mu      sync.Mutex // serializes command issuance end to end
	decoder *wire.Decoder
	seq     atomic.Uint32

	// desyncThisOp tracks whether readOne hit a decode-level resync during
	// the command currently holding mu. Only ever touched while mu is
	// held, since at most one command is in flight at a time.
	desyncThisOp bool

	// needsHealthCheck is set whenever a command fails with a protocol
	// desync and forces the next command to run a health check first
	// (spec §4.5).
	needsHealthCheck atomic.Bool

	model           gating.Model
	firmwareVersion int
	serial          string
	infoKnown       bool

	streaming atomic.Bool // true while a ListFiles/StreamFile drain is active

	// cached auxiliary query results, refreshed on every successful call
	// and served back without touching the transport while streaming is
	// in progress (spec §4.3 "auxiliary queries short-circuit").
	cacheMu              sync.Mutex
	cardInfoKnown        bool
	cachedCardInfo       CardInfo
	recordingFileKnown   bool
	cachedRecordingFile  string
	cachedRecordingExist bool

	stopPoll chan struct{}
}

// New creates a Session over an already-claimed transport.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = iface.NoOpLogger{}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = iface.NoOpObserver{}
	}
	return &Session{
		transport: cfg.Transport,
		logger:    logger,
		observer:  observer,
		decoder:   wire.NewDecoder(),
	}
}

// IsStreaming reports whether a ListFiles or StreamFile drain currently
// owns the transport; callers use this to suppress duplicate polls (spec
// §8 scenario 4).
func (s *Session) IsStreaming() bool {
	return s.streaming.Load()
}

// nextSeq allocates the next sequence id, starting at 1 so zero remains
// reserved for "no operation in flight".
func (s *Session) nextSeq() uint32 {
	return s.seq.Add(1)
}

// call sends one command and waits for the single reply matching its
// (command, sequence) tag, with no other command allowed to be emitted
// by this Session concurrently (the outer mutex enforces that). It first
// honors any pending forced health check left by a prior desync (spec
// §4.5).
func (s *Session) call(kind string, cmd wire.CommandID, body []byte, timeout time.Duration) (wire.Packet, error) {
	if err := s.ensureHealthy(); err != nil {
		return wire.Packet{}, err
	}
	return s.callRaw(kind, cmd, body, timeout)
}

// callRaw is call without the forced-health-check gate, used by
// HealthCheck itself so honoring the gate never recurses into it.
func (s *Session) callRaw(kind string, cmd wire.CommandID, body []byte, timeout time.Duration) (wire.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	s.desyncThisOp = false
	pkt, err := s.roundTrip(tag{command: cmd, sequence: s.nextSeq()}, body, timeout)
	s.observer.ObserveOperation(kind, outcomeOf(err), time.Since(start).Nanoseconds())
	return pkt, err
}

// ensureHealthy runs a forced health check if a prior command left one
// pending, clearing the flag only once HealthCheck succeeds (spec §4.5
// "force the Session to perform a health check before issuing commands").
func (s *Session) ensureHealthy() error {
	if !s.needsHealthCheck.Load() {
		return nil
	}
	return s.HealthCheck()
}

// failIfDesynced reports a desyncErr and arms the forced health-check gate
// if the command that just completed under mu observed a decode-level
// resync, even though it ultimately found its matching reply (spec §4.5).
func (s *Session) failIfDesynced(op string) error {
	if !s.desyncThisOp {
		return nil
	}
	s.needsHealthCheck.Store(true)
	return &desyncErr{op: op}
}

func outcomeOf(err error) string {
	if err != nil {
		return "err"
	}
	return "ok"
}

// roundTrip writes one frame and blocks until the reply carrying want's
// tag arrives, or timeout elapses. Replies carrying any other tag are
// protocol violations in this session's single-flight model and are
// logged and discarded rather than fatal, matching the teacher's
// tolerant-but-loud treatment of unexpected completions.
func (s *Session) roundTrip(want tag, body []byte, timeout time.Duration) (wire.Packet, error) {
	frame := wire.Encode(want.command, want.sequence, body)
	if _, err := s.transport.Write(frame); err != nil {
		return wire.Packet{}, wrapIOErr("write", err)
	}
	s.observer.ObserveBytesOut(len(frame))

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Packet{}, &timeoutErr{op: want.command.String()}
		}

		pkt, ok, err := s.readOne(remaining)
		if err != nil {
			return wire.Packet{}, err
		}
		if !ok {
			continue
		}
		if pkt.Command != want.command || pkt.Sequence != want.sequence {
			s.logger.Warn("discarding unexpected reply", "want_cmd", want.command, "want_seq", want.sequence,
				"got_cmd", pkt.Command, "got_seq", pkt.Sequence)
			continue
		}
		if err := s.failIfDesynced(want.command.String()); err != nil {
			return wire.Packet{}, err
		}
		return pkt, nil
	}
}

// readOne reads from the transport until one packet is decoded or the
// timeout elapses.
func (s *Session) readOne(timeout time.Duration) (wire.Packet, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		pkt, ok, err := s.decoder.Next()
		if err != nil {
			s.desyncThisOp = true
			s.observer.ObserveProtocolDesync()
			s.logger.Warn("protocol desync, resynced", "err", err)
			continue
		}
		if ok {
			return pkt, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Packet{}, false, nil
		}
		chunk, err := s.transport.Read(remaining)
		if err != nil {
			return wire.Packet{}, false, wrapIOErr("read", err)
		}
		if chunk == nil {
			continue
		}
		s.observer.ObserveBytesIn(len(chunk))
		s.decoder.Feed(chunk)
	}
}

// GetDeviceInfo issues the handshake command and caches the model and
// firmware version for subsequent feature gating.
func (s *Session) GetDeviceInfo() (DeviceInfo, error) {
	if s.streaming.Load() {
		if s.infoKnown {
			return DeviceInfo{Model: s.model, FirmwareVersion: s.firmwareVersion, Serial: s.serial}, nil
		}
		return DeviceInfo{}, busyErrFor("GetDeviceInfo")
	}
	pkt, err := s.call("GetDeviceInfo", wire.CmdGetDeviceInfo, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return DeviceInfo{}, err
	}
	info, err := parseDeviceInfo(pkt.Body)
	if err != nil {
		return DeviceInfo{}, err
	}

	s.model = info.Model
	s.firmwareVersion = info.FirmwareVersion
	s.serial = info.Serial
	s.infoKnown = true
	return info, nil
}

func parseDeviceInfo(body []byte) (DeviceInfo, error) {
	if len(body) < 1 {
		return DeviceInfo{}, protoErr(wire.CmdGetDeviceInfo, "empty device info body")
	}
	off := 0
	nameLen := int(body[off])
	off++
	if len(body) < off+nameLen+4+1 {
		return DeviceInfo{}, protoErr(wire.CmdGetDeviceInfo, "truncated device info body")
	}
	modelName := string(body[off : off+nameLen])
	off += nameLen
	fw := int(uint32(body[off])<<24 | uint32(body[off+1])<<16 | uint32(body[off+2])<<8 | uint32(body[off+3]))
	off += 4
	serialLen := int(body[off])
	off++
	serial := ""
	if len(body) >= off+serialLen {
		serial = string(body[off : off+serialLen])
	}
	return DeviceInfo{Model: modelFromName(modelName), FirmwareVersion: fw, Serial: serial}, nil
}

func modelFromName(name string) gating.Model {
	switch name {
	case "H1":
		return gating.ModelH1
	case "H1E":
		return gating.ModelH1E
	case "P1":
		return gating.ModelP1
	default:
		return gating.ModelUnknown
	}
}

// RequireFeature checks the cached device info against the gating table
// before the caller issues a gated command.
func (s *Session) RequireFeature(op string, feature gating.Feature) error {
	if !s.infoKnown {
		return protoErr(0, "device info not yet known; call GetDeviceInfo first")
	}
	if !gating.Supports(s.model, s.firmwareVersion, feature) {
		return &notSupportedErr{op: op, model: s.model, version: s.firmwareVersion}
	}
	return nil
}

// GetFileCount issues the legacy file-count command used by firmware
// that does not announce a count header on ListFiles (spec §4.4).
func (s *Session) GetFileCount() (int, error) {
	pkt, err := s.call("GetFileCount", wire.CmdGetFileCount, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return 0, err
	}
	if len(pkt.Body) < 4 {
		return 0, protoErr(wire.CmdGetFileCount, "truncated file count body")
	}
	return int(uint32(pkt.Body[0])<<24 | uint32(pkt.Body[1])<<16 | uint32(pkt.Body[2])<<8 | uint32(pkt.Body[3])), nil
}

// ListFiles drains the streamed file-list response, accumulating entries
// until an empty-body sentinel arrives or, if the firmware announced a
// count header, that many entries have been seen (spec §4.4). Setting
// IsStreaming suppresses concurrent polls from other callers sharing
// this Session's mutex.
//
// Firmware older than constants.ListFilesCountHeaderMinFirmware never
// sends the inline count header, so this first issues a GetFileCount
// round trip; a count of zero completes immediately without putting a
// single GET_FILE_LIST byte on the wire (spec §4.4, §8 scenario 2).
func (s *Session) ListFiles() ([]filelist.Entry, error) {
	s.streaming.Store(true)
	defer s.streaming.Store(false)

	if err := s.ensureHealthy(); err != nil {
		return nil, err
	}

	announced := -1
	legacy := s.infoKnown && s.firmwareVersion < constants.ListFilesCountHeaderMinFirmware
	if legacy {
		count, err := s.GetFileCount()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, nil
		}
		announced = count
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.desyncThisOp = false

	start := time.Now()
	want := tag{command: wire.CmdListFiles, sequence: s.nextSeq()}
	frame := wire.Encode(want.command, want.sequence, nil)
	if _, err := s.transport.Write(frame); err != nil {
		err = wrapIOErr("write", err)
		s.observer.ObserveOperation("ListFiles", "err", time.Since(start).Nanoseconds())
		return nil, err
	}
	s.observer.ObserveBytesOut(len(frame))

	// acc is the running, append-only accumulator spec §4.4/§9 describe: a
	// chunk may end mid-entry, so unconsumed trailing bytes from filelist.Parse
	// must be carried forward and prepended to the next chunk rather than
	// discarded per-packet. acc is only ever appended to or trimmed from the
	// front, so entries already handed back to the caller never alias a
	// buffer this loop later overwrites.
	var acc []byte
	var entries []filelist.Entry
	// Legacy firmware never prepends the inline header; skip probing for
	// one so its leading entry bytes are never misread as a count prefix.
	headerChecked := legacy
	quiet := 0
	for {
		pkt, ok, err := s.readOne(constants.StreamInterChunkTimeout)
		if err != nil {
			s.observer.ObserveOperation("ListFiles", "err", time.Since(start).Nanoseconds())
			return nil, err
		}
		if !ok {
			quiet++
			s.logger.Debug("quiet window during ListFiles", "quiet", quiet)
			if quiet >= constants.StreamMaxQuietChunks {
				err := &timeoutErr{op: "ListFiles"}
				s.observer.ObserveOperation("ListFiles", "err", time.Since(start).Nanoseconds())
				return nil, err
			}
			continue
		}
		quiet = 0
		if pkt.Command != want.command || pkt.Sequence != want.sequence {
			s.logger.Warn("discarding unexpected reply during ListFiles", "got_cmd", pkt.Command)
			continue
		}

		if len(pkt.Body) == 0 && len(acc) == 0 {
			break
		}

		acc = append(acc, pkt.Body...)

		if !headerChecked && len(acc) > 0 && acc[0] != 0xFF {
			// First byte rules out the header prelude outright, even if
			// fewer than headerSize bytes have arrived yet.
			headerChecked = true
		}
		if !headerChecked && len(acc) >= filelist.HeaderSize {
			headerChecked = true
			if count, size, ok := filelist.ParseHeader(acc); ok {
				announced = count
				acc = acc[size:]
			}
		}

		parsed, consumed := filelist.Parse(acc)
		entries = append(entries, parsed...)
		acc = acc[consumed:]

		if announced >= 0 && len(entries) >= announced {
			break
		}
		if len(pkt.Body) == 0 {
			break
		}
	}

	if err := s.failIfDesynced("ListFiles"); err != nil {
		s.observer.ObserveOperation("ListFiles", "err", time.Since(start).Nanoseconds())
		return nil, err
	}

	s.observer.ObserveOperation("ListFiles", "ok", time.Since(start).Nanoseconds())
	return entries, nil
}

// StreamFile drains a file's streamed bytes into sink, stopping at the
// empty-body sentinel (spec §4.4, §4.6 "direct to disk streaming"). The
// caller supplies cancel, checked between chunks. A cancellation first
// drains any reply already in flight for this command, bounded by
// constants.CancelDrainTimeout, so the next command issued on this
// Session never reads a stale TRANSFER_FILE chunk left in the decoder's
// accumulator or the transport's pipe (spec §4.4 "cancellation drains
// in-flight device response").
func (s *Session) StreamFile(filename string, sink func(chunk []byte) error, cancel <-chan struct{}) (int64, error) {
	s.streaming.Store(true)
	defer s.streaming.Store(false)

	if err := s.ensureHealthy(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.desyncThisOp = false

	start := time.Now()
	want := tag{command: wire.CmdStreamFile, sequence: s.nextSeq()}
	frame := wire.Encode(want.command, want.sequence, []byte(filename))
	if _, err := s.transport.Write(frame); err != nil {
		err = wrapIOErr("write", err)
		s.observer.ObserveOperation("StreamFile", "err", time.Since(start).Nanoseconds())
		return 0, err
	}
	s.observer.ObserveBytesOut(len(frame))

	var total int64
	quiet := 0
	for {
		select {
		case <-cancel:
			s.drainAfterCancel(want)
			s.observer.ObserveOperation("StreamFile", "err", time.Since(start).Nanoseconds())
			return total, &cancelledErr{op: "StreamFile"}
		default:
		}

		pkt, ok, err := s.readOne(constants.StreamInterChunkTimeout)
		if err != nil {
			s.observer.ObserveOperation("StreamFile", "err", time.Since(start).Nanoseconds())
			return total, err
		}
		if !ok {
			quiet++
			s.logger.Debug("quiet window during StreamFile", "quiet", quiet)
			if quiet >= constants.StreamMaxQuietChunks {
				err := &timeoutErr{op: "StreamFile"}
				s.observer.ObserveOperation("StreamFile", "err", time.Since(start).Nanoseconds())
				return total, err
			}
			continue
		}
		quiet = 0
		if pkt.Command != want.command || pkt.Sequence != want.sequence {
			s.logger.Warn("discarding unexpected reply during StreamFile", "got_cmd", pkt.Command)
			continue
		}
		if len(pkt.Body) == 0 {
			break
		}
		if err := sink(pkt.Body); err != nil {
			s.observer.ObserveOperation("StreamFile", "err", time.Since(start).Nanoseconds())
			return total, wrapIOErr("sink", err)
		}
		total += int64(len(pkt.Body))
	}

	if err := s.failIfDesynced("StreamFile"); err != nil {
		s.observer.ObserveOperation("StreamFile", "err", time.Since(start).Nanoseconds())
		return total, err
	}

	s.observer.ObserveOperation("StreamFile", "ok", time.Since(start).Nanoseconds())
	return total, nil
}

// drainAfterCancel reads and discards whatever reply is still arriving for
// want after StreamFile's caller cancels, stopping at the first empty
// chunk or once constants.CancelDrainTimeout elapses, whichever comes
// first. Called with mu already held, so no other command can race it
// onto the transport.
func (s *Session) drainAfterCancel(want tag) {
	deadline := time.Now().Add(constants.CancelDrainTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		pkt, ok, err := s.readOne(remaining)
		if err != nil || !ok {
			return
		}
		if pkt.Command != want.command || pkt.Sequence != want.sequence {
			continue
		}
		if len(pkt.Body) == 0 {
			return
		}
	}
}

// DeleteFile removes a file by name. While a stream is in progress it
// short-circuits to Busy rather than contending for the transport (spec
// §4.3).
func (s *Session) DeleteFile(filename string) error {
	if s.streaming.Load() {
		return busyErrFor("DeleteFile")
	}
	pkt, err := s.call("DeleteFile", wire.CmdDeleteFile, []byte(filename), constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdDeleteFile, pkt.Body)
}

// GetTime issues GetTime and decodes the 7-byte BCD datetime reply (spec
// §6 "BCD encoding").
func (s *Session) GetTime() (time.Time, error) {
	pkt, err := s.call("GetTime", wire.CmdGetTime, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return time.Time{}, err
	}
	return decodeBCDTime(pkt.Body)
}

// SetTime encodes t as 7 BCD bytes and issues SetTime. While a stream is
// in progress it short-circuits to Busy rather than contending for the
// transport (spec §4.3).
func (s *Session) SetTime(t time.Time) error {
	if s.streaming.Load() {
		return busyErrFor("SetTime")
	}
	pkt, err := s.call("SetTime", wire.CmdSetTime, encodeBCDTime(t), constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdSetTime, pkt.Body)
}

// GetCardInfo issues GetCardInfo, gated by FeatureStorageOps. While a
// stream is in progress it returns the last-known value without touching
// the transport (spec §4.3).
func (s *Session) GetCardInfo() (CardInfo, error) {
	if s.streaming.Load() {
		s.cacheMu.Lock()
		defer s.cacheMu.Unlock()
		if s.cardInfoKnown {
			return s.cachedCardInfo, nil
		}
		return CardInfo{}, busyErrFor("GetCardInfo")
	}

	if err := s.RequireFeature("GetCardInfo", gating.FeatureStorageOps); err != nil {
		return CardInfo{}, err
	}
	pkt, err := s.call("GetCardInfo", wire.CmdGetCardInfo, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return CardInfo{}, err
	}
	if len(pkt.Body) < 12 {
		return CardInfo{}, protoErr(wire.CmdGetCardInfo, "truncated card info body")
	}
	info := CardInfo{
		UsedBytes:     int64(be32(pkt.Body[0:4])),
		CapacityBytes: int64(be32(pkt.Body[4:8])),
		StatusRaw:     pkt.Body[11],
	}
	s.cacheMu.Lock()
	s.cardInfoKnown = true
	s.cachedCardInfo = info
	s.cacheMu.Unlock()
	return info, nil
}

// FormatCard issues FormatCard with its fixed magic body, gated by
// FeatureStorageOps.
func (s *Session) FormatCard() error {
	if err := s.RequireFeature("FormatCard", gating.FeatureStorageOps); err != nil {
		return err
	}
	pkt, err := s.call("FormatCard", wire.CmdFormatCard, constants.FormatCardMagic[:], constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdFormatCard, pkt.Body)
}

// GetRecordingFilename issues the cheap currently-recording-file query.
// An empty body means nothing is currently recording. While a stream is
// in progress it returns the last-known value without touching the
// transport (spec §4.3).
func (s *Session) GetRecordingFilename() (string, bool, error) {
	if s.streaming.Load() {
		s.cacheMu.Lock()
		defer s.cacheMu.Unlock()
		if s.recordingFileKnown {
			return s.cachedRecordingFile, s.cachedRecordingExist, nil
		}
		return "", false, busyErrFor("GetRecordingFilename")
	}

	pkt, err := s.call("GetRecordingFilename", wire.CmdGetRecordingFile, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return "", false, err
	}
	name := string(pkt.Body)
	exists := len(pkt.Body) > 0

	s.cacheMu.Lock()
	s.recordingFileKnown = true
	s.cachedRecordingFile = name
	s.cachedRecordingExist = exists
	s.cacheMu.Unlock()
	return name, exists, nil
}

// GetSettings issues GetSettings, gated by FeatureSettings.
func (s *Session) GetSettings() (Settings, error) {
	if err := s.RequireFeature("GetSettings", gating.FeatureSettings); err != nil {
		return Settings{}, err
	}
	pkt, err := s.call("GetSettings", wire.CmdGetSettings, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return Settings{}, err
	}
	if len(pkt.Body) < constants.SettingsBodySize {
		return Settings{}, protoErr(wire.CmdGetSettings, "truncated settings body")
	}
	var out Settings
	copy(out.Raw[:], pkt.Body[:constants.SettingsBodySize])
	out.BluetoothPromptRaw = out.Raw[0]
	return out, nil
}

// SetSettings issues SetSettings with the settings' raw bytes, byte 0
// replaced by BluetoothPromptRaw, gated by FeatureSettings.
func (s *Session) SetSettings(settings Settings) error {
	if err := s.RequireFeature("SetSettings", gating.FeatureSettings); err != nil {
		return err
	}
	body := make([]byte, constants.SettingsBodySize)
	copy(body, settings.Raw[:])
	body[0] = settings.BluetoothPromptRaw
	pkt, err := s.call("SetSettings", wire.CmdSetSettings, body, constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdSetSettings, pkt.Body)
}

// FactoryReset issues FactoryReset, gated by FeatureFactoryReset.
func (s *Session) FactoryReset() error {
	if err := s.RequireFeature("FactoryReset", gating.FeatureFactoryReset); err != nil {
		return err
	}
	pkt, err := s.call("FactoryReset", wire.CmdFactoryReset, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdFactoryReset, pkt.Body)
}

// RestoreFactorySettings issues the same wire command as FactoryReset but
// under its own, stricter feature gate (spec §4.3 table; no distinct wire
// code is documented for it in spec §6, so both operations share
// CmdFactoryReset and are distinguished only by which gate must pass).
func (s *Session) RestoreFactorySettings() error {
	if err := s.RequireFeature("RestoreFactorySettings", gating.FeatureRestoreFactorySettings); err != nil {
		return err
	}
	pkt, err := s.call("RestoreFactorySettings", wire.CmdFactoryReset, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdFactoryReset, pkt.Body)
}

// RequestFirmwareUpgrade announces an incoming firmware image's size and
// CRC before UploadFirmwareChunk streams its bytes.
func (s *Session) RequestFirmwareUpgrade(size uint32, crc uint32) error {
	body := make([]byte, 8)
	body[0], body[1], body[2], body[3] = byte(size>>24), byte(size>>16), byte(size>>8), byte(size)
	body[4], body[5], body[6], body[7] = byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc)
	pkt, err := s.call("RequestFirmwareUpgrade", wire.CmdRequestFirmwareUpgrade, body, constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdRequestFirmwareUpgrade, pkt.Body)
}

// UploadFirmwareChunk sends one raw chunk of a firmware image previously
// announced by RequestFirmwareUpgrade.
func (s *Session) UploadFirmwareChunk(data []byte) error {
	pkt, err := s.call("UploadFirmwareChunk", wire.CmdFirmwareUpload, data, constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdFirmwareUpload, pkt.Body)
}

// BluetoothScan issues a Bluetooth device scan, available only on the P1
// profile (spec §4.3, gated by FeatureBluetoothFamily).
func (s *Session) BluetoothScan() error {
	if err := s.RequireFeature("BluetoothScan", gating.FeatureBluetoothFamily); err != nil {
		return err
	}
	pkt, err := s.call("BluetoothScan", wire.CmdBluetoothScan, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdBluetoothScan, pkt.Body)
}

// BluetoothConnect issues a connect command with the target MAC address,
// gated by FeatureBluetoothFamily.
func (s *Session) BluetoothConnect(mac string) error {
	if err := s.RequireFeature("BluetoothConnect", gating.FeatureBluetoothFamily); err != nil {
		return err
	}
	body := append([]byte{bluetoothConnect}, []byte(mac)...)
	pkt, err := s.call("BluetoothConnect", wire.CmdBluetoothCommand, body, constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdBluetoothCommand, pkt.Body)
}

// BluetoothDisconnect issues a disconnect command, gated by
// FeatureBluetoothFamily.
func (s *Session) BluetoothDisconnect() error {
	if err := s.RequireFeature("BluetoothDisconnect", gating.FeatureBluetoothFamily); err != nil {
		return err
	}
	pkt, err := s.call("BluetoothDisconnect", wire.CmdBluetoothCommand, []byte{bluetoothDisconnect}, constants.DefaultCommandTimeout)
	if err != nil {
		return err
	}
	return statusToErr(wire.CmdBluetoothCommand, pkt.Body)
}

// BluetoothStatus reports the single raw status byte, gated by
// FeatureBluetoothFamily.
func (s *Session) BluetoothStatus() (byte, error) {
	if err := s.RequireFeature("BluetoothStatus", gating.FeatureBluetoothFamily); err != nil {
		return 0, err
	}
	pkt, err := s.call("BluetoothStatus", wire.CmdBluetoothStatus, nil, constants.DefaultCommandTimeout)
	if err != nil {
		return 0, err
	}
	if len(pkt.Body) < 1 {
		return 0, protoErr(wire.CmdBluetoothStatus, "empty bluetooth status body")
	}
	return pkt.Body[0], nil
}

// bluetoothConnect and bluetoothDisconnect are the control byte values
// prefixing a CmdBluetoothCommand body.
const (
	bluetoothConnect    = 0x01
	bluetoothDisconnect = 0x02
)

// HealthCheck probes the device with a cheap GetDeviceInfo call bounded
// by constants.HealthCheckTimeout. It is reentrancy-guarded by the
// Session's own mutex: a health check issued while a real command is in
// flight simply waits its turn rather than racing it. It bypasses
// ensureHealthy's own gate (via callRaw) since running the health check is
// how that gate gets cleared; a failed probe leaves it armed so the next
// command attempt tries again (spec §4.5).
func (s *Session) HealthCheck() error {
	_, err := s.callRaw("HealthCheck", wire.CmdGetDeviceInfo, nil, constants.HealthCheckTimeout)
	if err != nil {
		s.needsHealthCheck.Store(true)
		return err
	}
	s.needsHealthCheck.Store(false)
	return nil
}

// Close releases the underlying transport.
func (s *Session) Close() error {
	return s.transport.Release()
}

func wrapIOErr(op string, err error) error {
	return &ioErr{op: op, inner: err}
}

func protoErr(cmd wire.CommandID, msg string) error {
	return &protocolErr{cmd: cmd, msg: msg}
}

func statusToErr(cmd wire.CommandID, body []byte) error {
	if len(body) == 0 {
		return protoErr(cmd, "empty status body")
	}
	switch wire.StatusCode(body[0]) {
	case wire.StatusSuccess:
		return nil
	case wire.StatusNotExistsOrWrong:
		return &notFoundErr{cmd: cmd}
	case wire.StatusBusyOrFailed:
		return &busyErr{cmd: cmd}
	case wire.StatusCardFull:
		return &cardFullErr{cmd: cmd}
	case wire.StatusCardError:
		return &cardErrorErr{cmd: cmd}
	default:
		return protoErr(cmd, fmt.Sprintf("unexpected status 0x%x", body[0]))
	}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// encodeBCDTime packs t as 7 BCD bytes: century, year-in-century, month,
// day, hour, minute, second, each byte two decimal digits (high nibble
// then low).
func encodeBCDTime(t time.Time) []byte {
	year := t.Year()
	century := byte(year / 100)
	yy := byte(year % 100)
	return []byte{
		bcdByte(century),
		bcdByte(yy),
		bcdByte(byte(t.Month())),
		bcdByte(byte(t.Day())),
		bcdByte(byte(t.Hour())),
		bcdByte(byte(t.Minute())),
		bcdByte(byte(t.Second())),
	}
}

// decodeBCDTime is encodeBCDTime's inverse.
func decodeBCDTime(body []byte) (time.Time, error) {
	if len(body) < 7 {
		return time.Time{}, protoErr(wire.CmdGetTime, "truncated BCD time body")
	}
	century := int(fromBCD(body[0]))
	yy := int(fromBCD(body[1]))
	month := int(fromBCD(body[2]))
	day := int(fromBCD(body[3]))
	hour := int(fromBCD(body[4]))
	minute := int(fromBCD(body[5]))
	second := int(fromBCD(body[6]))
	return time.Date(century*100+yy, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

func bcdByte(v byte) byte {
	return (v/10)<<4 | (v % 10)
}

func fromBCD(b byte) byte {
	return (b>>4)*10 + (b & 0x0F)
}
