// Package constants holds the tuning knobs and protocol magic numbers
// shared across the jensen-go packages.
package constants

import "time"

// USB identity for the Jensen device family.
const (
	// VendorID is the fixed USB vendor id for all recognized devices.
	VendorID = 0x10E6

	// Product ids, keyed by model name.
	ProductIDH1  = 0xB00C
	ProductIDH1E = 0xB00D
	ProductIDP1  = 0xB00E

	// USBConfiguration, USBInterface, USBAltSetting select the claimed
	// interface on the device.
	USBConfiguration = 1
	USBInterface     = 0
	USBAltSetting    = 0

	// OutEndpoint and InEndpoint are the bulk endpoint numbers (not full
	// addresses; the transport layer applies the IN/OUT direction bit).
	OutEndpoint = 1
	InEndpoint  = 2
)

// Wire framing constants (see internal/wire).
const (
	SyncByteHi = 0x12
	SyncByteLo = 0x34

	// HeaderSize is the fixed portion of every frame: sync(2) + cmd(2) +
	// seq(4) + length(4).
	HeaderSize = 12

	// MaxBodyBytes rejects any frame claiming a larger body as malformed.
	MaxBodyBytes = 100 * 1024
)

// Transport tuning.
const (
	// ReadBufferSize is the maximum chunk size requested per bulk-in read.
	ReadBufferSize = 50 * 1024

	// DefaultReadTimeout bounds a single bulk-in read.
	DefaultReadTimeout = 3 * time.Second
)

// Command timing.
const (
	// DefaultCommandTimeout is the per-command default from spec §5.
	DefaultCommandTimeout = 5 * time.Second

	// StreamInterChunkTimeout is the quiet period considered normal
	// between chunks of a streaming response; waits shorter than this are
	// logged at debug, not treated as failures.
	StreamInterChunkTimeout = 2 * time.Second

	// StreamMaxQuietChunks is how many consecutive
	// StreamInterChunkTimeout windows with zero bytes received before a
	// streaming operation fails with Timeout.
	StreamMaxQuietChunks = 5

	// HealthCheckTimeout bounds the cheap GetDeviceInfo probe used by
	// connection health checks.
	HealthCheckTimeout = 2 * time.Second

	// CancelDrainTimeout bounds how long StreamFile keeps draining
	// in-flight device bytes after a cancellation before giving up.
	CancelDrainTimeout = 500 * time.Millisecond
)

// File-list parsing.
const (
	// FileEntryMinSize is the minimum size of one file-list entry before
	// its variable-length filename and trailing signature.
	FileEntryMinSize = 23

	// FileEntrySignatureSize is the length of the trailing opaque
	// identifier carried by every file entry.
	FileEntrySignatureSize = 16

	// ListFilesCountHeaderMinFirmware is the first firmware version whose
	// GET_FILE_LIST reply is prefixed with an inline 0xFF 0xFF count
	// header. Firmware older than this omits the header entirely and
	// requires a GetFileCount round trip before ListFiles starts
	// streaming entries (spec §4.4).
	ListFilesCountHeaderMinFirmware = 327722
)

// FormatCardMagic is the fixed 4-byte body that must accompany FormatCard
// (spec §4.3 "magic [1,2,3,4]").
var FormatCardMagic = [4]byte{1, 2, 3, 4}

// SettingsBodySize is the fixed size of the Get/Set Settings payload.
const SettingsBodySize = 16

// Operations manager tuning.
const (
	// DefaultWorkerCount is the number of concurrent operation workers.
	DefaultWorkerCount = 3

	// ProgressThrottle bounds how often progress events are emitted for a
	// single operation.
	ProgressThrottle = 200 * time.Millisecond

	// ChunkBufferSize is a download buffer size class; no package in this
	// module references it.
	ChunkBufferSize = 64 * 1024
)
