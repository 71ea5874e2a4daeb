package jensen

import "github.com/kschwarz/jensen-go/internal/gating"

// Model identifies the device family. It mirrors internal/gating.Model
// so callers never need to import an internal package.
type Model = gating.Model

const (
	ModelUnknown = gating.ModelUnknown
	ModelH1      = gating.ModelH1
	ModelH1E     = gating.ModelH1E
	ModelP1      = gating.ModelP1
)

// Feature is a gated command family; the Session's gated commands check it
// against the connected device's model and firmware version.
type Feature = gating.Feature

const (
	FeatureSettings               = gating.FeatureSettings
	FeatureFactoryReset           = gating.FeatureFactoryReset
	FeatureStorageOps             = gating.FeatureStorageOps
	FeatureBluetoothAudioPrompt   = gating.FeatureBluetoothAudioPrompt
	FeatureRestoreFactorySettings = gating.FeatureRestoreFactorySettings
	FeatureBluetoothFamily        = gating.FeatureBluetoothFamily
)

// ModelFromProductID maps a USB product id to a known Model, or
// ModelUnknown if it doesn't match any Jensen device.
func ModelFromProductID(pid uint16) Model {
	switch pid {
	case 0xB00C:
		return ModelH1
	case 0xB00D:
		return ModelH1E
	case 0xB00E:
		return ModelP1
	default:
		return ModelUnknown
	}
}
