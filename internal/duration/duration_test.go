package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyFilename(t *testing.T) {
	require.Equal(t, FormatLegacy, ClassifyFilename("20250711223631REC04.wav"))
	require.Equal(t, FormatModern, ClassifyFilename("2025Jul11-223631-Rec04.hda"))
	require.Equal(t, FormatUnknown, ClassifyFilename("not-a-recording.txt"))
}

func TestOfDefaultFormula(t *testing.T) {
	got := Of("20250711223631REC04.wav", 0, 3200)
	require.Equal(t, time.Duration(100*float64(time.Second)), got)
}

func TestOfModernBaseQuadruples(t *testing.T) {
	legacy := Of("20250711223631REC04.wav", 0, 3200)
	modern := Of("2025Jul11-223631-Rec04.hda", 0, 3200)
	require.Equal(t, legacy*4, modern)
}

func TestOfRecordingTypeOneDoublesBase(t *testing.T) {
	base := Of("20250711223631REC04.wav", 0, 3200)
	doubled := Of("20250711223631REC04.wav", 1, 3200)
	require.Equal(t, base*2, doubled)
}

func TestOfRecordingTypeTwoAndThree(t *testing.T) {
	size := int64(44 + 48*2*10) // yields exactly 10s for type 2
	require.Equal(t, 10*time.Second, Of("x.wav", 2, size))
	require.Equal(t, 5*time.Second, Of("x.wav", 3, size))
}

func TestOfRecordingTypeFive(t *testing.T) {
	require.Equal(t, 1*time.Second, Of("x.wav", 5, 12))
}

func TestOfUnknownRecordingTypeFallsBackToBase(t *testing.T) {
	base := Of("20250711223631REC04.wav", 0, 3200)
	other := Of("20250711223631REC04.wav", 99, 3200)
	require.Equal(t, base, other)
}

func TestOfNeverNegative(t *testing.T) {
	got := Of("x.wav", 2, 0)
	require.Equal(t, time.Duration(0), got)
}
