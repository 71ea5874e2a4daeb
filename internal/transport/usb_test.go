package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTimeoutRecognizesDeadlineExceeded(t *testing.T) {
	require.True(t, isTimeout(context.DeadlineExceeded))
}

func TestIsTimeoutRecognizesLibusbMessage(t *testing.T) {
	require.True(t, isTimeout(errors.New("libusb: LIBUSB_TRANSFER_TIMED_OUT")))
}

func TestIsTimeoutFalseForOtherErrors(t *testing.T) {
	require.False(t, isTimeout(errors.New("libusb: no device")))
}
