// Package transport implements the Jensen protocol's byte pipe over a real
// USB bulk endpoint pair, grounded on the ipp-usb project's approach of
// wrapping libusb device/endpoint handles behind a small claim/read/write/
// release seam (see other_examples' usbtransport.go).
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/kschwarz/jensen-go/internal/constants"
	"github.com/kschwarz/jensen-go/internal/iface"
)

// USBTransport is an iface.Transport backed by a claimed bulk IN/OUT
// endpoint pair on a real device.
type USBTransport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	iface0 *gousb.Interface
	done   func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

// Open claims the Jensen interface on the first device matching one of the
// known vendor/product id pairs and returns a ready Transport.
func Open() (*USBTransport, error) {
	ctx := gousb.NewContext()

	var dev *gousb.Device
	for _, pid := range []gousb.ID{
		gousb.ID(constants.ProductIDH1),
		gousb.ID(constants.ProductIDH1E),
		gousb.ID(constants.ProductIDP1),
	} {
		d, err := ctx.OpenDeviceWithVIDPID(gousb.ID(constants.VendorID), pid)
		if err != nil {
			continue
		}
		if d != nil {
			dev = d
			break
		}
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("jensen: no matching USB device found")
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("jensen: set auto detach: %w", err)
	}

	cfg, err := dev.Config(constants.USBConfiguration)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("jensen: claim config: %w", err)
	}

	intf, done, err := cfg.Interface(constants.USBInterface, constants.USBAltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("jensen: claim interface: %w", err)
	}

	in, err := intf.InEndpoint(constants.InEndpoint)
	if err != nil {
		done()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("jensen: open IN endpoint: %w", err)
	}

	out, err := intf.OutEndpoint(constants.OutEndpoint)
	if err != nil {
		done()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("jensen: open OUT endpoint: %w", err)
	}

	return &USBTransport{
		ctx:    ctx,
		dev:    dev,
		iface0: intf,
		done:   done,
		in:     in,
		out:    out,
	}, nil
}

// Write implements iface.Transport.
func (t *USBTransport) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

// Read implements iface.Transport, capping the wait at timeout. libusb
// returns a context-deadline error rather than blocking forever, which
// this maps to a clean (nil, nil) idle poll. On a stalled endpoint it
// clears the halt and retries exactly once (spec §4.1).
func (t *USBTransport) Read(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, constants.ReadBufferSize)
	n, err := t.readOnce(timeout, buf)
	if err != nil && isStall(err) {
		if clearErr := t.clearHalt(); clearErr == nil {
			n, err = t.readOnce(timeout, buf)
		}
	}
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

func (t *USBTransport) readOnce(timeout time.Duration, buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.in.ReadContext(ctx, buf)
}

// clearHalt issues the standard CLEAR_FEATURE(ENDPOINT_HALT) control
// request against the IN endpoint, the same recovery libusb-based tools
// use after a stall before a single retry (spec §4.1 "On stall, clear the
// halt and retry once").
func (t *USBTransport) clearHalt() error {
	const (
		requestTypeEndpoint = 0x02 // host-to-device, standard, endpoint recipient
		requestClearFeature = 0x01
		featureEndpointHalt = 0x00
	)
	epAddr := uint16(constants.InEndpoint) | 0x80
	_, err := t.dev.Control(requestTypeEndpoint, requestClearFeature, featureEndpointHalt, epAddr, nil)
	return err
}

// isTimeout reports whether err is the libusb transfer timeout that
// ReadContext surfaces when the deadline passes with zero bytes
// available; the session layer treats this as a normal idle poll.
func isTimeout(err error) bool {
	return err == context.DeadlineExceeded || strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "LIBUSB_TRANSFER_TIMED_OUT")
}

// isStall reports whether err indicates the endpoint is halted/stalled,
// the condition clearHalt recovers from.
func isStall(err error) bool {
	return strings.Contains(err.Error(), "stall") || strings.Contains(err.Error(), "STALL") || strings.Contains(err.Error(), "pipe error")
}

// Release closes the interface, device, and context. Idempotent.
func (t *USBTransport) Release() error {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}

var _ iface.Transport = (*USBTransport)(nil)
