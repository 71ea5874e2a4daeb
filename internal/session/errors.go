package session

import (
	"fmt"

	"github.com/kschwarz/jensen-go/internal/gating"
	"github.com/kschwarz/jensen-go/internal/wire"
)

// Code is a stable error category string; the root package maps each one
// onto its public jensen.ErrorCode in wrapSessionErr.
type Code string

const (
	CodeIO                Code = "I/O error"
	CodeTimeout           Code = "timeout"
	CodeNotSupported      Code = "not supported by this firmware"
	CodeNotFound          Code = "not found"
	CodeBusy              Code = "busy"
	CodeCancelled         Code = "cancelled"
	CodeUnexpectedCommand Code = "unexpected command in reply"
	CodeCardFull          Code = "card full"
	CodeCardError         Code = "card error"
	CodeProtocolDesync    Code = "protocol desync"
)

// CodedError is implemented by every error this package returns, letting
// the root package map to the right jensen.ErrorCode without type
// switches on concrete types.
type CodedError interface {
	error
	Code() Code
}

type ioErr struct {
	op    string
	inner error
}

func (e *ioErr) Error() string { return fmt.Sprintf("jensen: %s: %v", e.op, e.inner) }
func (e *ioErr) Unwrap() error { return e.inner }
func (e *ioErr) Code() Code    { return CodeIO }

type protocolErr struct {
	cmd wire.CommandID
	msg string
}

func (e *protocolErr) Error() string { return fmt.Sprintf("jensen: %s: %s", e.cmd, e.msg) }
func (e *protocolErr) Code() Code    { return CodeUnexpectedCommand }

type timeoutErr struct {
	op string
}

func (e *timeoutErr) Error() string { return fmt.Sprintf("jensen: %s timed out", e.op) }
func (e *timeoutErr) Code() Code    { return CodeTimeout }

type notSupportedErr struct {
	op      string
	model   gating.Model
	version int
}

func (e *notSupportedErr) Error() string {
	return fmt.Sprintf("jensen: %s not supported on %s firmware %d", e.op, e.model, e.version)
}
func (e *notSupportedErr) Code() Code { return CodeNotSupported }

type notFoundErr struct {
	cmd wire.CommandID
}

func (e *notFoundErr) Error() string { return fmt.Sprintf("jensen: %s: not found", e.cmd) }
func (e *notFoundErr) Code() Code    { return CodeNotFound }

type busyErr struct {
	cmd wire.CommandID
	op  string
}

func (e *busyErr) Error() string {
	if e.op != "" {
		return fmt.Sprintf("jensen: %s: busy (streaming in progress)", e.op)
	}
	return fmt.Sprintf("jensen: %s: device busy", e.cmd)
}
func (e *busyErr) Code() Code { return CodeBusy }

type cancelledErr struct {
	op string
}

func (e *cancelledErr) Error() string { return fmt.Sprintf("jensen: %s: cancelled", e.op) }
func (e *cancelledErr) Code() Code    { return CodeCancelled }

type cardFullErr struct {
	cmd wire.CommandID
}

func (e *cardFullErr) Error() string { return fmt.Sprintf("jensen: %s: card full", e.cmd) }
func (e *cardFullErr) Code() Code    { return CodeCardFull }

type cardErrorErr struct {
	cmd wire.CommandID
}

func (e *cardErrorErr) Error() string { return fmt.Sprintf("jensen: %s: card error", e.cmd) }
func (e *cardErrorErr) Code() Code    { return CodeCardError }

// desyncErr reports that a command's round trip observed a decode-level
// resync after sync-byte loss. A reply whose command or sequence does not
// match the request is logged and discarded by roundTrip and does not
// produce this error. The
// decoder itself tolerates and resyncs past the bad bytes (spec §8
// "leading garbage"), but the operation that was in flight when it
// happened still fails, and the Session forces a health check before its
// next command (spec §4.5).
type desyncErr struct {
	op string
}

func (e *desyncErr) Error() string { return fmt.Sprintf("jensen: %s: protocol desync", e.op) }
func (e *desyncErr) Code() Code    { return CodeProtocolDesync }

// busyErrFor builds a busyErr not tied to any particular wire command, for
// callers short-circuited by an in-progress stream (spec §4.3).
func busyErrFor(op string) error {
	return &busyErr{cmd: 0, op: op}
}
