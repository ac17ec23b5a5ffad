package ble

import (
	"errors"
	"fmt"
)

// Host status codes. Values follow the NimBLE host (BLE_HS_E*).
const (
	StatusOK          = 0
	StatusEAgain      = 1
	StatusEAlready    = 2
	StatusEInval      = 3
	StatusEMsgSize    = 4
	StatusENoEnt      = 5
	StatusENoMem      = 6
	StatusENotConn    = 7
	StatusENotSup     = 8
	StatusEApp        = 9
	StatusEBadData    = 10
	StatusEOS         = 11
	StatusEController = 12
	StatusETimeout    = 13
	StatusEDone       = 14
	StatusEBusy       = 15
	StatusEReject     = 16
	StatusEUnknown    = 17
	StatusERole       = 18
	StatusENotSynced  = 22
)

// HCI disconnect reasons seen in DisconnectEvent.Reason.
const (
	ReasonConnSupervisionTimeout = 0x08
	ReasonRemoteUserTerminated   = 0x13
	ReasonLocalHostTerminated    = 0x16
	ReasonConnFailedToEstablish  = 0x3E
)

var (
	// Configuration errors: fatal at startup.
	ErrInvalidDescriptor = errors.New("invalid service descriptor")
	ErrCapacityExceeded  = errors.New("attribute capacity exceeded")
	ErrDuplicateIdentity = errors.New("duplicate 128-bit identity")

	// Transient stack errors: recovered on the next natural trigger.
	ErrBusy         = errors.New("host busy")
	ErrQueueFull    = errors.New("outbound queue full")
	ErrNotConnected = errors.New("not connected")
	ErrNoMem        = errors.New("out of buffers")

	// State violations: programming errors, never retried.
	ErrInvalidState = errors.New("invalid state")

	ErrUnsupported = errors.New("not supported by this stack")
)

// StatusError is a failed host call with its raw status code.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ble: %s: status %d (%s)", e.Op, e.Code, statusText(e.Code))
}

// Unwrap maps the status code to its sentinel so errors.Is works on it.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case StatusEBusy, StatusENotSynced:
		return ErrBusy
	case StatusENoMem:
		return ErrNoMem
	case StatusENotConn:
		return ErrNotConnected
	case StatusEAgain:
		return ErrQueueFull
	case StatusEAlready, StatusERole:
		return ErrInvalidState
	case StatusENotSup:
		return ErrUnsupported
	}
	return nil
}

// NewStatusError returns nil for StatusOK.
func NewStatusError(op string, code int) error {
	if code == StatusOK {
		return nil
	}
	return &StatusError{Op: op, Code: code}
}

func statusText(code int) string {
	switch code {
	case StatusEAgain:
		return "try again"
	case StatusEAlready:
		return "already in progress"
	case StatusEInval:
		return "invalid argument"
	case StatusEMsgSize:
		return "message too large"
	case StatusENoEnt:
		return "no entry"
	case StatusENoMem:
		return "out of memory"
	case StatusENotConn:
		return "not connected"
	case StatusENotSup:
		return "not supported"
	case StatusEBusy:
		return "busy"
	case StatusETimeout:
		return "timeout"
	case StatusENotSynced:
		return "host not synced"
	}
	return "unknown"
}

// Class is the error taxonomy used for logging and recovery decisions.
type Class int

const (
	ClassNone Class = iota
	ClassConfiguration
	ClassTransient
	ClassStateViolation
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConfiguration:
		return "configuration"
	case ClassTransient:
		return "transient"
	case ClassStateViolation:
		return "state-violation"
	}
	return "unknown"
}

// Classify places err in the taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrInvalidDescriptor),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrDuplicateIdentity):
		return ClassConfiguration
	case errors.Is(err, ErrBusy),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrNoMem):
		return ClassTransient
	case errors.Is(err, ErrInvalidState):
		return ClassStateViolation
	}
	return ClassUnknown
}

// StatusCode extracts the host status code from err, or StatusEUnknown.
func StatusCode(err error) int {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrBusy):
		return StatusEBusy
	case errors.Is(err, ErrNoMem):
		return StatusENoMem
	case errors.Is(err, ErrNotConnected):
		return StatusENotConn
	case errors.Is(err, ErrQueueFull):
		return StatusEAgain
	case errors.Is(err, ErrInvalidState):
		return StatusEAlready
	case errors.Is(err, ErrUnsupported):
		return StatusENotSup
	}
	return StatusEUnknown
}
