package capture

import (
	"errors"
	"fmt"
)

// Kind classifies capture failures
type Kind int

const (
	// DeviceAcquisitionFailure: enumerator or endpoint lookup failed
	DeviceAcquisitionFailure Kind = iota + 1
	// StreamInitFailure: format negotiation or client initialization failed
	StreamInitFailure
	// StreamStartFailure: the hardware stream did not begin
	StreamStartFailure
	// NoData: stop found an empty sample buffer
	NoData
	// EncodeFailure: the container could not be built
	EncodeFailure
	// SessionActive: start was called while a capture loop is running
	SessionActive
)

func (k Kind) String() string {
	switch k {
	case DeviceAcquisitionFailure:
		return "device acquisition failure"
	case StreamInitFailure:
		return "stream init failure"
	case StreamStartFailure:
		return "stream start failure"
	case NoData:
		return "no data"
	case EncodeFailure:
		return "encode failure"
	case SessionActive:
		return "session active"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrNoData is returned by Stop when no frames were captured
	ErrNoData = errors.New("No audio samples captured")
	// ErrSessionActive is returned by Start while a capture loop is running
	ErrSessionActive = errors.New("capture session already active")
)

// Error carries the failure kind and the step that failed
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a capture Error of the given kind
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
