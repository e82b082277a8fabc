package audio

import "errors"

// ErrUnsupported is returned by NewEnumerator on platforms without a loopback backend
var ErrUnsupported = errors.New("system audio loopback capture is not supported on this platform")

// Format is the negotiated stream format of a capture session
type Format struct {
	SampleRate uint32
	Channels   uint16
}

// Packet is one capture buffer fetched from the endpoint.
// Samples are interleaved by channel and owned by the caller.
type Packet struct {
	Samples       []float32
	Frames        uint32
	Silent        bool
	Discontinuity bool
}

// Enumerator defines the device enumeration capability
type Enumerator interface {
	DefaultRenderDevice() (Device, error)
}

// Device is an audio render endpoint that can be monitored in loopback mode
type Device interface {
	ID() string
	ActivateLoopback() (Client, error)
}

// Client is a loopback capture stream on a render endpoint.
// NextPacketSize, GetBuffer and ReleaseBuffer are non-blocking polls.
type Client interface {
	MixFormat() (Format, error)
	Initialize(f Format) error
	Start() error
	Stop() error
	NextPacketSize() (uint32, error)
	GetBuffer() (Packet, error)
	ReleaseBuffer(frames uint32) error
	Close() error
}
