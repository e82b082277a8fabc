// Package audiotest provides a scripted loopback endpoint for tests.
package audiotest

import (
	"errors"
	"sync"

	"github.com/petems/loopback-tray/internal/audio"
)

// ErrTransient is returned by scripted poll failures
var ErrTransient = errors.New("audiotest: transient poll failure")

// Endpoint simulates a render endpoint in loopback mode. Packets queued with
// Queue are handed out one per GetBuffer call once the stream is started.
// The exported error fields inject failures at each setup step.
type Endpoint struct {
	DefaultErr    error
	ActivateErr   error
	MixFormatErr  error
	InitializeErr error
	StartErr      error

	mu          sync.Mutex
	format      audio.Format
	packets     []audio.Packet
	failPolls   int
	failBuffers int
	started     bool
	starts      int
	stops       int
	closes      int
	released    uint32
	initialized audio.Format
	stopped     chan struct{}
}

// New returns an endpoint advertising f as its mix format
func New(f audio.Format) *Endpoint {
	return &Endpoint{
		format:  f,
		stopped: make(chan struct{}),
	}
}

// Queue appends packets to the delivery script
func (e *Endpoint) Queue(packets ...audio.Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.packets = append(e.packets, packets...)
}

// QueueTone queues totalFrames of a constant non-silent signal, split into
// packets of packetFrames.
func (e *Endpoint) QueueTone(totalFrames, packetFrames int, value float32) {
	e.queueFrames(totalFrames, packetFrames, func(frames int) audio.Packet {
		samples := make([]float32, frames*int(e.format.Channels))
		for i := range samples {
			samples[i] = value
		}
		return audio.Packet{Samples: samples, Frames: uint32(frames)}
	})
}

// QueueSilence queues totalFrames flagged as silent
func (e *Endpoint) QueueSilence(totalFrames, packetFrames int) {
	e.queueFrames(totalFrames, packetFrames, func(frames int) audio.Packet {
		return audio.Packet{Frames: uint32(frames), Silent: true}
	})
}

func (e *Endpoint) queueFrames(totalFrames, packetFrames int, mk func(int) audio.Packet) {
	var packets []audio.Packet
	for left := totalFrames; left > 0; left -= packetFrames {
		packets = append(packets, mk(min(left, packetFrames)))
	}
	e.Queue(packets...)
}

// FailPolls makes the next n NextPacketSize calls fail
func (e *Endpoint) FailPolls(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failPolls = n
}

// FailBuffers makes the next n GetBuffer calls fail
func (e *Endpoint) FailBuffers(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failBuffers = n
}

// Pending returns the number of packets not yet delivered
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.packets)
}

// Starts returns how many times the hardware stream was started
func (e *Endpoint) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

// Stops returns how many times the hardware stream was stopped
func (e *Endpoint) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

// Closes returns how many clients were closed
func (e *Endpoint) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// Released returns the total frames handed back via ReleaseBuffer
func (e *Endpoint) Released() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Initialized returns the format passed to Initialize
func (e *Endpoint) Initialized() audio.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Stopped is closed on the first hardware stream stop
func (e *Endpoint) Stopped() <-chan struct{} {
	return e.stopped
}

// DefaultRenderDevice implements audio.Enumerator
func (e *Endpoint) DefaultRenderDevice() (audio.Device, error) {
	if e.DefaultErr != nil {
		return nil, e.DefaultErr
	}
	return &device{ep: e}, nil
}

type device struct {
	ep *Endpoint
}

func (d *device) ID() string {
	return "audiotest-render"
}

func (d *device) ActivateLoopback() (audio.Client, error) {
	if d.ep.ActivateErr != nil {
		return nil, d.ep.ActivateErr
	}
	return &client{ep: d.ep}, nil
}

type client struct {
	ep *Endpoint
}

func (c *client) MixFormat() (audio.Format, error) {
	if c.ep.MixFormatErr != nil {
		return audio.Format{}, c.ep.MixFormatErr
	}
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	return c.ep.format, nil
}

func (c *client) Initialize(f audio.Format) error {
	if c.ep.InitializeErr != nil {
		return c.ep.InitializeErr
	}
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	c.ep.initialized = f
	return nil
}

func (c *client) Start() error {
	if c.ep.StartErr != nil {
		return c.ep.StartErr
	}
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	c.ep.started = true
	c.ep.starts++
	return nil
}

func (c *client) Stop() error {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	if c.ep.stops == 0 {
		close(c.ep.stopped)
	}
	c.ep.started = false
	c.ep.stops++
	return nil
}

func (c *client) NextPacketSize() (uint32, error) {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	if c.ep.failPolls > 0 {
		c.ep.failPolls--
		return 0, ErrTransient
	}
	if !c.ep.started || len(c.ep.packets) == 0 {
		return 0, nil
	}
	return c.ep.packets[0].Frames, nil
}

func (c *client) GetBuffer() (audio.Packet, error) {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	if c.ep.failBuffers > 0 {
		c.ep.failBuffers--
		return audio.Packet{}, ErrTransient
	}
	if len(c.ep.packets) == 0 {
		return audio.Packet{}, nil
	}
	pkt := c.ep.packets[0]
	c.ep.packets = c.ep.packets[1:]
	return pkt, nil
}

func (c *client) ReleaseBuffer(frames uint32) error {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	c.ep.released += frames
	return nil
}

func (c *client) Close() error {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	c.ep.closes++
	return nil
}
