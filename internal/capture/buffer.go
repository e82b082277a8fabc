package capture

import (
	"sync"

	"github.com/petems/loopback-tray/internal/audio"
)

// SampleBuffer accumulates interleaved f32 samples in capture order
type SampleBuffer struct {
	mu      sync.Mutex
	samples []float32
}

// Append copies samples onto the end of the buffer
func (b *SampleBuffer) Append(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, samples...)
}

// Snapshot returns a copy of the buffered samples
func (b *SampleBuffer) Snapshot() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	return out
}

// Len returns the number of buffered samples
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Reset empties the buffer
func (b *SampleBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = nil
}

// formatCell holds the negotiated stream format under its own lock
type formatCell struct {
	mu sync.Mutex
	f  audio.Format
}

func (c *formatCell) set(f audio.Format) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.f = f
}

func (c *formatCell) get() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f
}

// cancelSlot is a single-owner cell for the stop signal of the running loop.
// take hands the sender to exactly one caller.
type cancelSlot struct {
	mu sync.Mutex
	ch chan<- struct{}
}

func (s *cancelSlot) install(ch chan<- struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = ch
}

func (s *cancelSlot) take() (chan<- struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ch
	s.ch = nil
	return ch, ch != nil
}

func (s *cancelSlot) occupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil
}

// fire takes the sender and delivers one signal. It reports whether this
// caller won the slot.
func (s *cancelSlot) fire() bool {
	ch, ok := s.take()
	if !ok {
		return false
	}
	ch <- struct{}{}
	return true
}
