package capture

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/loopback-tray/internal/audio"
)

// loopStats summarises one capture loop run
type loopStats struct {
	Packets       int
	Frames        uint64
	Silent        int
	Discontinuity int
	Errors        int
}

// captureLoop drains a started loopback client into buf until cancel fires.
// It stops the hardware stream, closes the client and then closes done.
type captureLoop struct {
	client   audio.Client
	buf      *SampleBuffer
	cancel   <-chan struct{}
	done     chan<- struct{}
	interval time.Duration
	log      zerolog.Logger

	stats loopStats
}

func (l *captureLoop) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.cancel:
			l.teardown()
			return
		case <-ticker.C:
			l.drain()
		}
	}
}

// drain fetches every packet currently queued on the endpoint. Platform errors
// end this tick only; the next tick retries.
func (l *captureLoop) drain() {
	for {
		frames, err := l.client.NextPacketSize()
		if err != nil {
			l.stats.Errors++
			l.log.Warn().Err(err).Msg("Error getting available samples")
			return
		}
		if frames == 0 {
			return
		}

		pkt, err := l.client.GetBuffer()
		if err != nil {
			l.stats.Errors++
			l.log.Warn().Err(err).Msg("Error getting buffer")
			return
		}
		if pkt.Frames == 0 {
			return
		}

		l.stats.Packets++
		if pkt.Discontinuity {
			l.stats.Discontinuity++
			l.log.Debug().Uint32("frames", pkt.Frames).Msg("Data discontinuity")
		}

		if pkt.Silent {
			l.stats.Silent++
		} else {
			l.buf.Append(pkt.Samples)
			l.stats.Frames += uint64(pkt.Frames)
		}

		if err := l.client.ReleaseBuffer(pkt.Frames); err != nil {
			l.stats.Errors++
			l.log.Warn().Err(err).Msg("Error releasing buffer")
			return
		}
	}
}

func (l *captureLoop) teardown() {
	if err := l.client.Stop(); err != nil {
		l.log.Debug().Err(err).Msg("Stream stop failed")
	}
	if err := l.client.Close(); err != nil {
		l.log.Debug().Err(err).Msg("Client close failed")
	}

	l.log.Info().
		Int("packets", l.stats.Packets).
		Uint64("frames", l.stats.Frames).
		Int("silent_packets", l.stats.Silent).
		Int("discontinuities", l.stats.Discontinuity).
		Int("errors", l.stats.Errors).
		Msg("Capture loop stopped")
}
