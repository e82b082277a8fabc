// Package capture records the system audio mix through a loopback endpoint.
//
// A Session owns one sample buffer, the negotiated stream format and the
// stop signal of the running capture loop. Start returns as soon as the
// hardware stream is running; Stop signals the loop, waits for it to
// quiesce and encodes what was captured.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/loopback-tray/internal/audio"
	"github.com/petems/loopback-tray/internal/encode"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultGracePeriod  = 500 * time.Millisecond
)

// Options tunes a Session. Zero values take the defaults.
type Options struct {
	PollInterval time.Duration
	GracePeriod  time.Duration
	Logger       zerolog.Logger

	// OnTimeout runs on the watchdog goroutine after it stopped the session
	// with the given id
	OnTimeout func(id string)
}

// Session is the capture controller
type Session struct {
	devices   audio.Enumerator
	interval  time.Duration
	grace     time.Duration
	log       zerolog.Logger
	onTimeout func(id string)

	samples SampleBuffer
	format  formatCell
	cancel  cancelSlot

	// mu serialises Start and guards done/id
	mu   sync.Mutex
	done <-chan struct{}
	id   string
}

// NewSession creates a controller over the given device enumerator
func NewSession(devices audio.Enumerator, opts Options) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Session{
		devices:   devices,
		interval:  opts.PollInterval,
		grace:     opts.GracePeriod,
		log:       opts.Logger,
		onTimeout: opts.OnTimeout,
	}
}

// Start acquires the default render endpoint in loopback mode and begins
// capturing in the background. The watchdog stops capture after maxDuration.
func (s *Session) Start(maxDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel.occupied() {
		return newError(SessionActive, "", ErrSessionActive)
	}
	s.awaitLocked()

	s.samples.Reset()

	device, err := s.devices.DefaultRenderDevice()
	if err != nil {
		return newError(DeviceAcquisitionFailure, "failed to get default render device", err)
	}
	client, err := device.ActivateLoopback()
	if err != nil {
		return newError(DeviceAcquisitionFailure, "failed to get audio client", err)
	}

	f, err := client.MixFormat()
	if err != nil {
		client.Close()
		return newError(StreamInitFailure, "failed to get mix format", err)
	}
	s.format.set(f)

	if err := client.Initialize(f); err != nil {
		client.Close()
		return newError(StreamInitFailure, "failed to initialize audio client", err)
	}
	if err := client.Start(); err != nil {
		client.Close()
		return newError(StreamStartFailure, "failed to start stream", err)
	}

	id := uuid.NewString()
	log := s.log.With().Str("session", id).Logger()

	cancel := make(chan struct{}, 1)
	done := make(chan struct{})
	s.cancel.install(cancel)
	s.done = done
	s.id = id

	loop := &captureLoop{
		client:   client,
		buf:      &s.samples,
		cancel:   cancel,
		done:     done,
		interval: s.interval,
		log:      log,
	}
	go loop.run()
	go s.watchdog(id, maxDuration, done, log)

	log.Info().
		Str("device", device.ID()).
		Uint32("sample_rate", f.SampleRate).
		Uint16("channels", f.Channels).
		Dur("max_duration", maxDuration).
		Msg("Capture started")
	return nil
}

// watchdog fires the stop signal once maxDuration elapses, unless Stop got
// there first or the loop already finished.
func (s *Session) watchdog(id string, maxDuration time.Duration, done <-chan struct{}, log zerolog.Logger) {
	timer := time.NewTimer(maxDuration)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	if !s.cancel.fire() {
		return
	}
	log.Info().Dur("max_duration", maxDuration).Msg("Maximum capture duration reached")
	if s.onTimeout != nil {
		s.onTimeout(id)
	}
}

// awaitLocked waits up to the grace period for the previous loop to exit
func (s *Session) awaitLocked() {
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.grace):
		s.log.Warn().Str("session", s.id).Msg("Previous capture loop still running")
	}
}

// Stop signals the capture loop, waits for it to finish (at most the grace
// period), and returns the captured audio as a base64 WAV.
func (s *Session) Stop(ctx context.Context) (encode.Encoded, error) {
	signalled := s.cancel.fire()

	s.mu.Lock()
	done, id := s.done, s.id
	s.mu.Unlock()

	if done != nil {
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.log.Warn().Str("session", id).Dur("grace", s.grace).Msg("Capture loop did not confirm stop")
		case <-ctx.Done():
			return encode.Encoded{}, ctx.Err()
		}
	}

	samples := s.samples.Snapshot()
	f := s.format.get()

	if len(samples) == 0 {
		return encode.Encoded{}, newError(NoData, "", ErrNoData)
	}

	enc, err := encode.Encode(samples, f)
	if err != nil {
		return encode.Encoded{}, newError(EncodeFailure, "", err)
	}

	s.log.Info().
		Str("session", id).
		Bool("signalled", signalled).
		Int("samples", len(samples)).
		Uint32("sample_rate", f.SampleRate).
		Uint16("channels", f.Channels).
		Msg("Capture stopped")
	return enc, nil
}

// ID returns the id of the most recently started session, or "" before the
// first Start.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Active reports whether a capture loop holds the stop signal
func (s *Session) Active() bool {
	return s.cancel.occupied()
}

// Format returns the format negotiated by the last Start
func (s *Session) Format() audio.Format {
	return s.format.get()
}

// Done returns a channel closed when the current capture loop exits, or nil
// if no session was started.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
