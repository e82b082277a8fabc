package capture

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/petems/loopback-tray/internal/audio"
	"github.com/petems/loopback-tray/internal/audio/audiotest"
	"github.com/petems/loopback-tray/internal/encode"
)

var mono48k = audio.Format{SampleRate: 48000, Channels: 1}

func newTestSession(ep *audiotest.Endpoint) *Session {
	return NewSession(ep, Options{
		PollInterval: 2 * time.Millisecond,
		GracePeriod:  200 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decodeWAV(t *testing.T, enc encode.Encoded) (*wav.Decoder, []int) {
	t.Helper()
	data, err := enc.WAV()
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	d := wav.NewDecoder(bytes.NewReader(data))
	buf, err := d.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	return d, buf.Data
}

func TestStopWithoutStartReturnsNoData(t *testing.T) {
	s := newTestSession(audiotest.New(mono48k))

	_, err := s.Stop(context.Background())
	if !IsKind(err, NoData) {
		t.Fatalf("expected NoData error, got %v", err)
	}
	if !errors.Is(err, ErrNoData) {
		t.Error("expected error to wrap ErrNoData")
	}
	if !strings.Contains(err.Error(), "No audio samples captured") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestCaptureOneSecondMono(t *testing.T) {
	ep := audiotest.New(mono48k)
	ep.QueueTone(48000, 480, 0.25)
	s := newTestSession(ep)

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Active() {
		t.Error("expected session to be active after Start")
	}
	waitFor(t, "endpoint to drain", 2*time.Second, func() bool { return ep.Pending() == 0 })

	enc, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	d, data := decodeWAV(t, enc)
	if d.SampleRate != 48000 {
		t.Errorf("expected sample rate 48000, got %d", d.SampleRate)
	}
	if d.NumChans != 1 {
		t.Errorf("expected 1 channel, got %d", d.NumChans)
	}
	if len(data) != 48000 {
		t.Errorf("expected 48000 samples, got %d", len(data))
	}
	dur := time.Duration(len(data)) * time.Second / time.Duration(int(d.NumChans)*int(d.SampleRate))
	if dur < 950*time.Millisecond || dur > 1050*time.Millisecond {
		t.Errorf("expected duration close to 1s, got %v", dur)
	}
	if data[0] != 8191 {
		t.Errorf("expected first sample 8191, got %d", data[0])
	}

	if ep.Stops() != 1 {
		t.Errorf("expected hardware stream stopped once, got %d", ep.Stops())
	}
	if ep.Closes() != 1 {
		t.Errorf("expected client closed once, got %d", ep.Closes())
	}
	if s.Active() {
		t.Error("expected session inactive after Stop")
	}
}

func TestSilentPacketsAreDropped(t *testing.T) {
	ep := audiotest.New(mono48k)
	ep.QueueSilence(48000, 480)
	s := newTestSession(ep)

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "endpoint to drain", 2*time.Second, func() bool { return ep.Pending() == 0 })

	_, err := s.Stop(context.Background())
	if !IsKind(err, NoData) {
		t.Fatalf("expected NoData, got %v", err)
	}
	if ep.Released() != 48000 {
		t.Errorf("expected all silent frames released, got %d", ep.Released())
	}
}

func TestSamplesKeepCaptureOrder(t *testing.T) {
	ep := audiotest.New(mono48k)
	ep.QueueTone(480, 480, 0.5)
	ep.QueueSilence(480, 480)
	ep.QueueTone(480, 480, -0.5)
	s := newTestSession(ep)

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "endpoint to drain", 2*time.Second, func() bool { return ep.Pending() == 0 })

	enc, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, data := decodeWAV(t, enc)
	if len(data) != 960 {
		t.Fatalf("expected 960 samples (silence dropped), got %d", len(data))
	}
	if data[0] != 16383 || data[479] != 16383 {
		t.Errorf("expected leading samples 16383, got %d and %d", data[0], data[479])
	}
	if data[480] != -16383 || data[959] != -16383 {
		t.Errorf("expected trailing samples -16383, got %d and %d", data[480], data[959])
	}
}

func TestStereoFormatNegotiatedBeforeCapture(t *testing.T) {
	stereo := audio.Format{SampleRate: 44100, Channels: 2}
	ep := audiotest.New(stereo)
	ep.QueueTone(441, 441, 0.1)
	s := newTestSession(ep)

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Format() != stereo {
		t.Errorf("expected format %+v, got %+v", stereo, s.Format())
	}
	if ep.Initialized() != stereo {
		t.Errorf("expected client initialized with %+v, got %+v", stereo, ep.Initialized())
	}
	waitFor(t, "endpoint to drain", 2*time.Second, func() bool { return ep.Pending() == 0 })

	enc, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	d, data := decodeWAV(t, enc)
	if d.NumChans != 2 || d.SampleRate != 44100 {
		t.Errorf("expected 44100 Hz stereo, got %d Hz %d ch", d.SampleRate, d.NumChans)
	}
	if len(data) != 882 {
		t.Errorf("expected 882 interleaved samples, got %d", len(data))
	}
}

func TestTransientErrorsDoNotStopLoop(t *testing.T) {
	ep := audiotest.New(mono48k)
	ep.FailPolls(5)
	ep.FailBuffers(3)
	ep.QueueTone(4800, 480, 0.1)
	s := newTestSession(ep)

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "endpoint to drain", 2*time.Second, func() bool { return ep.Pending() == 0 })

	enc, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, data := decodeWAV(t, enc); len(data) != 4800 {
		t.Errorf("expected 4800 samples, got %d", len(data))
	}
}

func TestStartFailuresLeaveNoSession(t *testing.T) {
	injected := errors.New("injected")

	tests := []struct {
		name   string
		setup  func(ep *audiotest.Endpoint)
		kind   Kind
		closes int
	}{
		{"enumerator", func(ep *audiotest.Endpoint) { ep.DefaultErr = injected }, DeviceAcquisitionFailure, 0},
		{"activate", func(ep *audiotest.Endpoint) { ep.ActivateErr = injected }, DeviceAcquisitionFailure, 0},
		{"mix format", func(ep *audiotest.Endpoint) { ep.MixFormatErr = injected }, StreamInitFailure, 1},
		{"initialize", func(ep *audiotest.Endpoint) { ep.InitializeErr = injected }, StreamInitFailure, 1},
		{"start", func(ep *audiotest.Endpoint) { ep.StartErr = injected }, StreamStartFailure, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := audiotest.New(mono48k)
			tt.setup(ep)
			s := newTestSession(ep)

			err := s.Start(time.Second)
			if !IsKind(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
			if !errors.Is(err, injected) {
				t.Error("expected the platform error to be wrapped")
			}
			if s.Active() {
				t.Error("expected no active session after a failed Start")
			}
			if s.Done() != nil {
				t.Error("expected no capture loop after a failed Start")
			}
			if ep.Closes() != tt.closes {
				t.Errorf("expected %d client closes, got %d", tt.closes, ep.Closes())
			}
			if ep.Starts() != 0 {
				t.Error("expected hardware stream never started")
			}
		})
	}
}

func TestSecondStartRejectedWhileActive(t *testing.T) {
	ep := audiotest.New(mono48k)
	s := newTestSession(ep)

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(5 * time.Second); !IsKind(err, SessionActive) {
		t.Fatalf("expected SessionActive, got %v", err)
	}
	if ep.Starts() != 1 {
		t.Errorf("expected one hardware start, got %d", ep.Starts())
	}

	s.Stop(context.Background())

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	s.Stop(context.Background())
}

func TestStartResetsBuffer(t *testing.T) {
	ep := audiotest.New(mono48k)
	ep.QueueTone(480, 480, 0.3)
	s := newTestSession(ep)

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "endpoint to drain", 2*time.Second, func() bool { return ep.Pending() == 0 })
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if _, err := s.Stop(context.Background()); !IsKind(err, NoData) {
		t.Fatalf("expected NoData after reset, got %v", err)
	}
}

func TestWatchdogStopsCapture(t *testing.T) {
	ep := audiotest.New(mono48k)
	ep.QueueTone(4800, 480, 0.2)

	var (
		timeouts atomic.Int32
		firedID  atomic.Value
	)
	firedID.Store("")
	s := NewSession(ep, Options{
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  200 * time.Millisecond,
		Logger:       zerolog.Nop(),
		OnTimeout: func(id string) {
			if id == firedID.Load() {
				timeouts.Add(1)
			}
		},
	})

	begin := time.Now()
	if err := s.Start(time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	firedID.Store(s.ID())

	select {
	case <-ep.Stopped():
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog did not stop the hardware stream")
	}
	elapsed := time.Since(begin)
	if elapsed < time.Second || elapsed > 1500*time.Millisecond {
		t.Errorf("expected stop about 1s after start, got %v", elapsed)
	}
	if s.Active() {
		t.Error("expected session inactive after watchdog")
	}
	waitFor(t, "timeout hook", time.Second, func() bool { return timeouts.Load() == 1 })

	enc, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop after watchdog: %v", err)
	}
	if _, data := decodeWAV(t, enc); len(data) != 4800 {
		t.Errorf("expected 4800 samples, got %d", len(data))
	}
	if ep.Stops() != 1 {
		t.Errorf("expected exactly one hardware stop, got %d", ep.Stops())
	}
}

func TestStopAndWatchdogRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		ep := audiotest.New(mono48k)
		ep.QueueTone(480, 480, 0.1)
		s := newTestSession(ep)

		if err := s.Start(5 * time.Millisecond); err != nil {
			t.Fatalf("Start: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
		s.Stop(context.Background())

		waitFor(t, "loop exit", time.Second, func() bool {
			select {
			case <-s.Done():
				return true
			default:
				return false
			}
		})
		if ep.Stops() != 1 {
			t.Fatalf("iteration %d: expected one hardware stop, got %d", i, ep.Stops())
		}
	}
}

func TestCancelSlotSingleDelivery(t *testing.T) {
	var slot cancelSlot
	ch := make(chan struct{}, 1)
	slot.install(ch)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if slot.fire() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	if len(ch) != 1 {
		t.Fatalf("expected exactly one signal, got %d", len(ch))
	}
	if slot.occupied() {
		t.Error("expected slot to be empty after fire")
	}
}

func TestSampleBufferSnapshotIsCopy(t *testing.T) {
	var b SampleBuffer
	b.Append([]float32{0.1, 0.2})
	snap := b.Snapshot()
	snap[0] = 9

	if got := b.Snapshot()[0]; got != 0.1 {
		t.Errorf("snapshot aliases the buffer: got %v", got)
	}
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("expected empty buffer after Reset, got %d", b.Len())
	}
}

func TestStopReportsEncodeFailure(t *testing.T) {
	ep := audiotest.New(audio.Format{SampleRate: 48000, Channels: 0})
	ep.Queue(audio.Packet{Samples: []float32{0.1, 0.2}, Frames: 2})
	s := newTestSession(ep)

	if err := s.Start(5 * time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "packet drained", time.Second, func() bool { return ep.Pending() == 0 })

	_, err := s.Stop(context.Background())
	if !IsKind(err, EncodeFailure) {
		t.Fatalf("expected EncodeFailure, got %v", err)
	}
	if !errors.Is(err, encode.ErrInvalidFormat) {
		t.Errorf("expected error to wrap ErrInvalidFormat, got %v", err)
	}
	if s.Active() {
		t.Error("expected session inactive after failed encode")
	}
}
