package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/loopback-tray/internal/audio"
	"github.com/petems/loopback-tray/internal/capture"
	"github.com/petems/loopback-tray/internal/config"
	"github.com/petems/loopback-tray/internal/encode"
)

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetRecording()
	SetProcessing()
	SetError()
}

type Config struct {
	Devices       audio.Enumerator // nil when loopback capture is unsupported
	Config        *config.Config
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater      // Optional - can be nil
	OnSaved       func(path string) // Optional - called after a recording is written
}

type App struct {
	session *capture.Session
	cfg     *config.Config
	log     zerolog.Logger
	status  StatusUpdater
	onSaved func(string)
	now     func() time.Time

	mu        sync.Mutex
	capturing bool
	sessionID string // session the capturing flag belongs to
	lastPath  string
}

func New(cfg Config) *App {
	a := &App{
		cfg:     cfg.Config,
		log:     cfg.Logger,
		status:  cfg.StatusUpdater,
		onSaved: cfg.OnSaved,
		now:     time.Now,
	}
	if cfg.Devices != nil {
		a.session = capture.NewSession(cfg.Devices, capture.Options{
			PollInterval: cfg.Config.PollInterval(),
			GracePeriod:  cfg.Config.GracePeriod(),
			Logger:       cfg.Logger,
			OnTimeout:    a.onTimeout,
		})
	}
	return a
}

// IsSupported reports whether system audio capture works on this platform
func IsSupported() bool {
	return audio.Supported
}

// StartCapture begins a loopback capture that stops on its own after
// maxDurationSeconds. Zero uses the configured maximum.
func (a *App) StartCapture(maxDurationSeconds uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startLocked(maxDurationSeconds)
}

func (a *App) startLocked(maxDurationSeconds uint32) error {
	if a.session == nil {
		return &capture.Error{Kind: capture.DeviceAcquisitionFailure, Err: audio.ErrUnsupported}
	}

	if a.capturing && !a.session.Active() {
		// The watchdog ended the previous session and its save is still queued
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.stopAndSaveLocked(ctx)
		cancel()
	}

	limit := a.cfg.MaxDuration()
	if maxDurationSeconds > 0 {
		limit = time.Duration(maxDurationSeconds) * time.Second
	}

	if err := a.session.Start(limit); err != nil {
		a.log.Error().Err(err).Msg("Failed to start capture")
		if !capture.IsKind(err, capture.SessionActive) {
			a.setError()
		}
		return err
	}

	a.capturing = true
	a.sessionID = a.session.ID()
	if a.status != nil {
		a.status.SetRecording()
	}
	return nil
}

// StopCapture ends the current capture and returns the base64 WAV
func (a *App) StopCapture(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	enc, err := a.stopLocked(ctx)
	if err != nil {
		return "", err
	}
	return enc.String(), nil
}

func (a *App) stopLocked(ctx context.Context) (encode.Encoded, error) {
	if a.session == nil {
		return encode.Encoded{}, &capture.Error{Kind: capture.NoData, Err: capture.ErrNoData}
	}

	if a.status != nil {
		a.status.SetProcessing()
	}
	a.capturing = false

	enc, err := a.session.Stop(ctx)
	if err != nil {
		if capture.IsKind(err, capture.NoData) {
			a.log.Info().Msg("No audio captured")
			a.setIdle()
		} else {
			a.log.Error().Err(err).Msg("Failed to stop capture")
			a.setError()
		}
		return encode.Encoded{}, err
	}

	a.setIdle()
	return enc, nil
}

// StopAndSave ends the current capture and writes it to the output directory
func (a *App) StopAndSave(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopAndSaveLocked(ctx)
}

func (a *App) stopAndSaveLocked(ctx context.Context) (string, error) {
	enc, err := a.stopLocked(ctx)
	if err != nil {
		return "", err
	}
	path, err := a.saveLocked(enc)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to save recording")
		a.setError()
		return "", err
	}
	return path, nil
}

// SaveRecording writes encoded audio as a timestamped .wav file
func (a *App) SaveRecording(enc encode.Encoded) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveLocked(enc)
}

func (a *App) saveLocked(enc encode.Encoded) (string, error) {
	data, err := enc.WAV()
	if err != nil {
		return "", fmt.Errorf("failed to decode recording: %w", err)
	}

	dir := a.cfg.Output.Dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}

	path := filepath.Join(dir, "capture-"+a.now().Format("20060102-150405")+".wav")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write recording: %w", err)
	}

	a.lastPath = path
	a.log.Info().Str("path", path).Int("bytes", len(data)).Msg("Recording saved")
	if a.onSaved != nil {
		a.onSaved(path)
	}
	return path, nil
}

// Toggle starts a capture with the configured maximum, or stops and saves the
// running one.
func (a *App) Toggle() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.capturing {
		a.startLocked(0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.stopAndSaveLocked(ctx)
}

// onTimeout runs on the watchdog goroutine once the maximum duration of
// session id elapsed. A newer session started in the meantime is left alone.
func (a *App) onTimeout(id string) {
	go func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.capturing || a.sessionID != id {
			a.log.Debug().Str("session", id).Msg("Ignoring timeout of finished session")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.stopAndSaveLocked(ctx)
	}()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.capturing {
		return nil
	}
	if _, err := a.stopAndSaveLocked(ctx); err != nil && !errors.Is(err, capture.ErrNoData) {
		return err
	}
	return nil
}

// Tray actions

// SetMaxDuration changes and persists the default capture ceiling. It
// returns the previous value.
func (a *App) SetMaxDuration(seconds uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.cfg.Capture.MaxDurationSeconds
	if a.capturing {
		return old, fmt.Errorf("cannot change while capturing")
	}
	if seconds == 0 {
		return old, fmt.Errorf("max duration must be positive")
	}

	a.cfg.Capture.MaxDurationSeconds = seconds
	return old, a.cfg.Save()
}

// MaxDurationSeconds returns the configured default capture ceiling
func (a *App) MaxDurationSeconds() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Capture.MaxDurationSeconds
}

func (a *App) IsCapturing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capturing
}

// LastRecording returns the path of the most recently saved file
func (a *App) LastRecording() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPath
}

func (a *App) setIdle() {
	if a.status != nil {
		a.status.SetIdle()
	}
}

func (a *App) setError() {
	if a.status != nil {
		a.status.SetError()
	}
}
