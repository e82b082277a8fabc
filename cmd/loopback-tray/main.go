package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petems/loopback-tray/internal/app"
	"github.com/petems/loopback-tray/internal/audio"
	"github.com/petems/loopback-tray/internal/capture"
	"github.com/petems/loopback-tray/internal/config"
	"github.com/petems/loopback-tray/internal/logging"
	"github.com/petems/loopback-tray/internal/tray"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var (
	cfgFile    string
	recSeconds uint32
	recOut     string
	recBase64  bool
)

var rootCmd = &cobra.Command{
	Use:   "loopback-tray",
	Short: "Capture system audio from the tray",
	Long:  `LoopbackTray records whatever is playing on the default output device and saves it as a WAV file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTray()
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record system audio without the tray until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("LoopbackTray %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir)")

	recordCmd.Flags().Uint32Var(&recSeconds, "seconds", 0, "stop after this many seconds (default from config)")
	recordCmd.Flags().StringVar(&recOut, "out", "", "write the WAV to this file instead of the recordings folder")
	recordCmd.Flags().BoolVar(&recBase64, "base64", false, "print the base64 WAV to stdout instead of writing a file")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, logging.New(), fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logging.NewWithLevel(cfg.LogLevel), nil
}

// devices returns nil on platforms without loopback capture
func devices(log zerolog.Logger) audio.Enumerator {
	devs, err := audio.NewEnumerator()
	if err != nil {
		log.Warn().Err(err).Msg("System audio capture unavailable")
		return nil
	}
	return devs
}

func runTray() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	// Create tray UI first (we'll pass it to app)
	trayUI := tray.New(nil, cfg, log, Version, Commit) // App reference set below

	// Create app with tray as status updater
	application := app.New(app.Config{
		Devices:       devices(log),
		Config:        cfg,
		Logger:        log,
		StatusUpdater: trayUI,
		OnSaved:       trayUI.OnSaved,
	})

	// Set app reference in tray
	trayUI.SetApp(application)

	log.Info().Str("version", Version).Msg("LoopbackTray starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		shutdownCtx, done := context.WithTimeout(ctx, 5*time.Second)
		defer done()
		if err := application.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
		os.Exit(0)
	}()

	// Start tray UI - MUST run on main thread
	return trayUI.Run(ctx)
}

func runRecord() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	devs, err := audio.NewEnumerator()
	if err != nil {
		return fmt.Errorf("failed to open audio devices: %w", err)
	}

	timedOut := make(chan struct{})
	session := capture.NewSession(devs, capture.Options{
		PollInterval: cfg.PollInterval(),
		GracePeriod:  cfg.GracePeriod(),
		Logger:       log,
		OnTimeout:    func(string) { close(timedOut) },
	})

	limit := cfg.MaxDuration()
	if recSeconds > 0 {
		limit = time.Duration(recSeconds) * time.Second
	}
	if err := session.Start(limit); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Recording for up to %s, press Ctrl+C to stop\n", limit)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
	case <-timedOut:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	enc, err := session.Stop(ctx)
	if err != nil {
		return err
	}

	switch {
	case recBase64:
		fmt.Println(enc.String())
		return nil
	case recOut != "":
		data, err := enc.WAV()
		if err != nil {
			return err
		}
		if err := os.WriteFile(recOut, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", recOut, err)
		}
		fmt.Fprintln(os.Stderr, recOut)
		return nil
	}

	path, err := app.New(app.Config{Config: cfg, Logger: log}).SaveRecording(enc)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, path)
	return nil
}
