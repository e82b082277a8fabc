package tray

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/petems/loopback-tray/internal/app"
	"github.com/petems/loopback-tray/internal/config"
	"github.com/petems/loopback-tray/internal/logging"
)

// durationChoices are the max-duration presets offered in the menu, in seconds
var durationChoices = []uint32{30, 60, 300, 900, 3600}

// writeClipboard is swapped out in tests
var writeClipboard = clipboard.WriteAll

type UI struct {
	app     *app.App
	cfg     *config.Config
	version string
	commit  string
	log     zerolog.Logger

	// Menu items
	mStartStop *systray.MenuItem
	mDuration  *systray.MenuItem
	mCopyPath  *systray.MenuItem
	mLast      *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
	if u.mStartStop != nil {
		u.mStartStop.SetTitle("Start Capture")
	}
}

func (u *UI) SetRecording() {
	u.updateStatus("recording")
	if u.mStartStop != nil {
		u.mStartStop.SetTitle("Stop Capture")
	}
}

func (u *UI) SetProcessing() {
	u.updateStatus("processing")
}

func (u *UI) SetError() {
	u.updateStatus("error")
	if u.mStartStop != nil {
		u.mStartStop.SetTitle("Start Capture")
	}
}

func New(application *app.App, cfg *config.Config, log zerolog.Logger, version, commit string) *UI {
	return &UI{
		app:     application,
		cfg:     cfg,
		version: version,
		commit:  commit,
		log:     log,
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

func (u *UI) Run(ctx context.Context) error {
	systray.Run(u.onReady, u.onExit)
	return nil
}

// OnSaved is handed to the app and runs after each recording is written
func (u *UI) OnSaved(path string) {
	if u.mLast != nil {
		u.mLast.SetTitle("Last: " + filepath.Base(path))
		u.mLast.Enable()
	}
	if !u.cfg.Output.CopyPath {
		return
	}
	if err := writeClipboard(path); err != nil {
		u.log.Warn().Err(err).Msg("Failed to copy recording path to clipboard")
		return
	}
	u.log.Debug().Str("path", path).Msg("Copied recording path to clipboard")
}

func (u *UI) onReady() {
	// Use emoji instead of icon - speaker with initial status
	u.updateStatus("idle")
	systray.SetTooltip("System audio capture")

	// Build menu
	u.mStartStop = systray.AddMenuItem("Start Capture", "Record what is playing")
	if !app.IsSupported() {
		u.mStartStop.SetTitle("Capture unavailable")
		u.mStartStop.Disable()
	}
	systray.AddSeparator()

	u.mDuration = systray.AddMenuItem("Max Duration", "Stop automatically after")
	u.buildDurationMenu()

	u.mCopyPath = systray.AddMenuItemCheckbox("Copy Path", "Copy saved file path to clipboard", u.cfg.Output.CopyPath)

	systray.AddSeparator()
	u.mLast = systray.AddMenuItem("Last: none", "Most recent recording")
	u.mLast.Disable()
	mFolder := systray.AddMenuItem("Open Recordings", "Open the recordings folder")
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About LoopbackTray")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	// Event loop
	go u.handleEvents(mFolder, mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(mFolder, mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStartStop.ClickedCh:
			u.app.Toggle()
		case <-u.mCopyPath.ClickedCh:
			u.toggleCopyPath()
		case <-u.mLast.ClickedCh:
			if path := u.app.LastRecording(); path != "" {
				u.open(path)
			}
		case <-mFolder.ClickedCh:
			u.open(u.cfg.Output.Dir)
		case <-mLogs.ClickedCh:
			u.open(logging.LogPath())
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := u.app.Shutdown(ctx); err != nil {
				u.log.Error().Err(err).Msg("Shutdown error")
			}
			cancel()
			systray.Quit()
			return
		}
	}
}

func (u *UI) buildDurationMenu() {
	items := make(map[uint32]*systray.MenuItem)

	current := u.app.MaxDurationSeconds()
	for _, secs := range durationChoices {
		item := u.mDuration.AddSubMenuItem(durationLabel(secs), "")
		if secs == current {
			item.Check()
		}
		items[secs] = item

		go func(s uint32, menuItem *systray.MenuItem) {
			for {
				<-menuItem.ClickedCh
				old, err := u.app.SetMaxDuration(s)
				if err != nil {
					u.log.Warn().Err(err).Msg("Failed to change max duration")
					continue
				}
				// Uncheck all other items
				for d, itm := range items {
					if d != s {
						itm.Uncheck()
					}
				}
				menuItem.Check()
				u.log.Info().Uint32("from", old).Uint32("to", s).Msg("Changed max duration")
			}
		}(secs, item)
	}
}

func (u *UI) toggleCopyPath() {
	u.cfg.Output.CopyPath = !u.cfg.Output.CopyPath
	if u.cfg.Output.CopyPath {
		u.mCopyPath.Check()
		u.log.Info().Msg("Enabled copying recording path")
	} else {
		u.mCopyPath.Uncheck()
		u.log.Info().Msg("Disabled copying recording path")
	}
	if err := u.cfg.Save(); err != nil {
		u.log.Error().Err(err).Msg("Failed to save config")
	}
}

// open hands path to the platform file opener
func (u *UI) open(path string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open")
	}
}

func (u *UI) showAbout() {
	fmt.Printf("LoopbackTray %s (%s)\nSystem audio capture\n", u.version, u.commit)
}

func (u *UI) onExit() {
	// Cleanup
}

// updateStatus sets the tray title with speaker emoji and status indicator
func (u *UI) updateStatus(status string) {
	emoji := emojiForStatus(status)
	systray.SetTitle(fmt.Sprintf("🔊 %s", emoji))
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "recording":
		return "🔴" // Red - recording
	case "processing":
		return "🟡" // Yellow - encoding
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}

func durationLabel(secs uint32) string {
	switch {
	case secs%3600 == 0:
		return fmt.Sprintf("%d h", secs/3600)
	case secs%60 == 0:
		return fmt.Sprintf("%d min", secs/60)
	default:
		return fmt.Sprintf("%d s", secs)
	}
}
