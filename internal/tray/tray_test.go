package tray

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/petems/loopback-tray/internal/config"
)

func TestEmojiForStatus(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"recording", "🔴"},
		{"processing", "🟡"},
		{"idle", "🟢"},
		{"error", "⚪️"},
		{"unknown", "🟢"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := emojiForStatus(tt.status); got != tt.want {
				t.Errorf("emojiForStatus(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestDurationLabel(t *testing.T) {
	tests := []struct {
		secs uint32
		want string
	}{
		{30, "30 s"},
		{90, "90 s"},
		{60, "1 min"},
		{300, "5 min"},
		{3600, "1 h"},
	}

	for _, tt := range tests {
		if got := durationLabel(tt.secs); got != tt.want {
			t.Errorf("durationLabel(%d) = %q, want %q", tt.secs, got, tt.want)
		}
	}
}

// TestDefaultDurationOffered checks the configured default has a menu entry
// so it starts out checked.
func TestDefaultDurationOffered(t *testing.T) {
	def := config.Default().Capture.MaxDurationSeconds
	for _, secs := range durationChoices {
		if secs == def {
			return
		}
	}
	t.Errorf("default max duration %d not in menu choices %v", def, durationChoices)
}

func TestOnSavedCopiesPath(t *testing.T) {
	var copied []string
	orig := writeClipboard
	writeClipboard = func(text string) error {
		copied = append(copied, text)
		return nil
	}
	defer func() { writeClipboard = orig }()

	cfg := config.Default()
	u := New(nil, cfg, zerolog.Nop(), "dev", "unknown")

	u.OnSaved("/tmp/capture-1.wav")
	if len(copied) != 1 || copied[0] != "/tmp/capture-1.wav" {
		t.Fatalf("expected path copied once, got %v", copied)
	}

	cfg.Output.CopyPath = false
	u.OnSaved("/tmp/capture-2.wav")
	if len(copied) != 1 {
		t.Errorf("expected no copy with copy_path disabled, got %v", copied)
	}
}

func TestOnSavedClipboardFailure(t *testing.T) {
	orig := writeClipboard
	writeClipboard = func(string) error { return errors.New("no clipboard") }
	defer func() { writeClipboard = orig }()

	u := New(nil, config.Default(), zerolog.Nop(), "dev", "unknown")
	// Must not panic
	u.OnSaved("/tmp/capture.wav")
}
