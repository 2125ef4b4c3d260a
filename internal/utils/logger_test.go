package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerSingleton(t *testing.T) {
	a := GetLogger()
	b := GetLogger()
	if a != b {
		t.Error("GetLogger returned different instances")
	}
}

func TestDebugSuppressedWithoutVerbose(t *testing.T) {
	l := GetLogger()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(os.Stderr)

	l.SetVerbose(false)
	l.Debug("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("debug output without verbose: %q", buf.String())
	}

	l.SetVerbose(true)
	defer l.SetVerbose(false)
	l.Debug("shown %d", 2)
	if !strings.Contains(buf.String(), "[DEBUG] shown 2") {
		t.Errorf("verbose debug output = %q", buf.String())
	}
}

func TestLevelsAlwaysShown(t *testing.T) {
	l := GetLogger()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(os.Stderr)

	l.Info("info msg")
	l.Warn("warn msg")
	l.Error("error msg")

	out := buf.String()
	for _, want := range []string{"[INFO] info msg", "[WARN] warn msg", "[ERROR] error msg"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatMessagePlainAndFormatted(t *testing.T) {
	// Call through a function value so vet's printf check does not flag the
	// deliberately verb-free "%" in the message.
	format := formatMessage
	if got := format("plain 100%"); got != "plain 100%" {
		t.Errorf("plain message mangled: %q", got)
	}
	if got := formatMessage("n=%d", 7); got != "n=7" {
		t.Errorf("formatted = %q", got)
	}
}

func TestBackgroundLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	bl, err := NewBackgroundLoggerWithPath(path)
	if err != nil {
		t.Fatalf("NewBackgroundLoggerWithPath: %v", err)
	}
	if !bl.IsEnabled() {
		t.Fatal("logger not enabled")
	}
	if bl.GetLogPath() != path {
		t.Errorf("GetLogPath = %q, want %q", bl.GetLogPath(), path)
	}

	bl.Printf("flushed %d mutations", 3)
	bl.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "flushed 3 mutations") {
		t.Errorf("log content = %q", data)
	}
}

func TestBackgroundLoggerDisabled(t *testing.T) {
	bl, err := NewBackgroundLoggerWithEnabled(false)
	if err != nil {
		t.Fatalf("NewBackgroundLoggerWithEnabled(false): %v", err)
	}
	if bl.IsEnabled() {
		t.Error("disabled logger reports enabled")
	}
	// Writes must not panic.
	bl.Printf("dropped")
	bl.Println("dropped too")
	bl.Close()
}

func TestBackgroundLoggerBadPathDegrades(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "daemon.log")
	bl, err := NewBackgroundLoggerWithPath(path)
	if err == nil {
		t.Fatal("expected error for unwritable path")
	}
	if bl.IsEnabled() {
		t.Error("logger enabled despite open failure")
	}
	bl.Printf("dropped silently")
}
