package devlog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCcMaskImpliesCoarserLevels(t *testing.T) {
	root := NewLogger(LevelAll)
	var buf bytes.Buffer
	target := NewLogger(0)
	target.mode = modeConsole
	target.out = &buf

	root.Cc(LevelTraceWire, target)
	root.TraceWire("trace line")
	root.Info("info line")
	root.Error("error line")

	got := buf.String()
	if !strings.Contains(got, "trace line") {
		t.Fatalf("expected trace line to be cc'd, got %q", got)
	}
	if !strings.Contains(got, "info line") {
		t.Fatalf("TraceWire mask should imply Info, got %q", got)
	}
	if !strings.Contains(got, "error line") {
		t.Fatalf("TraceWire mask should imply Error, got %q", got)
	}
}

func TestDisabledLevelNotWritten(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelError)
	l.mode = modeConsole
	l.out = &buf

	l.Debug("should not appear")
	l.Error("should appear")

	got := buf.String()
	if strings.Contains(got, "should not appear") {
		t.Fatalf("Debug line written despite LevelError-only mask: %q", got)
	}
	if !strings.Contains(got, "should appear") {
		t.Fatalf("Error line missing: %q", got)
	}
}

func TestHexDumpFormatsSixteenBytesPerLine(t *testing.T) {
	var buf bytes.Buffer
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	HexDump(&buf, data)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 for 20 bytes", len(lines))
	}
	if !strings.HasPrefix(lines[0], "0000:") {
		t.Fatalf("first line offset wrong: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "0010:") {
		t.Fatalf("second line offset wrong: %q", lines[1])
	}
}

func TestRecordCommitWritesAtomically(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelAll)
	l.mode = modeConsole
	l.out = &buf

	l.Begin(LevelDebug).Line("line one").Line("line two").Commit()

	got := buf.String()
	if !strings.Contains(got, "line one") || !strings.Contains(got, "line two") {
		t.Fatalf("record not fully committed: %q", got)
	}
}

func TestToFileCreatesFileLazily(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(LevelAll).ToFile(dir, "device-1")
	l.Info("hello")
	l.Close()

	path := filepath.Join(dir, "device-1.log")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
}
