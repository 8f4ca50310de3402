package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/swiftmtp/core/pkg/devlog"
)

func TestLoadMissingFilesReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	conf, err := Load(filepath.Join(dir, "swiftmtp.conf"), filepath.Join(dir, "quirks.d"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if conf.JournalDBPath != def.JournalDBPath || conf.IndexDBPath != def.IndexDBPath {
		t.Fatalf("Load with no files = %+v, want defaults %+v", conf, def)
	}
	if len(conf.Quirks) != 0 {
		t.Fatalf("Quirks = %+v, want empty for a missing quirks dir", conf.Quirks)
	}
}

func TestLoadParsesStorageLoggingAndOperationSections(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "swiftmtp.conf")
	body := "[storage]\n" +
		"journal-db = /var/lib/swiftmtp/journal.db\n" +
		"index-db = /var/lib/swiftmtp/index.db\n" +
		"\n" +
		"[logging]\n" +
		"device-log = debug,trace-wire\n" +
		"console-log = error\n" +
		"max-file-size = 1M\n" +
		"max-backup-files = 3\n" +
		"\n" +
		"[operation]\n" +
		"default-timeout = 45s\n"
	if err := os.WriteFile(confPath, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	conf, err := Load(confPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.JournalDBPath != "/var/lib/swiftmtp/journal.db" {
		t.Fatalf("JournalDBPath = %q", conf.JournalDBPath)
	}
	if conf.IndexDBPath != "/var/lib/swiftmtp/index.db" {
		t.Fatalf("IndexDBPath = %q", conf.IndexDBPath)
	}
	wantDevice := devlog.LevelDebug | devlog.LevelInfo | devlog.LevelError | devlog.LevelTraceWire
	if conf.LogDevice != wantDevice {
		t.Fatalf("LogDevice = %v, want %v", conf.LogDevice, wantDevice)
	}
	if conf.LogConsole != devlog.LevelError {
		t.Fatalf("LogConsole = %v, want LevelError", conf.LogConsole)
	}
	if conf.LogMaxFileSize != 1024*1024 {
		t.Fatalf("LogMaxFileSize = %d, want 1M", conf.LogMaxFileSize)
	}
	if conf.LogMaxBackupFiles != 3 {
		t.Fatalf("LogMaxBackupFiles = %d, want 3", conf.LogMaxBackupFiles)
	}
	if conf.DefaultOperationTimeout.String() != "45s" {
		t.Fatalf("DefaultOperationTimeout = %s, want 45s", conf.DefaultOperationTimeout)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "swiftmtp.conf")
	body := "[logging]\ndevice-log = bogus\n"
	if err := os.WriteFile(confPath, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(confPath); err == nil {
		t.Fatalf("Load with invalid log level: want error, got nil")
	}
}
