package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/swiftmtp/core/pkg/devlog"
	"github.com/swiftmtp/core/pkg/quirks"
)

// ConfFileName is the default name of the main configuration file,
// mirroring the teacher's ConfFileName/ipp-usb.conf convention.
const ConfFileName = "swiftmtp.conf"

// Configuration is the top-level program configuration: where the
// persisted stores live, how verbosely each log destination writes,
// and the default deadline a caller-driven operation gets when it
// supplies no deadline of its own.
type Configuration struct {
	JournalDBPath string // Transfer journal SQLite file
	IndexDBPath   string // Live index SQLite file

	LogDevice  devlog.Level // Per-device log mask
	LogConsole devlog.Level // Console log mask

	LogMaxFileSize    int64 // Max size of one per-device log file
	LogMaxBackupFiles uint  // Rotated backups kept per device

	DefaultOperationTimeout time.Duration

	Quirks quirks.QuirksDb
}

// Default returns the configuration a fresh install starts from, before
// any file is loaded: errors and info to both the console and the
// per-device files, a conservative default timeout.
func Default() Configuration {
	return Configuration{
		JournalDBPath:           "journal.db",
		IndexDBPath:             "index.db",
		LogDevice:               devlog.LevelError | devlog.LevelInfo,
		LogConsole:              devlog.LevelError | devlog.LevelInfo,
		LogMaxFileSize:          256 * 1024,
		LogMaxBackupFiles:       5,
		DefaultOperationTimeout: 30 * time.Second,
	}
}

// Load reads confPath (if it exists; a missing file is not an error,
// the same tolerance the teacher's ConfLoad gives a missing
// ipp-usb.conf) over the defaults, then loads quirksDirs into
// Quirks. Missing quirks directories are likewise tolerated.
func Load(confPath string, quirksDirs ...string) (Configuration, error) {
	conf := Default()
	if err := loadFile(&conf, confPath); err != nil {
		return Configuration{}, fmt.Errorf("config: %w", err)
	}

	qdb, err := quirks.LoadQuirksSet(quirksDirs...)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: %w", err)
	}
	conf.Quirks = qdb

	return conf, nil
}

func loadFile(conf *Configuration, path string) error {
	ini, err := OpenIniFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer ini.Close()

	for {
		rec, rerr := ini.Next()
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}

		switch rec.Section {
		case "storage":
			switch rec.Key {
			case "journal-db":
				conf.JournalDBPath = rec.Value
			case "index-db":
				conf.IndexDBPath = rec.Value
			}
		case "logging":
			switch rec.Key {
			case "device-log":
				if err := loadLogLevelKey(&conf.LogDevice, rec); err != nil {
					return err
				}
			case "console-log":
				if err := loadLogLevelKey(&conf.LogConsole, rec); err != nil {
					return err
				}
			case "max-file-size":
				if err := loadSizeKey(&conf.LogMaxFileSize, rec); err != nil {
					return err
				}
			case "max-backup-files":
				n, err := strconv.ParseUint(rec.Value, 10, 32)
				if err != nil {
					return badValue(rec, "must be a non-negative integer")
				}
				conf.LogMaxBackupFiles = uint(n)
			}
		case "operation":
			switch rec.Key {
			case "default-timeout":
				d, err := time.ParseDuration(rec.Value)
				if err != nil {
					return badValue(rec, "must be a Go duration (e.g. 30s)")
				}
				conf.DefaultOperationTimeout = d
			}
		}
	}
}

func badValue(rec *IniRecord, format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s: %s", rec.File, rec.Line, rec.Key, fmt.Sprintf(format, args...))
}

func loadLogLevelKey(out *devlog.Level, rec *IniRecord) error {
	var mask devlog.Level
	for _, s := range strings.Split(rec.Value, ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
		case "error":
			mask |= devlog.LevelError
		case "info":
			mask |= devlog.LevelInfo | devlog.LevelError
		case "debug":
			mask |= devlog.LevelDebug | devlog.LevelInfo | devlog.LevelError
		case "trace-wire":
			mask |= devlog.LevelTraceWire | devlog.LevelDebug | devlog.LevelInfo | devlog.LevelError
		case "trace-usb":
			mask |= devlog.LevelTraceUSB | devlog.LevelDebug | devlog.LevelInfo | devlog.LevelError
		case "all", "trace-all":
			mask |= devlog.LevelAll
		default:
			return badValue(rec, "invalid log level %q", s)
		}
	}
	*out = mask
	return nil
}

func loadSizeKey(out *int64, rec *IniRecord) error {
	v := rec.Value
	units := int64(1)
	if l := len(v); l > 0 {
		switch v[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}
		if units != 1 {
			v = v[:l-1]
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return badValue(rec, "must be a size, optionally suffixed k or m")
	}
	*out = n * units
	return nil
}
