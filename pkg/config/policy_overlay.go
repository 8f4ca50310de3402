package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/swiftmtp/core/pkg/quirks"
)

// PolicyOverride is one device's numeric DevicePolicy overrides, as
// written by an operator in the TOML overlay file. Zero/empty fields
// mean "leave whatever LoadQuirksSet resolved alone" — a TOML decode
// simply never touches a field its table doesn't mention.
type PolicyOverride struct {
	OpenTimeout  string `toml:"open_timeout"`
	IOTimeout    string `toml:"io_timeout"`
	ResetTimeout string `toml:"reset_timeout"`
	MinChunkSize uint64 `toml:"min_chunk_size"`
}

// PolicyOverlay is the decoded form of the whole overlay file: one
// table per device, keyed by the same HWID string the quirks .conf
// directory's section headers use (vid:pid, optionally :serial).
type PolicyOverlay struct {
	Device map[string]PolicyOverride `toml:"device"`
}

// LoadPolicyOverlay reads a TOML device-policy overlay file. A missing
// file is not an error, returning an empty overlay, matching the same
// tolerance the main .conf loader and quirks directory loader give a
// missing path.
func LoadPolicyOverlay(path string) (PolicyOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PolicyOverlay{}, nil
		}
		return PolicyOverlay{}, fmt.Errorf("config: reading policy overlay %s: %w", path, err)
	}

	var overlay PolicyOverlay
	if _, err := toml.Decode(string(data), &overlay); err != nil {
		return PolicyOverlay{}, fmt.Errorf("config: parsing policy overlay %s: %w", path, err)
	}
	return overlay, nil
}

// Apply overlays po's override for hwid (if any) onto base, returning
// the combined policy. Called after quirks.QuirksDb.Resolve so an
// operator's overlay always wins over the shipped quirks database.
func (po PolicyOverlay) Apply(hwid string, base quirks.DevicePolicy) (quirks.DevicePolicy, error) {
	ov, ok := po.Device[hwid]
	if !ok {
		return base, nil
	}

	out := base
	if ov.OpenTimeout != "" {
		d, err := time.ParseDuration(ov.OpenTimeout)
		if err != nil {
			return base, fmt.Errorf("config: device %q open_timeout: %w", hwid, err)
		}
		out.OpenTimeout = d
	}
	if ov.IOTimeout != "" {
		d, err := time.ParseDuration(ov.IOTimeout)
		if err != nil {
			return base, fmt.Errorf("config: device %q io_timeout: %w", hwid, err)
		}
		out.IOTimeout = d
	}
	if ov.ResetTimeout != "" {
		d, err := time.ParseDuration(ov.ResetTimeout)
		if err != nil {
			return base, fmt.Errorf("config: device %q reset_timeout: %w", hwid, err)
		}
		out.ResetTimeout = d
	}
	if ov.MinChunkSize != 0 {
		out.MinChunkSize = ov.MinChunkSize
	}
	return out, nil
}
