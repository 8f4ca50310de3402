package quirks

import "strconv"

// HWIDPattern matches USB devices by vendor/product ID, optionally
// wildcarding the product ID.
type HWIDPattern struct {
	vid, pid uint16
	anypid   bool
}

// ParseHWIDPattern parses a "VVVV:PPPP" or "VVVV:*" hex pattern. It
// returns nil if the string isn't a well-formed HWID pattern, so callers
// can fall back to treating the section name as a model-name glob
// instead.
func ParseHWIDPattern(pattern string) *HWIDPattern {
	if len(pattern) != 6 && len(pattern) != 9 {
		return nil
	}
	if pattern[4] != ':' {
		return nil
	}

	strVID, strPID := pattern[:4], pattern[5:]

	vid, err := strconv.ParseUint(strVID, 16, 16)
	if err != nil {
		return nil
	}

	var pid uint64
	anypid := strPID == "*"
	if !anypid {
		pid, err = strconv.ParseUint(strPID, 16, 16)
		if err != nil {
			return nil
		}
	}

	return &HWIDPattern{vid: uint16(vid), pid: uint16(pid), anypid: anypid}
}

// Match reports the matching weight of vid/pid against the pattern: 1000
// for an exact VID+PID match, 1 for a VID-only wildcard match, -1 for no
// match. Weight lets QuirksDb prefer the most specific of several
// applicable HWID entries.
func (p *HWIDPattern) Match(vid, pid uint16) int {
	ok := vid == p.vid && (p.anypid || pid == p.pid)
	switch {
	case !ok:
		return -1
	case p.anypid:
		return 1
	default:
		return 1000
	}
}
