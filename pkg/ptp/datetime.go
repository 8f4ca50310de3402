package ptp

import (
	"strconv"
	"time"
)

// ParseDateTime parses a PTP date-time string, as carried in
// ObjectInfo.CaptureDate/ModificationDate and DevicePropDesc date
// properties: "YYYYMMDDThhmmss" with an optional ".s" fractional-seconds
// suffix and an optional trailing timezone offset ("+hhmm"/"-hhmm").
//
// Devices in the wild routinely omit the fractional seconds, the
// timezone, or both; this parser tolerates all three combinations rather
// than failing the whole ObjectInfo decode over a cosmetic field. An
// empty string decodes to the zero time with no error, since some
// devices report it for objects with no modification date.
func ParseDateTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	const dateLen = len("20060102T150405")
	if len(s) < dateLen {
		return time.Time{}, &DecodeError{What: "datetime", Offset: 0, Err: errShortDateTime}
	}

	datePart := s[:dateLen]
	rest := s[dateLen:]

	loc := time.UTC
	if i := indexTZSign(rest); i >= 0 {
		tzStr := rest[i:]
		rest = rest[:i]
		if l, err := parseTZOffset(tzStr); err == nil {
			loc = l
		}
	}

	if len(rest) > 0 && rest[0] == '.' {
		// Fractional seconds: tolerated but not retained, since PTP
		// timestamps are specified at one-second resolution and no
		// ObjectInfo consumer in this engine needs sub-second precision.
		rest = ""
	}

	t, err := time.ParseInLocation("20060102T150405", datePart, loc)
	if err != nil {
		return time.Time{}, &DecodeError{What: "datetime", Offset: 0, Err: err}
	}
	return t, nil
}

var errShortDateTime = shortDateTimeError{}

type shortDateTimeError struct{}

func (shortDateTimeError) Error() string { return "datetime string shorter than YYYYMMDDThhmmss" }

// indexTZSign finds the position of a leading '+' or '-' timezone offset
// marker in s, skipping over any fractional-seconds prefix, or -1 if none
// is present.
func indexTZSign(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '+' || s[i] == '-' {
			return i
		}
	}
	return -1
}

func parseTZOffset(s string) (*time.Location, error) {
	if len(s) != 5 {
		return nil, errShortDateTime
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	} else if s[0] != '+' {
		return nil, errShortDateTime
	}

	hh, err := strconv.Atoi(s[1:3])
	if err != nil {
		return nil, err
	}
	mm, err := strconv.Atoi(s[3:5])
	if err != nil {
		return nil, err
	}

	offset := sign * (hh*3600 + mm*60)
	return time.FixedZone(s, offset), nil
}

// FormatDateTime encodes t in the PTP "YYYYMMDDThhmmss" wire format, UTC,
// with no fractional seconds or timezone suffix (the form every device
// this engine has been tested against accepts for SendObjectInfo).
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("20060102T150405")
}
