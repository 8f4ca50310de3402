// Package config loads SwiftMTP's ini-style configuration file, in the
// same hand-rolled .INI dialect used for device quirk files, and its
// TOML device-policy override file.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// IniFile represents an opened .INI file.
type IniFile struct {
	file        *os.File
	line        int
	reader      *bufio.Reader
	buf         bytes.Buffer
	rec         IniRecord
	withRecType bool
}

// IniRecord is a single parsed .INI record: either a [section] header or
// a key = value pair.
type IniRecord struct {
	Section    string
	Key, Value string
	File       string
	Line       int
	Type       IniRecordType
}

// IniRecordType distinguishes section headers from key/value pairs.
type IniRecordType int

// Record types.
const (
	IniRecordSection IniRecordType = iota
	IniRecordKeyVal
)

// IniError is a parse error tied to a specific file and line.
type IniError struct {
	File    string
	Line    int
	Message string
}

func (err *IniError) Error() string {
	return fmt.Sprintf("%s:%d: %s", err.File, err.Line, err.Message)
}

// OpenIniFile opens path for reading. Next returns only IniRecordKeyVal
// records; section headers are consumed silently.
func OpenIniFile(path string) (*IniFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &IniFile{
		file:   f,
		line:   1,
		reader: bufio.NewReader(f),
		rec:    IniRecord{File: path},
	}, nil
}

// OpenIniFileWithRecType opens path for reading, with Next returning
// IniRecordSection headers as well as key/value pairs. The quirks loader
// needs section boundaries to know which [HWID-or-glob] block a key
// belongs to; the main configuration file does not.
func OpenIniFileWithRecType(path string) (*IniFile, error) {
	ini, err := OpenIniFile(path)
	if ini != nil {
		ini.withRecType = true
	}
	return ini, err
}

// Close releases the underlying file.
func (ini *IniFile) Close() error {
	return ini.file.Close()
}

// Next returns the next record, or an error (io.EOF when the file is
// exhausted).
func (ini *IniFile) Next() (*IniRecord, error) {
	for {
		c, err := ini.getcNonSpace()
		for err == nil && ini.iscomment(c) {
			ini.getcNl()
			c, err = ini.getcNonSpace()
		}
		if err != nil {
			return nil, err
		}

		ini.rec.Line = ini.line
		var token string

		switch c {
		case '[':
			c, token, err = ini.token(']', false)
			if err == nil && c == ']' {
				ini.rec.Section = token
			}
			ini.getcNl()
			ini.rec.Type = IniRecordSection

			if ini.withRecType {
				return &ini.rec, nil
			}

		case '=':
			ini.getcNl()
			return nil, ini.errorf("unexpected '=' character")

		default:
			ini.ungetc(c)

			c, token, err = ini.token('=', false)
			if err == nil && c == '=' {
				ini.rec.Key = token
				c, token, err = ini.token(-1, true)
				if err == nil {
					ini.rec.Value = token
					ini.rec.Type = IniRecordKeyVal
					return &ini.rec, nil
				}
			} else if err == nil {
				return nil, ini.errorf("expected '=' character")
			}
		}
	}
}

func (ini *IniFile) token(delimiter rune, linecont bool) (byte, string, error) {
	var accumulator, count, trailingSpace int
	var c byte
	var err error

	type prsState int
	const (
		prsSkipSpace prsState = iota
		prsBody
		prsString
		prsStringBslash
		prsStringHex
		prsStringOctal
		prsComment
	)

	state := prsSkipSpace
	ini.buf.Reset()

	for {
		c, err = ini.getc()
		if err != nil || c == '\n' {
			break
		}

		if (state == prsBody || state == prsSkipSpace) && rune(c) == delimiter {
			break
		}

		switch state {
		case prsSkipSpace:
			if ini.isspace(c) {
				break
			}
			state = prsBody
			fallthrough

		case prsBody:
			if c == '"' {
				state = prsString
			} else if ini.iscomment(c) {
				state = prsComment
			} else if c == '\\' && linecont {
				c2, _ := ini.getc()
				if c2 == '\n' {
					ini.buf.Truncate(ini.buf.Len() - trailingSpace)
					trailingSpace = 0
					state = prsSkipSpace
				} else {
					ini.ungetc(c2)
				}
			} else {
				ini.buf.WriteByte(c)
			}

			if state == prsBody {
				if ini.isspace(c) {
					trailingSpace++
				} else {
					trailingSpace = 0
				}
			} else {
				ini.buf.Truncate(ini.buf.Len() - trailingSpace)
				trailingSpace = 0
			}

		case prsString:
			if c == '\\' {
				state = prsStringBslash
			} else if c == '"' {
				state = prsBody
			} else {
				ini.buf.WriteByte(c)
			}

		case prsStringBslash:
			if c == 'x' || c == 'X' {
				state = prsStringHex
				accumulator, count = 0, 0
			} else if ini.isoctal(c) {
				state = prsStringOctal
				accumulator = ini.hex2int(c)
				count = 1
			} else {
				switch c {
				case 'a':
					c = '\a'
				case 'b':
					c = '\b'
				case 'e':
					c = '\x1b'
				case 'f':
					c = '\f'
				case 'n':
					c = '\n'
				case 'r':
					c = '\r'
				case 't':
					c = '\t'
				case 'v':
					c = '\v'
				}
				ini.buf.WriteByte(c)
				state = prsString
			}

		case prsStringHex:
			if ini.isxdigit(c) {
				if count != 2 {
					accumulator = accumulator*16 + ini.hex2int(c)
					count++
				}
			} else {
				state = prsString
				ini.ungetc(c)
			}
			if state != prsStringHex {
				ini.buf.WriteByte(byte(accumulator))
			}

		case prsStringOctal:
			if ini.isoctal(c) {
				accumulator = accumulator*8 + ini.hex2int(c)
				count++
				if count == 3 {
					state = prsString
				}
			} else {
				state = prsString
				ini.ungetc(c)
			}
			if state != prsStringOctal {
				ini.buf.WriteByte(byte(accumulator))
			}

		case prsComment:
		}
	}

	ini.buf.Truncate(ini.buf.Len() - trailingSpace)

	if state != prsSkipSpace && state != prsBody && state != prsComment {
		return 0, "", ini.errorf("unterminated string")
	}

	return c, ini.buf.String(), nil
}

func (ini *IniFile) getc() (byte, error) {
	c, err := ini.reader.ReadByte()
	if c == '\n' {
		ini.line++
	}
	return c, err
}

func (ini *IniFile) getcNonSpace() (byte, error) {
	for {
		c, err := ini.getc()
		if err != nil || !ini.isspace(c) {
			return c, err
		}
	}
}

func (ini *IniFile) getcNl() (byte, error) {
	for {
		c, err := ini.getc()
		if err != nil || c == '\n' {
			return c, err
		}
	}
}

func (ini *IniFile) ungetc(c byte) {
	if c == '\n' {
		ini.line--
	}
	ini.reader.UnreadByte()
}

func (ini *IniFile) isspace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func (ini *IniFile) iscomment(c byte) bool {
	return c == ';' || c == '#'
}

func (ini *IniFile) isoctal(c byte) bool {
	return '0' <= c && c <= '7'
}

func (ini *IniFile) isxdigit(c byte) bool {
	return ('0' <= c && c <= '9') ||
		('a' <= c && c <= 'f') ||
		('A' <= c && c <= 'F')
}

func (ini *IniFile) hex2int(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	}
	return 0
}

func (ini *IniFile) errorf(format string, args ...interface{}) *IniError {
	return &IniError{File: ini.rec.File, Line: ini.rec.Line, Message: fmt.Sprintf(format, args...)}
}

// errBadValue creates a "bad value" error tied to this record's key.
func (rec *IniRecord) errBadValue(format string, args ...interface{}) error {
	return fmt.Errorf(rec.Key+": "+format, args...)
}

// LoadBool loads a boolean value ("true"/"false").
func (rec *IniRecord) LoadBool(out *bool) error {
	switch rec.Value {
	case "false":
		*out = false
		return nil
	case "true":
		*out = true
		return nil
	default:
		return rec.errBadValue("must be true or false")
	}
}

// LoadDuration loads a millisecond count as a time.Duration.
func (rec *IniRecord) LoadDuration(out *time.Duration) error {
	var ms uint
	if err := rec.LoadUint(&ms); err != nil {
		return err
	}
	*out = time.Millisecond * time.Duration(ms)
	return nil
}

// LoadUint loads an unsigned integer.
func (rec *IniRecord) LoadUint(out *uint) error {
	num, err := strconv.ParseUint(rec.Value, 10, 0)
	if err != nil {
		return rec.errBadValue("%q: invalid number", rec.Value)
	}
	*out = uint(num)
	return nil
}

// LoadSize loads a byte count, accepting a trailing K or M multiplier
// (1K == 1024), used for chunk-size and buffer-size settings.
func (rec *IniRecord) LoadSize(out *int64) error {
	var units uint64 = 1
	value := rec.Value

	if l := len(value); l > 0 {
		switch value[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}
		if units != 1 {
			value = value[:l-1]
		}
	}

	sz, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return rec.errBadValue("%q: invalid size", rec.Value)
	}
	if sz > uint64(math.MaxInt64)/units {
		return rec.errBadValue("size too large")
	}

	*out = int64(sz * units)
	return nil
}

// LoadString loads a plain string (trims surrounding whitespace already
// stripped by the tokenizer).
func (rec *IniRecord) LoadString(out *string) error {
	*out = rec.Value
	return nil
}

// LoadCSV loads a comma-separated list of trimmed tokens.
func (rec *IniRecord) LoadCSV(out *[]string) error {
	var list []string
	for _, s := range strings.Split(rec.Value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			list = append(list, s)
		}
	}
	*out = list
	return nil
}
