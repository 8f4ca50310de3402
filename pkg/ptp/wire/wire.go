// Package wire implements the little-endian primitive codec shared by every
// PTP/MTP protocol layer. It is the one canonical encoder/decoder: no other
// package in this module is permitted to read or write raw protocol bytes
// directly.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned when a decode operation runs past the end of
// the supplied buffer.
var ErrTruncated = errors.New("wire: truncated buffer")

// MalformedStringError is returned when a length-prefixed wide string's
// length field doesn't fit the containing buffer.
type MalformedStringError struct {
	Offset int
	Length int
}

func (e *MalformedStringError) Error() string {
	return fmt.Sprintf("wire: malformed string at offset %d: length %d overflows buffer", e.Offset, e.Length)
}

// TruncatedError carries the byte offset at which a decode ran out of
// input, so callers can report where a malformed dataset broke down.
type TruncatedError struct {
	Offset int
	Need   int
	Have   int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("wire: truncated buffer at offset %d: need %d bytes, have %d", e.Offset, e.Need, e.Have)
}

func (e *TruncatedError) Unwrap() error { return ErrTruncated }

// Cursor is a zero-copy read cursor over a byte slice. It never allocates
// for primitive decodes and tracks its offset so errors can report where
// decoding failed.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor creates a Cursor over buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Offset returns the cursor's current byte offset into the original buffer.
func (c *Cursor) Offset() int { return c.off }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.off }

// take returns the next n bytes and advances the cursor, or fails with a
// TruncatedError carrying the offset at which the read would overrun.
func (c *Cursor) take(n int) ([]byte, error) {
	if c.off+n > len(c.buf) {
		return nil, &TruncatedError{Offset: c.off, Need: n, Have: len(c.buf) - c.off}
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// U8 decodes an unsigned 8-bit integer.
func (c *Cursor) U8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// I8 decodes a signed 8-bit integer.
func (c *Cursor) I8() (int8, error) {
	v, err := c.U8()
	return int8(v), err
}

// U16 decodes an unsigned 16-bit little-endian integer.
func (c *Cursor) U16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// I16 decodes a signed 16-bit little-endian integer.
func (c *Cursor) I16() (int16, error) {
	v, err := c.U16()
	return int16(v), err
}

// U32 decodes an unsigned 32-bit little-endian integer.
func (c *Cursor) U32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// I32 decodes a signed 32-bit little-endian integer.
func (c *Cursor) I32() (int32, error) {
	v, err := c.U32()
	return int32(v), err
}

// U64 decodes an unsigned 64-bit little-endian integer.
func (c *Cursor) U64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// I64 decodes a signed 64-bit little-endian integer.
func (c *Cursor) I64() (int64, error) {
	v, err := c.U64()
	return int64(v), err
}

// F32 decodes an IEEE-754 32-bit float.
func (c *Cursor) F32() (float32, error) {
	v, err := c.U32()
	return math.Float32frombits(v), err
}

// F64 decodes an IEEE-754 64-bit float.
func (c *Cursor) F64() (float64, error) {
	v, err := c.U64()
	return math.Float64frombits(v), err
}

// Bytes decodes n raw bytes, copying them so the result outlives the
// underlying buffer's lifetime assumptions.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	b, err := c.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// WideString decodes a PTP wide string: a u8 count of UTF-16 code units
// *including* the trailing U+0000, followed by that many UTF-16LE code
// units. A count of 0 means an empty string with no terminator and no
// payload. The terminator, if present, is consumed but not included in
// the returned string.
func (c *Cursor) WideString() (string, error) {
	n, err := c.U8()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}

	units := make([]uint16, 0, n)
	for i := 0; i < int(n); i++ {
		u, err := c.U16()
		if err != nil {
			return "", &MalformedStringError{Offset: c.off, Length: int(n)}
		}
		units = append(units, u)
	}

	// Drop the trailing NUL terminator, if present, without assuming
	// every device actually writes one (some don't).
	if len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}

	return decodeUTF16(units), nil
}

// Array decodes a typed array: a u32 element count followed by count
// elements, each decoded by the supplied function.
func Array[T any](c *Cursor, decodeElem func(*Cursor) (T, error)) ([]T, error) {
	n, err := c.U32()
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := decodeElem(c)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// decodeUTF16 converts UTF-16 code units, including surrogate pairs for
// characters outside the BMP, into a Go string.
func decodeUTF16(units []uint16) string {
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u <= 0xDBFF && i+1 < len(units) {
			lo := units[i+1]
			if lo >= 0xDC00 && lo <= 0xDFFF {
				r := (rune(u-0xD800) << 10) | rune(lo-0xDC00)
				runes = append(runes, r+0x10000)
				i++
				continue
			}
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}

// Encoder accumulates encoded bytes into a growable buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the accumulated buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

// U8 appends an unsigned 8-bit integer.
func (e *Encoder) U8(v uint8) { e.buf = append(e.buf, v) }

// I8 appends a signed 8-bit integer.
func (e *Encoder) I8(v int8) { e.U8(uint8(v)) }

// U16 appends an unsigned 16-bit little-endian integer.
func (e *Encoder) U16(v uint16) {
	e.buf = append(e.buf, byte(v), byte(v>>8))
}

// I16 appends a signed 16-bit little-endian integer.
func (e *Encoder) I16(v int16) { e.U16(uint16(v)) }

// U32 appends an unsigned 32-bit little-endian integer.
func (e *Encoder) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// I32 appends a signed 32-bit little-endian integer.
func (e *Encoder) I32(v int32) { e.U32(uint32(v)) }

// U64 appends an unsigned 64-bit little-endian integer.
func (e *Encoder) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// I64 appends a signed 64-bit little-endian integer.
func (e *Encoder) I64(v int64) { e.U64(uint64(v)) }

// F32 appends an IEEE-754 32-bit float.
func (e *Encoder) F32(v float32) { e.U32(math.Float32bits(v)) }

// F64 appends an IEEE-754 64-bit float.
func (e *Encoder) F64(v float64) { e.U64(math.Float64bits(v)) }

// Raw appends raw bytes verbatim.
func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }

// WideString appends a PTP wide string: a u8 unit count including the
// trailing NUL, followed by UTF-16LE code units. An empty string is
// encoded as a single zero byte with no terminator.
func (e *Encoder) WideString(s string) {
	if s == "" {
		e.U8(0)
		return
	}

	units := encodeUTF16(s)
	units = append(units, 0) // trailing NUL

	if len(units) > 255 {
		units = units[:255]
		units[254] = 0
	}

	e.U8(uint8(len(units)))
	for _, u := range units {
		e.U16(u)
	}
}

// ArrayEncode appends a u32 count followed by each element, encoded by
// encodeElem.
func ArrayEncode[T any](e *Encoder, items []T, encodeElem func(*Encoder, T)) {
	e.U32(uint32(len(items)))
	for _, it := range items {
		encodeElem(e, it)
	}
}

func encodeUTF16(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		if r <= 0xFFFF {
			out = append(out, uint16(r))
			continue
		}
		r -= 0x10000
		out = append(out, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return out
}
