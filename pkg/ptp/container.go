package ptp

import (
	"fmt"

	"github.com/swiftmtp/core/pkg/ptp/wire"
)

// ContainerHeaderSize is the fixed-size header every container carries:
// length (u32) + type (u16) + code (u16) + transaction ID (u32).
const ContainerHeaderSize = 12

// MaxParams is the maximum number of u32 parameters a Command or Response
// container may carry.
const MaxParams = 5

// DecodeError wraps a codec failure with the byte offset at which it
// occurred, so an unknown-vendor device's malformed dataset can be
// diagnosed without crashing the session.
type DecodeError struct {
	What   string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ptp: decode %s at offset %d: %s", e.What, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Container is a decoded PTP container header plus its payload/parameters.
// Which fields are meaningful depends on Type:
//   - Command/Response: Params holds up to MaxParams u32 parameters.
//   - Data/Event: Payload holds the container's data bytes (Event reuses
//     Params for its up-to-3 event parameters per the PTP event format).
type Container struct {
	Type          ContainerType
	Code          uint16 // OpCode, ResponseCode, or EventCode depending on Type
	TransactionID uint32
	Params        []uint32
	Payload       []byte
}

// EncodeCommand encodes a Command container for the given operation,
// transaction ID, and up to MaxParams parameters.
func EncodeCommand(op OpCode, tid uint32, params ...uint32) []byte {
	return encodeParamContainer(ContainerCommand, uint16(op), tid, params)
}

// EncodeResponse encodes a Response container.
func EncodeResponse(code ResponseCode, tid uint32, params ...uint32) []byte {
	return encodeParamContainer(ContainerResponse, uint16(code), tid, params)
}

// EncodeData encodes a Data container carrying payload.
func EncodeData(op OpCode, tid uint32, payload []byte) []byte {
	e := wire.NewEncoder()
	e.U32(uint32(ContainerHeaderSize + len(payload)))
	e.U16(uint16(ContainerData))
	e.U16(uint16(op))
	e.U32(tid)
	e.Raw(payload)
	return e.Bytes()
}

func encodeParamContainer(t ContainerType, code uint16, tid uint32, params []uint32) []byte {
	if len(params) > MaxParams {
		params = params[:MaxParams]
	}

	e := wire.NewEncoder()
	e.U32(uint32(ContainerHeaderSize + 4*len(params)))
	e.U16(uint16(t))
	e.U16(code)
	e.U32(tid)
	for _, p := range params {
		e.U32(p)
	}
	return e.Bytes()
}

// DecodeHeader decodes just the fixed 12-byte container header, returning
// the declared total length (including the header itself) and a Container
// with Type/Code/TransactionID populated. Callers use the returned length
// to know how many more bytes to read before calling DecodeBody.
func DecodeHeader(buf []byte) (hdr Container, totalLen uint32, err error) {
	c := wire.NewCursor(buf)

	totalLen, err = c.U32()
	if err != nil {
		return Container{}, 0, &DecodeError{What: "container length", Offset: c.Offset(), Err: err}
	}

	t, err := c.U16()
	if err != nil {
		return Container{}, 0, &DecodeError{What: "container type", Offset: c.Offset(), Err: err}
	}

	code, err := c.U16()
	if err != nil {
		return Container{}, 0, &DecodeError{What: "container code", Offset: c.Offset(), Err: err}
	}

	tid, err := c.U32()
	if err != nil {
		return Container{}, 0, &DecodeError{What: "container transaction id", Offset: c.Offset(), Err: err}
	}

	hdr = Container{Type: ContainerType(t), Code: code, TransactionID: tid}
	return hdr, totalLen, nil
}

// DecodeBody fills in Params or Payload on an already-header-decoded
// Container, given the full container bytes (header included).
func DecodeBody(hdr Container, full []byte) (Container, error) {
	if len(full) < ContainerHeaderSize {
		return hdr, &DecodeError{What: "container body", Offset: 0, Err: wire.ErrTruncated}
	}

	rest := full[ContainerHeaderSize:]

	switch hdr.Type {
	case ContainerCommand, ContainerResponse:
		c := wire.NewCursor(rest)
		var params []uint32
		for c.Remaining() >= 4 {
			p, err := c.U32()
			if err != nil {
				return hdr, &DecodeError{What: "container parameter", Offset: ContainerHeaderSize + c.Offset(), Err: err}
			}
			params = append(params, p)
			if len(params) == MaxParams {
				break
			}
		}
		hdr.Params = params

	case ContainerEvent:
		c := wire.NewCursor(rest)
		var params []uint32
		for c.Remaining() >= 4 && len(params) < 3 {
			p, err := c.U32()
			if err != nil {
				break
			}
			params = append(params, p)
		}
		hdr.Params = params

	case ContainerData:
		payload := make([]byte, len(rest))
		copy(payload, rest)
		hdr.Payload = payload

	default:
		return hdr, &DecodeError{What: "container type", Offset: 4, Err: fmt.Errorf("unrecognized container type %#x", hdr.Type)}
	}

	return hdr, nil
}

// NeedsZLP reports whether a transfer of n bytes over an endpoint with the
// given max packet size must be terminated by a zero-length packet: true
// iff n is a nonzero multiple of wMaxPacketSize. A decoder must tolerate
// the ZLP's presence or absence at this boundary.
func NeedsZLP(n int, wMaxPacketSize int) bool {
	return wMaxPacketSize > 0 && n > 0 && n%wMaxPacketSize == 0
}
