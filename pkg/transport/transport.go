// Package transport defines the USB bulk/interrupt transport contract
// the device actor drives, and nothing else: no PTP semantics, no
// retries, no policy. Two implementations exist: pkg/transport/usbgousb
// (real devices, via gousb/libusb) and pkg/transport/virtual (an
// in-memory fake used by every test in this module that would otherwise
// need real hardware).
package transport

import (
	"context"
	"errors"
	"fmt"
)

// DeviceID identifies one USB device across enumeration calls: bus
// address plus the identifying HWID, since the bus address can be
// reassigned across a reset.
type DeviceID struct {
	Bus, Address int
	VID, PID     uint16
	BCDDevice    uint16
	Serial       string
}

func (d DeviceID) String() string {
	return fmt.Sprintf("bus=%d addr=%d vid=%04x pid=%04x", d.Bus, d.Address, d.VID, d.PID)
}

// ErrStalled is returned by BulkIn/BulkOut/InterruptIn when the
// endpoint reports STALL.
var ErrStalled = errors.New("transport: endpoint stalled")

// ErrTimeout is returned when a transfer's deadline elapses before it
// completes.
var ErrTimeout = errors.New("transport: operation timed out")

// ErrDisconnected is returned by any operation on a device that has been
// physically removed or whose handle has been invalidated by a reset.
var ErrDisconnected = errors.New("transport: device disconnected")

// EndpointInfo describes one bulk or interrupt endpoint's negotiated
// transfer parameters, needed to compute ZLP boundaries.
type EndpointInfo struct {
	MaxPacketSize int
}

// Speed classifies a device's negotiated USB link speed, used to raise
// the transfer engine's chunk-size floor on faster links.
type Speed int

// Speed classes, in ascending order.
const (
	SpeedUnknown Speed = iota
	SpeedLow           // USB 1.0/1.1, 1.5 Mbit/s
	SpeedFull          // USB 1.1, 12 Mbit/s
	SpeedHigh          // USB 2.0, 480 Mbit/s
	SpeedSuper         // USB 3.x, 5 Gbit/s or faster
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

// Transport is the USB-facing contract the device actor drives. All
// methods must be safe to call from a single goroutine at a time (the
// device actor serializes access); they need not be safe for concurrent
// use by multiple goroutines.
type Transport interface {
	// ID returns the identity of the opened device.
	ID() DeviceID

	// Speed reports the negotiated USB link speed, so probe can raise
	// the transfer engine's chunk-size floor for faster links.
	Speed() Speed

	// BulkOutInfo and BulkInInfo report the negotiated endpoint
	// parameters for NeedsZLP computation.
	BulkOutInfo() EndpointInfo
	BulkInInfo() EndpointInfo

	// BulkOut writes buf to the bulk-out endpoint in full, or returns an
	// error. Callers are responsible for following a multiple-of-
	// wMaxPacketSize write with a zero-length packet when NeedsZLP
	// requires it; BulkOutsends exactly what it is given.
	BulkOut(ctx context.Context, buf []byte) error

	// BulkIn reads up to len(buf) bytes from the bulk-in endpoint into
	// buf, returning the number of bytes actually read. A short read
	// (n < len(buf)) with a nil error signals the transfer's natural
	// end, matching USB bulk semantics.
	BulkIn(ctx context.Context, buf []byte) (n int, err error)

	// InterruptIn reads one interrupt packet (a PTP Event container)
	// into buf, blocking until one arrives or ctx is done.
	InterruptIn(ctx context.Context, buf []byte) (n int, err error)

	// ClearHalt clears a stall condition on the given endpoint
	// direction, without resetting the whole device.
	ClearHaltIn(ctx context.Context) error
	ClearHaltOut(ctx context.Context) error

	// Reset performs a USB port/device reset. Any in-flight transfer is
	// aborted; the caller must re-probe endpoint parameters afterward.
	Reset(ctx context.Context) error

	// Close releases the underlying device handle. Subsequent calls to
	// any other method return ErrDisconnected.
	Close() error
}

// Enumerator discovers candidate MTP devices without opening them, so
// the caller can consult pkg/quirks before deciding to open one.
type Enumerator interface {
	// Enumerate lists devices whose USB interface class/subclass/protocol
	// matches the PTP/MTP still-image class. Devices outside that class
	// are not listed, whatever the quirks database says about them.
	Enumerate(ctx context.Context) ([]DeviceID, error)

	// Open opens a transport to the given device.
	Open(ctx context.Context, id DeviceID) (Transport, error)
}
