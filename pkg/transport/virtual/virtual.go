// Package virtual implements an in-memory, scriptable fake of
// transport.Transport, used by every test in this module that would
// otherwise require real USB hardware: stalls, timeouts, short reads,
// and ZLP boundary behavior are all injectable.
package virtual

import (
	"context"
	"sync"

	"github.com/swiftmtp/core/pkg/transport"
)

// Fault describes a one-shot or sticky failure to inject on a named
// operation ("BulkOut", "BulkIn", "InterruptIn") at a specific call
// index (0-based, per-operation).
type Fault struct {
	Op    string
	Call  int
	Err   error
	Sticky bool // if true, every call at/after Call fails, not just one
}

// Device is a fully in-memory MTP device. Tests construct one, queue
// bytes for it to return from BulkIn/InterruptIn via PushIn/PushEvent,
// inspect what was written via TakeOut, and inject faults via
// AddFault before driving it through pkg/device.
type Device struct {
	mu sync.Mutex

	id         transport.DeviceID
	bulkOutMPS int
	bulkInMPS  int
	speed      transport.Speed

	closed bool

	outbox [][]byte // completed BulkOut writes, in order

	pending []byte     // unread remainder of the front BulkIn chunk
	inbox   [][]byte   // queued BulkIn chunks not yet started
	events  [][]byte   // queued InterruptIn packets

	faults map[string][]Fault

	bulkOutCalls     int
	bulkInCalls      int
	interruptCalls   int
	resetCount       int
	clearHaltInCount int
	clearHaltOutCount int
}

// NewDevice constructs a virtual device with the given identity and
// negotiated bulk endpoint packet sizes (0 disables ZLP computation for
// that endpoint). It defaults to SpeedHigh, the negotiated speed of the
// overwhelming majority of real MTP devices; use SetSpeed to script a
// full- or super-speed scenario.
func NewDevice(id transport.DeviceID, bulkOutMPS, bulkInMPS int) *Device {
	return &Device{
		id:         id,
		bulkOutMPS: bulkOutMPS,
		bulkInMPS:  bulkInMPS,
		speed:      transport.SpeedHigh,
		faults:     make(map[string][]Fault),
	}
}

// ID implements transport.Transport.
func (d *Device) ID() transport.DeviceID { return d.id }

// Speed implements transport.Transport.
func (d *Device) Speed() transport.Speed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// SetSpeed overrides the negotiated link speed NewDevice defaulted to.
func (d *Device) SetSpeed(s transport.Speed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speed = s
}

// BulkOutInfo implements transport.Transport.
func (d *Device) BulkOutInfo() transport.EndpointInfo {
	return transport.EndpointInfo{MaxPacketSize: d.bulkOutMPS}
}

// BulkInInfo implements transport.Transport.
func (d *Device) BulkInInfo() transport.EndpointInfo {
	return transport.EndpointInfo{MaxPacketSize: d.bulkInMPS}
}

// AddFault schedules f to be injected on its named operation.
func (d *Device) AddFault(f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[f.Op] = append(d.faults[f.Op], f)
}

// faultFor returns (and, unless sticky, consumes) a fault scheduled for
// op at the given call index, or nil.
func (d *Device) faultFor(op string, call int) error {
	list := d.faults[op]
	for i, f := range list {
		if f.Call != call && !(f.Sticky && call >= f.Call) {
			continue
		}
		if !f.Sticky {
			d.faults[op] = append(append([]Fault{}, list[:i]...), list[i+1:]...)
		}
		return f.Err
	}
	return nil
}

// PushIn queues a chunk of bytes to be returned by future BulkIn calls,
// in FIFO order. A chunk larger than the caller's buffer is split across
// multiple BulkIn calls, matching real bulk transfer semantics.
func (d *Device) PushIn(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	d.inbox = append(d.inbox, cp)
}

// PushEvent queues an interrupt packet to be returned by a future
// InterruptIn call.
func (d *Device) PushEvent(packet []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(packet))
	copy(cp, packet)
	d.events = append(d.events, cp)
}

// TakeOut drains and returns all bytes written via BulkOut since the
// last call to TakeOut, concatenated in write order.
func (d *Device) TakeOut() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []byte
	for _, w := range d.outbox {
		all = append(all, w...)
	}
	d.outbox = nil
	return all
}

// ResetCount reports how many times Reset has been called.
func (d *Device) ResetCount() int { return d.resetCount }

// ClearHaltCounts reports how many times ClearHaltIn/ClearHaltOut have
// been called.
func (d *Device) ClearHaltCounts() (in, out int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearHaltInCount, d.clearHaltOutCount
}

// BulkOut implements transport.Transport.
func (d *Device) BulkOut(ctx context.Context, buf []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return transport.ErrDisconnected
	}
	call := d.bulkOutCalls
	d.bulkOutCalls++
	err := d.faultFor("BulkOut", call)
	if err == nil {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		d.outbox = append(d.outbox, cp)
	}
	d.mu.Unlock()

	if err != nil {
		return err
	}
	return ctxErr(ctx)
}

// BulkIn implements transport.Transport.
func (d *Device) BulkIn(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, transport.ErrDisconnected
	}

	call := d.bulkInCalls
	d.bulkInCalls++
	if err := d.faultFor("BulkIn", call); err != nil {
		return 0, err
	}

	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	if len(d.pending) == 0 {
		if len(d.inbox) == 0 {
			return 0, nil // no more data queued: natural short read / EOF
		}
		d.pending = d.inbox[0]
		d.inbox = d.inbox[1:]
	}

	n := copy(buf, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// InterruptIn implements transport.Transport.
func (d *Device) InterruptIn(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, transport.ErrDisconnected
	}

	call := d.interruptCalls
	d.interruptCalls++
	if err := d.faultFor("InterruptIn", call); err != nil {
		return 0, err
	}
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	if len(d.events) == 0 {
		return 0, transport.ErrTimeout
	}

	packet := d.events[0]
	d.events = d.events[1:]
	n := copy(buf, packet)
	return n, nil
}

// ClearHaltIn implements transport.Transport.
func (d *Device) ClearHaltIn(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearHaltInCount++
	return nil
}

// ClearHaltOut implements transport.Transport.
func (d *Device) ClearHaltOut(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearHaltOutCount++
	return nil
}

// Reset implements transport.Transport. It only counts the call: queued
// faults, inbox and event data are all left in place, since tests use
// Reset to model recovery mid-scenario.
func (d *Device) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCount++
	return nil
}

// Close implements transport.Transport.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return transport.ErrTimeout
	default:
		return nil
	}
}
