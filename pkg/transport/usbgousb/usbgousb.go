// Package usbgousb implements pkg/transport's Transport and Enumerator
// contracts over real USB hardware, via github.com/google/gousb: the
// same library the teacher's usbaddr.go uses for enumeration, adapted
// here from HTTP-over-bulk-endpoint transport to PTP container
// transport over the still-image device class's bulk and interrupt
// endpoints.
package usbgousb

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/swiftmtp/core/pkg/transport"
)

// Still Image (PTP) USB device class, per the USB-IF class spec. The
// teacher matches its own class/subclass/protocol triple the same way,
// in usbcommon.go's interface classifier.
const (
	classStillImage  = 6
	subClassStillImg = 1
	protocolPTP      = 1
)

// Context enumerates and opens PTP/MTP still-image class USB devices.
// One Context should live for the life of the process; Close releases
// the underlying libusb context.
type Context struct {
	ctx *gousb.Context
}

// NewContext opens a fresh libusb context.
func NewContext() *Context {
	return &Context{ctx: gousb.NewContext()}
}

// Close releases the libusb context. No Transport opened from this
// Context may be used afterward.
func (c *Context) Close() error {
	return c.ctx.Close()
}

// Enumerate lists every attached device exposing a still-image class
// interface, without opening any of them.
func (c *Context) Enumerate(ctx context.Context) ([]transport.DeviceID, error) {
	var ids []transport.DeviceID
	_, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if isStillImageDevice(desc) {
			ids = append(ids, deviceIDFromDesc(desc))
		}
		return false // never keep a handle open just to enumerate
	})
	if err != nil {
		return nil, fmt.Errorf("usbgousb: enumerate: %w", err)
	}
	return ids, nil
}

// Open opens a transport to id, claiming its still-image interface.
// Mirrors usbaddr.go's (UsbAddr).Open: match on bus+address, keep only
// the first hit, close anything else the predicate let through.
func (c *Context) Open(ctx context.Context, id transport.DeviceID) (transport.Transport, error) {
	found := false
	devs, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if found || desc.Bus != id.Bus || desc.Address != id.Address {
			return false
		}
		found = true
		return true
	})
	if len(devs) == 0 {
		if err == nil {
			err = fmt.Errorf("device not found")
		}
		return nil, fmt.Errorf("usbgousb: open %s: %w", id, err)
	}

	t, terr := newTransport(devs[0])
	if terr != nil {
		devs[0].Close()
		return nil, terr
	}
	return t, nil
}

func isStillImageDevice(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if int(alt.Class) == classStillImage &&
					int(alt.SubClass) == subClassStillImg &&
					int(alt.Protocol) == protocolPTP {
					return true
				}
			}
		}
	}
	return false
}

func deviceIDFromDesc(desc *gousb.DeviceDesc) transport.DeviceID {
	return transport.DeviceID{
		Bus:       desc.Bus,
		Address:   desc.Address,
		VID:       uint16(desc.Vendor),
		PID:       uint16(desc.Product),
		BCDDevice: uint16(desc.Device.Major)<<8 | uint16(desc.Device.Minor),
		Serial:    serialOf(desc),
	}
}

// serialOf reads iSerialNumber lazily isn't possible without opening
// the device (gousb only exposes string descriptors through an open
// handle), so enumeration leaves Serial blank; pkg/quirks's HWID
// matching falls back to VID/PID in that case, same as it does for any
// device whose serial is unreadable.
func serialOf(desc *gousb.DeviceDesc) string {
	return ""
}

// usbTransport implements transport.Transport over one claimed
// still-image interface.
type usbTransport struct {
	id  transport.DeviceID
	dev *gousb.Device
	cfg *gousb.Config
	ifc *gousb.Interface

	bulkIn  *gousb.InEndpoint
	bulkOut *gousb.OutEndpoint
	intIn   *gousb.InEndpoint
}

func newTransport(dev *gousb.Device) (*usbTransport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("usbgousb: detach kernel driver: %w", err)
	}

	cfgNum, ifaceNum, err := findStillImageInterface(dev.Desc)
	if err != nil {
		return nil, err
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("usbgousb: set config %d: %w", cfgNum, err)
	}

	ifc, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("usbgousb: claim interface %d: %w", ifaceNum, err)
	}

	t := &usbTransport{
		id: transport.DeviceID{
			Bus: dev.Desc.Bus, Address: dev.Desc.Address,
			VID: uint16(dev.Desc.Vendor), PID: uint16(dev.Desc.Product),
			BCDDevice: uint16(dev.Desc.Device.Major)<<8 | uint16(dev.Desc.Device.Minor),
		},
		dev: dev,
		cfg: cfg,
		ifc: ifc,
	}

	if err := t.bindEndpoints(); err != nil {
		ifc.Close()
		cfg.Close()
		return nil, err
	}
	return t, nil
}

func findStillImageInterface(desc *gousb.DeviceDesc) (cfgNum, ifaceNum int, err error) {
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if int(alt.Class) == classStillImage &&
					int(alt.SubClass) == subClassStillImg &&
					int(alt.Protocol) == protocolPTP {
					return cfg.Number, iface.Number, nil
				}
			}
		}
	}
	return 0, 0, fmt.Errorf("usbgousb: no still-image interface on bus=%d addr=%d", desc.Bus, desc.Address)
}

func (t *usbTransport) bindEndpoints() error {
	for _, ep := range t.ifc.Setting.Endpoints {
		switch {
		case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn:
			in, err := t.ifc.InEndpoint(ep.Number)
			if err != nil {
				return fmt.Errorf("usbgousb: bulk-in endpoint: %w", err)
			}
			t.bulkIn = in
		case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut:
			out, err := t.ifc.OutEndpoint(ep.Number)
			if err != nil {
				return fmt.Errorf("usbgousb: bulk-out endpoint: %w", err)
			}
			t.bulkOut = out
		case ep.TransferType == gousb.TransferTypeInterrupt && ep.Direction == gousb.EndpointDirectionIn:
			in, err := t.ifc.InEndpoint(ep.Number)
			if err != nil {
				return fmt.Errorf("usbgousb: interrupt-in endpoint: %w", err)
			}
			t.intIn = in
		}
	}
	if t.bulkIn == nil || t.bulkOut == nil {
		return fmt.Errorf("usbgousb: still-image interface missing a bulk endpoint pair")
	}
	return nil
}

func (t *usbTransport) ID() transport.DeviceID { return t.id }

// Speed implements transport.Transport, translating gousb's negotiated
// link speed (read from the device descriptor at open time) into this
// module's own classification.
func (t *usbTransport) Speed() transport.Speed {
	switch t.dev.Desc.Speed {
	case gousb.SpeedLow:
		return transport.SpeedLow
	case gousb.SpeedFull:
		return transport.SpeedFull
	case gousb.SpeedHigh:
		return transport.SpeedHigh
	case gousb.SpeedSuper:
		return transport.SpeedSuper
	default:
		return transport.SpeedUnknown
	}
}

func (t *usbTransport) BulkOutInfo() transport.EndpointInfo {
	return transport.EndpointInfo{MaxPacketSize: t.bulkOut.Desc.MaxPacketSize}
}

func (t *usbTransport) BulkInInfo() transport.EndpointInfo {
	return transport.EndpointInfo{MaxPacketSize: t.bulkIn.Desc.MaxPacketSize}
}

func (t *usbTransport) BulkOut(ctx context.Context, buf []byte) error {
	_, err := cancelableIO(ctx, func() (int, error) { return t.bulkOut.Write(buf) })
	return err
}

func (t *usbTransport) BulkIn(ctx context.Context, buf []byte) (int, error) {
	return cancelableIO(ctx, func() (int, error) { return t.bulkIn.Read(buf) })
}

func (t *usbTransport) InterruptIn(ctx context.Context, buf []byte) (int, error) {
	if t.intIn == nil {
		<-ctx.Done()
		return 0, transport.ErrDisconnected
	}
	return cancelableIO(ctx, func() (int, error) { return t.intIn.Read(buf) })
}

// cancelableIO runs a blocking gousb endpoint operation on its own
// goroutine and races it against ctx, since gousb's endpoint Read/Write
// take no context themselves. The goroutine is abandoned (not joined)
// on cancellation or timeout, matching the same leak-on-cancel tradeoff
// every context-wrapped blocking syscall in Go accepts.
func cancelableIO(ctx context.Context, op func() (int, error)) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := op()
		done <- result{n, err}
	}()

	select {
	case <-ctx.Done():
		return 0, transport.ErrTimeout
	case r := <-done:
		return r.n, translateErr(r.err)
	}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == gousb.ErrorTimeout:
		return transport.ErrTimeout
	case err == gousb.ErrorPipe:
		return transport.ErrStalled
	case err == gousb.ErrorNoDevice:
		return transport.ErrDisconnected
	default:
		return fmt.Errorf("usbgousb: %w", err)
	}
}

// ClearHaltIn and ClearHaltOut send the standard CLEAR_FEATURE(ENDPOINT_HALT)
// control request to the stalled endpoint, the same recovery step the
// teacher's (*UsbInterface).ClearHalt performs via libusb_clear_halt
// (itself a thin wrapper around this exact control transfer).
func (t *usbTransport) ClearHaltIn(ctx context.Context) error {
	return t.clearHalt(t.bulkIn.Desc.Address)
}

func (t *usbTransport) ClearHaltOut(ctx context.Context) error {
	return t.clearHalt(t.bulkOut.Desc.Address)
}

const (
	reqTypeEndpointOut  = 0x02 // host-to-device, standard, endpoint recipient
	reqClearFeature     = 0x01
	featureEndpointHalt = 0x00
)

func (t *usbTransport) clearHalt(addr gousb.EndpointAddress) error {
	_, err := t.dev.Control(reqTypeEndpointOut, reqClearFeature, featureEndpointHalt, uint16(addr), nil)
	if err != nil {
		return fmt.Errorf("usbgousb: clear halt on endpoint %v: %w", addr, err)
	}
	return nil
}

// Reset performs a USB port reset, aborting any transfer in flight.
// Callers must re-probe endpoint parameters afterward, since a reset
// can renegotiate them.
func (t *usbTransport) Reset(ctx context.Context) error {
	if err := t.dev.Reset(); err != nil {
		return fmt.Errorf("usbgousb: reset: %w", err)
	}
	return nil
}

func (t *usbTransport) Close() error {
	if t.ifc != nil {
		t.ifc.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	return t.dev.Close()
}

var _ transport.Transport = (*usbTransport)(nil)
var _ transport.Enumerator = (*Context)(nil)
