package virtual

import (
	"context"
	"fmt"

	"github.com/swiftmtp/core/pkg/transport"
)

// Registry is a fixed set of virtual devices, implementing
// transport.Enumerator so tests can exercise the device actor and probe
// exactly as they would against pkg/transport/usbgousb.
type Registry struct {
	devices map[transport.DeviceID]*Device
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[transport.DeviceID]*Device)}
}

// Add makes d discoverable by Enumerate/Open under its own ID.
func (r *Registry) Add(d *Device) {
	r.devices[d.ID()] = d
}

// Remove simulates physical unplug: the device no longer enumerates, and
// any already-open Transport starts returning ErrDisconnected.
func (r *Registry) Remove(id transport.DeviceID) {
	if d, ok := r.devices[id]; ok {
		d.Close()
		delete(r.devices, id)
	}
}

// Enumerate implements transport.Enumerator.
func (r *Registry) Enumerate(ctx context.Context) ([]transport.DeviceID, error) {
	ids := make([]transport.DeviceID, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	return ids, nil
}

// Open implements transport.Enumerator.
func (r *Registry) Open(ctx context.Context, id transport.DeviceID) (transport.Transport, error) {
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("virtual: no such device %s", id)
	}
	return d, nil
}
