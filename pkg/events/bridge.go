// Package events bridges a device actor's decoded interrupt-endpoint
// containers into typed, routable events: one copy feeds the live index
// scheduler so it can update incrementally instead of re-crawling, and
// the rest fan out to any number of external subscribers. Modeled on
// the teacher's hotplug-channel-to-PnP-loop wiring (hotplug.go/pnp.go):
// a single producer goroutine, a buffered channel relay, non-blocking
// sends so one slow consumer never stalls the others.
package events

import (
	"context"
	"sync"

	"github.com/swiftmtp/core/pkg/devlog"
	"github.com/swiftmtp/core/pkg/ptp"
)

// Kind classifies a routed event by what changed.
type Kind int

const (
	KindOther Kind = iota
	KindObjectAdded
	KindObjectRemoved
	KindStorageAdded
	KindStorageRemoved
	KindStorageInfoChanged
	KindObjectInfoChanged
	KindDevicePropChanged
	KindDeviceInfoChanged
)

func (k Kind) String() string {
	switch k {
	case KindObjectAdded:
		return "ObjectAdded"
	case KindObjectRemoved:
		return "ObjectRemoved"
	case KindStorageAdded:
		return "StorageAdded"
	case KindStorageRemoved:
		return "StorageRemoved"
	case KindStorageInfoChanged:
		return "StorageInfoChanged"
	case KindObjectInfoChanged:
		return "ObjectInfoChanged"
	case KindDevicePropChanged:
		return "DevicePropChanged"
	case KindDeviceInfoChanged:
		return "DeviceInfoChanged"
	default:
		return "Other"
	}
}

func classify(code ptp.EventCode) Kind {
	switch code {
	case ptp.EventObjectAdded:
		return KindObjectAdded
	case ptp.EventObjectRemoved:
		return KindObjectRemoved
	case ptp.EventStoreAdded:
		return KindStorageAdded
	case ptp.EventStoreRemoved:
		return KindStorageRemoved
	case ptp.EventStorageInfoChanged:
		return KindStorageInfoChanged
	case ptp.EventObjectInfoChanged:
		return KindObjectInfoChanged
	case ptp.EventDevicePropChanged:
		return KindDevicePropChanged
	case ptp.EventDeviceInfoChanged:
		return KindDeviceInfoChanged
	default:
		return KindOther
	}
}

// Event is the decoded, subscriber-facing form of one interrupt-endpoint
// container.
type Event struct {
	DeviceID string
	Kind     Kind
	Code     ptp.EventCode
	Params   []uint32
}

// Source is the device-actor capability the bridge consumes. Satisfied
// by *device.Actor.
type Source interface {
	Events() <-chan ptp.Container
}

// IndexSink is the live-index capability the bridge drives on each
// event. PTP's ObjectRemoved event carries only the handle, not its
// storage or parent: ParentOf resolves both from the catalog before the
// device forgets the object entirely, since nothing can be asked about
// it once the event fires.
type IndexSink interface {
	HandleObjectAdded(ctx context.Context, handle uint32)
	HandleObjectRemoved(storageID, handle, formerParent uint32, hadParent bool)
	HandleStorageInfoChanged(storageID uint32)
	ParentOf(handle uint32) (storageID, parentHandle uint32, hasParent, ok bool)
}

// Bridge owns the event-routing goroutine for one device. It is the
// single reader of the actor's event channel; anything else wanting
// events subscribes through it instead.
type Bridge struct {
	deviceID string
	source   Source
	sink     IndexSink
	log      *devlog.Logger

	subMu sync.Mutex
	subs  map[int]chan Event
	nextI int
}

// New constructs a bridge for one device. sink may be nil, in which case
// events are only fanned out to subscribers and never drive the index.
func New(deviceID string, source Source, sink IndexSink, log *devlog.Logger) *Bridge {
	return &Bridge{
		deviceID: deviceID,
		source:   source,
		sink:     sink,
		log:      log,
		subs:     make(map[int]chan Event),
	}
}

// Subscribe returns a channel that receives every event this bridge
// routes from now on, and an unsubscribe function. The channel has
// buffer capacity and is never closed by Subscribe's caller; call
// unsubscribe to stop receiving and let the channel be garbage
// collected. A subscriber that falls behind drops events rather than
// blocking the router, matching the actor's own Events() channel
// policy.
func (b *Bridge) Subscribe(capacity int) (<-chan Event, func()) {
	if capacity < 1 {
		capacity = 1
	}
	ch := make(chan Event, capacity)

	b.subMu.Lock()
	id := b.nextI
	b.nextI++
	b.subs[id] = ch
	b.subMu.Unlock()

	unsubscribe := func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
	return ch, unsubscribe
}

// Run reads the source's event channel until ctx is done, routing every
// container to the index sink and to subscribers. Meant to be started
// in its own goroutine alongside the session it serves, and to return
// once the caller cancels ctx (normally on device close).
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-b.source.Events():
			if !ok {
				return
			}
			b.route(ctx, c)
		}
	}
}

func (b *Bridge) route(ctx context.Context, c ptp.Container) {
	code := ptp.EventCode(c.Code)
	kind := classify(code)
	ev := Event{DeviceID: b.deviceID, Kind: kind, Code: code, Params: c.Params}

	if b.log != nil {
		b.log.Debug("event: %s params=%v", kind, c.Params)
	}

	if b.sink != nil {
		switch kind {
		case KindObjectAdded:
			if len(c.Params) >= 1 {
				b.sink.HandleObjectAdded(ctx, c.Params[0])
			}
		case KindObjectRemoved:
			if len(c.Params) >= 1 {
				handle := c.Params[0]
				storageID, parent, hasParent, ok := b.sink.ParentOf(handle)
				if !ok {
					// Never indexed; nothing to tombstone or notify.
					break
				}
				b.sink.HandleObjectRemoved(storageID, handle, parent, hasParent)
			}
		case KindStorageInfoChanged, KindStorageAdded, KindStorageRemoved:
			if len(c.Params) >= 1 {
				b.sink.HandleStorageInfoChanged(c.Params[0])
			}
		}
	}

	b.fanOut(ev)
}

func (b *Bridge) fanOut(ev Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
