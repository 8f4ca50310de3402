package events

import (
	"context"
	"testing"
	"time"

	"github.com/swiftmtp/core/pkg/ptp"
)

// fakeSource is a canned event source: a channel the test pushes
// containers onto directly, standing in for *device.Actor.Events().
type fakeSource struct {
	ch chan ptp.Container
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan ptp.Container, 8)}
}

func (f *fakeSource) Events() <-chan ptp.Container { return f.ch }

// fakeSink records every call the bridge makes to it.
type fakeSink struct {
	added      []uint32
	removed    []uint32
	storageChg []uint32
	parentByH  map[uint32][3]uint32 // handle -> [storageID, parentHandle, hasParent(0/1)]
}

func newFakeSink() *fakeSink {
	return &fakeSink{parentByH: make(map[uint32][3]uint32)}
}

func (f *fakeSink) HandleObjectAdded(ctx context.Context, handle uint32) {
	f.added = append(f.added, handle)
}

func (f *fakeSink) HandleObjectRemoved(storageID, handle, formerParent uint32, hadParent bool) {
	f.removed = append(f.removed, handle)
}

func (f *fakeSink) HandleStorageInfoChanged(storageID uint32) {
	f.storageChg = append(f.storageChg, storageID)
}

func (f *fakeSink) ParentOf(handle uint32) (storageID, parentHandle uint32, hasParent, ok bool) {
	v, found := f.parentByH[handle]
	if !found {
		return 0, 0, false, false
	}
	return v[0], v[1], v[2] != 0, true
}

func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestRouteObjectAddedCallsSinkAndFansOutToSubscriber(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink()
	b := New("dev-1", src, sink, nil)

	sub, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	src.ch <- ptp.Container{Type: ptp.ContainerEvent, Code: uint16(ptp.EventObjectAdded), Params: []uint32{42}}

	waitFor(t, func() bool { return len(sink.added) == 1 })
	if sink.added[0] != 42 {
		t.Fatalf("sink.added = %v, want [42]", sink.added)
	}

	select {
	case ev := <-sub:
		if ev.Kind != KindObjectAdded || ev.Params[0] != 42 {
			t.Fatalf("subscriber event = %+v, want ObjectAdded handle 42", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber never received event")
	}
}

func TestRouteObjectRemovedResolvesParentThenTombstones(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink()
	sink.parentByH[99] = [3]uint32{1, 5, 1}
	b := New("dev-1", src, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	src.ch <- ptp.Container{Type: ptp.ContainerEvent, Code: uint16(ptp.EventObjectRemoved), Params: []uint32{99}}

	waitFor(t, func() bool { return len(sink.removed) == 1 })
	if sink.removed[0] != 99 {
		t.Fatalf("sink.removed = %v, want [99]", sink.removed)
	}
}

func TestRouteObjectRemovedUnknownHandleSkipsSink(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink()
	b := New("dev-1", src, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	src.ch <- ptp.Container{Type: ptp.ContainerEvent, Code: uint16(ptp.EventObjectRemoved), Params: []uint32{7}}
	// Push a second, known event and wait for it, proving the loop kept
	// running past the unknown-handle removal instead of getting stuck.
	sink.parentByH[8] = [3]uint32{1, 0, 0}
	src.ch <- ptp.Container{Type: ptp.ContainerEvent, Code: uint16(ptp.EventObjectRemoved), Params: []uint32{8}}

	waitFor(t, func() bool { return len(sink.removed) == 1 })
	if sink.removed[0] != 8 {
		t.Fatalf("sink.removed = %v, want only the known handle 8", sink.removed)
	}
}

func TestRouteStorageInfoChanged(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink()
	b := New("dev-1", src, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	src.ch <- ptp.Container{Type: ptp.ContainerEvent, Code: uint16(ptp.EventStorageInfoChanged), Params: []uint32{3}}

	waitFor(t, func() bool { return len(sink.storageChg) == 1 })
	if sink.storageChg[0] != 3 {
		t.Fatalf("sink.storageChg = %v, want [3]", sink.storageChg)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	src := newFakeSource()
	b := New("dev-1", src, newFakeSink(), nil)

	sub, unsubscribe := b.Subscribe(4)
	unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	src.ch <- ptp.Container{Type: ptp.ContainerEvent, Code: uint16(ptp.EventDevicePropChanged), Params: []uint32{1}}

	select {
	case ev, ok := <-sub:
		if ok {
			t.Fatalf("unsubscribed channel received %+v, want no delivery", ev)
		}
	case <-time.After(100 * time.Millisecond):
		// No delivery within the window: expected.
	}
}
