package virtual

import (
	"bytes"
	"context"
	"testing"

	"github.com/swiftmtp/core/pkg/transport"
)

func testID() transport.DeviceID {
	return transport.DeviceID{Bus: 1, Address: 2, VID: 0x1234, PID: 0x5678}
}

func TestBulkOutRecordsWrites(t *testing.T) {
	d := NewDevice(testID(), 512, 512)
	ctx := context.Background()

	if err := d.BulkOut(ctx, []byte("hello")); err != nil {
		t.Fatalf("BulkOut: %v", err)
	}
	if err := d.BulkOut(ctx, []byte(" world")); err != nil {
		t.Fatalf("BulkOut: %v", err)
	}

	got := d.TakeOut()
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("TakeOut() = %q, want %q", got, "hello world")
	}
	if len(d.TakeOut()) != 0 {
		t.Fatalf("TakeOut() after drain should be empty")
	}
}

func TestBulkInSplitsChunkAcrossSmallBuffers(t *testing.T) {
	d := NewDevice(testID(), 512, 512)
	ctx := context.Background()
	d.PushIn([]byte("0123456789"))

	buf := make([]byte, 4)
	var got []byte
	for {
		n, err := d.BulkIn(ctx, buf)
		if err != nil {
			t.Fatalf("BulkIn: %v", err)
		}
		got = append(got, buf[:n]...)
		if n == 0 {
			break
		}
	}
	if !bytes.Equal(got, []byte("0123456789")) {
		t.Fatalf("got %q, want %q", got, "0123456789")
	}
}

func TestBulkInEmptyInboxIsShortReadNotError(t *testing.T) {
	d := NewDevice(testID(), 512, 512)
	n, err := d.BulkIn(context.Background(), make([]byte, 16))
	if err != nil {
		t.Fatalf("BulkIn: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
}

func TestAddFaultOneShotStall(t *testing.T) {
	d := NewDevice(testID(), 512, 512)
	d.AddFault(Fault{Op: "BulkOut", Call: 0, Err: transport.ErrStalled})

	ctx := context.Background()
	if err := d.BulkOut(ctx, []byte("x")); err != transport.ErrStalled {
		t.Fatalf("first BulkOut err = %v, want ErrStalled", err)
	}
	if err := d.BulkOut(ctx, []byte("y")); err != nil {
		t.Fatalf("second BulkOut err = %v, want nil (fault consumed)", err)
	}
}

func TestAddFaultStickyAffectsAllSubsequentCalls(t *testing.T) {
	d := NewDevice(testID(), 512, 512)
	d.AddFault(Fault{Op: "BulkIn", Call: 1, Err: transport.ErrTimeout, Sticky: true})
	d.PushIn([]byte("abc"))

	ctx := context.Background()
	if _, err := d.BulkIn(ctx, make([]byte, 8)); err != nil {
		t.Fatalf("call 0: %v", err)
	}
	if _, err := d.BulkIn(ctx, make([]byte, 8)); err != transport.ErrTimeout {
		t.Fatalf("call 1: %v, want ErrTimeout", err)
	}
	if _, err := d.BulkIn(ctx, make([]byte, 8)); err != transport.ErrTimeout {
		t.Fatalf("call 2: %v, want ErrTimeout (sticky)", err)
	}
}

func TestResetAndClearHaltCounted(t *testing.T) {
	d := NewDevice(testID(), 512, 512)
	ctx := context.Background()

	d.ClearHaltIn(ctx)
	d.ClearHaltIn(ctx)
	d.ClearHaltOut(ctx)
	d.Reset(ctx)

	in, out := d.ClearHaltCounts()
	if in != 2 || out != 1 {
		t.Fatalf("ClearHaltCounts() = (%d,%d), want (2,1)", in, out)
	}
	if d.ResetCount() != 1 {
		t.Fatalf("ResetCount() = %d, want 1", d.ResetCount())
	}
}

func TestCloseMakesSubsequentCallsDisconnected(t *testing.T) {
	d := NewDevice(testID(), 512, 512)
	d.Close()

	if err := d.BulkOut(context.Background(), []byte("x")); err != transport.ErrDisconnected {
		t.Fatalf("BulkOut after Close: %v, want ErrDisconnected", err)
	}
	if _, err := d.BulkIn(context.Background(), make([]byte, 1)); err != transport.ErrDisconnected {
		t.Fatalf("BulkIn after Close: %v, want ErrDisconnected", err)
	}
}

func TestRegistryEnumerateAndOpen(t *testing.T) {
	r := NewRegistry()
	d := NewDevice(testID(), 512, 512)
	r.Add(d)

	ids, err := r.Enumerate(context.Background())
	if err != nil || len(ids) != 1 {
		t.Fatalf("Enumerate: %v, %d ids", err, len(ids))
	}

	tr, err := r.Open(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tr.ID() != testID() {
		t.Fatalf("Open returned wrong device")
	}
}

func TestRegistryRemoveSimulatesUnplug(t *testing.T) {
	r := NewRegistry()
	d := NewDevice(testID(), 512, 512)
	r.Add(d)
	r.Remove(testID())

	ids, _ := r.Enumerate(context.Background())
	if len(ids) != 0 {
		t.Fatalf("Enumerate after Remove: %d ids, want 0", len(ids))
	}
	if err := d.BulkOut(context.Background(), []byte("x")); err != transport.ErrDisconnected {
		t.Fatalf("BulkOut on removed device: %v, want ErrDisconnected", err)
	}
}
