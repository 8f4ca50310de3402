// Package xfer implements the chunked, pipelined bulk transfer engine:
// reading an object off the device to a local temp file and renaming it
// into place on completion, and writing a local file to the device with
// write-target fallback when the intended folder rejects it. Every
// transfer is journaled so a crashed or disconnected session can resume
// or clean up on the next open.
package xfer

import (
	"context"
	"fmt"

	"github.com/swiftmtp/core/pkg/device"
	"github.com/swiftmtp/core/pkg/mtperr"
	"github.com/swiftmtp/core/pkg/ptp"
	"github.com/swiftmtp/core/pkg/ptp/wire"
	"github.com/swiftmtp/core/pkg/quirks"
)

// ByteRange is an optional read window; nil means "the whole object".
type ByteRange struct {
	Offset uint64
	Length uint64
}

// Progress is one update in a read or write's progress stream. The
// final value sent on the channel has Done set, with Err nil on success.
type Progress struct {
	TransferID     string
	CommittedBytes uint64
	TotalBytes     uint64
	Done           bool
	Err            error
}

// Engine drives reads and writes against one open device session. It
// holds no transport state of its own: every wire operation goes through
// actor.Transact, which serializes it against the rest of the session.
type Engine struct {
	actor    *device.Actor
	journal  Journal
	policy   quirks.DevicePolicy
	deviceID string
}

// NewEngine constructs a transfer engine over an already-open device
// actor. policy is the same DevicePolicy the actor itself was opened
// with, so maxChunkBytes and the write-target ladder stay consistent
// between probe and transfer.
func NewEngine(actor *device.Actor, journal Journal, policy quirks.DevicePolicy, deviceID string) *Engine {
	return &Engine{actor: actor, journal: journal, policy: policy, deviceID: deviceID}
}

// Reconcile walks the journal's resumable records for this device and
// deletes any write's dangling remote partial object before further use
// of the session, per the reopen reconciliation rule: a write that
// crashed mid-transfer may have left a zero-or-partial-length object on
// the device with no corresponding local completion.
func (e *Engine) Reconcile(ctx context.Context) error {
	records, err := e.journal.LoadResumables(e.deviceID)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Kind != KindWrite || r.RemoteHandle == 0 {
			continue
		}
		if err := e.reconcilePartial(ctx, r.RemoteHandle); err != nil {
			if a, ok := mtperr.As(err); !ok || a.Kind != mtperr.KindNoDevice {
				return err
			}
		}
		if err := e.journal.Fail(r.ID, fmt.Errorf("remote partial reconciled on reopen")); err != nil {
			return err
		}
	}
	return nil
}

// reconcilePartial best-effort deletes a partially-written remote
// object. Failure to delete (the object may already be gone) is not
// itself surfaced as fatal; callers only act on transport-level failure.
func (e *Engine) reconcilePartial(ctx context.Context, handle uint32) error {
	_, _, err := e.actor.Transact(ctx, ptp.OpDeleteObject, []uint32{handle, 0}, nil)
	if err == nil {
		return nil
	}
	if m, ok := mtperr.As(err); ok && m.Kind == mtperr.KindProtocolError {
		// Already gone or never created: not an error worth surfacing.
		return nil
	}
	return err
}

func (e *Engine) getObjectInfo(ctx context.Context, handle uint32) (ptp.ObjectInfo, error) {
	_, payload, err := e.actor.Transact(ctx, ptp.OpGetObjectInfo, []uint32{handle}, nil)
	if err != nil {
		return ptp.ObjectInfo{}, err
	}
	info, derr := ptp.DecodeObjectInfo(payload)
	if derr != nil {
		return ptp.ObjectInfo{}, mtperr.Wrap(mtperr.KindMalformed, "GetObjectInfo", derr)
	}
	info.Handle = handle
	if info.SizeUnknown() {
		size64, err := e.objectSize64(ctx, handle)
		if err != nil {
			return info, err
		}
		info.MergeSize64(size64)
	}
	return info, nil
}

// objectSize64 fetches ObjectSize (0xDC04) via GetObjectPropValue, the
// fallback this engine uses whenever ObjectInfo's u32 size field reports
// the "too large" sentinel.
func (e *Engine) objectSize64(ctx context.Context, handle uint32) (uint64, error) {
	_, payload, err := e.actor.Transact(ctx, ptp.OpGetObjectPropValue, []uint32{handle, uint32(ptp.PropObjectSize)}, nil)
	if err != nil {
		return 0, err
	}
	c := wire.NewCursor(payload)
	v, err := c.U64()
	if err != nil {
		return 0, mtperr.Wrap(mtperr.KindMalformed, "GetObjectPropValue(ObjectSize)", err)
	}
	return v, nil
}

func decodeU32Array(payload []byte) ([]uint32, error) {
	c := wire.NewCursor(payload)
	return wire.Array(c, func(c *wire.Cursor) (uint32, error) { return c.U32() })
}

func (e *Engine) maxChunkBytes() uint64 {
	if n := e.actor.Receipt().MaxChunkBytes; n > 0 {
		return n
	}
	return e.policy.MinChunkSize
}
