package mtp

import (
	"context"

	"github.com/swiftmtp/core/pkg/device"
	"github.com/swiftmtp/core/pkg/mtperr"
	"github.com/swiftmtp/core/pkg/ptp"
	"github.com/swiftmtp/core/pkg/ptp/wire"
)

// actorLister adapts a *device.Actor to internal/index's Lister
// interface: the four read-only PTP transactions the crawl scheduler
// needs, with no knowledge of the scheduler's own bookkeeping.
type actorLister struct {
	actor *device.Actor
}

func (l *actorLister) ListStorageIDs(ctx context.Context) ([]uint32, error) {
	_, payload, err := l.actor.Transact(ctx, ptp.OpGetStorageIDs, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeU32Array(payload)
}

func (l *actorLister) GetStorageInfo(ctx context.Context, storageID uint32) (ptp.StorageInfo, error) {
	_, payload, err := l.actor.Transact(ctx, ptp.OpGetStorageInfo, []uint32{storageID}, nil)
	if err != nil {
		return ptp.StorageInfo{}, err
	}
	info, derr := ptp.DecodeStorageInfo(payload)
	if derr != nil {
		return ptp.StorageInfo{}, mtperr.Wrap(mtperr.KindMalformed, "GetStorageInfo", derr)
	}
	return info, nil
}

func (l *actorLister) ListObjectHandles(ctx context.Context, storageID, parentHandle uint32) ([]uint32, error) {
	// PTP's "no parent" handle for a storage root enumeration is
	// 0xFFFFFFFF, not 0; the root job itself always carries
	// parentHandle 0 per internal/index's convention.
	parent := parentHandle
	if parent == 0 {
		parent = 0xFFFFFFFF
	}
	_, payload, err := l.actor.Transact(ctx, ptp.OpGetObjectHandles, []uint32{storageID, 0, parent}, nil)
	if err != nil {
		return nil, err
	}
	return decodeU32Array(payload)
}

func (l *actorLister) GetObjectInfo(ctx context.Context, handle uint32) (ptp.ObjectInfo, error) {
	_, payload, err := l.actor.Transact(ctx, ptp.OpGetObjectInfo, []uint32{handle}, nil)
	if err != nil {
		return ptp.ObjectInfo{}, err
	}
	info, derr := ptp.DecodeObjectInfo(payload)
	if derr != nil {
		return ptp.ObjectInfo{}, mtperr.Wrap(mtperr.KindMalformed, "GetObjectInfo", derr)
	}
	info.Handle = handle
	return info, nil
}

func decodeU32Array(payload []byte) ([]uint32, error) {
	c := wire.NewCursor(payload)
	vals, err := wire.Array(c, func(c *wire.Cursor) (uint32, error) { return c.U32() })
	if err != nil {
		return nil, mtperr.Wrap(mtperr.KindMalformed, "decode u32 array", err)
	}
	return vals, nil
}
