package xfer

import (
	"context"
	"io"

	"github.com/swiftmtp/core/pkg/mtperr"
	"github.com/swiftmtp/core/pkg/ptp"
)

// maxLadderAttempts bounds the write-target ladder walk: the explicit
// parent (if any) plus at most this many fallback rungs before giving up
// on a named rung and creating the final SwiftMTP/ folder.
const maxLadderAttempts = 6

// Write sends size bytes read from from as a new object named name under
// parentHandle (0 = storage root) on storageID, returning a progress
// stream. If parentHandle is rejected and the policy declares a
// writeTargetLadder, each rung is tried in turn before falling back to a
// created-if-absent "SwiftMTP" folder at the root.
func (e *Engine) Write(ctx context.Context, storageID, parentHandle uint32, name string, size uint64, from io.Reader) <-chan Progress {
	out := make(chan Progress, 8)
	go e.runWrite(ctx, storageID, parentHandle, name, size, from, out)
	return out
}

func (e *Engine) runWrite(ctx context.Context, storageID, parentHandle uint32, name string, size uint64, from io.Reader, out chan<- Progress) {
	defer close(out)

	id, err := e.journal.BeginWrite(e.deviceID, parentHandle, storageID, name, size, "", "")
	if err != nil {
		out <- Progress{Done: true, Err: err}
		return
	}

	target, err := e.resolveWriteTarget(ctx, storageID, parentHandle)
	if err != nil {
		e.journal.Fail(id, err)
		out <- Progress{TransferID: id, Done: true, Err: err}
		return
	}

	handle, err := e.sendObjectInfo(ctx, storageID, target, ptp.ObjectInfo{
		StorageID:       storageID,
		ObjectFormat:    ptp.FormatUndefined,
		ParentObject:    target,
		ObjectSizeBytes: size,
		Filename:        name,
	})
	if err != nil {
		e.journal.Fail(id, err)
		out <- Progress{TransferID: id, Done: true, Err: err}
		return
	}
	if err := e.journal.RecordRemoteHandle(id, handle); err != nil {
		out <- Progress{TransferID: id, Done: true, Err: err}
		return
	}

	committed, err := e.sendObjectData(ctx, handle, size, from, func(n uint64) {
		e.journal.UpdateProgress(id, n)
		out <- Progress{TransferID: id, CommittedBytes: n, TotalBytes: size}
	})
	if err != nil {
		e.reconcilePartial(ctx, handle)
		e.journal.Fail(id, err)
		out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: size, Done: true, Err: err}
		return
	}

	if err := e.journal.Complete(id); err != nil {
		out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: size, Done: true, Err: err}
		return
	}
	out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: size, Done: true}
}

// sendObjectData performs SendObject's data-out phase as one streamed
// PTP transaction, chunked at the bulk-OUT level rather than as separate
// transactions (SendObject has exactly one data phase regardless of how
// many bulk packets it takes).
func (e *Engine) sendObjectData(ctx context.Context, handle uint32, size uint64, from io.Reader, onCommit func(uint64)) (uint64, error) {
	buf := getChunk(e.maxChunkBytes())
	defer putChunk(buf)

	var committed uint64
	_, err := e.actor.SendStream(ctx, ptp.OpSendObject, nil, size, from, buf, func(sent uint64) {
		committed = sent
		onCommit(sent)
	})
	if err != nil {
		return committed, err
	}
	return committed, nil
}

// resolveWriteTarget tries parentHandle first (the caller's intended
// location), then each rung of the policy's write-target ladder, then
// falls back to a created-if-absent "SwiftMTP" folder at the storage
// root. A rung is abandoned on a retryable rejection and the walk moves
// to the next one; any other error aborts immediately.
func (e *Engine) resolveWriteTarget(ctx context.Context, storageID, parentHandle uint32) (uint32, error) {
	if ok, err := e.probeParent(ctx, storageID, parentHandle); err != nil {
		return 0, err
	} else if ok {
		return parentHandle, nil
	}

	attempts := 0
	for _, rung := range e.policy.WriteTargetLadder {
		if attempts >= maxLadderAttempts {
			break
		}
		attempts++
		folder, err := e.resolveOrCreateFolder(ctx, storageID, 0, rung)
		if err != nil {
			if !retryableTarget(err) {
				return 0, err
			}
			continue
		}
		return folder, nil
	}

	return e.resolveOrCreateFolder(ctx, storageID, 0, "SwiftMTP")
}

// probeParent reports whether parentHandle is a usable write target: 0
// (storage root) always is; anything else must resolve to an existing
// association (folder) via GetObjectInfo.
func (e *Engine) probeParent(ctx context.Context, storageID, parentHandle uint32) (bool, error) {
	if parentHandle == 0 {
		return true, nil
	}
	info, err := e.getObjectInfo(ctx, parentHandle)
	if err != nil {
		if retryableTarget(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsAssociation(), nil
}

// resolveOrCreateFolder finds an association named name directly under
// parent on storageID, creating it via SendObjectInfo if absent.
func (e *Engine) resolveOrCreateFolder(ctx context.Context, storageID, parent uint32, name string) (uint32, error) {
	_, payload, err := e.actor.Transact(ctx, ptp.OpGetObjectHandles, []uint32{storageID, 0, parent}, nil)
	if err != nil {
		return 0, err
	}
	handles, derr := decodeU32Array(payload)
	if derr != nil {
		return 0, mtperr.Wrap(mtperr.KindMalformed, "GetObjectHandles", derr)
	}
	for _, h := range handles {
		info, err := e.getObjectInfo(ctx, h)
		if err != nil {
			continue
		}
		if info.IsAssociation() && info.Filename == name {
			return h, nil
		}
	}

	return e.sendObjectInfo(ctx, storageID, parent, ptp.ObjectInfo{
		StorageID:    storageID,
		ObjectFormat: ptp.FormatAssociation,
		ParentObject: parent,
		Filename:     name,
	})
}

func (e *Engine) sendObjectInfo(ctx context.Context, storageID, parent uint32, info ptp.ObjectInfo) (uint32, error) {
	payload := ptp.EncodeObjectInfo(info)
	hdr, _, err := e.actor.Transact(ctx, ptp.OpSendObjectInfo, []uint32{storageID, parent}, payload)
	if err != nil {
		return 0, err
	}
	if len(hdr.Params) < 3 {
		return 0, mtperr.New(mtperr.KindMalformed, "SendObjectInfo", "response missing new object handle parameter")
	}
	return hdr.Params[2], nil
}

// retryableTarget reports whether err is one of the write-target
// rejections the ladder walks past: any timeout, or a response of
// InvalidParameter, InvalidStorageID, ParameterNotSupported, StoreFull,
// ObjectWriteProtected, InvalidObjectHandle, InvalidParentObject or
// DeviceBusy.
func retryableTarget(err error) bool {
	m, ok := mtperr.As(err)
	if !ok {
		return false
	}
	if m.Kind == mtperr.KindTimeoutInPhase {
		return true
	}
	if m.Kind != mtperr.KindProtocolError {
		return false
	}
	switch ptp.ResponseCode(m.Code) {
	case ptp.RespInvalidParameter, ptp.RespInvalidStorageID, ptp.RespParameterNotSupported,
		ptp.RespStoreFull, ptp.RespObjectWriteProtected, ptp.RespInvalidObjectHandle, ptp.RespInvalidParentObject,
		ptp.RespDeviceBusy:
		return true
	default:
		return false
	}
}
