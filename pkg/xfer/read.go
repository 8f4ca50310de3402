package xfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/swiftmtp/core/pkg/mtperr"
	"github.com/swiftmtp/core/pkg/ptp"
)

// Read streams handle's content into destDir, returning a channel of
// progress updates. The channel is closed after the final update (which
// has Done set). If rng is non-nil and the device's policy declares
// partial reads unsupported, the first and only update carries a
// KindUnsupported error.
func (e *Engine) Read(ctx context.Context, handle uint32, rng *ByteRange, destDir string) <-chan Progress {
	out := make(chan Progress, 8)
	go e.runRead(ctx, handle, rng, destDir, out)
	return out
}

type readChunk struct {
	data []byte
	err  error
}

func (e *Engine) runRead(ctx context.Context, handle uint32, rng *ByteRange, destDir string, out chan<- Progress) {
	defer close(out)

	if rng != nil && e.policy.PartialReadUnsupported {
		out <- Progress{Done: true, Err: mtperr.New(mtperr.KindUnsupported, "Read", "partial read not supported by this device")}
		return
	}

	info, err := e.getObjectInfo(ctx, handle)
	if err != nil {
		out <- Progress{Done: true, Err: err}
		return
	}
	total := info.ObjectSizeBytes

	name := info.Filename
	if name == "" {
		name = fmt.Sprintf("object-%d", handle)
	}
	tempPath := filepath.Join(destDir, name+".swiftmtp-tmp")
	finalPath := filepath.Join(destDir, name)

	supportsPartial := !e.policy.PartialReadUnsupported && e.actor.DeviceInfo().SupportsOp(ptp.OpGetPartialObject64)

	id, err := e.journal.BeginRead(e.deviceID, handle, name, total, supportsPartial, tempPath, finalPath)
	if err != nil {
		out <- Progress{Done: true, Err: err}
		return
	}

	f, err := os.Create(tempPath)
	if err != nil {
		e.journal.Fail(id, err)
		out <- Progress{TransferID: id, Done: true, Err: err}
		return
	}

	start, length := uint64(0), total
	if rng != nil {
		start, length = rng.Offset, rng.Length
	}
	// Chunk via GetPartialObject64 whenever the device supports it, not
	// just for an explicit byte range: an unranged whole-object download
	// is the common case, and buffering it in one GetObject Transact
	// would defeat the chunked, resumable, backpressured pipeline this
	// engine exists to provide.
	usePartial := supportsPartial

	fetch := make(chan readChunk, 1)
	go e.fetchReadChunks(ctx, handle, start, length, e.maxChunkBytes(), usePartial, fetch)

	var committed uint64
	begin := time.Now()
	for rc := range fetch {
		if rc.err != nil {
			f.Close()
			e.journal.Fail(id, rc.err)
			out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: total, Done: true, Err: rc.err}
			return
		}
		if _, werr := f.Write(rc.data); werr != nil {
			f.Close()
			e.journal.Fail(id, werr)
			out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: total, Done: true, Err: werr}
			return
		}
		committed += uint64(len(rc.data))
		if uerr := e.journal.UpdateProgress(id, committed); uerr != nil {
			f.Close()
			out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: total, Done: true, Err: uerr}
			return
		}
		out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: total}
	}

	if err := f.Close(); err != nil {
		e.journal.Fail(id, err)
		out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: total, Done: true, Err: err}
		return
	}

	if elapsed := time.Since(begin).Seconds(); elapsed > 0 {
		e.journal.RecordThroughput(id, float64(committed)/elapsed/(1024*1024))
	}
	if err := e.journal.Complete(id); err != nil {
		out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: total, Done: true, Err: err}
		return
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: total, Done: true, Err: err}
		return
	}
	out <- Progress{TransferID: id, CommittedBytes: committed, TotalBytes: total, Done: true}
}

// fetchReadChunks issues the device-facing GetObject/GetPartialObject64
// calls one at a time and hands payloads to out, closing it when done or
// on the first error. Running this on its own goroutine lets the caller
// start writing chunk N to disk while this goroutine is already blocked
// fetching chunk N+1 off the wire — a pipeline depth of two.
func (e *Engine) fetchReadChunks(ctx context.Context, handle uint32, start, length, chunkSize uint64, usePartial bool, out chan<- readChunk) {
	defer close(out)

	if !usePartial {
		_, payload, err := e.actor.Transact(ctx, ptp.OpGetObject, []uint32{handle}, nil)
		if err != nil {
			out <- readChunk{err: err}
			return
		}
		out <- readChunk{data: payload}
		return
	}

	offset, remaining := start, length
	for remaining > 0 {
		n := chunkSize
		if n > remaining {
			n = remaining
		}
		_, payload, err := e.actor.Transact(ctx, ptp.OpGetPartialObject64,
			[]uint32{handle, uint32(offset), uint32(offset >> 32), uint32(n), uint32(n >> 32)}, nil)
		if err != nil {
			out <- readChunk{err: err}
			return
		}
		select {
		case out <- readChunk{data: payload}:
		case <-ctx.Done():
			return
		}
		if uint64(len(payload)) < n {
			// Device reported a short chunk: natural end of the range.
			return
		}
		offset += n
		remaining -= n
	}
}
