// Package device implements the MTP session state machine: a single
// actor per physical device that serializes every PTP transaction,
// classifies transport failures, and runs the teacher-style recovery
// ladders from pkg/quirks when a transaction fails.
package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/swiftmtp/core/pkg/devlog"
	"github.com/swiftmtp/core/pkg/mtperr"
	"github.com/swiftmtp/core/pkg/ptp"
	"github.com/swiftmtp/core/pkg/ptp/wire"
	"github.com/swiftmtp/core/pkg/quirks"
	"github.com/swiftmtp/core/pkg/transport"
)

// State is the device actor's lifecycle state.
type State int

// Lifecycle states. A session only ever moves forward through
// Closed -> Opening -> Ready, and from Ready into Failed (unrecoverable)
// or Closing (orderly shutdown) -> Closed.
const (
	StateClosed State = iota
	StateOpening
	StateReady
	StateFailed
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateClosing:
		return "Closing"
	default:
		return "Closed"
	}
}

// Actor drives one physical device's PTP session. All transaction
// methods serialize on a single internal lock, so transactions are
// processed strictly FIFO relative to the order callers invoke them:
// the PTP/MTP wire protocol has no concept of concurrent transactions
// on one session.
type Actor struct {
	mu sync.Mutex

	tr     transport.Transport
	log    *devlog.Logger
	policy quirks.DevicePolicy

	state     State
	sessionID uint32
	nextTID   uint32

	info    ptp.DeviceInfo
	receipt ProbeReceipt

	events     chan ptp.Container
	pumpCancel context.CancelFunc

	// consecutiveTimeouts counts timeouts since the last transaction that
	// didn't time out; three in a row fails the session (spec'd recovery
	// policy, see noteOutcome).
	consecutiveTimeouts int
}

// NewActor constructs an Actor over an already-opened transport. The
// actor does not open the PTP session itself; call Open.
func NewActor(tr transport.Transport, policy quirks.DevicePolicy, log *devlog.Logger) *Actor {
	return &Actor{
		tr:     tr,
		policy: policy,
		log:    log,
		state:  StateClosed,
		events: make(chan ptp.Container, 32),
	}
}

// State reports the actor's current lifecycle state.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Events returns the channel of decoded interrupt-endpoint events. The
// channel is never closed while the actor is Ready; callers should
// select on ctx.Done() alongside receiving from it. A slow consumer
// drops events rather than blocking the actor's event pump; pkg/events
// relays this channel onward with its own buffering policy.
func (a *Actor) Events() <-chan ptp.Container {
	return a.events
}

// Open opens the PTP session: GetDeviceInfo, OpenSession, then a
// capability probe. If the device reports SessionAlreadyOpen, Open walks
// policy.OpenSessionResetLadder once before surfacing failure.
func (a *Actor) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateClosed {
		return mtperr.New(mtperr.KindInternal, "Open", fmt.Sprintf("cannot open from state %s", a.state))
	}
	a.state = StateOpening

	info, err := a.getDeviceInfoLocked(ctx)
	if err != nil {
		a.state = StateFailed
		if a.log != nil {
			a.log.Error("GetDeviceInfo failed: %s", err)
		}
		return err
	}
	a.info = info
	if a.log != nil {
		a.log.Info("device info: manufacturer=%q model=%q ops=%d", info.Manufacturer, info.Model, len(info.OperationsSupported))
	}

	if err := a.openSessionLocked(ctx); err != nil {
		a.state = StateFailed
		if a.log != nil {
			a.log.Error("OpenSession failed: %s", err)
		}
		return err
	}

	a.receipt = probe(ctx, a, info, a.policy)
	if a.log != nil {
		a.log.Debug("probe: propListUsable=%v speed=%s maxChunkBytes=%d reasons=%v",
			a.receipt.PropListUsable, a.receipt.Speed, a.receipt.MaxChunkBytes, a.receipt.DisableReasons)
	}
	a.state = StateReady

	if len(info.EventsSupported) > 0 {
		pumpCtx, cancel := context.WithCancel(context.Background())
		a.pumpCancel = cancel
		go a.runEventPump(pumpCtx)
	}
	return nil
}

// runEventPump polls the interrupt endpoint for the life of the session,
// decoding each packet as an Event container and forwarding it to events.
// Devices with an empty EventsSupported set never get a pump; the index
// scheduler (internal/index Scheduler.Run) falls back to periodic refresh
// for those instead of waiting on a channel that will never receive
// anything.
func (a *Actor) runEventPump(ctx context.Context) {
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := a.tr.InterruptIn(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || err == transport.ErrDisconnected {
				return
			}
			continue // timeout or transient stall: poll again
		}
		if n < ptp.ContainerHeaderSize {
			continue // short/garbled packet, not enough for a header
		}

		hdr, _, err := ptp.DecodeHeader(buf[:n])
		if err != nil {
			continue
		}
		hdr, err = ptp.DecodeBody(hdr, buf[:n])
		if err != nil {
			continue
		}
		if a.log != nil {
			a.log.TraceWire("<- event code=%#04x params=%v", hdr.Code, hdr.Params)
		}
		select {
		case a.events <- hdr:
		default:
		}
	}
}

func (a *Actor) openSessionLocked(ctx context.Context) error {
	a.sessionID = 1
	resp, _, err := a.transactLocked(ctx, ptp.OpOpenSession, []uint32{a.sessionID}, nil)
	if err == nil {
		return nil
	}

	mErr, ok := mtperr.As(err)
	if !ok || mErr.Kind != mtperr.KindProtocolError || ptp.ResponseCode(mErr.Code) != ptp.RespSessionAlreadyOpen {
		return err
	}

	for _, step := range a.policy.OpenSessionResetLadder {
		if a.log != nil {
			a.log.Info("OpenSession busy, trying recovery step %q", step)
		}
		switch step {
		case "reset":
			if rerr := a.tr.Reset(ctx); rerr != nil {
				continue
			}
		case "close-reopen":
			a.transactLocked(ctx, ptp.OpCloseSession, nil, nil)
		}

		resp, _, err = a.transactLocked(ctx, ptp.OpOpenSession, []uint32{a.sessionID}, nil)
		if err == nil {
			return nil
		}
	}

	_ = resp
	return mtperr.Wrap(mtperr.KindNoDevice, "OpenSession", err)
}

func (a *Actor) getDeviceInfoLocked(ctx context.Context) (ptp.DeviceInfo, error) {
	_, payload, err := a.transactLocked(ctx, ptp.OpGetDeviceInfo, nil, nil)
	if err != nil {
		return ptp.DeviceInfo{}, err
	}
	info, derr := ptp.DecodeDeviceInfo(payload)
	if derr != nil {
		return ptp.DeviceInfo{}, mtperr.Wrap(mtperr.KindMalformed, "GetDeviceInfo", derr)
	}
	return info, nil
}

// Close sends CloseSession and releases the transport. It is safe to
// call from any state; closing an already-closed actor is a no-op. A
// failed actor still gets a best-effort CloseSession (if a session id
// was assigned) and releases its transport.
func (a *Actor) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateClosed {
		return nil
	}
	a.state = StateClosing

	if a.pumpCancel != nil {
		a.pumpCancel()
		a.pumpCancel = nil
	}

	if a.sessionID != 0 {
		a.transactLocked(ctx, ptp.OpCloseSession, nil, nil)
	}
	err := a.tr.Close()
	a.state = StateClosed
	return err
}

// DeviceInfo returns the DeviceInfo read during Open. Immutable for the
// life of the session.
func (a *Actor) DeviceInfo() ptp.DeviceInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Receipt returns the capability probe's result.
func (a *Actor) Receipt() ProbeReceipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.receipt
}

// Transact issues one PTP transaction: Command, optional Data-out,
// optional Data-in, Response. It is the only entry point transfer and
// probe code uses to talk to the device, and it is what serializes all
// device access.
func (a *Actor) Transact(ctx context.Context, op ptp.OpCode, params []uint32, dataOut []byte) (ptp.Container, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateReady && a.state != StateOpening {
		return ptp.Container{}, nil, mtperr.New(mtperr.KindNoDevice, "Transact", "session not open")
	}
	return a.transactLocked(ctx, op, params, dataOut)
}

// transactLocked runs one transaction attempt; if it fails with a stall,
// it clears the halted endpoint and retries the *same* transaction id
// once, per the recovery policy. A repeat stall surfaces as fatal for
// this transaction, but the session stays Ready. Every other outcome
// (success, or any other failure kind) is recorded via noteOutcome,
// which tracks the actor's consecutive-timeout count and fails the
// session outright on NoDevice.
func (a *Actor) transactLocked(ctx context.Context, op ptp.OpCode, params []uint32, dataOut []byte) (ptp.Container, []byte, error) {
	tid := atomic.AddUint32(&a.nextTID, 1)
	hdr, payload, err := a.transactAttemptLocked(ctx, tid, op, params, dataOut)
	if err != nil && a.recoverFromStallLocked(ctx, err) {
		hdr, payload, err = a.transactAttemptLocked(ctx, tid, op, params, dataOut)
	}
	a.noteOutcome(err)
	return hdr, payload, err
}

func (a *Actor) transactAttemptLocked(ctx context.Context, tid uint32, op ptp.OpCode, params []uint32, dataOut []byte) (ptp.Container, []byte, error) {
	if a.log != nil {
		a.log.TraceWire("-> tid=%d op=%#04x params=%v", tid, uint16(op), params)
	}

	cmd := ptp.EncodeCommand(op, tid, params...)
	if err := a.writeContainer(ctx, cmd); err != nil {
		return ptp.Container{}, nil, a.classify(err, "command")
	}

	if dataOut != nil {
		data := ptp.EncodeData(op, tid, dataOut)
		if err := a.writeContainer(ctx, data); err != nil {
			return ptp.Container{}, nil, a.classify(err, "data")
		}
	}

	var payload []byte
	for {
		hdr, err := a.readContainer(ctx)
		if err != nil {
			return ptp.Container{}, nil, a.classify(err, "response")
		}
		if hdr.Type == ptp.ContainerData {
			payload = hdr.Payload
			continue
		}
		if hdr.Type == ptp.ContainerResponse {
			if a.log != nil {
				a.log.TraceWire("<- tid=%d resp=%s", tid, ptp.ResponseCode(hdr.Code))
			}
			if ptp.ResponseCode(hdr.Code) != ptp.RespOK {
				return hdr, payload, mtperr.NewProtocol(opName(op),
					fmt.Sprintf("device returned %s", ptp.ResponseCode(hdr.Code)), hdr.Code)
			}
			return hdr, payload, nil
		}
		// Stray event arriving mid-transaction: queue it, keep waiting
		// for the response.
		select {
		case a.events <- hdr:
		default:
		}
	}
}

// recoverFromStallLocked reports whether err is a stall that warrants
// retrying the transaction, clearing the halt on the endpoint the
// failing phase used along the way.
func (a *Actor) recoverFromStallLocked(ctx context.Context, err error) bool {
	mErr, ok := mtperr.As(err)
	if !ok || !mtperr.NeedsRecovery(mErr.Kind) {
		return false
	}
	if clearErr := a.clearHaltForPhaseLocked(ctx, mErr.Op); clearErr != nil && a.log != nil {
		a.log.Error("clear halt after stall (phase=%s): %s", mErr.Op, clearErr)
	}
	return true
}

// clearHaltForPhaseLocked clears the endpoint the named phase uses:
// "response" reads from bulk-in, every other phase ("command", "data",
// "data header", "data chunk", "data zlp") writes to bulk-out.
func (a *Actor) clearHaltForPhaseLocked(ctx context.Context, phase string) error {
	if phase == "response" {
		return a.tr.ClearHaltIn(ctx)
	}
	return a.tr.ClearHaltOut(ctx)
}

// noteOutcome updates session-level recovery state following one
// transaction attempt (after any stall retry has already run): a
// timeout extends the consecutive-timeout streak, failing the session
// on the third in a row; a NoDevice failure fails the session
// immediately; anything else (success, a surfaced repeat stall,
// protocol errors, …) resets the streak, since "consecutive" counts
// timeouts with nothing else interleaved.
func (a *Actor) noteOutcome(err error) {
	if err == nil {
		a.consecutiveTimeouts = 0
		return
	}
	mErr, ok := mtperr.As(err)
	if !ok {
		return
	}
	switch mErr.Kind {
	case mtperr.KindTimeoutInPhase:
		a.consecutiveTimeouts++
		if a.consecutiveTimeouts >= 3 {
			a.state = StateFailed
			if a.log != nil {
				a.log.Error("%s: three consecutive timeouts, session failed", mErr.Op)
			}
		}
	case mtperr.KindNoDevice:
		a.state = StateFailed
	default:
		a.consecutiveTimeouts = 0
	}
}

// SendStream issues op's Command container, then streams totalSize
// bytes read from src as the data phase in chunks sized by len(buf),
// rather than buffering the whole payload first. It is how pkg/xfer
// drives SendObject: PTP's data phase is logically one Data container
// per transaction regardless of how many bulk-OUT packets it takes on
// the wire, so this cannot be expressed as a sequence of ordinary
// Transact calls. buf is caller-owned (pkg/xfer pools it); onChunk, if
// non-nil, is called with the cumulative bytes sent after each chunk.
func (a *Actor) SendStream(ctx context.Context, op ptp.OpCode, params []uint32, totalSize uint64, src io.Reader, buf []byte, onChunk func(sent uint64)) (ptp.Container, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateReady {
		return ptp.Container{}, mtperr.New(mtperr.KindNoDevice, "SendStream", "session not open")
	}
	return a.sendStreamLocked(ctx, op, params, totalSize, src, buf, onChunk)
}

func (a *Actor) sendStreamLocked(ctx context.Context, op ptp.OpCode, params []uint32, totalSize uint64, src io.Reader, buf []byte, onChunk func(sent uint64)) (hdr ptp.Container, err error) {
	defer func() { a.noteOutcome(err) }()

	tid := atomic.AddUint32(&a.nextTID, 1)
	if a.log != nil {
		a.log.TraceWire("-> tid=%d op=%#04x params=%v size=%d (streamed)", tid, uint16(op), params, totalSize)
	}

	cmd := ptp.EncodeCommand(op, tid, params...)
	if err := a.writeContainer(ctx, cmd); err != nil {
		return ptp.Container{}, a.classify(err, "command")
	}

	e := wire.NewEncoder()
	e.U32(uint32(ptp.ContainerHeaderSize) + uint32(totalSize))
	e.U16(uint16(ptp.ContainerData))
	e.U16(uint16(op))
	e.U32(tid)
	if err := a.tr.BulkOut(ctx, e.Bytes()); err != nil {
		return ptp.Container{}, a.classify(err, "data header")
	}

	chunkSize := uint64(len(buf))
	if chunkSize == 0 {
		chunkSize = totalSize
		buf = make([]byte, chunkSize)
	}
	var sent uint64
	for sent < totalSize {
		want := chunkSize
		if remaining := totalSize - sent; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(src, buf[:want])
		if err != nil && err != io.ErrUnexpectedEOF && n == 0 {
			return ptp.Container{}, mtperr.Wrap(mtperr.KindInternal, "data read", err)
		}
		if err := a.tr.BulkOut(ctx, buf[:n]); err != nil {
			return ptp.Container{}, a.classify(err, "data chunk")
		}
		sent += uint64(n)
		if onChunk != nil {
			onChunk(sent)
		}
		if uint64(n) < want {
			break
		}
	}

	if a.policy.SendZLP && ptp.NeedsZLP(int(uint64(ptp.ContainerHeaderSize)+totalSize), a.tr.BulkOutInfo().MaxPacketSize) {
		if err := a.tr.BulkOut(ctx, nil); err != nil {
			return ptp.Container{}, a.classify(err, "data zlp")
		}
	}

	for {
		hdr, err := a.readContainer(ctx)
		if err != nil {
			return ptp.Container{}, a.classify(err, "response")
		}
		if hdr.Type == ptp.ContainerResponse {
			if a.log != nil {
				a.log.TraceWire("<- tid=%d resp=%s", tid, ptp.ResponseCode(hdr.Code))
			}
			if ptp.ResponseCode(hdr.Code) != ptp.RespOK {
				return hdr, mtperr.NewProtocol(opName(op), fmt.Sprintf("device returned %s", ptp.ResponseCode(hdr.Code)), hdr.Code)
			}
			return hdr, nil
		}
		select {
		case a.events <- hdr:
		default:
		}
	}
}

func (a *Actor) writeContainer(ctx context.Context, buf []byte) error {
	if err := a.tr.BulkOut(ctx, buf); err != nil {
		return err
	}
	if a.policy.SendZLP && ptp.NeedsZLP(len(buf), a.tr.BulkOutInfo().MaxPacketSize) {
		return a.tr.BulkOut(ctx, nil)
	}
	return nil
}

func (a *Actor) readContainer(ctx context.Context) (ptp.Container, error) {
	head := make([]byte, ptp.ContainerHeaderSize)
	if err := a.readFull(ctx, head); err != nil {
		return ptp.Container{}, err
	}

	hdr, total, err := ptp.DecodeHeader(head)
	if err != nil {
		return ptp.Container{}, mtperr.Wrap(mtperr.KindMalformed, "container header", err)
	}

	full := make([]byte, total)
	copy(full, head)
	if total > uint32(len(head)) {
		if err := a.readFull(ctx, full[len(head):]); err != nil {
			return ptp.Container{}, err
		}
	}

	hdr, err = ptp.DecodeBody(hdr, full)
	if err != nil {
		return ptp.Container{}, mtperr.Wrap(mtperr.KindMalformed, "container body", err)
	}
	return hdr, nil
}

func (a *Actor) readFull(ctx context.Context, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := a.tr.BulkIn(ctx, buf[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return mtperr.New(mtperr.KindTimeoutInPhase, "BulkIn", "short read before container complete")
		}
		off += n
	}
	return nil
}

// classify maps a transport-level error to a *mtperr.Error, carrying the
// phase name for diagnostics.
func (a *Actor) classify(err error, phase string) error {
	if _, ok := mtperr.As(err); ok {
		return err
	}
	switch err {
	case transport.ErrStalled:
		if a.log != nil {
			a.log.Error("%s: endpoint stalled", phase)
		}
		return mtperr.Wrap(mtperr.KindTransportStall, phase, err)
	case transport.ErrTimeout:
		return mtperr.Wrap(mtperr.KindTimeoutInPhase, phase, err)
	case transport.ErrDisconnected:
		return mtperr.Wrap(mtperr.KindNoDevice, phase, err)
	default:
		return mtperr.Wrap(mtperr.KindInternal, phase, err)
	}
}

func opName(op ptp.OpCode) string {
	return fmt.Sprintf("op=%#x", uint16(op))
}
