package device

import (
	"context"
	"time"

	"github.com/swiftmtp/core/pkg/mtperr"
	"github.com/swiftmtp/core/pkg/ptp"
	"github.com/swiftmtp/core/pkg/quirks"
	"github.com/swiftmtp/core/pkg/transport"
)

// mtperrAs is a tiny local alias so probe's branching below reads as one
// expression; mErr is nil (and isProto false) when err is nil or
// unclassified.
func mtperrAs(err error) (*mtperr.Error, bool) {
	if err == nil {
		return nil, false
	}
	e, ok := mtperr.As(err)
	if !ok || e.Kind != mtperr.KindProtocolError {
		return nil, false
	}
	return e, true
}

// ProbeReceipt records the result of the one-time post-open capability
// probe. Each Open builds a fresh receipt; within one probe a capability
// can only be downgraded (disabled), never re-enabled.
type ProbeReceipt struct {
	PropListUsable   bool
	DisableReasons   []string
	Speed            transport.Speed
	MaxChunkBytes    uint64
	StabilizeApplied time.Duration
}

// downgrade disables PropListUsable and records why, never re-enabling it.
func (r *ProbeReceipt) downgrade(reason string) {
	r.PropListUsable = false
	r.DisableReasons = append(r.DisableReasons, reason)
}

// probe runs the deterministic post-open sequence. It returns no error:
// every failing step becomes a downgrade recorded in the receipt (Open
// has already decoded DeviceInfo before calling probe).
func probe(ctx context.Context, a *Actor, info ptp.DeviceInfo, policy quirks.DevicePolicy) ProbeReceipt {
	r := ProbeReceipt{PropListUsable: true}

	if policy.PropListDisabled {
		r.downgrade("disabled by quirks policy")
	} else if !info.SupportsOp(ptp.OpGetObjectPropsSupported) {
		r.downgrade("GetObjectPropsSupported not in OperationsSupported")
	} else {
		_, payload, err := a.transactLocked(ctx, ptp.OpGetObjectPropsSupported,
			[]uint32{uint32(ptp.FormatUndefined)}, nil)
		mErr, isProto := mtperrAs(err)
		switch {
		case isProto && ptp.ResponseCode(mErr.Code) == ptp.RespOperationNotSupported:
			r.downgrade("GetObjectPropsSupported returned OperationNotSupported")
		case err != nil:
			r.downgrade("GetObjectPropsSupported probe call failed: " + err.Error())
		case len(payload) == 0:
			r.downgrade("GetObjectPropsSupported returned an empty list")
		}
	}

	r.Speed = a.tr.Speed()
	r.MaxChunkBytes = policy.MinChunkSize
	if floor := chunkFloorForSpeed(r.Speed); floor > r.MaxChunkBytes {
		r.MaxChunkBytes = floor
	}

	return r
}

// chunkFloorForSpeed raises the transfer engine's minimum chunk size for
// faster USB speed classes, so a high-speed or superspeed link is not
// throttled by a floor computed for full-speed devices.
func chunkFloorForSpeed(s transport.Speed) uint64 {
	switch s {
	case transport.SpeedSuper:
		return 8 << 20 // 8 MiB
	case transport.SpeedHigh:
		return 4 << 20 // 4 MiB
	default:
		return 64 << 10 // 64 KiB
	}
}
