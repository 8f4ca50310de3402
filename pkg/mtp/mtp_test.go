package mtp

import (
	"context"
	"testing"
	"time"

	"github.com/swiftmtp/core/internal/index"
	"github.com/swiftmtp/core/internal/journal"
	"github.com/swiftmtp/core/pkg/config"
	"github.com/swiftmtp/core/pkg/ptp"
	"github.com/swiftmtp/core/pkg/ptp/wire"
	"github.com/swiftmtp/core/pkg/quirks"
	"github.com/swiftmtp/core/pkg/transport"
	"github.com/swiftmtp/core/pkg/transport/virtual"
)

func TestHWIDFormatsLowercaseHex(t *testing.T) {
	id := transport.DeviceID{VID: 0x04CA, PID: 0x300E}
	if got, want := HWID(id), "04ca:300e"; got != want {
		t.Fatalf("HWID = %q, want %q", got, want)
	}
}

func TestDeviceIdentityPrefersSerial(t *testing.T) {
	id := transport.DeviceID{Bus: 1, Address: 2, VID: 0x04ca, PID: 0x300e}
	if got, want := deviceIdentity(id, "ABC123"), "04ca:300e:ABC123"; got != want {
		t.Fatalf("deviceIdentity = %q, want %q", got, want)
	}
	if got, want := deviceIdentity(id, ""), "04ca:300e:bus1-addr2"; got != want {
		t.Fatalf("deviceIdentity with no serial = %q, want %q", got, want)
	}
}

func TestResolvePolicyOverlayWinsOverQuirks(t *testing.T) {
	id := transport.DeviceID{VID: 0x04ca, PID: 0x300e}
	r := &Registry{
		conf: config.Configuration{Quirks: quirks.QuirksDb{}},
		policy: config.PolicyOverlay{Device: map[string]config.PolicyOverride{
			"04ca:300e": {OpenTimeout: "9s"},
		}},
	}

	p := r.resolvePolicy(id)
	if p.OpenTimeout != 9*time.Second {
		t.Fatalf("OpenTimeout = %s, want overlay's 9s", p.OpenTimeout)
	}
}

func testPolicy() quirks.DevicePolicy {
	return quirks.DevicePolicy{
		OpenTimeout:            time.Second,
		IOTimeout:              time.Second,
		ResetTimeout:           time.Second,
		MinChunkSize:           4096,
		OpenSessionResetLadder: []string{"reset", "close-reopen"},
		WriteTargetLadder:      []string{"SwiftMTP"},
	}
}

func encodeDeviceInfo(ops []ptp.OpCode) []byte {
	e := wire.NewEncoder()
	e.U16(100)
	e.U32(6)
	e.U16(100)
	e.WideString("microsoft.com: 1.0")
	e.U16(0)
	wire.ArrayEncode(e, ops, func(e *wire.Encoder, v ptp.OpCode) { e.U16(uint16(v)) })
	wire.ArrayEncode(e, []ptp.EventCode{}, func(e *wire.Encoder, v ptp.EventCode) { e.U16(uint16(v)) })
	wire.ArrayEncode(e, []uint16{}, func(e *wire.Encoder, v uint16) { e.U16(v) })
	wire.ArrayEncode(e, []ptp.FormatCode{}, func(e *wire.Encoder, v ptp.FormatCode) { e.U16(uint16(v)) })
	wire.ArrayEncode(e, []ptp.FormatCode{}, func(e *wire.Encoder, v ptp.FormatCode) { e.U16(uint16(v)) })
	e.WideString("Acme")
	e.WideString("Widget 3000")
	e.WideString("1.0")
	e.WideString("SN123456")
	return e.Bytes()
}

func encodeStorageInfo(s ptp.StorageInfo) []byte {
	e := wire.NewEncoder()
	e.U16(uint16(s.StorageType))
	e.U16(uint16(s.FilesystemType))
	e.U16(uint16(s.AccessCapability))
	e.U64(s.MaxCapacity)
	e.U64(s.FreeSpaceBytes)
	e.U32(s.FreeSpaceInObjects)
	e.WideString(s.Description)
	e.WideString(s.VolumeLabel)
	return e.Bytes()
}

func encodeU32Array(vals []uint32) []byte {
	e := wire.NewEncoder()
	wire.ArrayEncode(e, vals, func(e *wire.Encoder, v uint32) { e.U32(v) })
	return e.Bytes()
}

// scriptOpenAndSeed queues the wire traffic one openSession + Start call
// triggers up through the scheduler's first foreground crawl pass: probe
// (GetDeviceInfo/OpenSession), SeedRoots (GetStorageIDs/GetStorageInfo),
// then one processJob pass (GetObjectHandles/GetObjectInfo per handle).
func scriptOpenAndSeed(d *virtual.Device, storageID uint32, handles []uint32) {
	d.PushIn(ptp.EncodeData(ptp.OpGetDeviceInfo, 1, encodeDeviceInfo([]ptp.OpCode{ptp.OpGetDeviceInfo, ptp.OpOpenSession})))
	d.PushIn(ptp.EncodeResponse(ptp.RespOK, 1))
	d.PushIn(ptp.EncodeResponse(ptp.RespOK, 2))

	d.PushIn(ptp.EncodeData(ptp.OpGetStorageIDs, 3, encodeU32Array([]uint32{storageID})))
	d.PushIn(ptp.EncodeResponse(ptp.RespOK, 3))
	d.PushIn(ptp.EncodeData(ptp.OpGetStorageInfo, 4, encodeStorageInfo(ptp.StorageInfo{
		StorageType: ptp.StorageFixedRAM, MaxCapacity: 1 << 30, FreeSpaceBytes: 1 << 20,
		Description: "Internal storage",
	})))
	d.PushIn(ptp.EncodeResponse(ptp.RespOK, 4))

	d.PushIn(ptp.EncodeData(ptp.OpGetObjectHandles, 5, encodeU32Array(handles)))
	d.PushIn(ptp.EncodeResponse(ptp.RespOK, 5))
	tid := uint32(6)
	for _, h := range handles {
		info := ptp.ObjectInfo{StorageID: storageID, ObjectFormat: ptp.FormatUndefined, ObjectSizeBytes: 10, Filename: "a.jpg"}
		d.PushIn(ptp.EncodeData(ptp.OpGetObjectInfo, tid, ptp.EncodeObjectInfo(info)))
		d.PushIn(ptp.EncodeResponse(ptp.RespOK, tid))
		tid++
	}
}

func TestRegistryAttachesDeviceAndSeedsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := journal.Open(ctx, dir+"/journal.db", nil)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer store.Close()
	catalog, err := index.Open(ctx, dir+"/index.db", nil)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer catalog.Close()

	id := transport.DeviceID{Bus: 1, Address: 1, VID: 0x04ca, PID: 0x300e}
	dev := virtual.NewDevice(id, 512, 512)
	scriptOpenAndSeed(dev, 1, []uint32{100})

	vreg := virtual.NewRegistry()
	vreg.Add(dev)

	changed := make(chan index.ChangeSet, 16)
	r := &Registry{
		enum:     vreg,
		catalog:  catalog,
		journal:  store,
		sessions: make(map[string]*Session),
		onChange: func(cs index.ChangeSet) { changed <- cs },
	}

	r.poll(ctx)

	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	if n != 1 {
		t.Fatalf("sessions after poll = %d, want 1", n)
	}

	var sess *Session
	r.mu.Lock()
	for _, s := range r.sessions {
		sess = s
	}
	r.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		children, err := catalog.ListChildren(sess.DeviceID, 1, 0)
		if err != nil {
			t.Fatalf("ListChildren: %v", err)
		}
		if len(children) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for crawl to index object, got %d children", len(children))
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Session.Close: %v", err)
	}
}
