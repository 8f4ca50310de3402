package mtp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swiftmtp/core/internal/index"
	"github.com/swiftmtp/core/internal/journal"
	"github.com/swiftmtp/core/pkg/config"
	"github.com/swiftmtp/core/pkg/devlog"
	"github.com/swiftmtp/core/pkg/quirks"
	"github.com/swiftmtp/core/pkg/transport"
)

// DefaultPollInterval is how often Registry re-enumerates attached
// devices on platforms where the transport has no push-based hotplug
// notification. usbgousb's gousb binding is itself poll-based, so this
// is the only discovery mechanism this module has, unlike the teacher's
// libusb hotplug callback.
const DefaultPollInterval = 2 * time.Second

// Registry is the top-level object a program constructs: it owns the
// shared journal and index stores, watches for device attach/detach,
// and brings up/tears down one Session per physical device, the way the
// teacher's PnPStart loop brings up/tears down one Device per USB
// address.
type Registry struct {
	enum   transport.Enumerator
	conf   config.Configuration
	policy config.PolicyOverlay
	log    *devlog.Logger

	catalog *index.Catalog
	journal *journal.Store

	onChange func(index.ChangeSet)

	mu       sync.Mutex
	sessions map[string]*Session // keyed by transport address, see addrKey
}

// Open opens the shared journal and index databases named by conf and
// returns a Registry ready to Run. The returned Registry owns both
// stores; Close releases them.
func Open(ctx context.Context, enum transport.Enumerator, conf config.Configuration,
	overlay config.PolicyOverlay, log *devlog.Logger, onChange func(index.ChangeSet)) (*Registry, error) {

	store, err := journal.Open(ctx, conf.JournalDBPath, log)
	if err != nil {
		return nil, fmt.Errorf("mtp: opening journal: %w", err)
	}
	catalog, err := index.Open(ctx, conf.IndexDBPath, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("mtp: opening index: %w", err)
	}

	return &Registry{
		enum:     enum,
		conf:     conf,
		policy:   overlay,
		log:      log,
		catalog:  catalog,
		journal:  store,
		onChange: onChange,
		sessions: make(map[string]*Session),
	}, nil
}

// Close closes every open Session and releases the shared stores.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
	r.catalog.Close()
	return r.journal.Close()
}

// Session returns the currently open Session for deviceID, if any.
func (r *Registry) Session(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.DeviceID == deviceID {
			return s, true
		}
	}
	return nil, false
}

// Run polls the enumerator every interval until ctx is cancelled,
// opening a Session for each newly attached device and closing the
// Session for each one that disappeared. Mirrors the teacher's PnPStart
// loop (BuildUsbAddrList, Diff, open added, close removed), adapted from
// a libusb hotplug callback wakeup to a plain polling ticker since
// gousb's own enumeration is poll-based.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Registry) poll(ctx context.Context) {
	ids, err := r.enum.Enumerate(ctx)
	if err != nil {
		if r.log != nil {
			r.log.Error("mtp: enumerate: %s", err)
		}
		return
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		key := addrKey(id)
		seen[key] = true

		r.mu.Lock()
		_, known := r.sessions[key]
		r.mu.Unlock()
		if known {
			continue
		}
		r.attach(ctx, key, id)
	}

	r.mu.Lock()
	var gone []string
	for key := range r.sessions {
		if !seen[key] {
			gone = append(gone, key)
		}
	}
	r.mu.Unlock()
	for _, key := range gone {
		r.detach(ctx, key)
	}
}

func (r *Registry) attach(ctx context.Context, key string, id transport.DeviceID) {
	tr, err := r.enum.Open(ctx, id)
	if err != nil {
		if r.log != nil {
			r.log.Error("mtp: open %s: %s", id, err)
		}
		return
	}

	policy := r.resolvePolicy(id)
	sess, err := openSession(ctx, tr, policy, r.catalog, r.journal, r.log, r.onChange)
	if err != nil {
		if r.log != nil {
			r.log.Error("mtp: %s", err)
		}
		tr.Close()
		return
	}
	if err := sess.Start(ctx); err != nil {
		if r.log != nil {
			r.log.Error("mtp: starting %s: %s", sess.DeviceID, err)
		}
		sess.Close(ctx)
		return
	}

	r.mu.Lock()
	r.sessions[key] = sess
	r.mu.Unlock()
	if r.log != nil {
		r.log.Info("mtp: attached %s (%s)", sess.DeviceID, id)
	}
}

func (r *Registry) detach(ctx context.Context, key string) {
	r.mu.Lock()
	sess, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.log != nil {
		r.log.Info("mtp: detached %s", sess.DeviceID)
	}
	sess.Close(ctx)
}

// resolvePolicy combines the quirks database's resolution with any
// operator TOML override for id's HWID, per pkg/config.PolicyOverlay's
// "overlay always wins" contract.
func (r *Registry) resolvePolicy(id transport.DeviceID) quirks.DevicePolicy {
	base := r.conf.Quirks.Resolve(id.VID, id.PID, "")
	hwid := HWID(id)
	out, err := r.policy.Apply(hwid, base)
	if err != nil {
		if r.log != nil {
			r.log.Error("mtp: policy overlay for %s: %s", hwid, err)
		}
		return base
	}
	return out
}

// addrKey identifies one attachment slot across polls: bus+address,
// same key the teacher's UsbAddr.MapKey uses, since that's the only
// identity enumeration gives before a device is opened.
func addrKey(id transport.DeviceID) string {
	return fmt.Sprintf("%d:%d", id.Bus, id.Address)
}
