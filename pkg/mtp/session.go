// Package mtp is the top-level façade: it brings the wire codec, the
// session state machine, the bulk transfer engine, the transfer
// journal, and the live index/crawl scheduler together into one object
// per physical device, the way the teacher's Device type brings its
// USB transport, HTTP proxy, and DNS-SD publisher together into one
// object per printer.
package mtp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swiftmtp/core/internal/index"
	"github.com/swiftmtp/core/internal/journal"
	"github.com/swiftmtp/core/pkg/device"
	"github.com/swiftmtp/core/pkg/devlog"
	"github.com/swiftmtp/core/pkg/events"
	"github.com/swiftmtp/core/pkg/quirks"
	"github.com/swiftmtp/core/pkg/transport"
	"github.com/swiftmtp/core/pkg/xfer"
)

// Session is everything this module runs for one connected device: an
// open PTP actor, its transfer engine, its crawl scheduler, and the
// event bridge routing the device's interrupt-endpoint stream to both.
// Registry owns the Session's lifetime; nothing outside this package
// constructs one directly.
type Session struct {
	DeviceID string
	HWID     string

	Actor     *device.Actor
	Transfers *xfer.Engine
	Scheduler *index.Scheduler
	Events    *events.Bridge

	log *devlog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HWID formats a transport.DeviceID's vendor/product pair the way
// pkg/quirks's HWID patterns and pkg/config's TOML policy overlay keys
// expect: lowercase 4-digit hex, colon-separated.
func HWID(id transport.DeviceID) string {
	return fmt.Sprintf("%04x:%04x", id.VID, id.PID)
}

// openSession opens tr's PTP session, resolves its device identity, and
// wires up its transfer engine, crawl scheduler, and event bridge. It
// does not start the scheduler's run loop or the event bridge's pump;
// call Start for that once the caller is ready to receive ChangeSet
// notifications.
func openSession(ctx context.Context, tr transport.Transport, policy quirks.DevicePolicy,
	catalog *index.Catalog, store *journal.Store, log *devlog.Logger,
	onChange func(index.ChangeSet)) (*Session, error) {

	hwid := HWID(tr.ID())
	actor := device.NewActor(tr, policy, log)
	if err := actor.Open(ctx); err != nil {
		return nil, fmt.Errorf("mtp: open session for %s: %w", hwid, err)
	}

	info := actor.DeviceInfo()
	deviceID := deviceIdentity(tr.ID(), info.SerialNumber)

	if err := catalog.UpsertDevice(deviceID, info.Model, time.Now()); err != nil {
		actor.Close(ctx)
		return nil, fmt.Errorf("mtp: recording device %s: %w", deviceID, err)
	}

	engine := xfer.NewEngine(actor, store, policy, deviceID)
	if err := engine.Reconcile(ctx); err != nil && log != nil {
		log.Error("mtp: reconciling dangling transfers for %s: %s", deviceID, err)
	}

	sched := index.NewScheduler(deviceID, &actorLister{actor: actor}, catalog, log, onChange)
	sink := &schedulerSink{deviceID: deviceID, scheduler: sched, catalog: catalog}
	bridge := events.New(deviceID, actor, sink, log)

	s := &Session{
		DeviceID:  deviceID,
		HWID:      hwid,
		Actor:     actor,
		Transfers: engine,
		Scheduler: sched,
		Events:    bridge,
		log:       log,
	}
	return s, nil
}

// Start seeds the crawl roots and launches the scheduler run loop and
// the event bridge pump on their own goroutines, both stopped by Close.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Scheduler.SeedRoots(ctx); err != nil {
		return fmt.Errorf("mtp: seeding roots for %s: %w", s.DeviceID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	info := s.Actor.DeviceInfo()
	eventsSupported := len(info.EventsSupported) > 0

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Scheduler.Run(runCtx, eventsSupported)
	}()
	go func() {
		defer s.wg.Done()
		s.Events.Run(runCtx)
	}()
	return nil
}

// Close stops the scheduler and event bridge, then closes the PTP
// session and the underlying transport.
func (s *Session) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.Actor.Close(ctx)
}

// deviceIdentity derives a stable per-device identity key: the serial
// number when the device reports one (most cameras and phones do),
// falling back to the bus address otherwise, same fallback order the
// teacher's UsbDeviceInfo.Ident uses for devices with no usable serial.
func deviceIdentity(id transport.DeviceID, serial string) string {
	if serial != "" {
		return fmt.Sprintf("%04x:%04x:%s", id.VID, id.PID, serial)
	}
	return fmt.Sprintf("%04x:%04x:bus%d-addr%d", id.VID, id.PID, id.Bus, id.Address)
}
