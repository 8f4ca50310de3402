package index

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/swiftmtp/core/pkg/devlog"
	"github.com/swiftmtp/core/pkg/ptp"
)

// DefaultInterFolderYield is the pause the scheduler takes between
// processing crawl jobs, giving user-driven operations a chance to run
// on the same device actor instead of being starved by a deep crawl.
const DefaultInterFolderYield = 50 * time.Millisecond

// DefaultPeriodicRefresh is how often the scheduler re-seeds storage
// roots for a device whose EventsSupported set is empty, since it will
// never receive ObjectAdded/ObjectRemoved/StorageInfoChanged.
const DefaultPeriodicRefresh = 30 * time.Second

// Lister is the device-facing capability the scheduler needs to crawl:
// enumerate one folder's children and fetch each child's ObjectInfo.
// pkg/mtp implements this over a *device.Actor; tests use a canned
// in-memory fake so this package never imports pkg/device.
type Lister interface {
	ListObjectHandles(ctx context.Context, storageID, parentHandle uint32) ([]uint32, error)
	GetObjectInfo(ctx context.Context, handle uint32) (ptp.ObjectInfo, error)
	ListStorageIDs(ctx context.Context) ([]uint32, error)
	GetStorageInfo(ctx context.Context, storageID uint32) (ptp.StorageInfo, error)
}

// Scheduler runs the crawl loop for one device: dequeue, mark stale,
// stream-list, upsert, purge, yield. It owns the job queue exclusively;
// the catalog it writes to is shared read-only with callers per this
// package's ownership contract.
type Scheduler struct {
	deviceID string
	lister   Lister
	catalog  *Catalog
	log      *devlog.Logger

	queue *JobQueue

	interFolderYield time.Duration
	periodicRefresh  time.Duration

	onChange func(ChangeSet)

	wake chan struct{}
}

// NewScheduler constructs a scheduler for one device. onChange, if
// non-nil, is called after every mutating batch (crawl upsert/purge,
// event-driven insert/delete) with the set of parents that changed.
func NewScheduler(deviceID string, lister Lister, catalog *Catalog, log *devlog.Logger, onChange func(ChangeSet)) *Scheduler {
	return &Scheduler{
		deviceID:         deviceID,
		lister:           lister,
		catalog:          catalog,
		log:              log,
		queue:            NewJobQueue(),
		interFolderYield: DefaultInterFolderYield,
		periodicRefresh:  DefaultPeriodicRefresh,
		onChange:         onChange,
		wake:             make(chan struct{}, 1),
	}
}

// SeedRoots enqueues a foreground crawl of every storage root, called on
// device connect and on StorageInfoChanged.
func (s *Scheduler) SeedRoots(ctx context.Context) error {
	ids, err := s.lister.ListStorageIDs(ctx)
	if err != nil {
		return err
	}
	for _, storageID := range ids {
		info, ierr := s.lister.GetStorageInfo(ctx, storageID)
		if ierr != nil {
			continue
		}
		if err := s.catalog.UpsertStorage(s.deviceID, storageID, info.Description,
			info.MaxCapacity, info.FreeSpaceBytes, info.ReadOnly(), time.Now()); err != nil {
			return err
		}
		s.Enqueue(storageID, 0, false, PriorityForeground)
	}
	return nil
}

// Enqueue adds a folder enumeration job at the given priority and wakes
// the run loop if it is sleeping between jobs.
func (s *Scheduler) Enqueue(storageID, parentHandle uint32, hasParent bool, priority Priority) CrawlJob {
	job := s.queue.Enqueue(s.deviceID, storageID, parentHandle, hasParent, priority)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return job
}

// Run drives the scheduler loop until ctx is cancelled: dequeue highest
// priority job, process it, sleep interFolderYield, repeat. Also runs the
// periodic-refresh fallback timer, active only while events is false
// (the device's EventsSupported set is empty).
func (s *Scheduler) Run(ctx context.Context, eventsSupported bool) {
	var refresh *time.Ticker
	var refreshC <-chan time.Time
	if !eventsSupported {
		refresh = time.NewTicker(s.periodicRefresh)
		defer refresh.Stop()
		refreshC = refresh.C
	}

	for {
		job, ok := s.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-refreshC:
				s.SeedRoots(ctx)
				continue
			}
		}

		s.processJob(ctx, job)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interFolderYield):
		case <-refreshC:
			s.SeedRoots(ctx)
		}
	}
}

func (s *Scheduler) processJob(ctx context.Context, job CrawlJob) {
	if s.log != nil {
		s.log.Debug("crawl: processing %s", job)
	}

	gen, err := s.catalog.LatestGeneration(job.DeviceID)
	if err != nil {
		if s.log != nil {
			s.log.Error("crawl: reading generation for %s: %s", job, err)
		}
		return
	}
	gen++
	if err := s.catalog.RecordGeneration(job.DeviceID, gen, time.Now()); err != nil {
		if s.log != nil {
			s.log.Error("crawl: recording generation for %s: %s", job, err)
		}
		return
	}

	handles, err := s.lister.ListObjectHandles(ctx, job.StorageID, job.ParentHandle)
	if err != nil {
		if s.log != nil {
			s.log.Error("crawl: listing %s: %s", job, err)
		}
		return
	}

	for _, h := range handles {
		info, ierr := s.lister.GetObjectInfo(ctx, h)
		if ierr != nil {
			continue
		}
		obj := objectFromInfo(job.DeviceID, job.StorageID, info)
		if err := s.catalog.UpsertObject(obj, gen); err != nil {
			if s.log != nil {
				s.log.Error("crawl: upserting object %d: %s", h, err)
			}
			continue
		}
		if obj.IsDirectory {
			s.Enqueue(job.StorageID, obj.Handle, true, PriorityBackground)
		}
	}

	n, err := s.catalog.PurgeStale(job.DeviceID, job.StorageID, job.ParentHandle, gen)
	if err != nil && s.log != nil {
		s.log.Error("crawl: purging stale under %s: %s", job, err)
	}
	if s.log != nil && n > 0 {
		s.log.Debug("crawl: purged %d stale objects under %s", n, job)
	}

	s.notify(job.DeviceID, ParentKey{StorageID: job.StorageID, ParentHandle: job.ParentHandle, HasParent: job.HasParent})
}

// HandleObjectAdded implements the ObjectAdded branch of event handling.
// The event itself carries only the new object's handle; ObjectInfo
// carries its own StorageID, so no separate storage parameter is needed.
func (s *Scheduler) HandleObjectAdded(ctx context.Context, handle uint32) {
	info, err := s.lister.GetObjectInfo(ctx, handle)
	if err != nil {
		if s.log != nil {
			s.log.Error("event: ObjectAdded(%d): GetObjectInfo: %s", handle, err)
		}
		return
	}
	obj := objectFromInfo(s.deviceID, info.StorageID, info)
	gen, err := s.catalog.LatestGeneration(s.deviceID)
	if err != nil {
		return
	}
	if err := s.catalog.UpsertObject(obj, gen); err != nil {
		if s.log != nil {
			s.log.Error("event: ObjectAdded(%d): upsert: %s", handle, err)
		}
		return
	}
	s.notify(s.deviceID, ParentKey{StorageID: info.StorageID, ParentHandle: obj.ParentHandle, HasParent: obj.ParentHandle != 0})
}

// HandleObjectRemoved implements the ObjectRemoved branch: tombstone by
// handle and notify on the former parent. formerParent is the parent the
// caller recorded before the removal, since the device can no longer be
// asked for it.
func (s *Scheduler) HandleObjectRemoved(storageID, handle, formerParent uint32, hadParent bool) {
	if err := s.catalog.TombstoneObject(s.deviceID, storageID, handle); err != nil {
		if s.log != nil {
			s.log.Error("event: ObjectRemoved(%d): %s", handle, err)
		}
		return
	}
	s.notify(s.deviceID, ParentKey{StorageID: storageID, ParentHandle: formerParent, HasParent: hadParent})
}

// HandleStorageInfoChanged implements the StorageInfoChanged branch:
// re-seed a foreground root crawl for that storage.
func (s *Scheduler) HandleStorageInfoChanged(storageID uint32) {
	s.Enqueue(storageID, 0, false, PriorityForeground)
}

func (s *Scheduler) notify(deviceID string, keys ...ParentKey) {
	if s.onChange == nil {
		return
	}
	s.onChange(ChangeSet{DeviceID: deviceID, ParentHandles: keys})
}

func objectFromInfo(deviceID string, storageID uint32, info ptp.ObjectInfo) IndexedObject {
	obj := IndexedObject{
		DeviceID:     deviceID,
		StorageID:    storageID,
		Handle:       info.Handle,
		ParentHandle: info.ParentObject,
		Name:         info.Filename,
		PathKey:      PathKey(storageID, info.Filename),
		SizeBytes:    info.ObjectSizeBytes,
		HasSize:      !info.IsAssociation(),
		Format:       uint16(info.ObjectFormat),
		IsDirectory:  info.IsAssociation(),
	}
	if t, err := ptp.ParseDateTime(info.ModificationDate); err == nil && !t.IsZero() {
		obj.Mtime = t.Unix()
		obj.HasMtime = true
	}
	return obj
}

// PathKey builds the storage-relative identity key for a single path
// segment: "<storageIdHex>/<name>", after stripping control characters
// and path separators. The name is not Unicode-normalized (no NFC step). Comparisons against it are
// case-insensitive, which callers enforce by lower-casing before
// comparing, not by normalizing the stored value.
func PathKey(storageID uint32, name string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' || r == '\\' {
			return -1
		}
		return r
	}, name)
	return hex32(storageID) + "/" + clean
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
