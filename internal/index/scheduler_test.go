package index

import (
	"context"
	"testing"
	"time"

	"github.com/swiftmtp/core/pkg/ptp"
)

// fakeLister is a canned in-memory Lister: a fixed storage list and a
// handle->children / handle->info map, scripted per test.
type fakeLister struct {
	storages map[uint32]ptp.StorageInfo
	children map[uint32][]uint32 // parent handle -> child handles
	infos    map[uint32]ptp.ObjectInfo
}

func newFakeLister() *fakeLister {
	return &fakeLister{
		storages: map[uint32]ptp.StorageInfo{},
		children: map[uint32][]uint32{},
		infos:    map[uint32]ptp.ObjectInfo{},
	}
}

func (f *fakeLister) ListStorageIDs(ctx context.Context) ([]uint32, error) {
	ids := make([]uint32, 0, len(f.storages))
	for id := range f.storages {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeLister) GetStorageInfo(ctx context.Context, storageID uint32) (ptp.StorageInfo, error) {
	return f.storages[storageID], nil
}

func (f *fakeLister) ListObjectHandles(ctx context.Context, storageID, parentHandle uint32) ([]uint32, error) {
	return f.children[parentHandle], nil
}

func (f *fakeLister) GetObjectInfo(ctx context.Context, handle uint32) (ptp.ObjectInfo, error) {
	return f.infos[handle], nil
}

func TestSeedRootsEnqueuesForegroundJobPerStorage(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDevice("dev-1", "TestCam", time.Now())

	lister := newFakeLister()
	lister.storages[1] = ptp.StorageInfo{Description: "Internal", MaxCapacity: 1000, FreeSpaceBytes: 500}
	lister.storages[2] = ptp.StorageInfo{Description: "SD Card", MaxCapacity: 2000, FreeSpaceBytes: 1000}

	sched := NewScheduler("dev-1", lister, c, nil, nil)
	if err := sched.SeedRoots(context.Background()); err != nil {
		t.Fatalf("SeedRoots: %v", err)
	}
	if sched.queue.Len() != 2 {
		t.Fatalf("queue length = %d, want 2", sched.queue.Len())
	}
}

func TestProcessJobUpsertsChildrenAndQueuesSubfolders(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDevice("dev-1", "TestCam", time.Now())
	c.RecordGeneration("dev-1", 0, time.Now())

	lister := newFakeLister()
	lister.children[0] = []uint32{10, 11}
	lister.infos[10] = ptp.ObjectInfo{Handle: 10, ParentObject: 0, Filename: "photo.jpg", ObjectFormat: 0x3801, ObjectSizeBytes: 2048}
	lister.infos[11] = ptp.ObjectInfo{Handle: 11, ParentObject: 0, Filename: "DCIM", ObjectFormat: ptp.FormatAssociation}

	var notified []ChangeSet
	sched := NewScheduler("dev-1", lister, c, nil, func(cs ChangeSet) { notified = append(notified, cs) })
	sched.Enqueue(1, 0, false, PriorityForeground)
	job, _ := sched.queue.Dequeue()
	sched.processJob(context.Background(), job)

	children, err := c.ListChildren("dev-1", 1, 0)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("ListChildren = %d, want 2", len(children))
	}

	// DCIM is a folder: processJob must have enqueued a background crawl for it.
	if sched.queue.Len() != 1 {
		t.Fatalf("queue length after processing = %d, want 1 (subfolder enqueued)", sched.queue.Len())
	}
	next, ok := sched.queue.Dequeue()
	if !ok || next.ParentHandle != 11 || next.Priority != PriorityBackground {
		t.Fatalf("expected background job for handle 11, got %+v ok=%v", next, ok)
	}

	if len(notified) != 1 {
		t.Fatalf("onChange called %d times, want 1", len(notified))
	}
}

func TestHandleObjectRemovedTombstonesAndNotifiesFormerParent(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDevice("dev-1", "TestCam", time.Now())
	c.RecordGeneration("dev-1", 1, time.Now())
	c.UpsertObject(IndexedObject{DeviceID: "dev-1", StorageID: 1, Handle: 99, ParentHandle: 5, Name: "x", PathKey: PathKey(1, "x")}, 1)

	var notified []ChangeSet
	sched := NewScheduler("dev-1", newFakeLister(), c, nil, func(cs ChangeSet) { notified = append(notified, cs) })

	sched.HandleObjectRemoved(1, 99, 5, true)

	obj, ok, err := c.GetObject("dev-1", 1, 99)
	if err != nil || !ok {
		t.Fatalf("GetObject: ok=%v err=%v", ok, err)
	}
	if !obj.Tombstone {
		t.Fatalf("object not tombstoned after HandleObjectRemoved")
	}
	if len(notified) != 1 || notified[0].ParentHandles[0].ParentHandle != 5 {
		t.Fatalf("unexpected notification: %+v", notified)
	}
}

func TestHandleStorageInfoChangedEnqueuesForegroundReseed(t *testing.T) {
	c := newTestCatalog(t)
	c.UpsertDevice("dev-1", "TestCam", time.Now())
	sched := NewScheduler("dev-1", newFakeLister(), c, nil, nil)

	sched.HandleStorageInfoChanged(3)

	job, ok := sched.queue.Dequeue()
	if !ok || job.StorageID != 3 || job.Priority != PriorityForeground {
		t.Fatalf("expected foreground reseed job for storage 3, got %+v ok=%v", job, ok)
	}
}
