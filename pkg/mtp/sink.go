package mtp

import (
	"context"

	"github.com/swiftmtp/core/pkg/events"
	"github.com/swiftmtp/core/internal/index"
)

// schedulerSink adapts one device's *index.Scheduler and the shared
// *index.Catalog to pkg/events's IndexSink: the scheduler does the
// write-side work, the catalog resolves ParentOf since an
// ObjectRemoved event carries only a handle.
type schedulerSink struct {
	deviceID  string
	scheduler *index.Scheduler
	catalog   *index.Catalog
}

func (s *schedulerSink) HandleObjectAdded(ctx context.Context, handle uint32) {
	s.scheduler.HandleObjectAdded(ctx, handle)
}

func (s *schedulerSink) HandleObjectRemoved(storageID, handle, formerParent uint32, hadParent bool) {
	s.scheduler.HandleObjectRemoved(storageID, handle, formerParent, hadParent)
}

func (s *schedulerSink) HandleStorageInfoChanged(storageID uint32) {
	s.scheduler.HandleStorageInfoChanged(storageID)
}

func (s *schedulerSink) ParentOf(handle uint32) (storageID, parentHandle uint32, hasParent, ok bool) {
	obj, found, err := s.catalog.GetObjectByHandle(s.deviceID, handle)
	if err != nil || !found {
		return 0, 0, false, false
	}
	return obj.StorageID, obj.ParentHandle, obj.ParentHandle != 0, true
}

var _ events.IndexSink = (*schedulerSink)(nil)
