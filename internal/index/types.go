// Package index implements the live index and crawl scheduler: a
// prioritized enumeration of a device's object trees into a local SQLite
// catalog, kept current by the device actor's event stream with a
// periodic-refresh fallback for devices that support no events at all.
package index

import "fmt"

// IndexedObject is one catalog row: a single object on a single device's
// single storage, at the generation it was last refreshed.
type IndexedObject struct {
	DeviceID      string
	StorageID     uint32
	Handle        uint32
	ParentHandle  uint32 // 0 at a storage root
	Name          string
	PathKey       string
	SizeBytes     uint64
	HasSize       bool
	Mtime         int64
	HasMtime      bool
	Format        uint16
	IsDirectory   bool
	Generation    int64
	ChangeCounter int64
	Tombstone     bool
}

// Priority orders crawl jobs. Higher values run first; within the same
// priority, lower enqueue order (FIFO) wins.
type Priority int

const (
	// PriorityBackground enumerates a subdirectory discovered during an
	// ancestor's crawl, bottom-up.
	PriorityBackground Priority = iota
	// PriorityForeground enumerates a storage root on device connect.
	PriorityForeground
	// PriorityImmediate enumerates a folder the user just opened in the
	// file browser; jumps ahead of anything queued behind it.
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityForeground:
		return "foreground"
	case PriorityImmediate:
		return "immediate"
	default:
		return "background"
	}
}

// CrawlJob is one pending folder enumeration. Jobs are never persisted:
// a crash simply drops the in-flight queue, reconstructed from a fresh
// foreground reseed of storage roots on reopen.
type CrawlJob struct {
	ID           int64 // monotonic, assigned at enqueue; lower wins ties
	DeviceID     string
	StorageID    uint32
	ParentHandle uint32
	HasParent    bool // false only for a storage root whose handle is 0
	Priority     Priority
}

func (j CrawlJob) String() string {
	return fmt.Sprintf("job#%d device=%s storage=%d parent=%d priority=%s",
		j.ID, j.DeviceID, j.StorageID, j.ParentHandle, j.Priority)
}

// ChangeSet names the parents whose listing changed as a result of one
// mutation batch, delivered to external observers via the change
// notification callback. A nil ParentHandle (HasParent=false) means the
// storage root itself changed.
type ChangeSet struct {
	DeviceID      string
	ParentHandles []ParentKey
}

// ParentKey identifies one (storageId, parentHandle) pair a ChangeSet
// names as changed.
type ParentKey struct {
	StorageID    uint32
	ParentHandle uint32
	HasParent    bool
}
