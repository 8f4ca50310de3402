package xfer

import "time"

// TransferKind distinguishes a read (device -> host) from a write
// (host -> device) transfer record.
type TransferKind int

const (
	KindRead TransferKind = iota
	KindWrite
)

func (k TransferKind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// TransferState is the lifecycle state of one TransferRecord. A record
// never moves back from a terminal state (Failed, Done) to a
// non-terminal one.
type TransferState int

const (
	StateActive TransferState = iota
	StatePaused
	StateFailed
	StateDone
)

func (s TransferState) String() string {
	switch s {
	case StatePaused:
		return "paused"
	case StateFailed:
		return "failed"
	case StateDone:
		return "done"
	default:
		return "active"
	}
}

// TransferRecord is the journal's durable row for one read or write in
// progress or at rest. Committed fields are only ever advanced forward;
// State only ever moves toward a terminal value.
type TransferRecord struct {
	ID              string
	DeviceID        string
	Kind            TransferKind
	Handle          uint32 // read: object being read. write: 0 until SendObjectInfo returns one.
	ParentHandle    uint32 // write only: target folder, 0 = storage root.
	StorageID       uint32
	PathKey         string // storage-relative identity key, derived and filled in by internal/journal.
	Name            string
	TotalBytes      uint64 // SizeUnknown64 if not known yet.
	CommittedBytes  uint64
	SupportsPartial bool
	ETagSize        uint64 // remote size at begin time, 0 if unknown; used to detect a stale temp on resume.
	ETagMtime       int64  // remote mtime (unix) at begin time, 0 if unknown.
	TempPath        string
	FinalPath       string
	State           TransferState
	ContentHash     string
	RemoteHandle    uint32
	ThroughputMBps  float64
	LastErr         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SizeUnknown64 marks a TransferRecord.TotalBytes that has not been
// resolved yet (read side, before GetObjectInfo/ObjectSize64 returns).
const SizeUnknown64 = ^uint64(0)

// Journal is the durable transfer log the engine drives. internal/journal
// provides the SQLite-backed implementation; pkg/xfer only depends on
// this interface so it can be tested against an in-memory fake.
type Journal interface {
	BeginRead(deviceID string, handle uint32, name string, size uint64, supportsPartial bool, tempPath, finalPath string) (string, error)
	BeginWrite(deviceID string, parentHandle, storageID uint32, name string, size uint64, tempPath, finalPath string) (string, error)

	UpdateProgress(id string, committed uint64) error
	RecordRemoteHandle(id string, handle uint32) error
	AddContentHash(id string, hash string) error
	RecordThroughput(id string, mbps float64) error

	Fail(id string, err error) error
	Complete(id string) error

	LoadResumables(deviceID string) ([]TransferRecord, error)
	ClearStaleTemps(olderThan time.Time) error
}
