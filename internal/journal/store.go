package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swiftmtp/core/pkg/devlog"
	"github.com/swiftmtp/core/pkg/xfer"
)

// Store is the SQLite-backed xfer.Journal implementation. It owns its
// database connection exclusively; callers never see the *sql.DB.
type Store struct {
	db  *sql.DB
	log *devlog.Logger
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

const insertTransfer = `INSERT INTO transfers
	(id, device_id, kind, handle, parent_handle, storage_id, path_key, name,
	 total_bytes, committed_bytes, supports_partial, temp_path, final_path,
	 state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`

// BeginRead inserts a new active read record and returns its id.
func (s *Store) BeginRead(deviceID string, handle uint32, name string, size uint64, supportsPartial bool, tempPath, finalPath string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.db.Exec(insertTransfer,
		id, deviceID, xfer.KindRead.String(), handle, nil, nil, pathKey(deviceID, "", name),
		name, nullIfUnknown(size), supportsPartial, tempPath, finalPath,
		xfer.StateActive.String(), now, now)
	if err != nil {
		return "", fmt.Errorf("journal: begin read %q: %w", name, err)
	}
	return id, nil
}

// BeginWrite inserts a new active write record and returns its id.
// Handle and remote_handle stay unset until SendObjectInfo returns one.
func (s *Store) BeginWrite(deviceID string, parentHandle, storageID uint32, name string, size uint64, tempPath, finalPath string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.db.Exec(insertTransfer,
		id, deviceID, xfer.KindWrite.String(), nil, parentHandle, storageID,
		pathKey(deviceID, fmt.Sprintf("%08x", storageID), name),
		name, nullIfUnknown(size), false, tempPath, finalPath,
		xfer.StateActive.String(), now, now)
	if err != nil {
		return "", fmt.Errorf("journal: begin write %q: %w", name, err)
	}
	return id, nil
}

// UpdateProgress advances committed_bytes and updated_at for a
// non-terminal record. It is a no-op, not an error, if the record has
// already reached a terminal state: a stray progress tick racing a
// fail() must not resurrect a dead record.
func (s *Store) UpdateProgress(id string, committed uint64) error {
	_, err := s.db.Exec(
		`UPDATE transfers SET committed_bytes = ?, updated_at = ?
		 WHERE id = ? AND state NOT IN (?, ?)`,
		committed, time.Now().UTC().Unix(), id, xfer.StateDone.String(), xfer.StateFailed.String())
	if err != nil {
		return fmt.Errorf("journal: update progress %s: %w", id, err)
	}
	return nil
}

// RecordRemoteHandle sets the object handle a write created on the
// device, required before the write's data phase begins.
func (s *Store) RecordRemoteHandle(id string, handle uint32) error {
	_, err := s.db.Exec(`UPDATE transfers SET remote_handle = ?, updated_at = ? WHERE id = ?`,
		handle, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("journal: record remote handle %s: %w", id, err)
	}
	return nil
}

// AddContentHash sets the content hash computed for a completed transfer.
func (s *Store) AddContentHash(id string, hash string) error {
	_, err := s.db.Exec(`UPDATE transfers SET content_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("journal: add content hash %s: %w", id, err)
	}
	return nil
}

// RecordThroughput sets the observational MB/s figure for a
// transfer. Never drives a control loop; telemetry only.
func (s *Store) RecordThroughput(id string, mbps float64) error {
	_, err := s.db.Exec(`UPDATE transfers SET throughput_mbps = ?, updated_at = ? WHERE id = ?`,
		mbps, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("journal: record throughput %s: %w", id, err)
	}
	return nil
}

// Fail transitions a record to the terminal failed state, recording err.
func (s *Store) Fail(id string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_, dberr := s.db.Exec(
		`UPDATE transfers SET state = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND state NOT IN (?, ?)`,
		xfer.StateFailed.String(), msg, time.Now().UTC().Unix(), id,
		xfer.StateDone.String(), xfer.StateFailed.String())
	if dberr != nil {
		return fmt.Errorf("journal: fail %s: %w", id, dberr)
	}
	return nil
}

// Complete transitions a record to the terminal done state.
func (s *Store) Complete(id string) error {
	_, err := s.db.Exec(
		`UPDATE transfers SET state = ?, updated_at = ?
		 WHERE id = ? AND state NOT IN (?, ?)`,
		xfer.StateDone.String(), time.Now().UTC().Unix(), id,
		xfer.StateDone.String(), xfer.StateFailed.String())
	if err != nil {
		return fmt.Errorf("journal: complete %s: %w", id, err)
	}
	return nil
}

const selectTransferCols = `SELECT id, device_id, kind, handle, parent_handle, storage_id,
	path_key, name, total_bytes, committed_bytes, supports_partial, etag_size,
	etag_mtime, temp_path, final_path, state, last_error, remote_handle,
	content_hash, throughput_mbps, created_at, updated_at
	FROM transfers `

// LoadResumables returns every active or paused record for deviceID, the
// set a reopened session must reconcile before further use.
func (s *Store) LoadResumables(deviceID string) ([]xfer.TransferRecord, error) {
	rows, err := s.db.Query(selectTransferCols+`WHERE device_id = ? AND state IN (?, ?) ORDER BY created_at`,
		deviceID, xfer.StateActive.String(), xfer.StatePaused.String())
	if err != nil {
		return nil, fmt.Errorf("journal: load resumables for %s: %w", deviceID, err)
	}
	defer rows.Close()
	return scanTransfers(rows)
}

// ClearStaleTemps deletes failed or paused records older than olderThan.
// It deletes journal rows only: the records' temp files are neither
// removed nor reported back to the caller.
func (s *Store) ClearStaleTemps(olderThan time.Time) error {
	_, err := s.db.Exec(
		`DELETE FROM transfers WHERE state IN (?, ?) AND updated_at < ?`,
		xfer.StateFailed.String(), xfer.StatePaused.String(), olderThan.UTC().Unix())
	if err != nil {
		return fmt.Errorf("journal: clear stale temps: %w", err)
	}
	return nil
}

func scanTransfers(rows *sql.Rows) ([]xfer.TransferRecord, error) {
	var out []xfer.TransferRecord
	for rows.Next() {
		var (
			r                                      xfer.TransferRecord
			kind, state                            string
			handle, parentHandle, storageID        sql.NullInt64
			pathKey, finalPath, lastErr, contentH   sql.NullString
			totalBytes, etagSize, etagMtime         sql.NullInt64
			remoteHandle                            sql.NullInt64
			throughput                              sql.NullFloat64
			createdAt, updatedAt                    int64
		)
		err := rows.Scan(&r.ID, &r.DeviceID, &kind, &handle, &parentHandle, &storageID,
			&pathKey, &r.Name, &totalBytes, &r.CommittedBytes, &r.SupportsPartial,
			&etagSize, &etagMtime, &r.TempPath, &finalPath, &state, &lastErr,
			&remoteHandle, &contentH, &throughput, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("journal: scanning transfer row: %w", err)
		}

		r.Kind = parseKind(kind)
		r.State = parseState(state)
		r.Handle = uint32(handle.Int64)
		r.ParentHandle = uint32(parentHandle.Int64)
		r.StorageID = uint32(storageID.Int64)
		r.PathKey = pathKey.String
		r.FinalPath = finalPath.String
		r.LastErr = lastErr.String
		r.ContentHash = contentH.String
		r.RemoteHandle = uint32(remoteHandle.Int64)
		r.ThroughputMBps = throughput.Float64
		r.ETagSize = uint64(etagSize.Int64)
		r.ETagMtime = etagMtime.Int64
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		if totalBytes.Valid {
			r.TotalBytes = uint64(totalBytes.Int64)
		} else {
			r.TotalBytes = xfer.SizeUnknown64
		}

		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating transfer rows: %w", err)
	}
	return out, nil
}

func parseKind(s string) xfer.TransferKind {
	if s == xfer.KindWrite.String() {
		return xfer.KindWrite
	}
	return xfer.KindRead
}

func parseState(s string) xfer.TransferState {
	switch s {
	case xfer.StatePaused.String():
		return xfer.StatePaused
	case xfer.StateFailed.String():
		return xfer.StateFailed
	case xfer.StateDone.String():
		return xfer.StateDone
	default:
		return xfer.StateActive
	}
}

// nullIfUnknown maps xfer.SizeUnknown64 to a SQL NULL so a not-yet-known
// total size round-trips correctly instead of storing a sentinel.
func nullIfUnknown(size uint64) interface{} {
	if size == xfer.SizeUnknown64 {
		return nil
	}
	return size
}

// pathKey mirrors the storage-relative identity key spec'd for the live
// index: "<storageIdHex>/<name>", slash-joined. The journal only ever
// needs single-segment identity (one object per record), not a full
// directory path. Reads record no storage id, so their storage part is
// empty.
func pathKey(deviceID, storageID, name string) string {
	return fmt.Sprintf("%s/%s", storageID, name)
}
