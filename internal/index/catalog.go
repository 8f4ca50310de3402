package index

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/swiftmtp/core/pkg/devlog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog is the SQLite-backed live index: one row per object the crawl
// scheduler has seen, kept current by upserts from enumeration and from
// device events. Prepared statements are grouped by domain (device,
// storage, object, snapshot), mirroring the reference sync engine's
// SQLiteStore layout.
type Catalog struct {
	db  *sql.DB
	log *devlog.Logger

	deviceStmts  deviceStatements
	storageStmts storageStatements
	objectStmts  objectStatements
}

type deviceStatements struct {
	upsert *sql.Stmt
}

type storageStatements struct {
	upsert *sql.Stmt
}

type objectStatements struct {
	upsert          *sql.Stmt
	tombstoneOne    *sql.Stmt
	tombstoneOld    *sql.Stmt
	listChildren    *sql.Stmt
	getByHandle     *sql.Stmt
	getByHandleOnly *sql.Stmt
	bumpChangeSeq   *sql.Stmt
}

// Open creates/migrates the index database at dbPath and prepares every
// statement this package uses. One sole-writer connection, same as
// internal/journal: SQLite's single-writer nature makes a bigger pool
// pure overhead here.
func Open(ctx context.Context, dbPath string, log *devlog.Logger) (*Catalog, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: opening %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migration sub-filesystem: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: running migrations: %w", err)
	}

	c := &Catalog{db: db, log: log}
	if err := c.prepareAll(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if log != nil {
		log.Info("index: opened %s", dbPath)
	}
	return c, nil
}

type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("index: prepare %s: %w", defs[i].name, err)
		}
		*defs[i].dest = stmt
	}
	return nil
}

const (
	sqlUpsertDevice = `INSERT INTO devices (id, model, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET model = excluded.model, last_seen_at = excluded.last_seen_at`

	sqlUpsertStorage = `INSERT INTO storages
		(device_id, id, description, capacity, free, read_only, last_indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, id) DO UPDATE SET
			description = excluded.description,
			capacity = excluded.capacity,
			free = excluded.free,
			read_only = excluded.read_only,
			last_indexed_at = excluded.last_indexed_at`

	sqlUpsertObject = `INSERT INTO objects
		(device_id, storage_id, handle, parent_handle, name, path_key,
		 size, mtime, format, gen, change_counter, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(device_id, storage_id, handle) DO UPDATE SET
			parent_handle = excluded.parent_handle,
			name = excluded.name,
			path_key = excluded.path_key,
			size = excluded.size,
			mtime = excluded.mtime,
			format = excluded.format,
			gen = excluded.gen,
			change_counter = excluded.change_counter,
			tombstone = 0`

	sqlTombstoneOne = `UPDATE objects SET tombstone = 1, change_counter = ?
		WHERE device_id = ? AND storage_id = ? AND handle = ?`

	sqlTombstoneOld = `UPDATE objects SET tombstone = 1, change_counter = ?
		WHERE device_id = ? AND storage_id = ? AND parent_handle = ? AND gen < ? AND tombstone = 0`

	sqlListChildren = `SELECT device_id, storage_id, handle, parent_handle, name, path_key,
		size, mtime, format, gen, change_counter, tombstone
		FROM objects
		WHERE device_id = ? AND storage_id = ? AND parent_handle = ? AND tombstone = 0
		ORDER BY name`

	sqlGetByHandle = `SELECT device_id, storage_id, handle, parent_handle, name, path_key,
		size, mtime, format, gen, change_counter, tombstone
		FROM objects
		WHERE device_id = ? AND storage_id = ? AND handle = ?`

	// sqlGetByHandleOnly looks an object up by handle alone: PTP handles
	// are unique within a session, but an ObjectRemoved event doesn't say
	// which storage its handle belonged to.
	sqlGetByHandleOnly = `SELECT device_id, storage_id, handle, parent_handle, name, path_key,
		size, mtime, format, gen, change_counter, tombstone
		FROM objects
		WHERE device_id = ? AND handle = ? AND tombstone = 0`

	sqlBumpChangeSeq = `INSERT INTO change_seq (device_id, value) VALUES (?, 1)
		ON CONFLICT(device_id) DO UPDATE SET value = value + 1
		RETURNING value`
)

func (c *Catalog) prepareAll(ctx context.Context) error {
	return prepareAll(ctx, c.db, []stmtDef{
		{&c.deviceStmts.upsert, sqlUpsertDevice, "upsertDevice"},
		{&c.storageStmts.upsert, sqlUpsertStorage, "upsertStorage"},
		{&c.objectStmts.upsert, sqlUpsertObject, "upsertObject"},
		{&c.objectStmts.tombstoneOne, sqlTombstoneOne, "tombstoneOne"},
		{&c.objectStmts.tombstoneOld, sqlTombstoneOld, "tombstoneOld"},
		{&c.objectStmts.listChildren, sqlListChildren, "listChildren"},
		{&c.objectStmts.getByHandle, sqlGetByHandle, "getByHandle"},
		{&c.objectStmts.getByHandleOnly, sqlGetByHandleOnly, "getByHandleOnly"},
		{&c.objectStmts.bumpChangeSeq, sqlBumpChangeSeq, "bumpChangeSeq"},
	})
}

// Close closes every prepared statement and the database connection.
func (c *Catalog) Close() error {
	for _, stmt := range []*sql.Stmt{
		c.deviceStmts.upsert, c.storageStmts.upsert,
		c.objectStmts.upsert, c.objectStmts.tombstoneOne, c.objectStmts.tombstoneOld,
		c.objectStmts.listChildren, c.objectStmts.getByHandle, c.objectStmts.getByHandleOnly,
		c.objectStmts.bumpChangeSeq,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return c.db.Close()
}

// nextChange draws the next strictly-increasing change counter value for
// deviceID.
func (c *Catalog) nextChange(deviceID string) (int64, error) {
	var v int64
	if err := c.objectStmts.bumpChangeSeq.QueryRow(deviceID).Scan(&v); err != nil {
		return 0, fmt.Errorf("index: bump change sequence for %s: %w", deviceID, err)
	}
	return v, nil
}

// UpsertDevice records a device's last-seen model and timestamp.
func (c *Catalog) UpsertDevice(deviceID, model string, seenAt time.Time) error {
	_, err := c.deviceStmts.upsert.Exec(deviceID, model, seenAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("index: upsert device %s: %w", deviceID, err)
	}
	return nil
}

// UpsertStorage records one storage's capacity/free/access snapshot.
func (c *Catalog) UpsertStorage(deviceID string, storageID uint32, description string, capacity, free uint64, readOnly bool, indexedAt time.Time) error {
	_, err := c.storageStmts.upsert.Exec(deviceID, storageID, description, capacity, free, readOnly, indexedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("index: upsert storage %d on %s: %w", storageID, deviceID, err)
	}
	return nil
}

// UpsertObject inserts or refreshes one object at generation gen, drawing
// a fresh change counter value. Un-tombstones the row if it had been
// marked stale by an earlier purge and has now reappeared.
func (c *Catalog) UpsertObject(obj IndexedObject, gen int64) error {
	seq, err := c.nextChange(obj.DeviceID)
	if err != nil {
		return err
	}
	var size, mtime interface{}
	if obj.HasSize {
		size = obj.SizeBytes
	}
	if obj.HasMtime {
		mtime = obj.Mtime
	}
	_, err = c.objectStmts.upsert.Exec(
		obj.DeviceID, obj.StorageID, obj.Handle, obj.ParentHandle, obj.Name, obj.PathKey,
		size, mtime, obj.Format, gen, seq)
	if err != nil {
		return fmt.Errorf("index: upsert object %d on %s/%d: %w", obj.Handle, obj.DeviceID, obj.StorageID, err)
	}
	return nil
}

// TombstoneObject marks a single object removed, as driven by an
// ObjectRemoved event.
func (c *Catalog) TombstoneObject(deviceID string, storageID, handle uint32) error {
	seq, err := c.nextChange(deviceID)
	if err != nil {
		return err
	}
	_, err = c.objectStmts.tombstoneOne.Exec(seq, deviceID, storageID, handle)
	if err != nil {
		return fmt.Errorf("index: tombstone object %d on %s/%d: %w", handle, deviceID, storageID, err)
	}
	return nil
}

// PurgeStale tombstones every non-tombstoned child of parentHandle whose
// generation is older than gen: the set the just-completed enumeration
// did not refresh. Returns the number of rows tombstoned.
func (c *Catalog) PurgeStale(deviceID string, storageID, parentHandle uint32, gen int64) (int64, error) {
	seq, err := c.nextChange(deviceID)
	if err != nil {
		return 0, err
	}
	res, err := c.objectStmts.tombstoneOld.Exec(seq, deviceID, storageID, parentHandle, gen)
	if err != nil {
		return 0, fmt.Errorf("index: purge stale under %d on %s/%d: %w", parentHandle, deviceID, storageID, err)
	}
	return res.RowsAffected()
}

// ListChildren returns the live (non-tombstoned) children of parentHandle.
func (c *Catalog) ListChildren(deviceID string, storageID, parentHandle uint32) ([]IndexedObject, error) {
	rows, err := c.objectStmts.listChildren.Query(deviceID, storageID, parentHandle)
	if err != nil {
		return nil, fmt.Errorf("index: list children of %d on %s/%d: %w", parentHandle, deviceID, storageID, err)
	}
	defer rows.Close()
	return scanObjects(rows)
}

// GetObject returns a single catalog row by handle, including tombstoned
// ones, or (IndexedObject{}, false) if never seen.
func (c *Catalog) GetObject(deviceID string, storageID, handle uint32) (IndexedObject, bool, error) {
	row := c.objectStmts.getByHandle.QueryRow(deviceID, storageID, handle)
	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return IndexedObject{}, false, nil
	}
	if err != nil {
		return IndexedObject{}, false, fmt.Errorf("index: get object %d on %s/%d: %w", handle, deviceID, storageID, err)
	}
	return obj, true, nil
}

// GetObjectByHandle looks up a live (non-tombstoned) object by handle
// alone, for callers that only learned a handle from an event with no
// storage context. Returns (zero, false) if no live object has that
// handle.
func (c *Catalog) GetObjectByHandle(deviceID string, handle uint32) (IndexedObject, bool, error) {
	row := c.objectStmts.getByHandleOnly.QueryRow(deviceID, handle)
	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return IndexedObject{}, false, nil
	}
	if err != nil {
		return IndexedObject{}, false, fmt.Errorf("index: get object by handle %d on %s: %w", handle, deviceID, err)
	}
	return obj, true, nil
}

func scanObject(row interface{ Scan(...any) error }) (IndexedObject, error) {
	var o IndexedObject
	var size, mtime sql.NullInt64
	var tombstone int
	err := row.Scan(&o.DeviceID, &o.StorageID, &o.Handle, &o.ParentHandle, &o.Name, &o.PathKey,
		&size, &mtime, &o.Format, &o.Generation, &o.ChangeCounter, &tombstone)
	if err != nil {
		return IndexedObject{}, err
	}
	o.HasSize = size.Valid
	o.SizeBytes = uint64(size.Int64)
	o.HasMtime = mtime.Valid
	o.Mtime = mtime.Int64
	o.Tombstone = tombstone != 0
	return o, nil
}

func scanObjects(rows *sql.Rows) ([]IndexedObject, error) {
	var out []IndexedObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning object row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterating object rows: %w", err)
	}
	return out, nil
}

// RecordGeneration stamps crawl generation gen for deviceID. The
// scheduler calls it at the start of every crawl job, whatever its
// priority: each folder enumeration mints the next generation, and
// PurgeStale then tombstones that folder's children left at an older
// one.
func (c *Catalog) RecordGeneration(deviceID string, gen int64, at time.Time) error {
	_, err := c.db.Exec(`INSERT INTO snapshots (device_id, gen, created_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id, gen) DO NOTHING`, deviceID, gen, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("index: record generation %d for %s: %w", gen, deviceID, err)
	}
	return nil
}

// LatestGeneration returns the highest recorded generation for deviceID,
// or 0 if the device has never completed a crawl.
func (c *Catalog) LatestGeneration(deviceID string) (int64, error) {
	var gen sql.NullInt64
	err := c.db.QueryRow(`SELECT MAX(gen) FROM snapshots WHERE device_id = ?`, deviceID).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("index: latest generation for %s: %w", deviceID, err)
	}
	return gen.Int64, nil
}
