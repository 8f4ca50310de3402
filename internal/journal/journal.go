// Package journal implements the transfer journal: a durable,
// at-least-once record of every read and write in flight, backed by a
// single-writer SQLite database. pkg/xfer depends only on the
// xfer.Journal interface this package satisfies, so it can resume or
// clean up after a crash or device reattach without knowing anything
// about SQL.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/swiftmtp/core/pkg/devlog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens (creating if absent) the journal database at dbPath, runs
// any pending schema migrations, and returns a ready-to-use Store. The
// database is opened in WAL mode with a sole-writer connection pool,
// mirroring how every other SQLite-backed store in this module is
// opened: one writer, busy_timeout instead of lock contention errors.
func Open(ctx context.Context, dbPath string, log *devlog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if log != nil {
		log.Info("journal: opened %s", dbPath)
	}
	return &Store{db: db, log: log}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("journal: migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("journal: running migrations: %w", err)
	}
	return nil
}
