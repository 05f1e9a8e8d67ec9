// Package sqlitearchive keeps encoded snapshots in a SQLite database so
// contexts can be restored after the host restarts.
package sqlitearchive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	context_id TEXT NOT NULL,
	plugin     TEXT NOT NULL,
	digest     TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_context ON snapshots (context_id, created_at);`

// Archive implements ports.SnapshotArchive.
type Archive struct {
	db *sql.DB
}

var _ ports.SnapshotArchive = (*Archive)(nil)

// Open opens (or creates) the database at path. ":memory:" keeps it in
// process.
func Open(ctx context.Context, path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.IOFailure, "archive.open", err)
	}
	// A single connection keeps ":memory:" databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)
	a, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// New uses an open database and creates the table if needed.
func New(ctx context.Context, db *sql.DB) (*Archive, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, ferrors.Wrap(ferrors.IOFailure, "archive.migrate", err)
	}
	return &Archive{db: db}, nil
}

// Put inserts rec. Ids are unique.
func (a *Archive) Put(ctx context.Context, rec ports.SnapshotRecord) error {
	if rec.ID == "" {
		return ferrors.New(ferrors.InvalidArgument, "archive.put", "record id is required")
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, context_id, plugin, digest, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ContextID, rec.Plugin, rec.Digest, rec.Data, rec.CreatedAt)
	if err != nil {
		return ferrors.Wrap(ferrors.IOFailure, "archive.put", err)
	}
	return nil
}

// Get returns one record by id.
func (a *Archive) Get(ctx context.Context, id string) (ports.SnapshotRecord, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, context_id, plugin, digest, data, created_at FROM snapshots WHERE id = ?`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ferrors.New(ferrors.NotFound, "archive.get", "snapshot %q", id)
	}
	if err != nil {
		return rec, ferrors.Wrap(ferrors.IOFailure, "archive.get", err)
	}
	return rec, nil
}

// List returns the records of a context, oldest first, without their data.
func (a *Archive) List(ctx context.Context, contextID string) ([]ports.SnapshotRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, context_id, plugin, digest, X'', created_at FROM snapshots
		 WHERE context_id = ? ORDER BY created_at, id`, contextID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.IOFailure, "archive.list", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ports.SnapshotRecord
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.IOFailure, "archive.list", err)
		}
		rec.Data = nil
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.Wrap(ferrors.IOFailure, "archive.list", err)
	}
	return out, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (ports.SnapshotRecord, error) {
	var rec ports.SnapshotRecord
	if err := s.Scan(&rec.ID, &rec.ContextID, &rec.Plugin, &rec.Digest, &rec.Data, &rec.CreatedAt); err != nil {
		return rec, fmt.Errorf("scan snapshot: %w", err)
	}
	return rec, nil
}
