package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable single-node driver for self-hosted deployments
// that don't want an external object store. It keeps every live snapshot
// reference as its own row, mirroring the original system's room_snapshots
// table but generalized to the multi-reference model live-handoff requires
// (several live references may coexist during a worker handoff).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS snapshots (
		id         TEXT PRIMARY KEY,
		room       TEXT NOT NULL,
		docid      TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_room_docid ON snapshots(room, docid);
	CREATE TABLE IF NOT EXISTS quarantine (
		room       TEXT NOT NULL,
		docid      TEXT NOT NULL,
		reason     TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room, docid)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) PersistDoc(ctx context.Context, room, docid string, merged []byte) (Reference, error) {
	key := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO snapshots (id, room, docid, data) VALUES (?, ?, ?, ?)",
		key, room, docid, merged,
	)
	if err != nil {
		return Reference{}, fmt.Errorf("storage: insert snapshot: %w", err)
	}
	return Reference{Room: room, Docid: docid, Key: key}, nil
}

func (s *SQLiteStore) RetrieveDoc(ctx context.Context, room, docid string) (*RetrievedDoc, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data FROM snapshots WHERE room = ? AND docid = ? ORDER BY created_at ASC",
		room, docid,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query snapshots: %w", err)
	}
	defer rows.Close()

	var out *RetrievedDoc
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("storage: scan snapshot: %w", err)
		}
		if out == nil {
			out = &RetrievedDoc{}
		}
		out.Merged = append(out.Merged, data...)
		out.References = append(out.References, Reference{Room: room, Docid: docid, Key: id})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RetrieveStateVector(_ context.Context, _, _ string) ([]byte, error) {
	return nil, nil
}

func (s *SQLiteStore) DeleteReferences(ctx context.Context, _, _ string, refs []Reference) error {
	for _, r := range refs {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", r.Key); err != nil {
			return fmt.Errorf("storage: delete snapshot %s: %w", r.Key, err)
		}
	}
	return nil
}

func (s *SQLiteStore) WriteQuarantineMarker(ctx context.Context, room, docid, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO quarantine (room, docid, reason) VALUES (?, ?, ?) "+
			"ON CONFLICT(room, docid) DO UPDATE SET reason = excluded.reason, created_at = CURRENT_TIMESTAMP",
		room, docid, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: write quarantine marker for %s/%s: %w", room, docid, err)
	}
	return nil
}

func (s *SQLiteStore) Destroy() error {
	return s.db.Close()
}
