// Package store persists chat history and the shared-file catalog in
// SQLite. The control plane writes through to it so history survives
// restarts, and the transfer broker reloads its catalog from it at startup.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrFileNotFound is returned when no catalog row exists for a fid.
var ErrFileNotFound = errors.New("file record not found")

// MessageRow is one archived control-plane message. Unicast rows carry the
// recipient in ToUID/ToUsername; broadcast rows leave them zero.
type MessageRow struct {
	ID         int64
	Type       string
	UID        uint32
	Username   string
	ToUID      uint32
	ToUsername string
	Body       string
	TS         int64 // unix milliseconds
}

// FileRow is one shared-file catalog entry.
type FileRow struct {
	Fid       string
	Filename  string
	SizeBytes int64
	Uploader  string
	DiskName  string
	CreatedAt time.Time
}

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	uid INTEGER NOT NULL,
	username TEXT NOT NULL,
	to_uid INTEGER NOT NULL DEFAULT 0,
	to_username TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);

CREATE TABLE IF NOT EXISTS files (
	fid TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	uploader TEXT NOT NULL,
	disk_name TEXT NOT NULL UNIQUE,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_created_at ON files(created_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// InsertMessage archives one message and returns the assigned row ID.
func (s *Store) InsertMessage(ctx context.Context, m MessageRow) (int64, error) {
	if m.TS == 0 {
		m.TS = time.Now().UnixMilli()
	}
	const q = `INSERT INTO messages (type, uid, username, to_uid, to_username, body, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, q, m.Type, m.UID, m.Username, m.ToUID, m.ToUsername, m.Body, m.TS)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Debug("message archived", "msg_id", id, "type", m.Type, "uid", m.UID)
	return id, nil
}

// RecentMessages returns the most recent limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, type, uid, username, to_uid, to_username, body, ts
FROM messages
ORDER BY ts DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.Type, &m.UID, &m.Username, &m.ToUID, &m.ToUsername, &m.Body, &m.TS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	// Reverse to oldest-first order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// DeleteMessagesBefore removes archived messages older than cutoff and
// returns how many rows were deleted.
func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// CreateFile inserts one catalog row. The fid is the primary key, so a
// duplicate offer fails here as well as in the broker's memory table.
func (s *Store) CreateFile(ctx context.Context, f FileRow) error {
	if strings.TrimSpace(f.Fid) == "" {
		return fmt.Errorf("fid is required")
	}
	if strings.TrimSpace(f.Filename) == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.TrimSpace(f.DiskName) == "" {
		return fmt.Errorf("disk name is required")
	}
	if f.SizeBytes < 0 {
		return fmt.Errorf("file size must be non-negative")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO files (fid, filename, size_bytes, uploader, disk_name, created_at_unix_ms) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, f.Fid, f.Filename, f.SizeBytes, f.Uploader, f.DiskName, f.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}
	slog.Debug("file record created", "fid", f.Fid, "size", f.SizeBytes)
	return nil
}

// FileByFid returns one catalog row.
func (s *Store) FileByFid(ctx context.Context, fid string) (FileRow, error) {
	fid = strings.TrimSpace(fid)
	if fid == "" {
		return FileRow{}, fmt.Errorf("fid is required")
	}

	const q = `
SELECT fid, filename, size_bytes, uploader, disk_name, created_at_unix_ms
FROM files
WHERE fid = ?
`
	var (
		f         FileRow
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, q, fid).Scan(&f.Fid, &f.Filename, &f.SizeBytes, &f.Uploader, &f.DiskName, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FileRow{}, ErrFileNotFound
		}
		return FileRow{}, fmt.Errorf("query file record: %w", err)
	}
	f.CreatedAt = time.UnixMilli(createdMs).UTC()
	return f, nil
}

// Files returns the whole catalog, oldest first.
func (s *Store) Files(ctx context.Context) ([]FileRow, error) {
	return s.queryFiles(ctx, `
SELECT fid, filename, size_bytes, uploader, disk_name, created_at_unix_ms
FROM files
ORDER BY created_at_unix_ms, fid
`)
}

// FilesBefore returns catalog rows created before cutoff, for retention.
func (s *Store) FilesBefore(ctx context.Context, cutoff time.Time) ([]FileRow, error) {
	return s.queryFiles(ctx, `
SELECT fid, filename, size_bytes, uploader, disk_name, created_at_unix_ms
FROM files
WHERE created_at_unix_ms < ?
ORDER BY created_at_unix_ms, fid
`, cutoff.UnixMilli())
}

func (s *Store) queryFiles(ctx context.Context, q string, args ...any) ([]FileRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var out []FileRow
	for rows.Next() {
		var (
			f         FileRow
			createdMs int64
		)
		if err := rows.Scan(&f.Fid, &f.Filename, &f.SizeBytes, &f.Uploader, &f.DiskName, &createdMs); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		f.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFile removes one catalog row.
func (s *Store) DeleteFile(ctx context.Context, fid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE fid = ?`, fid); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return nil
}

// Stats returns row counts for the status report.
func (s *Store) Stats(ctx context.Context) (messages, files int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&files); err != nil {
		return 0, 0, fmt.Errorf("count files: %w", err)
	}
	return messages, files, nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}
