package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store holds drives and their entries in a single SQLite database.
type Store struct {
	db *sql.DB
}

// pragmas run on the single connection right after it is opened.
var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
}

// Open opens (or creates) slashprofile.db in dataDir and applies pending
// migrations. dataDir ":memory:" gives a throwaway database.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != dsn {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "slashprofile.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database is per connection, and writers
	// never contend for the lock.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies every embedded migration newer than the recorded schema
// version, each in its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := parseMigrationVersion(filepath.Base(name))
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := s.apply(version, string(body)); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *Store) apply(version int, body string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(body); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations lists applied migration versions, oldest first.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Drives ---

// EnsureDrive registers key if it is not known yet.
func (s *Store) EnsureDrive(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO drives (key, seq, created_at) VALUES (?, 0, ?)`,
		key, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetDrive returns the drive registered under key.
func (s *Store) GetDrive(ctx context.Context, key string) (Drive, error) {
	var d Drive
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, seq, created_at FROM drives WHERE key = ?`, key,
	).Scan(&d.Key, &d.Seq, &createdAt)
	if err == sql.ErrNoRows {
		return Drive{}, ErrNotFound
	}
	if err != nil {
		return Drive{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Drive{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}

// ListDrives returns all known drives ordered by key.
func (s *Store) ListDrives(ctx context.Context) ([]Drive, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, seq, created_at FROM drives ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Drive
	for rows.Next() {
		var d Drive
		var createdAt string
		if err := rows.Scan(&d.Key, &d.Seq, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Entries ---

// PutEntry writes content at path in the drive, creating the drive if
// needed, and returns the new drive sequence number.
func (s *Store) PutEntry(ctx context.Context, key, path string, content []byte) (int64, error) {
	if content == nil {
		content = []byte{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO drives (key, seq, created_at) VALUES (?, 0, ?)`, key, now,
	); err != nil {
		return 0, fmt.Errorf("registering drive: %w", err)
	}

	seq, err := bumpSeq(ctx, tx, key)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (drive_key, path, content, seq, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(drive_key, path) DO UPDATE SET content = excluded.content, seq = excluded.seq, updated_at = excluded.updated_at`,
		key, path, content, seq, now,
	); err != nil {
		return 0, fmt.Errorf("writing entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing entry: %w", err)
	}
	return seq, nil
}

// GetEntry returns the entry at path, or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, key, path string) (Entry, error) {
	var e Entry
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT drive_key, path, content, seq, updated_at
		FROM entries WHERE drive_key = ? AND path = ?`, key, path,
	).Scan(&e.DriveKey, &e.Path, &e.Content, &e.Seq, &updatedAt)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	e.UpdatedAt = t
	return e, nil
}

// EntrySeq returns the sequence number the entry at path was written at,
// or ErrNotFound when there is no entry.
func (s *Store) EntrySeq(ctx context.Context, key, path string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM entries WHERE drive_key = ? AND path = ?`, key, path,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return seq, err
}

// DeleteEntry removes the entry at path. Deleting a missing entry is not
// an error and does not advance the drive sequence.
func (s *Store) DeleteEntry(ctx context.Context, key, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE drive_key = ? AND path = ?`, key, path)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if _, err := bumpSeq(ctx, tx, key); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// ListEntries returns the entries of a drive without their content,
// ordered by path.
func (s *Store) ListEntries(ctx context.Context, key string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT drive_key, path, seq, updated_at
		FROM entries WHERE drive_key = ? ORDER BY path ASC`, key,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var e Entry
		var updatedAt string
		if err := rows.Scan(&e.DriveKey, &e.Path, &e.Seq, &updatedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		e.UpdatedAt = t
		results = append(results, e)
	}
	return results, rows.Err()
}

func bumpSeq(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE drives SET seq = seq + 1 WHERE key = ? RETURNING seq`, key,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("advancing drive sequence: %w", err)
	}
	return seq, nil
}
