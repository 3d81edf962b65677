// CLAUDE:SUMMARY Content-addressed run store: SQLite run index, write-once artifact trees keyed by fingerprint + job id, conditional reuse.
// Package store persists completed capture runs: a SQLite index of runs and
// webhooks, plus an on-disk artifact tree per run. Artifact trees are
// write-once; a job id is persisted exactly once and never rewritten.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/mdwb/dbopen"
)

var (
	// ErrNotFound is returned when no run matches.
	ErrNotFound = errors.New("store: run not found")
	// ErrAlreadyPersisted is returned on a second persist of the same job.
	ErrAlreadyPersisted = errors.New("store: run already persisted")
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	job_id       TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	state        TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	dir          TEXT NOT NULL,
	manifest     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(fingerprint, completed_at DESC);

CREATE TABLE IF NOT EXISTS webhooks (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL,
	secret     TEXT NOT NULL,
	events     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	key_hash     TEXT NOT NULL UNIQUE,
	key_prefix   TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL DEFAULT 0,
	active       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
`

// Record is an indexed run.
type Record struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	Dir         string    `json:"-"`
	Manifest    *Manifest `json:"manifest,omitempty"`
}

// Store indexes runs and owns the artifact root directory.
type Store struct {
	db     *sql.DB
	root   string
	locks  *lockTable
	logger *slog.Logger
	now    func() time.Time
}

// New creates a store rooted at dir, applying the schema.
func New(db *sql.DB, root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &Store{db: db, root: root, locks: newLockTable(), logger: logger, now: time.Now}, nil
}

// Lock serialises work on one fingerprint across jobs. The returned release
// function must be called exactly once.
func (s *Store) Lock(fingerprint string) (release func()) {
	return s.locks.acquire(fingerprint)
}

// RunDir returns the artifact directory for a run.
func (s *Store) RunDir(fingerprint, jobID string) string {
	return filepath.Join(s.root, fingerprint, jobID)
}

// Persist writes the run's artifact tree and indexes it. Write-once: a job
// id that is already indexed returns ErrAlreadyPersisted and the tree is
// left untouched.
func (s *Store) Persist(ctx context.Context, run *Run) error {
	manifestJSON, err := json.Marshal(run.Manifest)
	if err != nil {
		return fmt.Errorf("store: marshal manifest: %w", err)
	}
	dir := s.RunDir(run.Fingerprint, run.JobID)

	// Existence check and insert share one transaction, retried on
	// SQLITE_BUSY. The artifact tree is written at most once across retries,
	// after the check and before the insert.
	wrote := false
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM runs WHERE job_id = ?`, run.JobID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrAlreadyPersisted
		}
		if !wrote {
			if err := writeArtifacts(dir, run); err != nil {
				return err
			}
			wrote = true
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (job_id, url, fingerprint, state, created_at, completed_at, dir, manifest)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.JobID, run.URL, run.Fingerprint, run.Manifest.State,
			run.Manifest.CreatedAt.UnixMilli(), run.Manifest.CompletedAt.UnixMilli(),
			dir, string(manifestJSON)); err != nil {
			return fmt.Errorf("store: index run: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("store: run persisted", "job", run.JobID, "fingerprint", run.Fingerprint, "state", run.Manifest.State)
	return nil
}

// Get returns one indexed run.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	return s.scanRecord(s.db.QueryRowContext(ctx, `
		SELECT job_id, url, fingerprint, state, created_at, completed_at, dir, manifest
		FROM runs WHERE job_id = ?`, jobID))
}

// LookupByFingerprint returns the freshest successful run for a fingerprint
// completed within maxAge. maxAge <= 0 disables reuse entirely.
func (s *Store) LookupByFingerprint(ctx context.Context, fingerprint string, maxAge time.Duration) (*Record, error) {
	if maxAge <= 0 {
		return nil, ErrNotFound
	}
	cutoff := s.now().Add(-maxAge).UnixMilli()
	return s.scanRecord(s.db.QueryRowContext(ctx, `
		SELECT job_id, url, fingerprint, state, created_at, completed_at, dir, manifest
		FROM runs
		WHERE fingerprint = ? AND state = 'DONE' AND completed_at >= ?
		ORDER BY completed_at DESC LIMIT 1`, fingerprint, cutoff))
}

// ListRuns returns indexed runs sharing a fingerprint, newest first. Used to
// diff links against the previous capture of the same effective request;
// keying by fingerprint keeps runs of the same URL under different profiles
// from cross-polluting each other's deltas.
func (s *Store) ListRuns(ctx context.Context, fingerprint string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, url, fingerprint, state, created_at, completed_at, dir, manifest
		FROM runs WHERE fingerprint = ? ORDER BY completed_at DESC LIMIT ?`, fingerprint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecordRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) scanRecord(row *sql.Row) (*Record, error) {
	rec, err := scanRecordRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecordRow(scan func(...any) error) (*Record, error) {
	var rec Record
	var created, completed int64
	var manifestJSON string
	if err := scan(&rec.JobID, &rec.URL, &rec.Fingerprint, &rec.State,
		&created, &completed, &rec.Dir, &manifestJSON); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.CompletedAt = time.UnixMilli(completed).UTC()
	var m Manifest
	if err := json.Unmarshal([]byte(manifestJSON), &m); err != nil {
		return nil, fmt.Errorf("store: decode manifest for %s: %w", rec.JobID, err)
	}
	rec.Manifest = &m
	return &rec, nil
}
