// Package syncstate persists per (account, folder) sync cursors, the
// bounded pending-retry set, and the run history the monitoring service
// reads.
package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// maxPendingRetry bounds the retry set per (account, folder). Oldest
// entries are dropped first so a chronically failing folder cannot grow
// state without bound.
const maxPendingRetry = 1000

// Cursor is the durable resume point for one (account, folder) pair. The
// high watermark is monotonically non-decreasing for a fixed epoch; a
// changed epoch means the remote folder was reset and the cursor is
// discarded, not merged.
type Cursor struct {
	Account       string    `db:"account"`
	Folder        string    `db:"folder"`
	Epoch         string    `db:"epoch"`
	HighWatermark uint32    `db:"high_watermark"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Failure records a per-message fetch error for a later retry pass.
type Failure struct {
	Account       string    `db:"account"`
	Folder        string    `db:"folder"`
	Seq           uint32    `db:"seq"`
	Error         string    `db:"error"`
	RetryEligible bool      `db:"retry_eligible"`
	RecordedAt    time.Time `db:"recorded_at"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunAborted   = "aborted"
	RunFailed    = "failed"
)

// Run is one pull or push invocation's summary record.
type Run struct {
	ID        string         `db:"id"`
	Operation string         `db:"operation"`
	Account   string         `db:"account"`
	Folder    string         `db:"folder"`
	StartedAt time.Time      `db:"started_at"`
	EndedAt   sql.NullTime   `db:"ended_at"`
	Status    string         `db:"status"`
	Total     int            `db:"total"`
	New       int            `db:"new"`
	Skipped   int            `db:"skipped"`
	Failed    int            `db:"failed"`
	Error     sql.NullString `db:"error"`
}

// Store is the SQLite-backed sync state database.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the sync state database at dbPath, enables WAL
// mode, and runs any pending schema migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sync state db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Cursor loads the stored cursor for (account, folder). The second return
// is false when no cursor exists yet (first sync).
func (s *Store) Cursor(ctx context.Context, account, folder string) (Cursor, bool, error) {
	var c Cursor
	err := s.db.GetContext(ctx, &c,
		"SELECT * FROM cursors WHERE account = ? AND folder = ?",
		account, folder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{Account: account, Folder: folder}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("loading cursor %s/%s: %w", account, folder, err)
	}
	return c, true, nil
}

// ResetCursor discards the stored cursor and pending retries for
// (account, folder). Called on epoch mismatch: the remote folder was
// recreated, so old sequence bookkeeping is meaningless.
func (s *Store) ResetCursor(ctx context.Context, account, folder string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cursors WHERE account = ? AND folder = ?", account, folder,
	); err != nil {
		return fmt.Errorf("deleting cursor %s/%s: %w", account, folder, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_retry WHERE account = ? AND folder = ?", account, folder,
	); err != nil {
		return fmt.Errorf("clearing retries %s/%s: %w", account, folder, err)
	}
	return tx.Commit()
}

// Checkpoint durably persists the cursor, newly failed sequence numbers,
// and resolved (successfully retried) ones in one transaction. The high
// watermark never moves backwards while the epoch is unchanged.
func (s *Store) Checkpoint(ctx context.Context, c Cursor, failed []Failure, resolved []uint32) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning checkpoint: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursors (account, folder, epoch, high_watermark, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, folder) DO UPDATE SET
			high_watermark = CASE
				WHEN cursors.epoch = excluded.epoch
					THEN MAX(cursors.high_watermark, excluded.high_watermark)
				ELSE excluded.high_watermark
			END,
			epoch = excluded.epoch,
			updated_at = excluded.updated_at`,
		c.Account, c.Folder, c.Epoch, c.HighWatermark, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting cursor %s/%s: %w", c.Account, c.Folder, err)
	}

	for _, f := range failed {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO pending_retry
				(account, folder, seq, error, retry_eligible, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.Account, c.Folder, f.Seq, f.Error, f.RetryEligible, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("recording failure seq %d: %w", f.Seq, err)
		}
	}

	for _, seq := range resolved {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM pending_retry WHERE account = ? AND folder = ? AND seq = ?",
			c.Account, c.Folder, seq,
		)
		if err != nil {
			return fmt.Errorf("clearing resolved seq %d: %w", seq, err)
		}
	}

	// Enforce the bound, dropping the oldest entries first.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM pending_retry
		WHERE account = ? AND folder = ? AND seq IN (
			SELECT seq FROM pending_retry
			WHERE account = ? AND folder = ?
			ORDER BY recorded_at DESC, seq DESC
			LIMIT -1 OFFSET ?
		)`,
		c.Account, c.Folder, c.Account, c.Folder, maxPendingRetry,
	)
	if err != nil {
		return fmt.Errorf("bounding retry set: %w", err)
	}

	return tx.Commit()
}

// PendingRetry returns the retry-eligible failed sequence numbers for
// (account, folder), oldest first.
func (s *Store) PendingRetry(ctx context.Context, account, folder string) ([]Failure, error) {
	var out []Failure
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM pending_retry
		WHERE account = ? AND folder = ? AND retry_eligible = 1
		ORDER BY seq`,
		account, folder,
	)
	if err != nil {
		return nil, fmt.Errorf("loading pending retries %s/%s: %w", account, folder, err)
	}
	return out, nil
}

// StartRun opens a run history record and returns its id.
func (s *Store) StartRun(ctx context.Context, operation, account, folder string, total int) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, operation, account, folder, started_at, status, total)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, operation, account, folder, time.Now().UTC(), RunRunning, total,
	)
	if err != nil {
		return "", fmt.Errorf("starting %s run: %w", operation, err)
	}
	return id, nil
}

// UpdateRun refreshes a run's progress counters.
func (s *Store) UpdateRun(ctx context.Context, id string, newCount, skipped, failed int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_runs SET new = ?, skipped = ?, failed = ? WHERE id = ?",
		newCount, skipped, failed, id,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", id, err)
	}
	return nil
}

// FinishRun closes a run record with its terminal status.
func (s *Store) FinishRun(ctx context.Context, id, status string, errMsg string) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_runs SET ended_at = ?, status = ?, error = ? WHERE id = ?",
		time.Now().UTC(), status, errVal, id,
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	return nil
}

// RecordMessage appends a per-message outcome to a run's log.
func (s *Store) RecordMessage(ctx context.Context, runID string, seq uint32, outcome, localPath, errMsg string) error {
	var pathVal, errVal any
	if localPath != "" {
		pathVal = localPath
	}
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_messages (run_id, seq, outcome, local_path, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, outcome, pathVal, errVal, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording message outcome seq %d: %w", seq, err)
	}
	return nil
}

// RecentRuns returns the most recent run records, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	var out []Run
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM sync_runs ORDER BY started_at DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("loading recent runs: %w", err)
	}
	return out, nil
}
