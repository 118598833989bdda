package syncstate

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

-- One durable cursor per (account, folder). The epoch is the remote
-- folder-instance token (IMAP UIDVALIDITY); the high watermark is the
-- highest sequence number successfully processed under that epoch.
CREATE TABLE IF NOT EXISTS cursors (
	account        TEXT NOT NULL,
	folder         TEXT NOT NULL,
	epoch          TEXT NOT NULL,
	high_watermark INTEGER NOT NULL DEFAULT 0,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (account, folder)
);

-- Sequence numbers whose fetch failed transiently, pending an explicit
-- retry pass. Bounded per folder; oldest rows are dropped first.
CREATE TABLE IF NOT EXISTS pending_retry (
	account        TEXT NOT NULL,
	folder         TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	retry_eligible INTEGER NOT NULL DEFAULT 1,
	recorded_at    DATETIME NOT NULL,
	PRIMARY KEY (account, folder, seq)
);

-- First-class record of each pull/push run, read by the monitoring
-- service. The engine only ever writes here.
CREATE TABLE IF NOT EXISTS sync_runs (
	id         TEXT PRIMARY KEY,
	operation  TEXT NOT NULL,
	account    TEXT NOT NULL,
	folder     TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at   DATETIME,
	status     TEXT NOT NULL DEFAULT 'running',
	total      INTEGER NOT NULL DEFAULT 0,
	new        INTEGER NOT NULL DEFAULT 0,
	skipped    INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	error      TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sync_runs_account_folder ON sync_runs(account, folder);

-- Per-message outcomes within a run: sequence number plus the resulting
-- path or error.
CREATE TABLE IF NOT EXISTS run_messages (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	local_path  TEXT,
	error       TEXT,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`,
	},
}
