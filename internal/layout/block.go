package layout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/runsascoded/eml/internal/model"
)

// Block stores messages as blobs in a single SQLite database keyed by
// content digest, with a secondary index from declared identifier to
// digest. No collision detection is needed: the key is by construction
// the authoritative identity.
type Block struct {
	db *sqlx.DB
}

const blockSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		digest     TEXT PRIMARY KEY,
		message_id TEXT,
		folder     TEXT NOT NULL,
		seq        INTEGER NOT NULL DEFAULT 0,
		date       TEXT,
		from_addr  TEXT,
		to_addr    TEXT,
		subject    TEXT,
		tags       TEXT,
		raw        BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
	CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder);
`

// OpenBlock opens (or creates) the block store at dbPath and applies the
// schema. Pass ":memory:" for an ephemeral store in tests.
func OpenBlock(dbPath string) (*Block, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening block store: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	// WAL lets independent pull runs insert concurrently.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(blockSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating block schema: %w", err)
	}

	return &Block{db: db}, nil
}

// Close closes the underlying database.
func (b *Block) Close() error {
	return b.db.Close()
}

// InsertIfAbsent upserts the message keyed by content digest in a single
// transaction. Re-inserting identical content reports inserted=false.
func (b *Block) InsertIfAbsent(ctx context.Context, msg model.Message) (Stored, bool, error) {
	d := Digest(msg.Raw)
	stored := Stored{Message: msg, Digest: d}

	tags, err := json.Marshal(msg.Tags)
	if err != nil {
		return Stored{}, false, fmt.Errorf("marshaling tags: %w", err)
	}

	var date any
	if !msg.Date.IsZero() {
		date = msg.Date.UTC().Format(time.RFC3339)
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (
			digest, message_id, folder, seq, date,
			from_addr, to_addr, subject, tags, raw, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d), msg.Identifier, msg.Folder, msg.SeqNum, date,
		msg.From, msg.To, msg.Subject, string(tags), msg.Raw,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Stored{}, false, fmt.Errorf("inserting message %s: %w", d.Short(12), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Stored{}, false, fmt.Errorf("checking insert result: %w", err)
	}
	return stored, n > 0, nil
}

// Enumerate yields every stored message ordered by date.
func (b *Block) Enumerate(ctx context.Context, fn EnumerateFunc) error {
	rows, err := b.db.QueryxContext(ctx,
		"SELECT * FROM messages ORDER BY date, digest",
	)
	if err != nil {
		return fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		stored, err := scanStored(rows)
		if err != nil {
			return err
		}
		if err := fn(stored); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Fetch looks a message up by declared identifier or content digest.
func (b *Block) Fetch(ctx context.Context, key string) (Stored, error) {
	row := b.db.QueryRowxContext(ctx,
		"SELECT * FROM messages WHERE digest = ? OR message_id = ? LIMIT 1",
		key, key,
	)
	stored, err := scanStoredRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Stored{}, ErrNotFound
	}
	if err != nil {
		return Stored{}, fmt.Errorf("fetching %q: %w", key, err)
	}
	return stored, nil
}

// ContainsIdentifier reports whether a message with the declared
// identifier is present.
func (b *Block) ContainsIdentifier(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var one int
	err := b.db.GetContext(ctx, &one,
		"SELECT 1 FROM messages WHERE message_id = ? LIMIT 1", id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking identifier %q: %w", id, err)
	}
	return true, nil
}

// ContainsDigest reports whether byte-identical content is present.
func (b *Block) ContainsDigest(ctx context.Context, d Address) (bool, error) {
	var one int
	err := b.db.GetContext(ctx, &one,
		"SELECT 1 FROM messages WHERE digest = ? LIMIT 1", string(d),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking digest %s: %w", d.Short(12), err)
	}
	return true, nil
}

// Count returns the number of stored messages.
func (b *Block) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

type blockRow struct {
	Digest    string         `db:"digest"`
	MessageID sql.NullString `db:"message_id"`
	Folder    string         `db:"folder"`
	Seq       uint32         `db:"seq"`
	Date      sql.NullString `db:"date"`
	FromAddr  sql.NullString `db:"from_addr"`
	ToAddr    sql.NullString `db:"to_addr"`
	Subject   sql.NullString `db:"subject"`
	Tags      sql.NullString `db:"tags"`
	Raw       []byte         `db:"raw"`
	CreatedAt string         `db:"created_at"`
}

func (r blockRow) toStored() (Stored, error) {
	msg := model.Message{
		Identifier: r.MessageID.String,
		Raw:        r.Raw,
		Folder:     r.Folder,
		SeqNum:     r.Seq,
		From:       r.FromAddr.String,
		To:         r.ToAddr.String,
		Subject:    r.Subject.String,
	}
	if r.Date.Valid && r.Date.String != "" {
		d, err := time.Parse(time.RFC3339, r.Date.String)
		if err != nil {
			return Stored{}, fmt.Errorf("parsing stored date %q: %w", r.Date.String, err)
		}
		msg.Date = d
	}
	if r.Tags.Valid && r.Tags.String != "" {
		if err := json.Unmarshal([]byte(r.Tags.String), &msg.Tags); err != nil {
			return Stored{}, fmt.Errorf("unmarshaling tags: %w", err)
		}
	}
	return Stored{Message: msg, Digest: Address(r.Digest)}, nil
}

func scanStored(rows *sqlx.Rows) (Stored, error) {
	var r blockRow
	if err := rows.StructScan(&r); err != nil {
		return Stored{}, fmt.Errorf("scanning message row: %w", err)
	}
	return r.toStored()
}

func scanStoredRow(row *sqlx.Row) (Stored, error) {
	var r blockRow
	if err := row.StructScan(&r); err != nil {
		return Stored{}, err
	}
	return r.toStored()
}
