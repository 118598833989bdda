package layout

import (
	"context"
	"errors"
	"fmt"

	"github.com/runsascoded/eml/internal/model"
)

// ErrNotFound is returned by Fetch when no message matches the given
// identifier or digest.
var ErrNotFound = errors.New("message not found")

// CollisionError reports two distinct-content messages rendering to the
// same storage location. It signals a template design problem, not a
// transient failure, so callers must not retry it.
type CollisionError struct {
	Path     string
	Existing Address
	Incoming Address
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf(
		"layout collision at %s: existing content %s, incoming %s",
		e.Path, e.Existing.Short(12), e.Incoming.Short(12),
	)
}

// Stored pairs a message with its content address as held by a layout.
type Stored struct {
	Message model.Message
	Digest  Address

	// Path is the layout-relative location ("" for block storage).
	Path string
}

// EnumerateFunc receives each stored message in turn. Returning an error
// stops the scan and propagates the error to the Enumerate caller.
type EnumerateFunc func(Stored) error

// Layout is the storage contract implemented by both the file tree and
// the block store. Enumerate is restartable and reflects all inserts made
// before iteration began; inserts made mid-scan may or may not be seen.
// InsertIfAbsent is idempotent: re-inserting byte-identical content is a
// no-op reporting inserted=false, never an error.
type Layout interface {
	Enumerate(ctx context.Context, fn EnumerateFunc) error
	Fetch(ctx context.Context, key string) (Stored, error)
	InsertIfAbsent(ctx context.Context, msg model.Message) (Stored, bool, error)
	ContainsIdentifier(ctx context.Context, id string) (bool, error)
	ContainsDigest(ctx context.Context, d Address) (bool, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
