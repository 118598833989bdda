// Package transport defines the narrow mail-transport contract the sync
// engines consume. The engines never speak the wire protocol themselves.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport is a stateful session against one remote message store.
// Fetches are ordered by sequence number; a session must not be shared
// across concurrent runs.
type Transport interface {
	// ListFolders enumerates the remote mailbox names, decoded and
	// ready for normalization.
	ListFolders(ctx context.Context) ([]string, error)

	// FolderEpoch returns the folder-instance token. A changed epoch
	// means the folder was effectively recreated and prior sequence
	// bookkeeping is invalid.
	FolderEpoch(ctx context.Context, folder string) (string, error)

	// ListSequenceNumbers returns the sequence numbers currently
	// present in the folder, ascending.
	ListSequenceNumbers(ctx context.Context, folder string) ([]uint32, error)

	// Fetch retrieves one message's raw bytes.
	Fetch(ctx context.Context, folder string, seq uint32) ([]byte, error)

	// Append delivers raw bytes into the folder, preserving ts as the
	// message's internal timestamp.
	Append(ctx context.Context, folder string, raw []byte, ts time.Time) error

	Close() error
}

// Error wraps a transport failure with its retry classification.
// Transient errors (timeouts, rate limiting) are recorded and skipped;
// permanent ones fail the affected message without retry.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport error worth retrying.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Transient
}

// AuthError means the remote rejected our credentials. Fatal: the run
// aborts before touching any per-message state.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Account, e.Message)
}
