// Package dedup decides whether an incoming message is already present in
// a storage layout, using the declared identifier first and the content
// digest second.
package dedup

import (
	"context"
	"fmt"

	"github.com/runsascoded/eml/internal/layout"
)

// Verdict classifies an incoming message against the archive.
type Verdict int

const (
	// New means the message is not present and should be stored.
	New Verdict = iota
	// DuplicateByIdentifier means a message with the same declared
	// identifier already exists. Bytes may differ (re-encoding by
	// different clients is common); the identifier wins.
	DuplicateByIdentifier
	// DuplicateByDigest means byte-identical content already exists.
	DuplicateByDigest
)

func (v Verdict) String() string {
	switch v {
	case New:
		return "new"
	case DuplicateByIdentifier:
		return "duplicate-by-identifier"
	case DuplicateByDigest:
		return "duplicate-by-digest"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Options tune the dedup policy.
type Options struct {
	// KeepByteDuplicates retains byte-identical messages that carry a
	// distinct declared identifier (e.g. a forwarded duplicate assigned
	// a new identifier by the remote). Off by default: identical bytes
	// are one logical message.
	KeepByteDuplicates bool
}

// Index answers "have we seen this message?" against a layout.
type Index struct {
	layout layout.Layout
	opts   Options
}

// NewIndex creates an index over the given layout.
func NewIndex(l layout.Layout, opts Options) *Index {
	return &Index{layout: l, opts: opts}
}

// Decide classifies a message by declared identifier (when present) and
// content digest, in that order. The identifier check is deliberately
// first: content can legitimately drift across re-fetches while the
// identifier is the stronger intent signal when present.
func (i *Index) Decide(ctx context.Context, identifier string, raw []byte) (Verdict, layout.Address, error) {
	d := layout.Digest(raw)

	if identifier != "" {
		ok, err := i.layout.ContainsIdentifier(ctx, identifier)
		if err != nil {
			return New, d, fmt.Errorf("identifier lookup: %w", err)
		}
		if ok {
			return DuplicateByIdentifier, d, nil
		}
		if i.opts.KeepByteDuplicates {
			// A fresh identifier keeps the message even when the bytes
			// are already archived under another identifier.
			return New, d, nil
		}
	}

	ok, err := i.layout.ContainsDigest(ctx, d)
	if err != nil {
		return New, d, fmt.Errorf("digest lookup: %w", err)
	}
	if ok {
		return DuplicateByDigest, d, nil
	}
	return New, d, nil
}
