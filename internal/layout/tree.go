package layout

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/runsascoded/eml/internal/model"
)

// StateDirName is the archive metadata directory at the root. The tree
// never stores messages inside it and enumeration skips it.
const StateDirName = ".eml"

// Tree stores one .eml file per message under a template-rendered path.
// CompileTemplate guarantees every rendered filename carries the .eml
// suffix that Enumerate and Count key on.
type Tree struct {
	root string
	tmpl *Template

	mu      sync.Mutex
	indexed bool
	byID    map[string]string  // declared identifier -> relative path
	byHash  map[Address]string // content digest -> relative path
}

// NewTree creates a tree layout rooted at the archive directory. The
// template decides where each message lands.
func NewTree(root string, tmpl *Template) *Tree {
	return &Tree{
		root:   root,
		tmpl:   tmpl,
		byID:   make(map[string]string),
		byHash: make(map[Address]string),
	}
}

// Root returns the archive root directory.
func (t *Tree) Root() string { return t.root }

func (t *Tree) relPath(msg model.Message, d Address) string {
	return t.tmpl.Render(TemplateVars{
		Folder:  msg.Folder,
		Digest:  d,
		Date:    msg.Date,
		Subject: msg.Subject,
		From:    msg.From,
	})
}

// InsertIfAbsent writes the message to its rendered path. The write goes
// to a temporary file in the destination directory followed by an atomic
// rename, so a crash mid-write never leaves a partial file under the
// final name. Same path + same digest is an idempotent no-op; same path +
// different digest is a *CollisionError.
func (t *Tree) InsertIfAbsent(ctx context.Context, msg model.Message) (Stored, bool, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, false, err
	}

	d := Digest(msg.Raw)
	rel := t.relPath(msg, d)
	abs := filepath.Join(t.root, rel)
	stored := Stored{Message: msg, Digest: d, Path: rel}

	if existing, err := os.ReadFile(abs); err == nil {
		existingDigest := Digest(existing)
		if existingDigest == d {
			return stored, false, nil
		}
		return Stored{}, false, &CollisionError{Path: rel, Existing: existingDigest, Incoming: d}
	} else if !os.IsNotExist(err) {
		return Stored{}, false, fmt.Errorf("checking %s: %w", rel, err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Stored{}, false, fmt.Errorf("creating directory for %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return Stored{}, false, fmt.Errorf("creating temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(msg.Raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Stored{}, false, fmt.Errorf("writing %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Stored{}, false, fmt.Errorf("closing temp file for %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return Stored{}, false, fmt.Errorf("renaming into %s: %w", rel, err)
	}

	t.mu.Lock()
	if t.indexed {
		if msg.Identifier != "" {
			t.byID[msg.Identifier] = rel
		}
		t.byHash[d] = rel
	}
	t.mu.Unlock()

	return stored, true, nil
}

// Enumerate walks every .eml file under the root, skipping the archive
// state directory, and re-derives message metadata from the file headers.
func (t *Tree) Enumerate(ctx context.Context, fn EnumerateFunc) error {
	return filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == StateDirName && p != t.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".eml") || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		stored, err := t.readFile(p)
		if err != nil {
			return err
		}
		return fn(stored)
	})
}

func (t *Tree) readFile(abs string) (Stored, error) {
	raw, err := os.ReadFile(abs)
	if err != nil {
		return Stored{}, fmt.Errorf("reading %s: %w", abs, err)
	}
	rel, err := filepath.Rel(t.root, abs)
	if err != nil {
		return Stored{}, fmt.Errorf("relativizing %s: %w", abs, err)
	}

	msg := model.ParseMetadata(raw, t.tmpl.FolderFromPath(filepath.ToSlash(rel)))
	return Stored{Message: msg, Digest: Digest(raw), Path: rel}, nil
}

// Fetch looks a message up by declared identifier or content digest.
func (t *Tree) Fetch(ctx context.Context, key string) (Stored, error) {
	if err := t.ensureIndex(ctx); err != nil {
		return Stored{}, err
	}

	t.mu.Lock()
	rel, ok := t.byID[key]
	if !ok {
		rel, ok = t.byHash[Address(key)]
	}
	t.mu.Unlock()

	if !ok {
		return Stored{}, ErrNotFound
	}
	return t.readFile(filepath.Join(t.root, rel))
}

// ContainsIdentifier reports whether a message with the declared
// identifier is present.
func (t *Tree) ContainsIdentifier(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	if err := t.ensureIndex(ctx); err != nil {
		return false, err
	}
	t.mu.Lock()
	_, ok := t.byID[id]
	t.mu.Unlock()
	return ok, nil
}

// ContainsDigest reports whether byte-identical content is present.
func (t *Tree) ContainsDigest(ctx context.Context, d Address) (bool, error) {
	if err := t.ensureIndex(ctx); err != nil {
		return false, err
	}
	t.mu.Lock()
	_, ok := t.byHash[d]
	t.mu.Unlock()
	return ok, nil
}

// Count returns the number of stored messages.
func (t *Tree) Count(ctx context.Context) (int, error) {
	n := 0
	err := filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == StateDirName && p != t.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".eml") && !strings.HasPrefix(d.Name(), ".tmp-") {
			n++
		}
		return ctx.Err()
	})
	return n, err
}

// Close is a no-op; the tree holds no open resources between calls.
func (t *Tree) Close() error { return nil }

// ensureIndex builds the id/digest lookup maps on first use by scanning
// the tree once. Later inserts keep the maps current.
func (t *Tree) ensureIndex(ctx context.Context) error {
	t.mu.Lock()
	done := t.indexed
	t.mu.Unlock()
	if done {
		return nil
	}

	byID := make(map[string]string)
	byHash := make(map[Address]string)
	err := t.Enumerate(ctx, func(s Stored) error {
		if s.Message.Identifier != "" {
			byID[s.Message.Identifier] = s.Path
		}
		byHash[s.Digest] = s.Path
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexing tree: %w", err)
	}

	t.mu.Lock()
	if !t.indexed {
		t.byID = byID
		t.byHash = byHash
		t.indexed = true
	}
	t.mu.Unlock()
	return nil
}
