package engine

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Manifest is the per-destination record of already-delivered messages,
// keyed by declared identifier (falling back to content digest). It is
// a plain text file, one key per line, kept sorted and deduplicated so
// diffs between runs stay readable.
type Manifest struct {
	path string
	keys map[string]struct{}
}

// LoadManifest reads the manifest at path. A missing file is an empty
// manifest, not an error.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, keys: map[string]struct{}{}}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		key := strings.TrimSpace(sc.Text())
		if key == "" {
			continue
		}
		m.keys[key] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return m, nil
}

// Contains reports whether key was already delivered.
func (m *Manifest) Contains(key string) bool {
	_, ok := m.keys[key]
	return ok
}

// Len returns the number of recorded deliveries.
func (m *Manifest) Len() int { return len(m.keys) }

// Keys returns all recorded keys, sorted.
func (m *Manifest) Keys() []string {
	out := make([]string, 0, len(m.keys))
	for k := range m.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Add records a delivery and flushes the manifest to disk immediately,
// so a crash after an append never re-delivers the message.
func (m *Manifest) Add(key string) error {
	if _, ok := m.keys[key]; ok {
		return nil
	}
	m.keys[key] = struct{}{}
	return m.flush()
}

// Remove forgets a delivery (used by the destructive prune mode) and
// flushes.
func (m *Manifest) Remove(key string) error {
	if _, ok := m.keys[key]; !ok {
		return nil
	}
	delete(m.keys, key)
	return m.flush()
}

// flush rewrites the whole sorted file through a temp-and-rename so a
// crash mid-write leaves the previous manifest intact.
func (m *Manifest) flush() error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating manifest directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-manifest-*")
	if err != nil {
		return fmt.Errorf("creating manifest temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, key := range m.Keys() {
		if _, err := w.WriteString(key + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("writing manifest: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing manifest temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replacing manifest %s: %w", m.path, err)
	}
	return nil
}
