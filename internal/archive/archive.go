// Package archive locates and describes one local mail archive: the
// directory tree (or block store) holding messages plus the .eml state
// directory with config, sync state, and push manifests.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/runsascoded/eml/internal/account"
	"github.com/runsascoded/eml/internal/layout"
	"github.com/runsascoded/eml/internal/model"
	"github.com/runsascoded/eml/internal/syncstate"
)

const (
	// DirName is the state directory marking an archive root.
	DirName = ".eml"

	configFile  = "config.yaml"
	stateDBFile = "state.db"
	blockDBFile = "msgs.db"
	pushedDir   = "pushed"
)

// LayoutBlock selects the single-file block store instead of a file tree.
const LayoutBlock = "block"

// ErrNotInitialized means no .eml directory was found at or above the
// working directory. Every engine entry point checks this before doing
// any work.
var ErrNotInitialized = errors.New("not inside an eml archive (run 'eml init' first)")

// Archive is an opened archive: its root directory and parsed config.
type Archive struct {
	Root   string
	Config *Config
}

// FindRoot walks upward from start looking for a directory containing
// .eml/. Returns ErrNotInitialized when none exists.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", start, err)
	}

	for {
		info, err := os.Stat(filepath.Join(dir, DirName))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Open locates and loads the archive containing start.
func Open(start string) (*Archive, error) {
	root, err := FindRoot(start)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(filepath.Join(root, DirName, configFile))
	if err != nil {
		return nil, err
	}
	return &Archive{Root: root, Config: cfg}, nil
}

// Init creates a new archive rooted at dir with the given layout spec.
// Fails if dir is already inside an archive.
func Init(dir, layoutSpec string) (*Archive, error) {
	if layoutSpec != LayoutBlock {
		if _, err := layout.CompileTemplate(layoutSpec); err != nil {
			return nil, err
		}
	}

	if root, err := FindRoot(dir); err == nil {
		return nil, fmt.Errorf("already an eml archive at %s", root)
	}

	stateDir := filepath.Join(dir, DirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", stateDir, err)
	}

	cfg := DefaultConfig()
	cfg.Layout = layoutSpec
	if err := SaveConfig(filepath.Join(stateDir, configFile), cfg); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	return &Archive{Root: abs, Config: cfg}, nil
}

// StateDir returns the absolute path of the .eml directory.
func (a *Archive) StateDir() string {
	return filepath.Join(a.Root, DirName)
}

// ConfigPath returns the archive config file path.
func (a *Archive) ConfigPath() string {
	return filepath.Join(a.StateDir(), configFile)
}

// OpenLayout constructs the configured storage layout.
func (a *Archive) OpenLayout() (layout.Layout, error) {
	return a.OpenLayoutSpec(a.Config.Layout)
}

// OpenLayoutSpec constructs a layout for an explicit spec, used by the
// converter to open a destination different from the configured one.
func (a *Archive) OpenLayoutSpec(spec string) (layout.Layout, error) {
	if spec == LayoutBlock {
		return layout.OpenBlock(filepath.Join(a.StateDir(), blockDBFile))
	}
	tmpl, err := layout.CompileTemplate(spec)
	if err != nil {
		return nil, err
	}
	return layout.NewTree(a.Root, tmpl), nil
}

// OpenState opens the sync state database.
func (a *Archive) OpenState() (*syncstate.Store, error) {
	return syncstate.Open(filepath.Join(a.StateDir(), stateDBFile))
}

// PushManifestPath returns the manifest file for a destination account.
// Namespace separators in the account name become underscores.
func (a *Archive) PushManifestPath(accountName string) string {
	safe := strings.ReplaceAll(accountName, "/", "_")
	return filepath.Join(a.StateDir(), pushedDir, safe+".txt")
}

// Registry builds the account registry for this archive: archive-local
// accounts first, then the user-global config.
func (a *Archive) Registry() (*account.Registry, error) {
	stores := []account.Store{
		account.NewStaticStore(model.ScopeArchive, a.Config.Accounts),
	}

	global, err := LoadGlobalAccounts()
	if err != nil {
		return nil, err
	}
	stores = append(stores, account.NewStaticStore(model.ScopeGlobal, global))

	return account.NewRegistry(stores...), nil
}

// SetLayout records a new layout spec in the config file. Callers swap
// the layout only after a conversion pass has fully succeeded.
func (a *Archive) SetLayout(spec string) error {
	a.Config.Layout = spec
	return SaveConfig(a.ConfigPath(), a.Config)
}
