package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runsascoded/eml/internal/layout"
	"github.com/runsascoded/eml/internal/model"
)

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()

	a, err := Init(dir, "default")
	require.NoError(t, err)
	assert.Equal(t, "default", a.Config.Layout)

	info, err := os.Stat(filepath.Join(dir, DirName))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	opened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, a.Root, opened.Root)
	assert.Equal(t, "default", opened.Config.Layout)
}

func TestInitRejectsBadTemplate(t *testing.T) {
	_, err := Init(t.TempDir(), "$folder/$nonsense.eml")
	require.Error(t, err)

	var terr *layout.TemplateError
	assert.ErrorAs(t, err, &terr)
}

func TestInitRejectsNestedArchive(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir, "default")
	require.NoError(t, err)

	nested := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	_, err = Init(nested, "default")
	assert.Error(t, err)
}

func TestFindRootWalksUp(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir, "default")
	require.NoError(t, err)

	deep := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	root, err := FindRoot(deep)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	rootResolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, resolved, rootResolved)
}

func TestFindRootNotInitialized(t *testing.T) {
	_, err := FindRoot(t.TempDir())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestOpenLayoutBlockVsTree(t *testing.T) {
	dir := t.TempDir()
	a, err := Init(dir, "default")
	require.NoError(t, err)

	tree, err := a.OpenLayout()
	require.NoError(t, err)
	defer tree.Close()
	_, ok := tree.(*layout.Tree)
	assert.True(t, ok)

	block, err := a.OpenLayoutSpec(LayoutBlock)
	require.NoError(t, err)
	defer block.Close()
	_, ok = block.(*layout.Block)
	assert.True(t, ok)
}

func TestSetLayoutPersists(t *testing.T) {
	dir := t.TempDir()
	a, err := Init(dir, "default")
	require.NoError(t, err)

	require.NoError(t, a.SetLayout(LayoutBlock))

	reopened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, LayoutBlock, reopened.Config.Layout)
}

func TestPushManifestPathEscapesName(t *testing.T) {
	dir := t.TempDir()
	a, err := Init(dir, "default")
	require.NoError(t, err)

	got := a.PushManifestPath("g/alice")
	assert.Equal(t, filepath.Join(a.StateDir(), "pushed", "g_alice.txt"), got)
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Layout = "monthly"
	cfg.KeepByteDuplicates = true
	cfg.Accounts["g/alice"] = model.Account{
		Kind:          "imap",
		Host:          "imap.example.com",
		Port:          993,
		Principal:     "alice@example.com",
		CredentialRef: "eml-g-alice",
	}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "monthly", loaded.Layout)
	assert.True(t, loaded.KeepByteDuplicates)

	acct, ok := loaded.Accounts["g/alice"]
	require.True(t, ok)
	assert.Equal(t, "imap.example.com", acct.Host)
	assert.Equal(t, 993, acct.Port)
	assert.Equal(t, "alice@example.com", acct.Principal)
	assert.Equal(t, "eml-g-alice", acct.CredentialRef)
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Layout)
	assert.Empty(t, cfg.Accounts)
}

func TestOpenStateCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	a, err := Init(dir, "default")
	require.NoError(t, err)

	st, err := a.OpenState()
	require.NoError(t, err)
	defer st.Close()

	_, err = os.Stat(filepath.Join(a.StateDir(), "state.db"))
	assert.NoError(t, err)
}
