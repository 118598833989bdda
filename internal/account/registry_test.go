package account

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runsascoded/eml/internal/model"
)

func TestResolveArchiveShadowsGlobal(t *testing.T) {
	archiveStore := NewStaticStore(model.ScopeArchive, map[string]model.Account{
		"g/alice": {Host: "archive.example.com", Principal: "alice", Password: "pw-archive"},
	})
	globalStore := NewStaticStore(model.ScopeGlobal, map[string]model.Account{
		"g/alice": {Host: "global.example.com", Principal: "alice", Password: "pw-global"},
		"g/bob":   {Host: "global.example.com", Principal: "bob", Password: "pw-bob"},
	})
	r := NewRegistry(archiveStore, globalStore)

	alice, err := r.Resolve("g/alice")
	require.NoError(t, err)
	assert.Equal(t, "archive.example.com", alice.Host)
	assert.Equal(t, model.ScopeArchive, alice.Scope)
	assert.Equal(t, "pw-archive", alice.Password)

	bob, err := r.Resolve("g/bob")
	require.NoError(t, err)
	assert.Equal(t, model.ScopeGlobal, bob.Scope)
}

func TestResolveDefaultsPort(t *testing.T) {
	r := NewRegistry(NewStaticStore(model.ScopeArchive, map[string]model.Account{
		"a": {Host: "h", Principal: "u", Password: "pw"},
		"b": {Host: "h", Port: 1143, Principal: "u", Password: "pw"},
	}))

	a, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, 993, a.Port)

	b, err := r.Resolve("b")
	require.NoError(t, err)
	assert.Equal(t, 1143, b.Port)
}

func TestResolveUnknownAccount(t *testing.T) {
	r := NewRegistry(NewStaticStore(model.ScopeArchive, nil))

	_, err := r.Resolve("nobody")
	require.Error(t, err)

	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCredentialPrecedence(t *testing.T) {
	r := NewRegistry(NewStaticStore(model.ScopeArchive, map[string]model.Account{
		"g/alice": {Host: "h", Principal: "u", CredentialRef: "ref-1", Password: "inline"},
	})).WithCredentialFunc(func(ref string) (string, error) {
		require.Equal(t, "ref-1", ref)
		return "from-keyring", nil
	})

	// Environment beats everything.
	t.Setenv("EML_G_ALICE_PASSWORD", "from-env")
	acct, err := r.Resolve("g/alice")
	require.NoError(t, err)
	assert.Equal(t, "from-env", acct.Password)

	// Keyring reference beats the inline value.
	t.Setenv("EML_G_ALICE_PASSWORD", "")
	acct, err = r.Resolve("g/alice")
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", acct.Password)
}

func TestResolveInlineFallback(t *testing.T) {
	r := NewRegistry(NewStaticStore(model.ScopeArchive, map[string]model.Account{
		"a": {Host: "h", Principal: "u", Password: "inline"},
	}))

	acct, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "inline", acct.Password)
}

func TestResolveKeyringFailure(t *testing.T) {
	r := NewRegistry(NewStaticStore(model.ScopeArchive, map[string]model.Account{
		"a": {Host: "h", Principal: "u", CredentialRef: "ref", Password: "inline"},
	})).WithCredentialFunc(func(ref string) (string, error) {
		return "", errors.New("locked")
	})

	// A configured but unusable credential reference is a configuration
	// error, not a silent fall-through to the inline value.
	_, err := r.Resolve("a")
	require.Error(t, err)

	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResolveNoCredential(t *testing.T) {
	r := NewRegistry(NewStaticStore(model.ScopeArchive, map[string]model.Account{
		"a": {Host: "h", Principal: "u"},
	}))

	_, err := r.Resolve("a")
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Detail, "EML_A_PASSWORD")
}

func TestCredentialEnvVar(t *testing.T) {
	tests := []struct{ name, want string }{
		{"g/alice", "EML_G_ALICE_PASSWORD"},
		{"work", "EML_WORK_PASSWORD"},
		{"my-host.example", "EML_MY_HOST_EXAMPLE_PASSWORD"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CredentialEnvVar(tt.name), tt.name)
	}
}

func ExampleCredentialEnvVar() {
	fmt.Println(CredentialEnvVar("g/alice"))
	// Output: EML_G_ALICE_PASSWORD
}
