// Package account resolves account names to connection parameters and
// credentials, cascading an archive-local store over the user-global one.
package account

import (
	"fmt"
	"os"
	"strings"

	"github.com/runsascoded/eml/internal/model"
)

// ConfigError is a fatal configuration or credential problem. Engines
// abort on it before any network I/O.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string { return e.Detail }

// Store is one source of account definitions.
type Store interface {
	// Lookup returns the account and true when the store defines name.
	Lookup(name string) (model.Account, bool, error)
	// Scope labels accounts resolved from this store.
	Scope() model.AccountScope
}

// StaticStore serves accounts from an in-memory map, as loaded from a
// config file.
type StaticStore struct {
	scope    model.AccountScope
	accounts map[string]model.Account
}

// NewStaticStore builds a store over the given accounts.
func NewStaticStore(scope model.AccountScope, accounts map[string]model.Account) *StaticStore {
	return &StaticStore{scope: scope, accounts: accounts}
}

func (s *StaticStore) Lookup(name string) (model.Account, bool, error) {
	a, ok := s.accounts[name]
	return a, ok, nil
}

func (s *StaticStore) Scope() model.AccountScope { return s.scope }

// CredentialFunc resolves a credential reference to its secret. The
// default uses the system keyring; tests substitute their own.
type CredentialFunc func(ref string) (string, error)

// Registry resolves account names through an ordered list of stores,
// first match wins. Names containing a namespace separator are opaque
// here.
type Registry struct {
	stores []Store
	creds  CredentialFunc
}

// NewRegistry builds a registry checking stores in order. The
// archive-local store goes first so it shadows the user-global one.
func NewRegistry(stores ...Store) *Registry {
	return &Registry{stores: stores, creds: GetCredential}
}

// WithCredentialFunc overrides keyring lookups (used by tests).
func (r *Registry) WithCredentialFunc(fn CredentialFunc) *Registry {
	r.creds = fn
	return r
}

// Resolve returns an immutable account with its password filled in.
// Credential precedence: environment override, then keyring reference,
// then the inline config value. A missing account or unresolvable
// credential is a *ConfigError.
func (r *Registry) Resolve(name string) (model.Account, error) {
	for _, store := range r.stores {
		acct, ok, err := store.Lookup(name)
		if err != nil {
			return model.Account{}, fmt.Errorf("looking up account %q: %w", name, err)
		}
		if !ok {
			continue
		}

		acct.Name = name
		acct.Scope = store.Scope()
		if acct.Port == 0 {
			acct.Port = 993
		}

		password, err := r.resolveCredential(acct)
		if err != nil {
			return model.Account{}, err
		}
		acct.Password = password
		return acct, nil
	}

	return model.Account{}, &ConfigError{
		Detail: fmt.Sprintf("account %q not found in any store", name),
	}
}

func (r *Registry) resolveCredential(acct model.Account) (string, error) {
	if v := os.Getenv(CredentialEnvVar(acct.Name)); v != "" {
		return v, nil
	}

	if acct.CredentialRef != "" {
		secret, err := r.creds(acct.CredentialRef)
		if err != nil {
			return "", &ConfigError{
				Detail: fmt.Sprintf("credential %q for account %q: %v", acct.CredentialRef, acct.Name, err),
			}
		}
		return secret, nil
	}

	if acct.Password != "" {
		return acct.Password, nil
	}

	return "", &ConfigError{
		Detail: fmt.Sprintf(
			"no credential for account %q: set %s, a credential_ref, or an inline password",
			acct.Name, CredentialEnvVar(acct.Name),
		),
	}
}

// CredentialEnvVar names the environment override for an account's
// password: namespace separators and other non-alphanumerics become
// underscores, upper-cased. "g/alice" -> "EML_G_ALICE_PASSWORD".
func CredentialEnvVar(name string) string {
	var b strings.Builder
	b.WriteString("EML_")
	for _, r := range strings.ToUpper(name) {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_PASSWORD")
	return b.String()
}
