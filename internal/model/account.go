package model

// AccountScope records where an account definition was found.
type AccountScope string

const (
	// ScopeArchive means the account came from the archive-local config.
	ScopeArchive AccountScope = "archive"
	// ScopeGlobal means the account came from the user-global config.
	ScopeGlobal AccountScope = "global"
)

// Account holds resolved connection parameters for a remote message store.
// Immutable once resolved for a run. Names may contain a namespace
// separator (e.g. "g/alice"); the separator is organizational convention
// only and is never parsed.
type Account struct {
	// Name is the lookup key, e.g. "g/alice".
	Name string `mapstructure:"name" yaml:"name"`

	// Kind identifies the transport flavor ("imap" plus host presets
	// like "gmail", "zoho").
	Kind string `mapstructure:"kind" yaml:"kind"`

	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// Principal is the login user, e.g. "alice@example.com".
	Principal string `mapstructure:"user" yaml:"user"`

	// CredentialRef names a keyring entry holding the password. An
	// inline Password takes lower precedence than the environment
	// override but higher than the keyring.
	CredentialRef string `mapstructure:"credential_ref" yaml:"credential_ref"`
	Password      string `mapstructure:"password" yaml:"password"`

	// Scope records which store the account was resolved from.
	Scope AccountScope `mapstructure:"-" yaml:"-"`
}
