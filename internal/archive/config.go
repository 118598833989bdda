package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/runsascoded/eml/internal/model"
)

// Config is the archive-level configuration stored in .eml/config.yaml.
type Config struct {
	// Layout selects the storage representation: a path template (or
	// preset name) for the file tree, or "block" for the single-file
	// store.
	Layout string `mapstructure:"layout" yaml:"layout"`

	// KeepByteDuplicates retains byte-identical messages that arrive
	// under distinct declared identifiers.
	KeepByteDuplicates bool `mapstructure:"keep_byte_duplicates" yaml:"keep_byte_duplicates"`

	// Accounts maps account name to its connection parameters.
	Accounts map[string]model.Account `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfig returns a new archive's configuration.
func DefaultConfig() *Config {
	return &Config{
		Layout:   "default",
		Accounts: map[string]model.Account{},
	}
}

// LoadConfig reads an archive config from a YAML file. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("layout", "default")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return DefaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Accounts == nil {
		cfg.Accounts = map[string]model.Account{}
	}
	return cfg, nil
}

// SaveConfig writes the config to a YAML file, creating parent
// directories if needed.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("layout", cfg.Layout)
	v.Set("keep_byte_duplicates", cfg.KeepByteDuplicates)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// GlobalConfigPath is the user-global config location,
// ~/.config/eml/config.yaml.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "eml-global.yaml")
	}
	return filepath.Join(home, ".config", "eml", configFile)
}

// LoadGlobalAccounts reads the user-global account definitions. A
// missing global config is an empty set, not an error.
func LoadGlobalAccounts() (map[string]model.Account, error) {
	cfg, err := LoadConfig(GlobalConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	return cfg.Accounts, nil
}
