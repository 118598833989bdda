package account

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "eml"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/eml/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("eml-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// GetCredential retrieves a stored credential by reference.
func GetCredential(ref string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(ref)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", ref, err)
	}
	return string(item.Data), nil
}

// SetCredential stores a credential under the given reference.
func SetCredential(ref, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{Key: ref, Data: []byte(value)})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", ref, err)
	}
	return nil
}

// DeleteCredential removes a credential by reference.
func DeleteCredential(ref string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(ref); err != nil {
		return fmt.Errorf("deleting credential %q: %w", ref, err)
	}
	return nil
}
