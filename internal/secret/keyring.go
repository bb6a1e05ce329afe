package secret

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces bridge entries in the OS keyring.
const keyringService = "polybridge"

// KeyringStore stores secret material in the operating system keyring.
type KeyringStore struct{}

// NewKeyringStore creates a keyring-backed Store.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

// Put implements Store.
func (*KeyringStore) Put(credentialID, material string) error {
	if err := keyring.Set(keyringService, credentialID, material); err != nil {
		return fmt.Errorf("store secret for credential %s: %w", credentialID, err)
	}
	return nil
}

// Get implements Store.
func (*KeyringStore) Get(credentialID string) (string, error) {
	material, err := keyring.Get(keyringService, credentialID)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read secret for credential %s: %w", credentialID, err)
	}
	return material, nil
}

// Delete implements Store.
func (*KeyringStore) Delete(credentialID string) error {
	err := keyring.Delete(keyringService, credentialID)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete secret for credential %s: %w", credentialID, err)
	}
	return nil
}
