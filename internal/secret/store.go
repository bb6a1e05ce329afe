// Package secret stores credential secret material (API keys, OAuth refresh
// tokens) outside the serialized registry state. Credentials reference their
// material by id only; nothing in this package is ever written to a slot.
package secret

import "errors"

// ErrNotFound is returned when no material exists for a credential id.
var ErrNotFound = errors.New("secret not found")

// Store holds secret material keyed by credential id.
type Store interface {
	Put(credentialID, material string) error
	Get(credentialID string) (string, error)
	Delete(credentialID string) error
}
