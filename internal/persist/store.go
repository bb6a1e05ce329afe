// Package persist provides the key-value slot storage used by the account
// registry and quota store. Each subsystem owns one slot and serializes its
// full state into it; the store never interprets slot contents.
package persist

import "context"

// Well-known slot keys.
const (
	SlotAccounts = "accounts"
	SlotQuota    = "quota"
)

// Store is the persistence boundary for serialized subsystem state.
type Store interface {
	// Load returns the raw value for key, or (nil, nil) when the slot has
	// never been written.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the value for key.
	Save(ctx context.Context, key string, value []byte) error
}
