// Package account owns the credential registry: one or more authenticated
// identities per upstream provider, the per-provider default invariant, and
// the model-to-credential routing table the failover engine learns into.
package account

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an operation references an unknown credential.
var ErrNotFound = errors.New("not found")

// AuthKind describes how a credential authenticates against its provider.
type AuthKind string

const (
	AuthAPIKey AuthKind = "api-key"
	AuthOAuth  AuthKind = "oauth"
	AuthToken  AuthKind = "token"
)

// Status is the lifecycle state of a credential.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
	StatusError    Status = "error"
)

// Account is one authenticated identity for one provider. Secret material is
// never stored here; it lives in the secret store, referenced by ID.
type Account struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	AuthKind AuthKind `json:"auth_kind"`
	Email    string   `json:"email,omitempty"`
	Status   Status   `json:"status"`

	// IsDefault marks the credential tried first for its provider. At most
	// one credential per provider carries it.
	IsDefault bool `json:"is_default"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// Expired reports whether the credential's expiry timestamp has passed.
func (a Account) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now)
}

// Usable reports whether the credential can be handed to a request right now
// (active and not expired). Cooldown is tracked separately by the quota store.
func (a Account) Usable(now time.Time) bool {
	return a.Status == StatusActive && !a.Expired(now)
}

// Change is emitted on every registry mutation.
type Change struct {
	CredentialID string
	Provider     string
	Account      *Account // nil when the credential was removed
}

// registryFileVersion tags the serialized registry slot. A mismatch on load
// is treated as an empty slot rather than an error.
const registryFileVersion = 1

// registryFile is the serialized form of the registry.
type registryFile struct {
	Version     int                          `json:"version"`
	UpdatedAt   time.Time                    `json:"updated_at"`
	Accounts    []Account                    `json:"accounts"`
	Routing     map[string]map[string]string `json:"routing,omitempty"`
	LoadBalance map[string]bool              `json:"load_balance,omitempty"`
}
