package quota

import "time"

// State tracks the quota health of one credential.
type State struct {
	CredentialID string `json:"credential_id"`
	Provider     string `json:"provider"`

	QuotaExceeded bool      `json:"quota_exceeded"`
	QuotaResetAt  time.Time `json:"quota_reset_at,omitempty"`
	BackoffLevel  int       `json:"backoff_level"`
	AffectedModel string    `json:"affected_model,omitempty"`

	SuccessCount  int       `json:"success_count"`
	FailureCount  int       `json:"failure_count"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Change is emitted on every state mutation.
type Change struct {
	CredentialID string
	Provider     string
	State        State
}

// stateFileVersion tags the serialized quota slot. A mismatch on load is
// treated as an empty slot rather than an error.
const stateFileVersion = 1

// stateFile is the serialized form of the quota table.
type stateFile struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Records   []State   `json:"records"`
}
