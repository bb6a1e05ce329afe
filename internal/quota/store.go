// Package quota tracks per-credential quota state: exponential-backoff
// cooldowns after quota failures, success/failure bookkeeping, and the
// lazy-expiry reads the failover selector depends on.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/florianilch/polybridge/internal/persist"
)

const (
	// backoffBase is the cooldown after the first quota failure.
	backoffBase = time.Second
	// backoffCap bounds cooldown growth; while capped, the backoff level
	// stops incrementing so recovery after a long outage stays at one cap.
	backoffCap = 30 * time.Minute
)

// ExceededOptions carries optional detail for MarkExceeded.
type ExceededOptions struct {
	// ResetDelayHint is a server-provided retry delay (e.g. Retry-After).
	// It only wins over the computed backoff when it is longer.
	ResetDelayHint time.Duration
	// AffectedModel records which model triggered the failure. Informational.
	AffectedModel string
	// Err is the upstream error that triggered the failure.
	Err error
}

// Store is the in-memory quota table with a persistence hook and change
// notifications. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	states  map[string]*State
	persist persist.Store
	now     func() time.Time
	subs    map[chan Change]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's clock. Tests use this to drive cooldown
// expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store, loading any persisted state. Records whose reset
// time has already passed are healed on load so a restart never extends a
// cooldown.
func NewStore(ctx context.Context, store persist.Store, opts ...Option) (*Store, error) {
	s := &Store{
		states:  make(map[string]*State),
		persist: store,
		now:     time.Now,
		subs:    make(map[chan Change]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := store.Load(ctx, persist.SlotQuota)
	if err != nil {
		return nil, fmt.Errorf("load quota state: %w", err)
	}
	if len(raw) > 0 {
		var file stateFile
		if err := json.Unmarshal(raw, &file); err != nil || file.Version != stateFileVersion {
			// Unreadable or foreign-version state starts empty.
			slog.WarnContext(ctx, "discarding unreadable quota state", "error", err, "version", file.Version)
		} else {
			now := s.now()
			for i := range file.Records {
				record := file.Records[i]
				if record.QuotaExceeded && !record.QuotaResetAt.After(now) {
					record.QuotaExceeded = false
					record.QuotaResetAt = time.Time{}
					record.BackoffLevel = 0
				}
				s.states[record.CredentialID] = &record
			}
		}
	}

	return s, nil
}

// Subscribe returns a channel receiving a Change for every mutation.
// Slow subscribers miss changes rather than blocking mutations.
func (s *Store) Subscribe() chan Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Change, 16)
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (s *Store) Unsubscribe(ch chan Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

// MarkExceeded records a quota failure for a credential and starts (or
// extends) its cooldown. Cooldown doubles per consecutive failure from a one
// second base up to a 30 minute cap; a longer server-provided hint wins.
func (s *Store) MarkExceeded(ctx context.Context, credentialID, provider string, opts ExceededOptions) {
	s.mu.Lock()
	state := s.ensureLocked(credentialID, provider)

	cooldown := backoffBase << state.BackoffLevel
	if cooldown >= backoffCap {
		cooldown = backoffCap
	} else {
		state.BackoffLevel++
	}
	if opts.ResetDelayHint > cooldown {
		cooldown = opts.ResetDelayHint
	}

	now := s.now()
	state.QuotaExceeded = true
	state.QuotaResetAt = now.Add(cooldown)
	state.AffectedModel = opts.AffectedModel
	state.FailureCount++
	state.LastFailureAt = now
	if opts.Err != nil {
		state.LastError = opts.Err.Error()
	}

	change := Change{CredentialID: credentialID, Provider: provider, State: *state}
	s.mu.Unlock()

	slog.WarnContext(ctx, "credential quota exceeded",
		"credential_id", credentialID,
		"provider", provider,
		"cooldown", cooldown,
		"backoff_level", change.State.BackoffLevel,
		"model", opts.AffectedModel,
	)

	s.saveAndNotify(ctx, change)
}

// ClearExceeded resets a credential to the healthy state. No-op when the
// credential has no state or is not exceeded.
func (s *Store) ClearExceeded(ctx context.Context, credentialID string) {
	s.mu.Lock()
	state, ok := s.states[credentialID]
	if !ok || !state.QuotaExceeded {
		s.mu.Unlock()
		return
	}
	s.clearLocked(state)
	change := Change{CredentialID: credentialID, Provider: state.Provider, State: *state}
	s.mu.Unlock()

	s.saveAndNotify(ctx, change)
}

// RecordSuccess bumps success counters and, when the credential is currently
// exceeded, clears the cooldown: a real success outranks the timer.
func (s *Store) RecordSuccess(ctx context.Context, credentialID, provider string) {
	s.mu.Lock()
	state := s.ensureLocked(credentialID, provider)
	state.SuccessCount++
	state.LastSuccessAt = s.now()
	if state.QuotaExceeded {
		s.clearLocked(state)
	}
	change := Change{CredentialID: credentialID, Provider: provider, State: *state}
	s.mu.Unlock()

	s.saveAndNotify(ctx, change)
}

// RecordFailure records a non-quota failure. Backoff state is untouched.
func (s *Store) RecordFailure(ctx context.Context, credentialID, provider, message string) {
	s.mu.Lock()
	state := s.ensureLocked(credentialID, provider)
	state.FailureCount++
	state.LastFailureAt = s.now()
	state.LastError = message
	change := Change{CredentialID: credentialID, Provider: provider, State: *state}
	s.mu.Unlock()

	s.saveAndNotify(ctx, change)
}

// InCooldown reports whether a credential is cooling down. A cooldown whose
// reset time has passed is lazily cleared and reported as healthy.
func (s *Store) InCooldown(credentialID string) bool {
	s.mu.Lock()
	state, ok := s.states[credentialID]
	if !ok || !state.QuotaExceeded {
		s.mu.Unlock()
		return false
	}
	if !state.QuotaResetAt.After(s.now()) {
		s.clearLocked(state)
		change := Change{CredentialID: credentialID, Provider: state.Provider, State: *state}
		s.mu.Unlock()
		s.saveAndNotify(context.Background(), change)
		return false
	}
	s.mu.Unlock()
	return true
}

// RemainingCooldown returns the time until a credential's cooldown expires,
// or zero when it is not cooling down.
func (s *Store) RemainingCooldown(credentialID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[credentialID]
	if !ok || !state.QuotaExceeded {
		return 0
	}
	remaining := state.QuotaResetAt.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ShortestCooldown returns the exceeded credential of a provider with the
// earliest reset time. Used as a last resort when nothing is available.
func (s *Store) ShortestCooldown(provider string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		bestID string
		bestAt time.Time
	)
	for id, state := range s.states {
		if state.Provider != provider || !state.QuotaExceeded {
			continue
		}
		if bestID == "" || state.QuotaResetAt.Before(bestAt) {
			bestID, bestAt = id, state.QuotaResetAt
		}
	}
	return bestID, bestID != ""
}

// Remove drops the state of a deleted credential.
func (s *Store) Remove(ctx context.Context, credentialID string) {
	s.mu.Lock()
	state, ok := s.states[credentialID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.states, credentialID)
	change := Change{CredentialID: credentialID, Provider: state.Provider}
	s.mu.Unlock()

	s.saveAndNotify(ctx, change)
}

// Get returns a copy of a credential's state.
func (s *Store) Get(credentialID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[credentialID]
	if !ok {
		return State{}, false
	}
	return *state, true
}

func (s *Store) ensureLocked(credentialID, provider string) *State {
	state, ok := s.states[credentialID]
	if !ok {
		state = &State{CredentialID: credentialID, Provider: provider}
		s.states[credentialID] = state
	}
	return state
}

// clearLocked resets the exceeded fields in place. Callers hold s.mu.
func (s *Store) clearLocked(state *State) {
	state.QuotaExceeded = false
	state.QuotaResetAt = time.Time{}
	state.BackoffLevel = 0
	state.AffectedModel = ""
}

// saveAndNotify persists the full table and fans the change out to
// subscribers. Persistence failures are logged, not propagated: quota state
// is reconstructible and must never fail a user request.
func (s *Store) saveAndNotify(ctx context.Context, change Change) {
	s.mu.Lock()
	file := stateFile{Version: stateFileVersion, UpdatedAt: s.now()}
	for _, state := range s.states {
		file.Records = append(file.Records, *state)
	}
	subs := make([]chan Change, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	raw, err := json.Marshal(file)
	if err == nil {
		err = s.persist.Save(ctx, persist.SlotQuota, raw)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist quota state", "error", err)
	}

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}
