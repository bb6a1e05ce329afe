package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/florianilch/polybridge/internal/persist"
	"github.com/florianilch/polybridge/internal/secret"
	"github.com/florianilch/polybridge/internal/tokensource"
)

// CooldownChecker is the slice of the quota store the registry needs to
// answer availability questions.
type CooldownChecker interface {
	InCooldown(credentialID string) bool
	ShortestCooldown(provider string) (string, bool)
}

// Registry is the in-memory credential table with persistence, secret
// storage, and change notifications. Accounts keep registration order; the
// round-robin successor in NextAvailable relies on it.
type Registry struct {
	mu          sync.Mutex
	accounts    []*Account
	routing     map[string]map[string]string // provider -> model -> credential id
	loadBalance map[string]bool              // provider -> enabled
	persist     persist.Store
	secrets     secret.Store
	cooldowns   CooldownChecker
	now         func() time.Time
	subs        map[chan Change]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry, loading any persisted state.
func NewRegistry(ctx context.Context, store persist.Store, secrets secret.Store, cooldowns CooldownChecker, opts ...Option) (*Registry, error) {
	r := &Registry{
		routing:     make(map[string]map[string]string),
		loadBalance: make(map[string]bool),
		persist:     store,
		secrets:     secrets,
		cooldowns:   cooldowns,
		now:         time.Now,
		subs:        make(map[chan Change]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	raw, err := store.Load(ctx, persist.SlotAccounts)
	if err != nil {
		return nil, fmt.Errorf("load account registry: %w", err)
	}
	if len(raw) > 0 {
		var file registryFile
		if err := json.Unmarshal(raw, &file); err != nil || file.Version != registryFileVersion {
			slog.WarnContext(ctx, "discarding unreadable account registry", "error", err, "version", file.Version)
		} else {
			for i := range file.Accounts {
				acct := file.Accounts[i]
				r.accounts = append(r.accounts, &acct)
			}
			if file.Routing != nil {
				r.routing = file.Routing
			}
			if file.LoadBalance != nil {
				r.loadBalance = file.LoadBalance
			}
		}
	}

	return r, nil
}

// Subscribe returns a channel receiving a Change for every mutation.
func (r *Registry) Subscribe() chan Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Change, 16)
	r.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (r *Registry) Unsubscribe(ch chan Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

// AddInput carries the fields for Add.
type AddInput struct {
	Name     string
	Provider string
	AuthKind AuthKind
	Email    string
	// Secret is the credential's secret material, stored by id in the
	// secret store and never serialized with the registry.
	Secret string
	// ExpiresAt may be zero; token-kind credentials fall back to the JWT
	// exp claim when the secret parses as one.
	ExpiresAt time.Time
}

// Add registers a new credential. The first credential of a provider becomes
// its default and active automatically.
func (r *Registry) Add(ctx context.Context, in AddInput) (Account, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return Account{}, fmt.Errorf("provider is required")
	}
	if strings.TrimSpace(in.Secret) == "" {
		return Account{}, fmt.Errorf("secret material is required")
	}

	expiresAt := in.ExpiresAt
	if expiresAt.IsZero() && in.AuthKind == AuthToken {
		if exp, ok := tokensource.TokenExpiry(in.Secret); ok {
			expiresAt = exp
		}
	}

	now := r.now()
	acct := &Account{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(in.Name),
		Provider:  provider,
		AuthKind:  in.AuthKind,
		Email:     strings.TrimSpace(in.Email),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
	if acct.Name == "" {
		acct.Name = provider + "-" + acct.ID[:8]
	}

	if err := r.secrets.Put(acct.ID, in.Secret); err != nil {
		return Account{}, fmt.Errorf("store credential secret: %w", err)
	}

	r.mu.Lock()
	if len(r.providerAccountsLocked(provider)) == 0 {
		acct.IsDefault = true
	}
	r.accounts = append(r.accounts, acct)
	change := Change{CredentialID: acct.ID, Provider: provider, Account: copyOf(acct)}
	r.mu.Unlock()

	if err := r.saveAndNotify(ctx, change); err != nil {
		// Roll back the orphaned secret so retries start clean.
		if delErr := r.secrets.Delete(acct.ID); delErr != nil {
			slog.ErrorContext(ctx, "failed to roll back secret after persist failure", "error", delErr)
		}
		r.mu.Lock()
		r.accounts = r.accounts[:len(r.accounts)-1]
		r.mu.Unlock()
		return Account{}, err
	}

	return *acct, nil
}

// Remove deletes a credential, prunes any routing entries pointing at it,
// promotes a replacement default if needed, and drops its secret.
func (r *Registry) Remove(ctx context.Context, credentialID string) error {
	r.mu.Lock()
	idx := -1
	for i, acct := range r.accounts {
		if acct.ID == credentialID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return fmt.Errorf("credential %s: %w", credentialID, ErrNotFound)
	}

	removed := r.accounts[idx]
	r.accounts = append(r.accounts[:idx], r.accounts[idx+1:]...)

	if models, ok := r.routing[removed.Provider]; ok {
		for model, id := range models {
			if id == credentialID {
				delete(models, model)
			}
		}
		if len(models) == 0 {
			delete(r.routing, removed.Provider)
		}
	}

	if removed.IsDefault {
		if remaining := r.providerAccountsLocked(removed.Provider); len(remaining) > 0 {
			remaining[0].IsDefault = true
			remaining[0].UpdatedAt = r.now()
		}
	}

	change := Change{CredentialID: credentialID, Provider: removed.Provider}
	r.mu.Unlock()

	if err := r.secrets.Delete(credentialID); err != nil {
		slog.WarnContext(ctx, "failed to delete credential secret", "credential_id", credentialID, "error", err)
	}

	return r.saveAndNotify(ctx, change)
}

// SetStatus updates a credential's lifecycle status.
func (r *Registry) SetStatus(ctx context.Context, credentialID string, status Status, lastError string) error {
	r.mu.Lock()
	acct, ok := r.findLocked(credentialID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("credential %s: %w", credentialID, ErrNotFound)
	}
	acct.Status = status
	acct.LastError = lastError
	acct.UpdatedAt = r.now()
	change := Change{CredentialID: credentialID, Provider: acct.Provider, Account: copyOf(acct)}
	r.mu.Unlock()

	return r.saveAndNotify(ctx, change)
}

// SwitchActive atomically moves the default flag of a provider to the given
// credential. Readers never observe a provider with zero or two defaults.
func (r *Registry) SwitchActive(ctx context.Context, provider, credentialID string) error {
	r.mu.Lock()
	var target *Account
	for _, acct := range r.providerAccountsLocked(provider) {
		if acct.ID == credentialID {
			target = acct
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		return fmt.Errorf("credential %s for provider %s: %w", credentialID, provider, ErrNotFound)
	}

	now := r.now()
	for _, acct := range r.providerAccountsLocked(provider) {
		if acct.IsDefault && acct.ID != credentialID {
			acct.IsDefault = false
			acct.UpdatedAt = now
		}
	}
	target.IsDefault = true
	target.UpdatedAt = now
	change := Change{CredentialID: credentialID, Provider: provider, Account: copyOf(target)}
	r.mu.Unlock()

	return r.saveAndNotify(ctx, change)
}

// Secrets exposes the store credentials reference their material in, for
// components that resolve secrets at request time.
func (r *Registry) Secrets() secret.Store {
	return r.secrets
}

// Get returns a copy of a credential.
func (r *Registry) Get(credentialID string) (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.findLocked(credentialID)
	if !ok {
		return Account{}, false
	}
	return *acct, true
}

// List returns copies of all credentials for a provider in registration
// order, or all credentials when provider is empty.
func (r *Registry) List(provider string) []Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, acct := range r.accounts {
		if provider == "" || acct.Provider == provider {
			out = append(out, *acct)
		}
	}
	return out
}

// Default returns the default credential of a provider.
func (r *Registry) Default(provider string) (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acct := range r.providerAccountsLocked(provider) {
		if acct.IsDefault {
			return *acct, true
		}
	}
	return Account{}, false
}

// Available returns the provider's credentials that are active, unexpired,
// and not cooling down, in registration order.
func (r *Registry) Available(provider string) []Account {
	r.mu.Lock()
	candidates := r.providerAccountsLocked(provider)
	now := r.now()
	snapshot := make([]Account, 0, len(candidates))
	for _, acct := range candidates {
		if acct.Usable(now) {
			snapshot = append(snapshot, *acct)
		}
	}
	r.mu.Unlock()

	// Cooldown checks happen outside the registry lock; the quota store has
	// its own locking and may itself lazily clear expired state.
	out := snapshot[:0]
	for _, acct := range snapshot {
		if !r.cooldowns.InCooldown(acct.ID) {
			out = append(out, acct)
		}
	}
	return out
}

// NextAvailable returns the round-robin successor of currentID among the
// provider's available credentials: the entry after currentID when present,
// the first available otherwise. When nothing is available it falls back to
// the credential whose cooldown expires soonest.
func (r *Registry) NextAvailable(provider, currentID string) (Account, bool) {
	available := r.Available(provider)
	if len(available) > 0 {
		for i, acct := range available {
			if acct.ID == currentID && i+1 < len(available) {
				return available[i+1], true
			}
		}
		return available[0], true
	}

	if id, ok := r.cooldowns.ShortestCooldown(provider); ok {
		if acct, found := r.Get(id); found {
			return acct, true
		}
	}
	return Account{}, false
}

// AssignedCredential returns the explicit model routing pin, if any.
func (r *Registry) AssignedCredential(provider, model string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.routing[provider][model]
	return id, ok
}

// SetAssignedCredential pins a model to a credential, or clears the pin when
// credentialID is empty.
func (r *Registry) SetAssignedCredential(ctx context.Context, provider, model, credentialID string) error {
	r.mu.Lock()
	if credentialID == "" {
		if models, ok := r.routing[provider]; ok {
			delete(models, model)
			if len(models) == 0 {
				delete(r.routing, provider)
			}
		}
	} else {
		if _, ok := r.findLocked(credentialID); !ok {
			r.mu.Unlock()
			return fmt.Errorf("credential %s: %w", credentialID, ErrNotFound)
		}
		if r.routing[provider] == nil {
			r.routing[provider] = make(map[string]string)
		}
		r.routing[provider][model] = credentialID
	}
	change := Change{CredentialID: credentialID, Provider: provider}
	r.mu.Unlock()

	return r.saveAndNotify(ctx, change)
}

// LoadBalanceEnabled reports whether failover across credentials is enabled
// for a provider.
func (r *Registry) LoadBalanceEnabled(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadBalance[provider]
}

// SetLoadBalance toggles failover for a provider.
func (r *Registry) SetLoadBalance(ctx context.Context, provider string, enabled bool) error {
	r.mu.Lock()
	r.loadBalance[provider] = enabled
	change := Change{Provider: provider}
	r.mu.Unlock()

	return r.saveAndNotify(ctx, change)
}

// Credentials returns the provider's credentials in registration order.
// It exists to satisfy the failover selector's registry interface.
func (r *Registry) Credentials(provider string) []Account {
	return r.List(provider)
}

func (r *Registry) findLocked(credentialID string) (*Account, bool) {
	for _, acct := range r.accounts {
		if acct.ID == credentialID {
			return acct, true
		}
	}
	return nil, false
}

func (r *Registry) providerAccountsLocked(provider string) []*Account {
	var out []*Account
	for _, acct := range r.accounts {
		if acct.Provider == provider {
			out = append(out, acct)
		}
	}
	return out
}

func copyOf(acct *Account) *Account {
	clone := *acct
	return &clone
}

// saveAndNotify persists the registry and fans the change out to subscribers.
func (r *Registry) saveAndNotify(ctx context.Context, change Change) error {
	r.mu.Lock()
	file := registryFile{
		Version:     registryFileVersion,
		UpdatedAt:   r.now(),
		Routing:     r.routing,
		LoadBalance: r.loadBalance,
	}
	for _, acct := range r.accounts {
		file.Accounts = append(file.Accounts, *acct)
	}
	subs := make([]chan Change, 0, len(r.subs))
	for ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("serialize account registry: %w", err)
	}
	if err := r.persist.Save(ctx, persist.SlotAccounts, raw); err != nil {
		return fmt.Errorf("persist account registry: %w", err)
	}

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
	return nil
}
