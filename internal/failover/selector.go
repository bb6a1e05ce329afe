// Package failover decides which credentials a request should attempt, and in
// what order. Selection is a pure function over registry and quota snapshots;
// it performs no I/O and mutates nothing.
package failover

import (
	"time"

	"github.com/florianilch/polybridge/internal/account"
)

// Registry is the slice of the account registry selection reads.
type Registry interface {
	// Credentials returns the provider's credentials in registration order.
	Credentials(provider string) []account.Account
	// AssignedCredential returns the explicit model routing pin, if any.
	AssignedCredential(provider, model string) (string, bool)
	// LoadBalanceEnabled reports whether failover is enabled for a provider.
	LoadBalanceEnabled(provider string) bool
}

// Cooldowns is the slice of the quota store selection reads.
type Cooldowns interface {
	InCooldown(credentialID string) bool
}

// Select produces the ordered candidate list for one request.
//
// An explicit per-model pin that is still usable goes first; with failover
// disabled it is also the only candidate. The remaining pool is the
// provider's active credentials (all credentials when none are active, so an
// erroring credential can still be retried). With failover enabled the pool
// is filtered to credentials not cooling down, default first; when the filter
// empties the pool the unfiltered pool is used in the same order, because
// attempting a cooling-down credential beats failing outright. With failover
// disabled only the default is attempted (all credentials in registration
// order when no default exists).
func Select(provider, model string, reg Registry, cds Cooldowns, now time.Time) []account.Account {
	all := reg.Credentials(provider)
	if len(all) == 0 {
		return nil
	}

	loadBalance := reg.LoadBalanceEnabled(provider)

	var pinned *account.Account
	if id, ok := reg.AssignedCredential(provider, model); ok {
		for i := range all {
			if all[i].ID == id && all[i].Usable(now) {
				pinned = &all[i]
				break
			}
		}
	}
	if pinned != nil && !loadBalance {
		return []account.Account{*pinned}
	}

	pool := make([]account.Account, 0, len(all))
	for _, acct := range all {
		if acct.Status == account.StatusActive && !acct.Expired(now) {
			pool = append(pool, acct)
		}
	}
	if len(pool) == 0 {
		// No active credential at all: retry whatever exists rather than
		// returning zero candidates.
		pool = append(pool, all...)
	}

	var ordered []account.Account
	if loadBalance {
		filtered := make([]account.Account, 0, len(pool))
		for _, acct := range pool {
			if !cds.InCooldown(acct.ID) {
				filtered = append(filtered, acct)
			}
		}
		if len(filtered) > 0 {
			ordered = defaultFirst(filtered)
		} else {
			ordered = defaultFirst(pool)
		}
	} else {
		ordered = defaultOnly(pool)
	}

	if pinned == nil {
		return ordered
	}

	out := []account.Account{*pinned}
	for _, acct := range ordered {
		if acct.ID != pinned.ID {
			out = append(out, acct)
		}
	}
	return out
}

// defaultFirst moves the provider default to the front, keeping the rest in
// original order.
func defaultFirst(pool []account.Account) []account.Account {
	out := make([]account.Account, 0, len(pool))
	for _, acct := range pool {
		if acct.IsDefault {
			out = append(out, acct)
			break
		}
	}
	for _, acct := range pool {
		if !acct.IsDefault {
			out = append(out, acct)
		}
	}
	return out
}

// defaultOnly returns just the default credential, or the whole pool in
// registration order when no default exists.
func defaultOnly(pool []account.Account) []account.Account {
	for _, acct := range pool {
		if acct.IsDefault {
			return []account.Account{acct}
		}
	}
	return pool
}
