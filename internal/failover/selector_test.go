package failover

import (
	"testing"
	"time"

	"github.com/florianilch/polybridge/internal/account"
)

// fakeRegistry is a static Registry snapshot.
type fakeRegistry struct {
	accounts    []account.Account
	pins        map[string]string // model -> credential id
	loadBalance bool
}

func (f *fakeRegistry) Credentials(string) []account.Account { return f.accounts }
func (f *fakeRegistry) LoadBalanceEnabled(string) bool       { return f.loadBalance }
func (f *fakeRegistry) AssignedCredential(_, model string) (string, bool) {
	id, ok := f.pins[model]
	return id, ok
}

// fakeCooldowns marks a fixed set of credential ids as cooling down.
type fakeCooldowns map[string]bool

func (f fakeCooldowns) InCooldown(id string) bool { return f[id] }

func acct(id string, isDefault bool, status account.Status) account.Account {
	return account.Account{ID: id, Provider: "anthropic", Status: status, IsDefault: isDefault}
}

func ids(accounts []account.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSelectSkipsCoolingDefault(t *testing.T) {
	reg := &fakeRegistry{
		accounts: []account.Account{
			acct("A", true, account.StatusActive),
			acct("B", false, account.StatusActive),
		},
		loadBalance: true,
	}
	cds := fakeCooldowns{"A": true}

	got := ids(Select("anthropic", "claude-sonnet", reg, cds, time.Now()))
	if !equal(got, []string{"B"}) {
		t.Fatalf("expected [B], got %v", got)
	}
}

func TestSelectAllCoolingFallsBackToUnfilteredPool(t *testing.T) {
	reg := &fakeRegistry{
		accounts: []account.Account{
			acct("A", true, account.StatusActive),
			acct("B", false, account.StatusActive),
		},
		loadBalance: true,
	}
	cds := fakeCooldowns{"A": true, "B": true}

	got := ids(Select("anthropic", "claude-sonnet", reg, cds, time.Now()))
	if !equal(got, []string{"A", "B"}) {
		t.Fatalf("expected [A B] (default first), got %v", got)
	}
}

func TestSelectLoadBalanceDisabledSingleAttempt(t *testing.T) {
	reg := &fakeRegistry{
		accounts: []account.Account{
			acct("A", true, account.StatusActive),
			acct("B", false, account.StatusActive),
		},
	}
	// Even with the default cooling down, failover stays opt-in.
	cds := fakeCooldowns{"A": true}

	got := ids(Select("anthropic", "claude-sonnet", reg, cds, time.Now()))
	if !equal(got, []string{"A"}) {
		t.Fatalf("expected single candidate [A], got %v", got)
	}
}

func TestSelectNoDefaultTriesRegistrationOrder(t *testing.T) {
	reg := &fakeRegistry{
		accounts: []account.Account{
			acct("A", false, account.StatusActive),
			acct("B", false, account.StatusActive),
		},
	}

	got := ids(Select("anthropic", "claude-sonnet", reg, fakeCooldowns{}, time.Now()))
	if !equal(got, []string{"A", "B"}) {
		t.Fatalf("expected [A B], got %v", got)
	}
}

func TestSelectPinnedCredentialFirst(t *testing.T) {
	reg := &fakeRegistry{
		accounts: []account.Account{
			acct("A", true, account.StatusActive),
			acct("B", false, account.StatusActive),
		},
		pins:        map[string]string{"claude-sonnet": "B"},
		loadBalance: true,
	}

	got := ids(Select("anthropic", "claude-sonnet", reg, fakeCooldowns{}, time.Now()))
	if !equal(got, []string{"B", "A"}) {
		t.Fatalf("expected pinned-first [B A], got %v", got)
	}

	// Without load balancing the pin is the sole candidate.
	reg.loadBalance = false
	got = ids(Select("anthropic", "claude-sonnet", reg, fakeCooldowns{}, time.Now()))
	if !equal(got, []string{"B"}) {
		t.Fatalf("expected pinned-only [B], got %v", got)
	}
}

func TestSelectUnusablePinIsIgnored(t *testing.T) {
	expired := acct("B", false, account.StatusActive)
	expired.ExpiresAt = time.Now().Add(-time.Hour)

	reg := &fakeRegistry{
		accounts: []account.Account{
			acct("A", true, account.StatusActive),
			expired,
		},
		pins:        map[string]string{"claude-sonnet": "B"},
		loadBalance: true,
	}

	got := ids(Select("anthropic", "claude-sonnet", reg, fakeCooldowns{}, time.Now()))
	if !equal(got, []string{"A"}) {
		t.Fatalf("expected [A] with expired pin ignored, got %v", got)
	}
}

func TestSelectNoActiveFallsBackToAll(t *testing.T) {
	reg := &fakeRegistry{
		accounts: []account.Account{
			acct("A", true, account.StatusError),
			acct("B", false, account.StatusError),
		},
		loadBalance: true,
	}

	got := ids(Select("anthropic", "claude-sonnet", reg, fakeCooldowns{}, time.Now()))
	if !equal(got, []string{"A", "B"}) {
		t.Fatalf("expected erroring credentials retried [A B], got %v", got)
	}
}

func TestSelectNoCredentials(t *testing.T) {
	reg := &fakeRegistry{}
	if got := Select("anthropic", "claude-sonnet", reg, fakeCooldowns{}, time.Now()); got != nil {
		t.Fatalf("expected nil for empty provider, got %v", got)
	}
}
