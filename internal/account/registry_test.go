package account

import (
	"context"
	"testing"
	"time"

	"github.com/florianilch/polybridge/internal/persist"
	"github.com/florianilch/polybridge/internal/quota"
	"github.com/florianilch/polybridge/internal/secret"
)

func newTestRegistry(t *testing.T) (*Registry, *quota.Store, *persist.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	mem := persist.NewMemoryStore()
	quotaStore, err := quota.NewStore(ctx, mem)
	if err != nil {
		t.Fatalf("quota.NewStore: %v", err)
	}
	registry, err := NewRegistry(ctx, mem, secret.NewMemoryStore(), quotaStore)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry, quotaStore, mem
}

func addAccount(t *testing.T, r *Registry, provider, name string) Account {
	t.Helper()
	acct, err := r.Add(context.Background(), AddInput{
		Name:     name,
		Provider: provider,
		AuthKind: AuthAPIKey,
		Secret:   "sk-" + name,
	})
	if err != nil {
		t.Fatalf("Add(%s): %v", name, err)
	}
	return acct
}

func TestFirstAccountBecomesDefault(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	first := addAccount(t, registry, "anthropic", "first")
	second := addAccount(t, registry, "anthropic", "second")

	got, _ := registry.Get(first.ID)
	if !got.IsDefault || got.Status != StatusActive {
		t.Fatalf("first account not default+active: %+v", got)
	}
	got, _ = registry.Get(second.ID)
	if got.IsDefault {
		t.Fatal("second account unexpectedly default")
	}
}

func TestSwitchActiveMovesSingleDefault(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a := addAccount(t, registry, "anthropic", "a")
	b := addAccount(t, registry, "anthropic", "b")

	if err := registry.SwitchActive(ctx, "anthropic", b.ID); err != nil {
		t.Fatalf("SwitchActive: %v", err)
	}

	defaults := 0
	for _, acct := range registry.List("anthropic") {
		if acct.IsDefault {
			defaults++
			if acct.ID != b.ID {
				t.Fatalf("wrong default: %s", acct.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}

	if err := registry.SwitchActive(ctx, "anthropic", "missing"); err == nil {
		t.Fatal("expected error for unknown credential")
	}
	_ = a
}

func TestRemovePrunesRoutingAndPromotesDefault(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a := addAccount(t, registry, "anthropic", "a")
	b := addAccount(t, registry, "anthropic", "b")

	if err := registry.SetAssignedCredential(ctx, "anthropic", "claude-sonnet", a.ID); err != nil {
		t.Fatalf("SetAssignedCredential: %v", err)
	}

	if err := registry.Remove(ctx, a.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, ok := registry.AssignedCredential("anthropic", "claude-sonnet"); ok {
		t.Fatal("routing entry survived credential removal")
	}
	got, _ := registry.Get(b.ID)
	if !got.IsDefault {
		t.Fatal("remaining account not promoted to default")
	}
}

func TestAvailableExcludesExpiredAndCoolingDown(t *testing.T) {
	registry, quotaStore, _ := newTestRegistry(t)
	ctx := context.Background()

	a := addAccount(t, registry, "anthropic", "a")
	b := addAccount(t, registry, "anthropic", "b")
	c := addAccount(t, registry, "anthropic", "c")

	// a cools down, c is inactive.
	quotaStore.MarkExceeded(ctx, a.ID, "anthropic", quota.ExceededOptions{ResetDelayHint: time.Hour})
	if err := registry.SetStatus(ctx, c.ID, StatusInactive, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	available := registry.Available("anthropic")
	if len(available) != 1 || available[0].ID != b.ID {
		t.Fatalf("expected only %s available, got %+v", b.ID, available)
	}
}

func TestNextAvailableRoundRobin(t *testing.T) {
	registry, quotaStore, _ := newTestRegistry(t)
	ctx := context.Background()

	a := addAccount(t, registry, "anthropic", "a")
	b := addAccount(t, registry, "anthropic", "b")
	c := addAccount(t, registry, "anthropic", "c")

	next, ok := registry.NextAvailable("anthropic", a.ID)
	if !ok || next.ID != b.ID {
		t.Fatalf("expected successor b, got %+v (%v)", next, ok)
	}

	// Last entry wraps to the first available.
	next, ok = registry.NextAvailable("anthropic", c.ID)
	if !ok || next.ID != a.ID {
		t.Fatalf("expected wrap to a, got %+v (%v)", next, ok)
	}

	// Everything cooling down: fall back to shortest cooldown.
	quotaStore.MarkExceeded(ctx, a.ID, "anthropic", quota.ExceededOptions{ResetDelayHint: time.Hour})
	quotaStore.MarkExceeded(ctx, b.ID, "anthropic", quota.ExceededOptions{ResetDelayHint: 10 * time.Minute})
	quotaStore.MarkExceeded(ctx, c.ID, "anthropic", quota.ExceededOptions{ResetDelayHint: 30 * time.Minute})

	next, ok = registry.NextAvailable("anthropic", "")
	if !ok || next.ID != b.ID {
		t.Fatalf("expected shortest-cooldown fallback b, got %+v (%v)", next, ok)
	}
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	registry, quotaStore, mem := newTestRegistry(t)
	ctx := context.Background()

	a := addAccount(t, registry, "anthropic", "a")
	if err := registry.SetAssignedCredential(ctx, "anthropic", "claude-opus", a.ID); err != nil {
		t.Fatalf("SetAssignedCredential: %v", err)
	}
	if err := registry.SetLoadBalance(ctx, "anthropic", true); err != nil {
		t.Fatalf("SetLoadBalance: %v", err)
	}

	reloaded, err := NewRegistry(ctx, mem, secret.NewMemoryStore(), quotaStore)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	got, ok := reloaded.Get(a.ID)
	if !ok || !got.IsDefault {
		t.Fatalf("account lost on restart: %+v (%v)", got, ok)
	}
	if id, ok := reloaded.AssignedCredential("anthropic", "claude-opus"); !ok || id != a.ID {
		t.Fatalf("routing lost on restart: %q (%v)", id, ok)
	}
	if !reloaded.LoadBalanceEnabled("anthropic") {
		t.Fatal("load-balance flag lost on restart")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	ch := registry.Subscribe()
	defer registry.Unsubscribe(ch)

	acct := addAccount(t, registry, "anthropic", "a")

	select {
	case change := <-ch:
		if change.CredentialID != acct.ID || change.Provider != "anthropic" || change.Account == nil {
			t.Fatalf("unexpected change: %+v", change)
		}
	default:
		t.Fatal("no change notification delivered")
	}
}
