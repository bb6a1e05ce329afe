package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/florianilch/polybridge/internal/account"
	"github.com/florianilch/polybridge/internal/quota"
)

// AccountsHandler manages credentials over the local API.
type AccountsHandler struct {
	Registry *account.Registry
	Quotas   *quota.Store
}

// accountView is the credential representation returned to clients. Secret
// material never appears here; credentials reference it by id only.
type accountView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Provider     string     `json:"provider"`
	AuthKind     string     `json:"auth_kind"`
	Email        string     `json:"email,omitempty"`
	Status       string     `json:"status"`
	IsDefault    bool       `json:"is_default"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	InCooldown   bool       `json:"in_cooldown"`
	CooldownLeft string     `json:"cooldown_left,omitempty"`
}

func (h *AccountsHandler) view(acct account.Account) accountView {
	v := accountView{
		ID:        acct.ID,
		Name:      acct.Name,
		Provider:  acct.Provider,
		AuthKind:  string(acct.AuthKind),
		Email:     acct.Email,
		Status:    string(acct.Status),
		IsDefault: acct.IsDefault,
	}
	if !acct.ExpiresAt.IsZero() {
		expires := acct.ExpiresAt
		v.ExpiresAt = &expires
	}
	if h.Quotas.InCooldown(acct.ID) {
		v.InCooldown = true
		v.CooldownLeft = h.Quotas.RemainingCooldown(acct.ID).Round(time.Second).String()
	}
	return v
}

// list serves GET /v1/accounts with an optional provider query filter.
func (h *AccountsHandler) list(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	accounts := h.Registry.List(provider)

	views := make([]accountView, 0, len(accounts))
	for _, acct := range accounts {
		views = append(views, h.view(acct))
	}
	writeJSON(r.Context(), w, views, http.StatusOK)
}

// addAccountRequest is the POST /v1/accounts body. Secret is write-only.
type addAccountRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	AuthKind string `json:"auth_kind"`
	Email    string `json:"email"`
	Secret   string `json:"secret"`
}

func (h *AccountsHandler) add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(ctx, w, errorResponse{Error: errorBody{
			Message: http.StatusText(http.StatusBadRequest),
			Kind:    "invalid_request",
		}}, http.StatusBadRequest)
		return
	}

	acct, err := h.Registry.Add(ctx, account.AddInput{
		Name:     req.Name,
		Provider: req.Provider,
		AuthKind: account.AuthKind(req.AuthKind),
		Email:    req.Email,
		Secret:   req.Secret,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to add credential", "provider", req.Provider, "error", err)
		writeJSON(ctx, w, errorResponse{Error: errorBody{Message: err.Error(), Kind: "invalid_request"}}, http.StatusBadRequest)
		return
	}

	writeJSON(ctx, w, h.view(acct), http.StatusCreated)
}

func (h *AccountsHandler) remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.Registry.Remove(ctx, id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, account.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(ctx, w, errorResponse{Error: errorBody{Message: err.Error(), Kind: "invalid_request"}}, status)
		return
	}
	h.Quotas.Remove(ctx, id)

	w.WriteHeader(http.StatusNoContent)
}

// activate serves POST /v1/accounts/{id}/activate, making the credential its
// provider's default.
func (h *AccountsHandler) activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	acct, ok := h.Registry.Get(id)
	if !ok {
		writeJSON(ctx, w, errorResponse{Error: errorBody{Message: "credential not found", Kind: "invalid_request"}}, http.StatusNotFound)
		return
	}
	if err := h.Registry.SwitchActive(ctx, acct.Provider, id); err != nil {
		writeJSON(ctx, w, errorResponse{Error: errorBody{Message: err.Error(), Kind: "invalid_request"}}, http.StatusBadRequest)
		return
	}

	acct, _ = h.Registry.Get(id)
	writeJSON(ctx, w, h.view(acct), http.StatusOK)
}

// setLoadBalance serves PUT /v1/providers/{provider}/load-balance.
func (h *AccountsHandler) setLoadBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := r.PathValue("provider")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(ctx, w, errorResponse{Error: errorBody{
			Message: http.StatusText(http.StatusBadRequest),
			Kind:    "invalid_request",
		}}, http.StatusBadRequest)
		return
	}

	if err := h.Registry.SetLoadBalance(ctx, provider, req.Enabled); err != nil {
		writeJSON(ctx, w, errorResponse{Error: errorBody{Message: err.Error(), Kind: "invalid_request"}}, http.StatusBadRequest)
		return
	}
	writeJSON(ctx, w, map[string]bool{"enabled": req.Enabled}, http.StatusOK)
}
