// Package orchestrator drives one upstream request through candidate
// selection, quota-aware failover and stream normalization. It owns the
// retry state machine: quota failures advance to the next candidate when
// load balancing is on, every other failure stops the chain.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/florianilch/polybridge/internal/account"
	"github.com/florianilch/polybridge/internal/failover"
	"github.com/florianilch/polybridge/internal/quota"
	"github.com/florianilch/polybridge/internal/stream"
)

// maxErrorBodyBytes bounds how much of an upstream error body is read for
// classification.
const maxErrorBodyBytes = 64 << 10

// Accounts is the credential registry surface the orchestrator needs.
type Accounts interface {
	Credentials(provider string) []account.Account
	AssignedCredential(provider, model string) (string, bool)
	LoadBalanceEnabled(provider string) bool
	SetAssignedCredential(ctx context.Context, provider, model, credentialID string) error
	SetStatus(ctx context.Context, credentialID string, status account.Status, lastError string) error
	Subscribe() chan account.Change
	Unsubscribe(ch chan account.Change)
}

// Quotas is the cooldown bookkeeping surface the orchestrator needs.
type Quotas interface {
	InCooldown(credentialID string) bool
	MarkExceeded(ctx context.Context, credentialID, provider string, opts quota.ExceededOptions)
	RecordSuccess(ctx context.Context, credentialID, provider string)
	RecordFailure(ctx context.Context, credentialID, provider, message string)
}

// Secrets resolves credential ids to secret material.
type Secrets interface {
	Get(credentialID string) (string, error)
}

// Request is one normalized upstream call. Payload is already in the
// provider's wire shape; the orchestrator only adds transport and auth.
type Request struct {
	Provider string
	Model    string
	Payload  []byte
}

// Orchestrator executes requests against configured providers with
// quota-aware candidate failover.
type Orchestrator struct {
	providers map[string]Provider
	accounts  Accounts
	quotas    Quotas
	secrets   Secrets
	clients   *clientCache
	streamOpt stream.Options
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTransport overrides the base HTTP transport. Tests inject mock round
// trippers here.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *Orchestrator) { o.clients = newClientCache(rt) }
}

// WithClock overrides the orchestrator clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithStreamOptions overrides normalizer tuning.
func WithStreamOptions(opts stream.Options) Option {
	return func(o *Orchestrator) { o.streamOpt = opts }
}

// New creates an Orchestrator over the given providers.
func New(providers []Provider, accounts Accounts, quotas Quotas, secrets Secrets, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers: make(map[string]Provider, len(providers)),
		accounts:  accounts,
		quotas:    quotas,
		secrets:   secrets,
		clients:   newClientCache(nil),
		now:       time.Now,
	}
	for _, p := range providers {
		o.providers[p.Name] = p
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs one request, emitting normalized events into sink. Candidates
// are tried in selection order; a quota failure cools the credential down
// and advances to the next candidate only when load balancing is enabled.
// A successful attempt on a non-first candidate pins that credential for the
// model so later requests skip the known-exhausted default.
func (o *Orchestrator) Execute(ctx context.Context, req Request, sink stream.Sink) (stream.Result, error) {
	provider, ok := o.providers[req.Provider]
	if !ok {
		return stream.Result{}, fmt.Errorf("unknown provider %q", req.Provider)
	}
	dialect, err := dialectFor(provider.Dialect)
	if err != nil {
		return stream.Result{}, err
	}

	candidates := failover.Select(req.Provider, req.Model, o.accounts, o.quotas, o.now())
	if len(candidates) == 0 {
		if len(o.accounts.Credentials(req.Provider)) == 0 {
			return stream.Result{}, fmt.Errorf("%w: %s", ErrNoAccounts, req.Provider)
		}
		return stream.Result{}, &Error{
			Kind:     KindExhausted,
			Provider: req.Provider,
			Message:  "no usable credentials",
		}
	}

	loadBalance := o.accounts.LoadBalanceEnabled(req.Provider)

	var lastErr error
	for i, candidate := range candidates {
		if ctx.Err() != nil {
			return stream.Result{}, ctx.Err()
		}

		result, err := o.attempt(ctx, provider, dialect, req, candidate, sink)
		if err == nil {
			o.quotas.RecordSuccess(ctx, candidate.ID, req.Provider)
			if i > 0 {
				if pinErr := o.accounts.SetAssignedCredential(ctx, req.Provider, req.Model, candidate.ID); pinErr != nil {
					slog.WarnContext(ctx, "failed to pin credential after failover",
						"credential_id", candidate.ID, "model", req.Model, "error", pinErr)
				} else {
					slog.InfoContext(ctx, "pinned credential after successful failover",
						"credential_id", candidate.ID, "provider", req.Provider, "model", req.Model)
				}
			}
			return result, nil
		}

		var classified *Error
		if !errors.As(err, &classified) {
			return result, err
		}

		switch classified.Kind {
		case KindQuota:
			o.quotas.MarkExceeded(ctx, candidate.ID, req.Provider, quota.ExceededOptions{
				ResetDelayHint: classified.RetryAfter,
				AffectedModel:  req.Model,
				Err:            classified,
			})
			lastErr = classified
			if !loadBalance {
				return result, classified
			}
			slog.InfoContext(ctx, "quota exhausted, trying next candidate",
				"credential_id", candidate.ID, "provider", req.Provider,
				"remaining", len(candidates)-i-1)
			continue

		case KindAuth:
			if stErr := o.accounts.SetStatus(ctx, candidate.ID, account.StatusError, classified.Message); stErr != nil {
				slog.WarnContext(ctx, "failed to flag credential", "credential_id", candidate.ID, "error", stErr)
			}
			o.quotas.RecordFailure(ctx, candidate.ID, req.Provider, classified.Message)
			return result, classified

		default:
			o.quotas.RecordFailure(ctx, candidate.ID, req.Provider, classified.Message)
			return result, classified
		}
	}

	exhausted := &Error{
		Kind:     KindExhausted,
		Provider: req.Provider,
		Message:  fmt.Sprintf("all %d candidates exhausted", len(candidates)),
	}
	if lastErr != nil {
		exhausted.Message = fmt.Sprintf("%s; last: %v", exhausted.Message, lastErr)
	}
	return stream.Result{}, exhausted
}

// attempt performs one upstream call with one credential and normalizes its
// response stream. Errors of type *Error are classified failures the caller
// routes through the failover state machine.
func (o *Orchestrator) attempt(
	ctx context.Context,
	provider Provider,
	dialect stream.Dialect,
	req Request,
	candidate account.Account,
	sink stream.Sink,
) (stream.Result, error) {
	secretValue, err := o.secrets.Get(candidate.ID)
	if err != nil {
		return stream.Result{}, &Error{
			Kind:         KindAuth,
			Provider:     req.Provider,
			CredentialID: candidate.ID,
			Message:      fmt.Sprintf("resolving secret: %v", err),
		}
	}

	httpReq, err := buildRequest(ctx, provider, req.Model, req.Payload, candidate, secretValue)
	if err != nil {
		return stream.Result{}, err
	}

	resp, err := o.clients.client(provider).Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return stream.Result{}, ctx.Err()
		}
		return stream.Result{}, &Error{
			Kind:         KindTransientServer,
			Provider:     req.Provider,
			CredentialID: candidate.ID,
			Message:      err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return stream.Result{}, Classify(req.Provider, candidate.ID, resp.StatusCode, body, resp.Header)
	}

	normalizer := stream.NewNormalizer(dialect, o.streamOpt)
	result, err := normalizer.Run(ctx, resp.Body, sink)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, &Error{
			Kind:         KindMalformedUpstream,
			Provider:     req.Provider,
			CredentialID: candidate.ID,
			Message:      err.Error(),
		}
	}
	return result, nil
}

// Watch invalidates cached HTTP clients when credentials change, so removed
// or rotated credentials stop being used immediately. It blocks until ctx is
// cancelled; run it under the application's task group.
func (o *Orchestrator) Watch(ctx context.Context) error {
	changes := o.accounts.Subscribe()
	defer o.accounts.Unsubscribe(changes)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change := <-changes:
			o.clients.invalidate(change.Provider)
		}
	}
}
