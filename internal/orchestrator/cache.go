package orchestrator

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// limitedTransport applies a token-bucket rate limit before delegating to the
// underlying round tripper. Waiting respects the request context.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

var _ http.RoundTripper = (*limitedTransport)(nil)

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return t.base.RoundTrip(req)
}

// clientCache holds one HTTP client per provider, each carrying that
// provider's rate limiter. Entries are rebuilt lazily after invalidation,
// which the orchestrator triggers on registry changes.
type clientCache struct {
	mu      sync.Mutex
	base    http.RoundTripper
	clients map[string]*http.Client
}

func newClientCache(base http.RoundTripper) *clientCache {
	if base == nil {
		base = http.DefaultTransport
	}
	return &clientCache{
		base:    base,
		clients: make(map[string]*http.Client),
	}
}

// client returns the cached client for the provider, creating it on first use.
func (c *clientCache) client(provider Provider) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[provider.Name]; ok {
		return client
	}

	var limiter *rate.Limiter
	if provider.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(provider.RequestsPerSecond), 1)
	}

	client := &http.Client{
		// Timeout stays zero: streaming responses are long-lived and
		// bounded by the request context instead.
		Transport: &limitedTransport{base: c.base, limiter: limiter},
	}
	c.clients[provider.Name] = client
	return client
}

// invalidate drops the cached client for one provider.
func (c *clientCache) invalidate(providerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, providerName)
}
