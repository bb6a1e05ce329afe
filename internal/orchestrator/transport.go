package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/florianilch/polybridge/internal/account"
	"github.com/florianilch/polybridge/internal/stream"
)

// anthropicVersion is the messages API version header value.
const anthropicVersion = "2023-06-01"

// Provider is one configured upstream backend.
type Provider struct {
	Name    string
	Dialect string
	BaseURL string
	// RequestsPerSecond caps the outbound rate; zero means unlimited.
	RequestsPerSecond float64
}

// dialectFor resolves a configured dialect name to its normalizer.
func dialectFor(name string) (stream.Dialect, error) {
	switch name {
	case "openai":
		return stream.OpenAIDialect(), nil
	case "anthropic":
		return stream.AnthropicDialect(), nil
	case "gemini":
		return stream.GeminiDialect(), nil
	default:
		return stream.Dialect{}, fmt.Errorf("unknown dialect %q", name)
	}
}

// endpointURL builds the dialect-specific streaming endpoint.
func endpointURL(provider Provider, model string) (string, error) {
	base := strings.TrimRight(provider.BaseURL, "/")
	switch provider.Dialect {
	case "openai":
		return base + "/chat/completions", nil
	case "anthropic":
		return base + "/v1/messages", nil
	case "gemini":
		if model == "" {
			return "", fmt.Errorf("gemini endpoint requires a model")
		}
		return base + "/v1beta/models/" + model + ":streamGenerateContent", nil
	default:
		return "", fmt.Errorf("unknown dialect %q", provider.Dialect)
	}
}

// buildRequest assembles the authenticated upstream request. The payload is
// already in the provider's wire shape; only transport concerns are added.
func buildRequest(
	ctx context.Context,
	provider Provider,
	model string,
	payload []byte,
	acct account.Account,
	secretValue string,
) (*http.Request, error) {
	url, err := endpointURL(provider, model)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	applyAuth(req, provider.Dialect, acct.AuthKind, secretValue)
	return req, nil
}

// applyAuth sets the dialect's authentication headers. OAuth credentials
// store a token document rather than a bare key, so the access token is
// extracted first.
func applyAuth(req *http.Request, dialect string, kind account.AuthKind, secretValue string) {
	token := secretValue
	if kind == account.AuthOAuth {
		token = accessToken(secretValue)
	}

	switch dialect {
	case "anthropic":
		req.Header.Set("anthropic-version", anthropicVersion)
		if kind == account.AuthAPIKey {
			req.Header.Set("x-api-key", token)
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "gemini":
		if kind == account.AuthAPIKey {
			req.Header.Set("x-goog-api-key", token)
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	default:
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// accessToken extracts the bearer token from a stored OAuth token document,
// falling back to the raw value for credentials stored as a plain token.
func accessToken(secretValue string) string {
	var token oauth2.Token
	if err := json.Unmarshal([]byte(secretValue), &token); err == nil && token.AccessToken != "" {
		return token.AccessToken
	}
	return secretValue
}
