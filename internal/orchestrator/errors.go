package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind partitions upstream failures by how the orchestrator reacts to them.
type Kind int

const (
	// KindQuota marks quota or rate-limit exhaustion. The credential enters
	// cooldown; other credentials may still serve the request.
	KindQuota Kind = iota
	// KindAuth marks rejected credentials. The attempt chain stops, the
	// credential is flagged for operator attention.
	KindAuth
	// KindInvalidRequest marks upstream rejections of the request itself.
	// Retrying with another credential cannot help.
	KindInvalidRequest
	// KindTransientServer marks upstream 5xx failures. Never treated as
	// quota, regardless of response body wording.
	KindTransientServer
	// KindMalformedUpstream marks responses that could not be interpreted.
	KindMalformedUpstream
	// KindCancelled marks caller-initiated cancellation.
	KindCancelled
	// KindExhausted marks a request where every candidate failed on quota.
	KindExhausted
	// KindNoAccounts marks a provider with no registered credentials.
	KindNoAccounts
)

func (k Kind) String() string {
	switch k {
	case KindQuota:
		return "quota"
	case KindAuth:
		return "auth"
	case KindInvalidRequest:
		return "invalid_request"
	case KindTransientServer:
		return "transient_server"
	case KindMalformedUpstream:
		return "malformed_upstream"
	case KindCancelled:
		return "cancelled"
	case KindExhausted:
		return "exhausted"
	case KindNoAccounts:
		return "no_accounts"
	default:
		return "unknown"
	}
}

// Error is a classified upstream failure carrying enough context for the
// quota store and for user-facing reporting.
type Error struct {
	Kind         Kind
	Provider     string
	CredentialID string
	StatusCode   int
	Message      string
	// RetryAfter is the server's cooldown hint, zero when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s, status %d): %s", e.Kind, e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Provider, e.Message)
}

// ErrNoAccounts reports that a provider has no credentials registered at all.
var ErrNoAccounts = errors.New("no credentials registered for provider")

// upstreamErrorBody is the common shape of provider error payloads. OpenAI
// and Gemini nest under "error"; Anthropic uses a sibling "type" but the
// message path is identical.
type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Status  string `json:"status"`
	} `json:"error"`
}

// quotaMessageMarkers are body substrings that identify quota exhaustion
// hiding behind a generic 4xx status.
var quotaMessageMarkers = []string{
	"insufficient_quota",
	"resource_exhausted",
	"resource has been exhausted",
	"rate limit",
	"rate_limit",
	"quota",
	"billing",
	"overloaded_error",
}

// Classify maps an upstream non-2xx response to the failure taxonomy.
//
// Status code is the primary signal: 429 is always quota, 401/403 always
// auth, and any 5xx is a transient server failure even when its body talks
// about quotas (an overloaded gateway is not an exhausted account). Only for
// the remaining 4xx codes does the body text get a vote.
func Classify(provider, credentialID string, statusCode int, body []byte, header http.Header) *Error {
	e := &Error{
		Provider:     provider,
		CredentialID: credentialID,
		StatusCode:   statusCode,
		Message:      upstreamMessage(body),
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Kind = KindQuota
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case statusCode >= 500:
		e.Kind = KindTransientServer
	case statusCode >= 400:
		if hasQuotaMarker(body) {
			e.Kind = KindQuota
			e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		} else {
			e.Kind = KindInvalidRequest
		}
	default:
		e.Kind = KindMalformedUpstream
	}
	return e
}

// upstreamMessage extracts a human-readable message from a provider error
// body, falling back to the (truncated) raw body.
func upstreamMessage(body []byte) string {
	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	s := strings.TrimSpace(string(body))
	const max = 200
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

func hasQuotaMarker(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range quotaMessageMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
