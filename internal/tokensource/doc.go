// Package tokensource handles OAuth2 authorization for oauth-kind
// credentials and expiry probing for token-kind credentials.
//
// Several upstream vendors deviate from standard OAuth2 in the same ways:
//   - Token exchange uses JSON-encoded requests (OAuth2 typically uses form-encoding)
//   - Token exchange requires a "state" field in the request body
//   - Authorization codes come back in "code#state" format requiring custom parsing
//
// Use Authorizer for the interactive flow:
//
//	auth := tokensource.NewAuthorizer(tokensource.Config{
//	    ClientID:    clientID,
//	    Endpoint:    endpoint,
//	    RedirectURL: redirectURL,
//	    Scopes:      scopes,
//	})
//	verifier := oauth2.GenerateVerifier() // Save for Exchange call
//	authURL := auth.AuthCodeURL(verifier)
//	// After the user authorizes, the vendor redirects with "code#state"
//	token, err := auth.Exchange(ctx, codeWithState, verifier)
//
// TokenExpiry extracts the exp claim from bearer tokens that happen to be
// JWTs, so the registry can mark such credentials expired without a failed
// round trip.
package tokensource
