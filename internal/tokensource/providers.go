package tokensource

import "golang.org/x/oauth2"

// AnthropicApp returns the OAuth application used for Claude subscription
// accounts. The token endpoint requires the non-standard exchange this
// package's Authorizer implements.
func AnthropicApp() Config {
	return Config{
		ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		Scopes:   []string{"org:create_api_key", "user:profile", "user:inference"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://claude.ai/oauth/authorize",
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
		},
		RedirectURL: "https://console.anthropic.com/oauth/code/callback",
	}
}
