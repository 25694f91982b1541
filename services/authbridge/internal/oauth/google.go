package oauth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// NewGoogleProvider creates the Google OIDC provider. Google accepts PKCE
// but does not require it, so the coordinator never generates a verifier
// for it.
func NewGoogleProvider(cfg ClientConfig) Provider {
	return &oidcProvider{
		id:   ProviderGoogle,
		caps: Capabilities{UsesOIDC: true, RequiresPKCE: false},
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       oidcScopes,
			Endpoint:     google.Endpoint,
		},
	}
}
