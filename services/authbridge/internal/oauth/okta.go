package oauth

import (
	"fmt"

	"golang.org/x/oauth2"
)

// NewOktaProvider creates the Okta OIDC provider. Okta endpoints are
// per-tenant, derived from the configured domain, and PKCE is required.
func NewOktaProvider(cfg ClientConfig) Provider {
	return &oidcProvider{
		id:   ProviderOkta,
		caps: Capabilities{UsesOIDC: true, RequiresPKCE: true},
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       oidcScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  fmt.Sprintf("https://%s/oauth2/v1/authorize", cfg.Domain),
				TokenURL: fmt.Sprintf("https://%s/oauth2/v1/token", cfg.Domain),
			},
		},
	}
}
