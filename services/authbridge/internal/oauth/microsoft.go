package oauth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// NewMicrosoftProvider creates the Microsoft OIDC provider on the
// multi-tenant endpoint. Microsoft mandates PKCE for public clients.
func NewMicrosoftProvider(cfg ClientConfig) Provider {
	tenant := cfg.Domain
	if tenant == "" {
		tenant = "common"
	}
	return &oidcProvider{
		id:   ProviderMicrosoft,
		caps: Capabilities{UsesOIDC: true, RequiresPKCE: true},
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       oidcScopes,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		},
	}
}
