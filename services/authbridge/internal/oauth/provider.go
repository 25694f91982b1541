// Package oauth implements the authorization-code coordinator: state-token
// lifecycle, provider capability dispatch, token exchange and error mapping.
package oauth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ProviderID identifies a supported identity provider.
type ProviderID string

const (
	ProviderGitHub    ProviderID = "github"
	ProviderGoogle    ProviderID = "google"
	ProviderMicrosoft ProviderID = "microsoft"
	ProviderOkta      ProviderID = "okta"
)

// ProviderIDs lists every supported provider.
var ProviderIDs = []ProviderID{ProviderGitHub, ProviderGoogle, ProviderMicrosoft, ProviderOkta}

// ParseProviderID validates a provider name from a URL path segment.
func ParseProviderID(s string) (ProviderID, error) {
	switch ProviderID(s) {
	case ProviderGitHub, ProviderGoogle, ProviderMicrosoft, ProviderOkta:
		return ProviderID(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Capabilities holds the static per-provider flags that drive which
// parameters are generated at login start and required at callback.
type Capabilities struct {
	UsesOIDC     bool
	RequiresPKCE bool
}

// CapabilityTable maps each provider to its capabilities. It is built once
// at construction and never mutated.
type CapabilityTable map[ProviderID]Capabilities

// DefaultCapabilities returns the capability table for the supported
// provider set.
func DefaultCapabilities() CapabilityTable {
	return CapabilityTable{
		ProviderGitHub:    {UsesOIDC: false, RequiresPKCE: false},
		ProviderGoogle:    {UsesOIDC: true, RequiresPKCE: false},
		ProviderMicrosoft: {UsesOIDC: true, RequiresPKCE: true},
		ProviderOkta:      {UsesOIDC: true, RequiresPKCE: true},
	}
}

// Scope sets used when building authorization URLs.
var (
	oidcScopes   = []string{"openid", "profile", "email"}
	githubScopes = []string{"read:user", "user:email"}
)

// Identity is the provider-asserted identity extracted after exchange.
type Identity struct {
	ExternalID string
	Email      string
	Name       string
}

// ExchangeResult is the normalized outcome of a successful callback. It is
// handed to the session layer and not retained here.
type ExchangeResult struct {
	Provider     ProviderID
	ExternalID   string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ClientConfig holds the credentials for one provider.
type ClientConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	// Domain is the issuer host for providers with per-tenant endpoints.
	Domain string `mapstructure:"domain"`
}

// Provider is the per-provider SDK surface the coordinator dispatches on.
// Exchange and Identity are the network-bound calls; verifier is empty for
// providers that do not require PKCE.
type Provider interface {
	ID() ProviderID
	Capabilities() Capabilities
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	Identity(ctx context.Context, token *oauth2.Token) (*Identity, error)
}

// pkceAuthCodeOptions builds the challenge options for PKCE providers.
func pkceAuthCodeOptions(verifier string) []oauth2.AuthCodeOption {
	if verifier == "" {
		return nil
	}
	return []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
}

func pkceExchangeOptions(verifier string) []oauth2.AuthCodeOption {
	if verifier == "" {
		return nil
	}
	return []oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}
}
