package oauth

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubProvider implements the non-OIDC provider. Identity comes from a
// separate profile call executed through the circuit breaker, and the code
// exchange itself runs through the same breaker.
type GitHubProvider struct {
	config  *oauth2.Config
	profile *ProfileClient
}

// NewGitHubProvider creates the GitHub provider bound to a profile client.
func NewGitHubProvider(cfg ClientConfig, profile *ProfileClient) *GitHubProvider {
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       githubScopes,
			Endpoint:     github.Endpoint,
		},
		profile: profile,
	}
}

func (p *GitHubProvider) ID() ProviderID {
	return ProviderGitHub
}

func (p *GitHubProvider) Capabilities() Capabilities {
	return Capabilities{UsesOIDC: false, RequiresPKCE: false}
}

func (p *GitHubProvider) AuthCodeURL(state, _ string) string {
	return p.config.AuthCodeURL(state)
}

func (p *GitHubProvider) Exchange(ctx context.Context, code, _ string) (*oauth2.Token, error) {
	var token *oauth2.Token
	err := p.profile.Breaker().Execute(ctx, func(ctx context.Context) error {
		t, err := p.config.Exchange(ctx, code)
		if err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (p *GitHubProvider) Identity(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	return p.profile.FetchIdentity(ctx, token.AccessToken)
}
