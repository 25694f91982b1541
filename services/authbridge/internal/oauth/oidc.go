package oauth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// oidcProvider is the shared implementation for providers that fold the
// user identity into an ID token, so no secondary profile call is needed.
type oidcProvider struct {
	id     ProviderID
	caps   Capabilities
	config *oauth2.Config
}

func (p *oidcProvider) ID() ProviderID {
	return p.id
}

func (p *oidcProvider) Capabilities() Capabilities {
	return p.caps
}

func (p *oidcProvider) AuthCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state, pkceAuthCodeOptions(verifier)...)
}

func (p *oidcProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code, pkceExchangeOptions(verifier)...)
}

func (p *oidcProvider) Identity(_ context.Context, token *oauth2.Token) (*Identity, error) {
	return decodeIDToken(p.id, token)
}

// decodeIDToken extracts and schema-validates the identity claims from the
// ID token attached to a token response. The token signature was already
// established by the direct TLS exchange with the provider, so the claims
// are parsed without re-verification.
func decodeIDToken(provider ProviderID, token *oauth2.Token) (*Identity, error) {
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, newError(KindIDTokenUnavailable, provider, "token response carries no id_token", nil)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, newError(KindInvalidTokenClaims, provider, "id_token is not a parseable JWT", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, newError(KindInvalidTokenClaims, provider, "id_token is missing the sub claim", nil)
	}

	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)

	return &Identity{
		ExternalID: sub,
		Email:      email,
		Name:       name,
	}, nil
}
