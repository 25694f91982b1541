package oauth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func signedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func tokenWithIDToken(idToken string) *oauth2.Token {
	base := &oauth2.Token{AccessToken: "access-123"}
	return base.WithExtra(map[string]any{"id_token": idToken})
}

func TestDecodeIDToken(t *testing.T) {
	raw := signedIDToken(t, jwt.MapClaims{
		"sub":   "user-42",
		"email": "user@example.com",
		"name":  "Test User",
	})

	identity, err := decodeIDToken(ProviderGoogle, tokenWithIDToken(raw))
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity.ExternalID)
	assert.Equal(t, "user@example.com", identity.Email)
	assert.Equal(t, "Test User", identity.Name)
}

func TestDecodeIDToken_OptionalClaims(t *testing.T) {
	raw := signedIDToken(t, jwt.MapClaims{"sub": "user-42"})

	identity, err := decodeIDToken(ProviderOkta, tokenWithIDToken(raw))
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity.ExternalID)
	assert.Empty(t, identity.Email)
	assert.Empty(t, identity.Name)
}

func TestDecodeIDToken_Missing(t *testing.T) {
	_, err := decodeIDToken(ProviderGoogle, &oauth2.Token{AccessToken: "access-123"})
	require.Error(t, err)

	var oe *OAuthError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindIDTokenUnavailable, oe.Kind)
}

func TestDecodeIDToken_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		idToken string
	}{
		{"not a jwt", "this-is-not-a-jwt"},
		{"missing sub", signedIDToken(t, jwt.MapClaims{"email": "user@example.com"})},
		{"non-string sub", signedIDToken(t, jwt.MapClaims{"sub": 42})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeIDToken(ProviderGoogle, tokenWithIDToken(tt.idToken))
			require.Error(t, err)

			var oe *OAuthError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, KindInvalidTokenClaims, oe.Kind)
		})
	}
}
