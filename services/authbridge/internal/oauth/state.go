package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/atelierhq/authbridge/services/shared/crypto"
)

// DefaultStateTTL bounds how long a login flow may sit between the redirect
// and the callback.
const DefaultStateTTL = 10 * time.Minute

// OAuthState is the payload carried, encrypted, in the state cookie between
// the start and callback requests. It is never persisted.
type OAuthState struct {
	Provider  ProviderID `json:"provider"`
	Nonce     string     `json:"nonce"`
	Verifier  string     `json:"verifier,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// StateCodec encrypts and validates state tokens. The clock is injectable
// so expiry behavior is testable without sleeping.
type StateCodec struct {
	cipher *crypto.Cipher
	ttl    time.Duration
	now    func() time.Time
}

// NewStateCodec creates a codec around the given cipher. A zero ttl falls
// back to DefaultStateTTL.
func NewStateCodec(cipher *crypto.Cipher, ttl time.Duration) *StateCodec {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateCodec{
		cipher: cipher,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock overrides the codec's time source.
func (c *StateCodec) WithClock(now func() time.Time) *StateCodec {
	c.now = now
	return c
}

// TTL returns the configured state lifetime.
func (c *StateCodec) TTL() time.Duration {
	return c.ttl
}

// Encode seals an OAuthState expiring at now+TTL into an opaque token.
func (c *StateCodec) Encode(provider ProviderID, nonce, verifier string) (string, error) {
	state := OAuthState{
		Provider:  provider,
		Nonce:     nonce,
		Verifier:  verifier,
		ExpiresAt: c.now().Add(c.ttl).UTC(),
	}

	plaintext, err := json.Marshal(state)
	if err != nil {
		return "", newError(KindEncryptionFailed, provider, "failed to serialize state", err)
	}

	sealed, err := c.cipher.Encrypt(plaintext)
	if err != nil {
		return "", newError(KindEncryptionFailed, provider, "failed to encrypt state", err)
	}

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode decrypts and validates a state token. Validation order is fixed:
// structural integrity, then expiry, then provider match. Each failure maps
// to its own kind with the detail kept in the diagnostic message.
func (c *StateCodec) Decode(provider ProviderID, token string) (*OAuthState, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, newError(KindMalformedState, provider, "state token is not valid base64", err)
	}

	plaintext, err := c.cipher.Decrypt(sealed)
	if err != nil {
		return nil, newError(KindMalformedState, provider, "state token failed decryption", err)
	}

	var state OAuthState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, newError(KindMalformedState, provider, "state payload is not well-formed", err)
	}
	if state.Provider == "" || state.Nonce == "" || state.ExpiresAt.IsZero() {
		return nil, newError(KindMalformedState, provider, "state payload is missing required fields", nil)
	}

	if c.now().After(state.ExpiresAt) {
		return nil, newError(KindStateExpired, provider, "login flow expired, please retry", nil)
	}

	if state.Provider != provider {
		return nil, newError(KindProviderMismatch, provider,
			"state was issued for provider "+string(state.Provider), nil)
	}

	return &state, nil
}

// VerifyNonce compares the decoded CSRF nonce against the callback query
// parameter. The comparison is constant-time; a timing side channel here
// would weaken the CSRF protection.
func (c *StateCodec) VerifyNonce(state *OAuthState, queryState string) error {
	if !crypto.ConstantTimeCompare(state.Nonce, queryState) {
		return newError(KindStateMismatch, state.Provider, "state parameter does not match login flow", nil)
	}
	return nil
}

// NewNonce generates a fresh CSRF nonce.
func NewNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
