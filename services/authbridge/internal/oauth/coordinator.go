package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"github.com/atelierhq/authbridge/services/shared/logger"
)

// RetryPolicy configures the retry and timeout behavior shared by all
// network-bound steps.
type RetryPolicy struct {
	MaxAttempts    uint64        `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      250 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
	}
}

// AuthorizationRequest is the outcome of starting a login flow: the
// provider redirect URL, the CSRF nonce carried in the URL's state
// parameter, and the encrypted cookie value that must round-trip to the
// callback.
type AuthorizationRequest struct {
	URL              string
	State            string
	StateCookieValue string
}

// Coordinator drives the authorization-code flow across the configured
// providers. It holds no per-request state; the only shared mutable state
// is inside the circuit breaker owned by the GitHub profile client.
type Coordinator struct {
	providers map[ProviderID]Provider
	caps      CapabilityTable
	codec     *StateCodec
	retry     RetryPolicy
	log       *logger.Logger
}

// NewCoordinator wires the coordinator from its collaborators. The
// capability table is fixed at construction.
func NewCoordinator(providers []Provider, caps CapabilityTable, codec *StateCodec, retry RetryPolicy, log *logger.Logger) *Coordinator {
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	if log == nil {
		log = logger.Default()
	}

	byID := make(map[ProviderID]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}

	return &Coordinator{
		providers: byID,
		caps:      caps,
		codec:     codec,
		retry:     retry,
		log:       log.WithComponent("oauth"),
	}
}

// Providers returns the configured provider ids.
func (c *Coordinator) Providers() []ProviderID {
	ids := make([]ProviderID, 0, len(c.providers))
	for id := range c.providers {
		ids = append(ids, id)
	}
	return ids
}

// StateTTL returns the state cookie lifetime, used by the HTTP layer for
// the cookie max-age.
func (c *Coordinator) StateTTL() time.Duration {
	return c.codec.TTL()
}

// CreateAuthorizationURL starts a login flow: it generates the CSRF nonce,
// a PKCE verifier when the provider requires one, and the encrypted state
// cookie, and builds the provider redirect URL.
func (c *Coordinator) CreateAuthorizationURL(provider ProviderID) (*AuthorizationRequest, error) {
	p, ok := c.providers[provider]
	if !ok {
		return nil, newError(KindUnknown, provider, "provider is not configured", nil)
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, newError(KindEncryptionFailed, provider, "failed to generate state nonce", err)
	}

	var verifier string
	if c.caps[provider].RequiresPKCE {
		verifier = oauth2.GenerateVerifier()
	}

	cookieValue, err := c.codec.Encode(provider, nonce, verifier)
	if err != nil {
		return nil, Classify(err, provider)
	}

	return &AuthorizationRequest{
		URL:              p.AuthCodeURL(nonce, verifier),
		State:            nonce,
		StateCookieValue: cookieValue,
	}, nil
}

// Authenticate handles the provider callback. The steps are strictly
// ordered: state validation and the CSRF comparison always precede any
// network call, and the PKCE precondition short-circuits the exchange
// entirely when the verifier is missing. Every failure is returned as an
// *OAuthError; no internal error shape escapes.
func (c *Coordinator) Authenticate(ctx context.Context, provider ProviderID, code, queryState, stateCookieValue string) (result *ExchangeResult, authErr *OAuthError) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithContext(ctx).Error("panic during authentication", "provider", string(provider), "panic", fmt.Sprint(r))
			result = nil
			authErr = classifyRecovered(r, provider)
		}
	}()

	p, ok := c.providers[provider]
	if !ok {
		return nil, newError(KindUnknown, provider, "provider is not configured", nil)
	}

	state, err := c.codec.Decode(provider, stateCookieValue)
	if err != nil {
		return nil, Classify(err, provider)
	}
	if err := c.codec.VerifyNonce(state, queryState); err != nil {
		return nil, Classify(err, provider)
	}

	if c.caps[provider].RequiresPKCE && state.Verifier == "" {
		return nil, newError(KindMissingPKCEVerifier, provider, "login flow carries no PKCE verifier", nil)
	}

	var token *oauth2.Token
	err = c.runNetworkStep(ctx, func(ctx context.Context) error {
		t, err := p.Exchange(ctx, code, state.Verifier)
		if err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		c.log.WithContext(ctx).Warn("code exchange failed", "provider", string(provider), "error", err.Error())
		return nil, Classify(err, provider)
	}

	var identity *Identity
	err = c.runNetworkStep(ctx, func(ctx context.Context) error {
		id, err := p.Identity(ctx, token)
		if err != nil {
			return err
		}
		identity = id
		return nil
	})
	if err != nil {
		c.log.WithContext(ctx).Warn("identity extraction failed", "provider", string(provider), "error", err.Error())
		return nil, Classify(err, provider)
	}

	res := &ExchangeResult{
		Provider:     provider,
		ExternalID:   identity.ExternalID,
		Email:        identity.Email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		res.ExpiresAt = token.Expiry
	}
	return res, nil
}

// runNetworkStep applies the shared retry policy with a per-attempt
// timeout. Non-retryable failures abort the schedule immediately; parent
// cancellation stops it between attempts.
func (c *Coordinator) runNetworkStep(ctx context.Context, fn func(context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	if c.retry.BaseDelay > 0 {
		expo.InitialInterval = c.retry.BaseDelay
	}

	attempts := c.retry.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, attempts-1), ctx)

	return backoff.Retry(func() error {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if c.retry.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.retry.AttemptTimeout)
		}
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// isRetryable reports whether a failed attempt is worth repeating.
// Transient transport failures, 5xx/429 responses and attempt timeouts are
// retried; everything else is terminal for the request.
func isRetryable(err error) bool {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return false
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return true
	}

	var respErr *UnexpectedResponseError
	if errors.As(err, &respErr) {
		return respErr.Status >= 500 || respErr.Status == 429
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" || retrieveErr.Response == nil {
			return false
		}
		return retrieveErr.Response.StatusCode >= 500 || retrieveErr.Response.StatusCode == 429
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return !errors.Is(err, context.Canceled)
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}
