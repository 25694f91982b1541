package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/atelierhq/authbridge/services/shared/circuitbreaker"
	"github.com/atelierhq/authbridge/services/shared/tracing"
)

const (
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"

	// bodyPreviewLimit bounds the response snippet attached to diagnostics.
	bodyPreviewLimit = 200
)

// FetchError marks a transport-level failure reaching the provider.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// UnexpectedResponseError marks a non-2xx response from the provider.
// BodyPreview is empty when the body could not be read.
type UnexpectedResponseError struct {
	Status      int
	BodyPreview string
}

func (e *UnexpectedResponseError) Error() string {
	if e.BodyPreview != "" {
		return fmt.Sprintf("unexpected response %d: %s", e.Status, e.BodyPreview)
	}
	return fmt.Sprintf("unexpected response %d", e.Status)
}

func bodyPreview(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodyPreviewLimit {
		s = s[:bodyPreviewLimit]
	}
	return s
}

// IsBreakerFailure is the failure-classification policy for the profile
// breaker. Only outright transport failures and 5xx/429 responses count as
// trip signals; other non-2xx responses surface to the caller but complete
// the circuit call on the success path, so an unrelated 404 cannot trip the
// breaker.
func IsBreakerFailure(err error) bool {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return true
	}
	var respErr *UnexpectedResponseError
	if errors.As(err, &respErr) {
		return respErr.Status >= 500 || respErr.Status == http.StatusTooManyRequests
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" || retrieveErr.Response == nil {
			return false
		}
		return retrieveErr.Response.StatusCode >= 500 || retrieveErr.Response.StatusCode == http.StatusTooManyRequests
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return false
}

// ProfileClient fetches GitHub profile data through a circuit breaker.
// GitHub is the one provider whose identity requires a second HTTP call
// after token exchange.
type ProfileClient struct {
	breaker    *circuitbreaker.CircuitBreaker
	httpClient *http.Client
	userURL    string
	emailsURL  string
}

// NewProfileClient creates a profile client bound to the given breaker.
func NewProfileClient(breaker *circuitbreaker.CircuitBreaker, httpClient *http.Client) *ProfileClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ProfileClient{
		breaker:    breaker,
		httpClient: httpClient,
		userURL:    githubUserURL,
		emailsURL:  githubEmailsURL,
	}
}

// WithEndpoints overrides the API endpoints, used by tests against a local
// server.
func (p *ProfileClient) WithEndpoints(userURL, emailsURL string) *ProfileClient {
	p.userURL = userURL
	p.emailsURL = emailsURL
	return p
}

// Breaker exposes the underlying breaker for health and metrics reporting.
func (p *ProfileClient) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

type githubUser struct {
	ID    *int64 `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchIdentity retrieves the authenticated user's profile, falling back to
// the emails endpoint when the profile carries no public email. Both calls
// run through the breaker.
func (p *ProfileClient) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "github.profile")
	defer span.End()
	tracing.WithProviderAttributes(span, string(ProviderGitHub), "profile_fetch")

	var user githubUser
	if err := p.getJSON(ctx, p.userURL, accessToken, &user); err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	if user.ID == nil {
		return nil, newError(KindInvalidResponseShape, ProviderGitHub, "profile response missing id", nil)
	}

	email := user.Email
	if email == "" {
		var emails []githubEmail
		if err := p.getJSON(ctx, p.emailsURL, accessToken, &emails); err == nil {
			email = primaryEmail(emails)
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &Identity{
		ExternalID: fmt.Sprintf("%d", *user.ID),
		Email:      email,
		Name:       name,
	}, nil
}

// getJSON executes one authenticated GET through the breaker and decodes
// the response into out.
func (p *ProfileClient) getJSON(ctx context.Context, endpoint, accessToken string, out any) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return &FetchError{Err: err}
		}
		req.Header.Set("Accept", "application/vnd.github.v3+json")
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return &FetchError{Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, bodyPreviewLimit))
			if readErr != nil {
				return &UnexpectedResponseError{Status: resp.StatusCode}
			}
			return &UnexpectedResponseError{Status: resp.StatusCode, BodyPreview: bodyPreview(body)}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return newError(KindInvalidResponseShape, ProviderGitHub, "profile response is not valid JSON", err)
		}
		return nil
	})
}

func primaryEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	if len(emails) > 0 {
		return emails[0].Email
	}
	return ""
}
