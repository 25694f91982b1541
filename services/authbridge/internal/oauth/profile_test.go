package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/atelierhq/authbridge/services/shared/circuitbreaker"
)

func newTestBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New("github-profile", circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		OpenTimeout:         time.Minute,
		MaxHalfOpenRequests: 1,
		IsFailure:           IsBreakerFailure,
	})
}

func newProfileServer(t *testing.T, userHandler, emailsHandler http.HandlerFunc) (*ProfileClient, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/user", userHandler)
	mux.HandleFunc("/user/emails", emailsHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewProfileClient(newTestBreaker(), srv.Client()).
		WithEndpoints(srv.URL+"/user", srv.URL+"/user/emails")
	return client, srv
}

func TestProfileClient_FetchIdentity(t *testing.T) {
	client, _ := newProfileServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
			w.Write([]byte(`{"id": 42, "login": "octocat", "name": "Octo Cat", "email": "octo@example.com"}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			t.Error("emails endpoint should not be called when profile has an email")
		},
	)

	identity, err := client.FetchIdentity(context.Background(), "token-123")
	require.NoError(t, err)
	assert.Equal(t, "42", identity.ExternalID)
	assert.Equal(t, "octo@example.com", identity.Email)
	assert.Equal(t, "Octo Cat", identity.Name)
}

func TestProfileClient_FetchIdentity_EmailFallback(t *testing.T) {
	client, _ := newProfileServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id": 42, "login": "octocat", "name": "", "email": ""}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"email": "secondary@example.com", "primary": false, "verified": true},
				{"email": "primary@example.com", "primary": true, "verified": true}]`))
		},
	)

	identity, err := client.FetchIdentity(context.Background(), "token-123")
	require.NoError(t, err)
	assert.Equal(t, "primary@example.com", identity.Email)
	assert.Equal(t, "octocat", identity.Name)
}

func TestProfileClient_FetchIdentity_MissingID(t *testing.T) {
	client, _ := newProfileServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"login": "octocat"}`))
		},
		func(w http.ResponseWriter, r *http.Request) {},
	)

	_, err := client.FetchIdentity(context.Background(), "token-123")
	require.Error(t, err)

	var oe *OAuthError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindInvalidResponseShape, oe.Kind)
}

func TestProfileClient_ClientErrorDoesNotTripBreaker(t *testing.T) {
	client, _ := newProfileServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
		},
		func(w http.ResponseWriter, r *http.Request) {},
	)

	// Far more 404s than the failure threshold; the breaker must stay closed.
	for range 10 {
		_, err := client.FetchIdentity(context.Background(), "token-123")
		require.Error(t, err)

		var respErr *UnexpectedResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, http.StatusNotFound, respErr.Status)
		assert.Contains(t, respErr.BodyPreview, "Not Found")
	}

	assert.Equal(t, circuitbreaker.StateClosed, client.Breaker().State())
	assert.Equal(t, 0, client.Breaker().Stats().Failures)
}

func TestProfileClient_ServerErrorTripsBreaker(t *testing.T) {
	client, _ := newProfileServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		},
		func(w http.ResponseWriter, r *http.Request) {},
	)

	for range 3 {
		_, err := client.FetchIdentity(context.Background(), "token-123")
		require.Error(t, err)
	}

	assert.Equal(t, circuitbreaker.StateOpen, client.Breaker().State())

	// Once open, calls are rejected without touching the network.
	_, err := client.FetchIdentity(context.Background(), "token-123")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestProfileClient_BodyPreviewBounded(t *testing.T) {
	long := strings.Repeat("x", 5000)
	client, _ := newProfileServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, long, http.StatusNotFound)
		},
		func(w http.ResponseWriter, r *http.Request) {},
	)

	_, err := client.FetchIdentity(context.Background(), "token-123")
	require.Error(t, err)

	var respErr *UnexpectedResponseError
	require.ErrorAs(t, err, &respErr)
	assert.LessOrEqual(t, len(respErr.BodyPreview), bodyPreviewLimit)
}

func TestIsBreakerFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport failure", &FetchError{Err: errors.New("refused")}, true},
		{"url error", &url.Error{Op: "Get", URL: "https://example.com", Err: errors.New("refused")}, true},
		{"500 response", &UnexpectedResponseError{Status: 500}, true},
		{"502 response", &UnexpectedResponseError{Status: 502}, true},
		{"429 response", &UnexpectedResponseError{Status: 429}, true},
		{"404 response", &UnexpectedResponseError{Status: 404}, false},
		{"401 response", &UnexpectedResponseError{Status: 401}, false},
		{"protocol error", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}, ErrorCode: "invalid_grant"}, false},
		{"exchange 503", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}}, true},
		{"plain error", errors.New("boring"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBreakerFailure(tt.err))
		})
	}
}
