package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/atelierhq/authbridge/services/authbridge/internal/oauth"
	"github.com/atelierhq/authbridge/services/shared/crypto"
	"github.com/atelierhq/authbridge/services/shared/logger"
)

// stubProvider fakes the provider SDK surface for handler tests.
type stubProvider struct {
	id          oauth.ProviderID
	caps        oauth.Capabilities
	cfg         *oauth2.Config
	token       *oauth2.Token
	exchangeErr error
}

func newStubProvider(t *testing.T, id oauth.ProviderID, caps oauth.Capabilities) *stubProvider {
	t.Helper()
	claims := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ext-99",
		"email": "user@example.com",
	})
	raw, err := claims.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	base := &oauth2.Token{AccessToken: "access-token"}
	return &stubProvider{
		id:   id,
		caps: caps,
		cfg: &oauth2.Config{
			ClientID:    "client-id",
			RedirectURL: "https://app.example.com/auth/" + string(id) + "/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://idp.example.com/authorize",
				TokenURL: "https://idp.example.com/token",
			},
		},
		token: base.WithExtra(map[string]any{"id_token": raw}),
	}
}

func (p *stubProvider) ID() oauth.ProviderID             { return p.id }
func (p *stubProvider) Capabilities() oauth.Capabilities { return p.caps }

func (p *stubProvider) AuthCodeURL(state, verifier string) string {
	opts := []oauth2.AuthCodeOption{}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return p.cfg.AuthCodeURL(state, opts...)
}

func (p *stubProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return p.token, nil
}

func (p *stubProvider) Identity(ctx context.Context, token *oauth2.Token) (*oauth.Identity, error) {
	return &oauth.Identity{ExternalID: "ext-99", Email: "user@example.com"}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	results []*oauth.ExchangeResult
}

func (s *recordingSink) Resolve(_ context.Context, result *oauth.ExchangeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *recordingSink) last() *oauth.ExchangeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	return s.results[len(s.results)-1]
}

func newTestServer(t *testing.T, providers ...oauth.Provider) (*Server, *recordingSink) {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := crypto.New(key)
	require.NoError(t, err)

	codec := oauth.NewStateCodec(cipher, 10*time.Minute)
	retry := oauth.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, AttemptTimeout: time.Second}
	coordinator := oauth.NewCoordinator(providers, oauth.DefaultCapabilities(), codec, retry, nil)

	sink := &recordingSink{}
	log := logger.New(logger.Config{Level: "error", Format: "json", ServiceName: "authbridge-test"})
	return New(coordinator, sink, Config{}, log), sink
}

func findStateCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == stateCookieName {
			return c
		}
	}
	t.Fatal("state cookie not set")
	return nil
}

func TestHandleLogin(t *testing.T) {
	srv, _ := newTestServer(t, newStubProvider(t, oauth.ProviderGoogle, oauth.Capabilities{UsesOIDC: true}))
	handler := srv.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))

	resp := rec.Result()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", location.Host)
	assert.NotEmpty(t, location.Query().Get("state"))

	cookie := findStateCookie(t, resp)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, 600, cookie.MaxAge)
	assert.Equal(t, "/auth/google", cookie.Path)
}

func TestHandleLogin_PKCEProviderIncludesChallenge(t *testing.T) {
	srv, _ := newTestServer(t, newStubProvider(t, oauth.ProviderOkta, oauth.Capabilities{UsesOIDC: true, RequiresPKCE: true}))
	handler := srv.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/okta/login", nil))

	resp := rec.Result()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, location.Query().Get("code_challenge"))
}

func TestHandleLogin_UnknownProvider(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/facebook/login", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallback_Success(t *testing.T) {
	srv, sink := newTestServer(t, newStubProvider(t, oauth.ProviderGoogle, oauth.Capabilities{UsesOIDC: true}))
	handler := srv.Routes()

	// Start the flow to obtain the cookie and the state parameter.
	loginRec := httptest.NewRecorder()
	handler.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))
	loginResp := loginRec.Result()
	cookie := findStateCookie(t, loginResp)

	location, err := url.Parse(loginResp.Header.Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")

	callbackURL := "/auth/google/callback?code=auth-code&state=" + url.QueryEscape(state)
	req := httptest.NewRequest(http.MethodGet, callbackURL, nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: cookie.Value})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ext-99", body["external_id"])
	assert.Equal(t, "user@example.com", body["email"])

	result := sink.last()
	require.NotNil(t, result)
	assert.Equal(t, oauth.ProviderGoogle, result.Provider)
	assert.Equal(t, "ext-99", result.ExternalID)

	// The state cookie is cleared after the callback.
	cleared := findStateCookie(t, rec.Result())
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)
}

func TestHandleCallback_ProviderError(t *testing.T) {
	srv, sink := newTestServer(t, newStubProvider(t, oauth.ProviderGoogle, oauth.Capabilities{UsesOIDC: true}))
	handler := srv.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/auth/google/callback?error=access_denied&error_description=user+declined", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, sink.last())

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"]["message"], "access_denied")
}

func TestHandleCallback_MissingCookie(t *testing.T) {
	srv, _ := newTestServer(t, newStubProvider(t, oauth.ProviderGoogle, oauth.Capabilities{UsesOIDC: true}))
	handler := srv.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=x&state=y", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallback_ForgedState(t *testing.T) {
	srv, sink := newTestServer(t, newStubProvider(t, oauth.ProviderGoogle, oauth.Capabilities{UsesOIDC: true}))
	handler := srv.Routes()

	loginRec := httptest.NewRecorder()
	handler.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))
	cookie := findStateCookie(t, loginRec.Result())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=x&state=forged", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: cookie.Value})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, sink.last())
}

func TestRequestIDPropagation(t *testing.T) {
	srv, _ := newTestServer(t, newStubProvider(t, oauth.ProviderGoogle, oauth.Capabilities{UsesOIDC: true}))
	handler := srv.Routes()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/google/login", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", rec.Result().Header.Get("X-Request-ID"))

	// A request without an id gets one assigned.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))
	assert.NotEmpty(t, rec.Result().Header.Get("X-Request-ID"))
}
