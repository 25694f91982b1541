// Package server exposes the authorization-code coordinator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/atelierhq/authbridge/services/authbridge/internal/oauth"
	sharederrors "github.com/atelierhq/authbridge/services/shared/errors"
	"github.com/atelierhq/authbridge/services/shared/events"
	"github.com/atelierhq/authbridge/services/shared/logger"
	"github.com/atelierhq/authbridge/services/shared/metrics"
	"github.com/atelierhq/authbridge/services/shared/tracing"
)

// stateCookieName carries the encrypted login state between the redirect
// and the callback.
const stateCookieName = "ab_oauth_state"

// IdentitySink receives the normalized exchange result. Session issuance
// and account resolution live behind it, outside this service.
type IdentitySink interface {
	Resolve(ctx context.Context, result *oauth.ExchangeResult) error
}

// IdentitySinkFunc adapts a function to the IdentitySink interface.
type IdentitySinkFunc func(ctx context.Context, result *oauth.ExchangeResult) error

func (f IdentitySinkFunc) Resolve(ctx context.Context, result *oauth.ExchangeResult) error {
	return f(ctx, result)
}

// Config holds the HTTP-facing settings.
type Config struct {
	CookieDomain string `mapstructure:"cookie_domain"`
	CookieSecure bool   `mapstructure:"cookie_secure"`
}

// Server wires the coordinator into HTTP handlers.
type Server struct {
	coordinator *oauth.Coordinator
	sink        IdentitySink
	events      *events.Client
	metrics     *metrics.Metrics
	log         *logger.Logger
	cfg         Config
}

// Option configures optional collaborators.
type Option func(*Server)

// WithEvents attaches the NATS event publisher.
func WithEvents(client *events.Client) Option {
	return func(s *Server) { s.events = client }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates the HTTP server around a coordinator and identity sink.
func New(coordinator *oauth.Coordinator, sink IdentitySink, cfg Config, log *logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		coordinator: coordinator,
		sink:        sink,
		log:         log.WithComponent("server"),
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the handler tree with the standard middleware stack.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/{provider}/login", s.handleLogin)
	mux.HandleFunc("GET /auth/{provider}/callback", s.handleCallback)

	var handler http.Handler = mux
	if s.metrics != nil {
		handler = s.metrics.HTTPMiddleware(handler)
	}
	handler = s.recoverMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// handleLogin starts a login flow: it issues the state cookie and redirects
// the browser to the provider.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider, err := oauth.ParseProviderID(r.PathValue("provider"))
	if err != nil {
		s.writeJSONError(w, r, sharederrors.InvalidInput("unknown provider"))
		return
	}
	ctx := context.WithValue(r.Context(), logger.ProviderKey, string(provider))

	req, authErr := s.coordinator.CreateAuthorizationURL(provider)
	if authErr != nil {
		s.writeOAuthError(w, r.WithContext(ctx), oauth.Classify(authErr, provider))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    req.StateCookieValue,
		Path:     "/auth/" + string(provider),
		Domain:   s.cfg.CookieDomain,
		MaxAge:   int(s.coordinator.StateTTL().Seconds()),
		Secure:   s.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	if s.metrics != nil {
		s.metrics.RecordStateTokenIssued(string(provider))
	}
	s.publishEvent(ctx, events.EventLoginStarted, provider, nil)

	http.Redirect(w, r, req.URL, http.StatusFound)
}

// handleCallback completes a login flow. Provider-reported errors in the
// query string are mapped to protocol errors without attempting the
// exchange.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := oauth.ParseProviderID(r.PathValue("provider"))
	if err != nil {
		s.writeJSONError(w, r, sharederrors.InvalidInput("unknown provider"))
		return
	}
	ctx := context.WithValue(r.Context(), logger.ProviderKey, string(provider))
	r = r.WithContext(ctx)

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		msg := errCode
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		s.finishWithError(w, r, provider, &oauth.OAuthError{
			Kind:     oauth.KindProtocolError,
			Provider: provider,
			Message:  msg,
		})
		return
	}

	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		s.finishWithError(w, r, provider, &oauth.OAuthError{
			Kind:     oauth.KindMalformedState,
			Provider: provider,
			Message:  "login flow cookie is missing",
		})
		return
	}

	ctx, span := tracing.StartSpan(ctx, "oauth.authenticate")
	tracing.WithProviderAttributes(span, string(provider), "authenticate")
	result, authErr := s.coordinator.Authenticate(ctx, provider, q.Get("code"), q.Get("state"), cookie.Value)
	if authErr != nil {
		tracing.WithError(span, authErr)
	} else {
		tracing.WithSuccess(span)
	}
	span.End()
	s.clearStateCookie(w, provider)
	if authErr != nil {
		s.finishWithError(w, r, provider, authErr)
		return
	}

	if err := s.sink.Resolve(ctx, result); err != nil {
		s.log.WithContext(ctx).Error("identity resolution failed", "error", err.Error())
		s.writeJSONError(w, r, sharederrors.InternalWrap("failed to complete sign-in", err))
		return
	}

	if s.metrics != nil {
		s.metrics.RecordAuthentication(string(provider), "success")
	}
	s.publishEvent(ctx, events.EventLoginSucceeded, provider, map[string]any{
		"external_id": result.ExternalID,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"provider":    result.Provider,
		"external_id": result.ExternalID,
		"email":       result.Email,
	})
}

func (s *Server) clearStateCookie(w http.ResponseWriter, provider oauth.ProviderID) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/auth/" + string(provider),
		Domain:   s.cfg.CookieDomain,
		MaxAge:   -1,
		Secure:   s.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) finishWithError(w http.ResponseWriter, r *http.Request, provider oauth.ProviderID, authErr *oauth.OAuthError) {
	ctx := r.Context()
	s.log.WithContext(ctx).Warn("authentication failed",
		"provider", string(provider),
		"kind", string(authErr.Kind),
		"error", authErr.Error(),
	)

	if s.metrics != nil {
		s.metrics.RecordAuthentication(string(provider), "failure")
		s.metrics.RecordAuthFailure(string(provider), string(authErr.Kind))
	}
	s.publishEvent(ctx, events.EventLoginFailed, provider, map[string]any{
		"kind": string(authErr.Kind),
	})

	s.writeOAuthError(w, r, authErr)
}

// writeOAuthError translates the coordinator failure into an HTTP status
// via the service error codes. The diagnostic message is safe to log but
// the response body carries only the user-facing portion.
func (s *Server) writeOAuthError(w http.ResponseWriter, r *http.Request, authErr *oauth.OAuthError) {
	svcErr := sharederrors.New(authErr.Code(), authErr.Message)
	s.writeJSONError(w, r, svcErr)
}

func (s *Server) writeJSONError(w http.ResponseWriter, _ *http.Request, svcErr *sharederrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(svcErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    svcErr.Code,
			"message": svcErr.Message,
		},
	})
}

// publishEvent emits a flow event when an event client is attached.
// Publishing is best-effort; a broken event bus never fails a login.
func (s *Server) publishEvent(ctx context.Context, eventType string, provider oauth.ProviderID, data map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishAuthEvent(ctx, eventType, string(provider), data); err != nil {
		s.log.WithContext(ctx).Warn("failed to publish event", "event", eventType, "error", err.Error())
	}
}
