package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/atelierhq/authbridge/services/shared/circuitbreaker"
	sharederrors "github.com/atelierhq/authbridge/services/shared/errors"
)

// Kind enumerates the failure categories an authentication flow can end in.
type Kind string

const (
	KindStateExpired            Kind = "state_expired"
	KindMalformedState          Kind = "malformed_state"
	KindProviderMismatch        Kind = "provider_mismatch"
	KindStateMismatch           Kind = "state_mismatch"
	KindMissingPKCEVerifier     Kind = "missing_pkce_verifier"
	KindServiceUnavailable      Kind = "service_unavailable"
	KindRequestCancelled        Kind = "request_cancelled"
	KindProtocolError           Kind = "protocol_error"
	KindFetchFailed             Kind = "fetch_failed"
	KindUnexpectedResponse      Kind = "unexpected_response"
	KindUnexpectedErrorResponse Kind = "unexpected_error_response"
	KindRequestTimeout          Kind = "request_timeout"
	KindInvalidTokenClaims      Kind = "invalid_token_claims"
	KindIDTokenUnavailable      Kind = "id_token_unavailable"
	KindInvalidResponseShape    Kind = "invalid_response_shape"
	KindEncryptionFailed        Kind = "encryption_failed"
	KindUnknown                 Kind = "unknown"
)

// OAuthError is the single error shape that crosses the coordinator
// boundary. Every internal failure is converted into one before returning.
type OAuthError struct {
	Kind     Kind
	Provider ProviderID
	Message  string
	Err      error
}

func (e *OAuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Provider, e.Kind, e.Message)
}

func (e *OAuthError) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can compare against sentinel-style values.
func (e *OAuthError) Is(target error) bool {
	t, ok := target.(*OAuthError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// newError builds an OAuthError for the given provider and kind.
func newError(kind Kind, provider ProviderID, message string, cause error) *OAuthError {
	return &OAuthError{Kind: kind, Provider: provider, Message: message, Err: cause}
}

// Code maps the failure kind onto the service-wide error code used by the
// HTTP layer for status selection.
func (e *OAuthError) Code() sharederrors.Code {
	switch e.Kind {
	case KindStateExpired, KindMalformedState, KindProviderMismatch,
		KindStateMismatch, KindMissingPKCEVerifier:
		return sharederrors.CodeOAuthState
	case KindServiceUnavailable:
		return sharederrors.CodeCircuitOpen
	case KindRequestCancelled:
		return sharederrors.CodeCanceled
	case KindProtocolError:
		return sharederrors.CodeOAuthProtocol
	case KindFetchFailed, KindUnexpectedResponse, KindUnexpectedErrorResponse:
		return sharederrors.CodeUpstreamError
	case KindRequestTimeout:
		return sharederrors.CodeTimeout
	case KindInvalidTokenClaims, KindIDTokenUnavailable, KindInvalidResponseShape:
		return sharederrors.CodeOAuthClaims
	default:
		return sharederrors.CodeInternal
	}
}

// Classify converts an arbitrary failure into exactly one OAuthError. It is
// total: any input, including nil, yields a well-formed result. Dispatch
// order matters because some error shapes are supersets of others: breaker
// outcomes first, then cancellation and timeout, then provider protocol
// errors, then transport failures, then response-shape failures.
func Classify(err error, provider ProviderID) *OAuthError {
	if err == nil {
		return newError(KindUnknown, provider, "unknown failure", nil)
	}

	var oe *OAuthError
	if errors.As(err, &oe) {
		if oe.Provider == "" {
			oe.Provider = provider
		}
		return oe
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return newError(KindServiceUnavailable, provider, "provider temporarily unavailable", err)
	}

	if errors.Is(err, circuitbreaker.ErrExecutionCancelled) || errors.Is(err, context.Canceled) {
		return newError(KindRequestCancelled, provider, "request cancelled by caller", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindRequestTimeout, provider, "provider request timed out", err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			msg := retrieveErr.ErrorCode
			if retrieveErr.ErrorDescription != "" {
				msg += ": " + retrieveErr.ErrorDescription
			}
			return newError(KindProtocolError, provider, msg, err)
		}
		if retrieveErr.Response == nil {
			return newError(KindFetchFailed, provider, "provider request failed", err)
		}
		preview := bodyPreview(retrieveErr.Body)
		if preview != "" {
			msg := fmt.Sprintf("provider returned status %d: %s", retrieveErr.Response.StatusCode, preview)
			return newError(KindUnexpectedErrorResponse, provider, msg, err)
		}
		msg := fmt.Sprintf("provider returned status %d", retrieveErr.Response.StatusCode)
		return newError(KindUnexpectedResponse, provider, msg, err)
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return newError(KindFetchFailed, provider, "provider request failed", err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return newError(KindFetchFailed, provider, "provider request failed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(KindFetchFailed, provider, "provider request failed", err)
	}

	var respErr *UnexpectedResponseError
	if errors.As(err, &respErr) {
		if respErr.BodyPreview != "" {
			msg := fmt.Sprintf("provider returned status %d: %s", respErr.Status, respErr.BodyPreview)
			return newError(KindUnexpectedErrorResponse, provider, msg, err)
		}
		return newError(KindUnexpectedResponse, provider, fmt.Sprintf("provider returned status %d", respErr.Status), err)
	}

	return newError(KindUnknown, provider, err.Error(), err)
}

// classifyRecovered handles values recovered from a panic at the
// coordinator boundary.
func classifyRecovered(v any, provider ProviderID) *OAuthError {
	if err, ok := v.(error); ok {
		return Classify(err, provider)
	}
	return newError(KindUnknown, provider, fmt.Sprintf("unexpected failure: %v", v), nil)
}
