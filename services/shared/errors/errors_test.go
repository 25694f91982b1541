package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Run("without underlying error", func(t *testing.T) {
		err := New(CodeNotFound, "resource not found")
		assert.Equal(t, "NOT_FOUND: resource not found", err.Error())
	})

	t.Run("with underlying error", func(t *testing.T) {
		underlying := errors.New("connection refused")
		err := Wrap(CodeInternal, "exchange error", underlying)
		assert.Contains(t, err.Error(), "INTERNAL: exchange error")
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	assert.True(t, errors.Is(err, underlying))
}

func TestError_Is(t *testing.T) {
	err1 := New(CodeOAuthState, "state expired")
	err2 := New(CodeOAuthState, "state malformed")
	err3 := New(CodeInternal, "internal")

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
}

func TestError_WithDetails(t *testing.T) {
	err := New(CodeInvalidInput, "validation failed")
	details := map[string]string{"field": "provider", "reason": "unknown value"}

	withDetails := err.WithDetails(details)

	assert.Equal(t, err.Code, withDetails.Code)
	assert.Equal(t, err.Message, withDetails.Message)
	assert.Equal(t, details, withDetails.Details)
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		code     Code
		expected int
	}{
		{CodeInvalidInput, http.StatusBadRequest},
		{CodeOAuthState, http.StatusBadRequest},
		{CodeOAuthClaims, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeOAuthProtocol, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeUpstreamError, http.StatusBadGateway},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeCanceled, 499},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "test")
			assert.Equal(t, tt.expected, err.HTTPStatusCode())
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	t.Run("Internal", func(t *testing.T) {
		err := Internal("internal error")
		assert.Equal(t, CodeInternal, err.Code)
		assert.Equal(t, "internal error", err.Message)
	})

	t.Run("InternalWrap", func(t *testing.T) {
		underlying := errors.New("crypto error")
		err := InternalWrap("failed", underlying)
		assert.Equal(t, CodeInternal, err.Code)
		assert.Equal(t, underlying, err.Err)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		err := InvalidInput("bad request")
		assert.Equal(t, CodeInvalidInput, err.Code)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		err := Unauthorized("not authorized")
		assert.Equal(t, CodeUnauthorized, err.Code)
	})

	t.Run("Unavailable", func(t *testing.T) {
		err := Unavailable("service unavailable")
		assert.Equal(t, CodeUnavailable, err.Code)
	})

	t.Run("Timeout", func(t *testing.T) {
		err := Timeout("request timeout")
		assert.Equal(t, CodeTimeout, err.Code)
	})

	t.Run("Canceled", func(t *testing.T) {
		err := Canceled("client went away")
		assert.Equal(t, CodeCanceled, err.Code)
	})

	t.Run("OAuthState", func(t *testing.T) {
		err := OAuthState("state expired")
		assert.Equal(t, CodeOAuthState, err.Code)
	})

	t.Run("OAuthProtocol", func(t *testing.T) {
		err := OAuthProtocol("access_denied")
		assert.Equal(t, CodeOAuthProtocol, err.Code)
	})

	t.Run("OAuthClaims", func(t *testing.T) {
		err := OAuthClaims("missing sub")
		assert.Equal(t, CodeOAuthClaims, err.Code)
	})

	t.Run("UpstreamError", func(t *testing.T) {
		err := UpstreamError("profile fetch failed")
		assert.Equal(t, CodeUpstreamError, err.Code)
	})

	t.Run("CircuitOpen", func(t *testing.T) {
		err := CircuitOpen("breaker open")
		assert.Equal(t, CodeCircuitOpen, err.Code)
	})
}

func TestIsCode(t *testing.T) {
	err := NotFound("test")

	assert.True(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(err, CodeInternal))
	assert.False(t, IsCode(errors.New("regular error"), CodeNotFound))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, CodeTimeout, GetCode(Timeout("t")))
	assert.Equal(t, CodeInternal, GetCode(errors.New("plain")))
}
