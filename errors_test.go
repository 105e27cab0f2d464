package authkit

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOAuthError_Error(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidGrant, "code expired", http.StatusBadRequest)
	if got := err.Error(); got != "invalid_grant: code expired" {
		t.Errorf("Error() = %q", got)
	}
}

func TestOAuthError_SurvivesWrapping(t *testing.T) {
	inner := ErrInvalidToken("expired")
	wrapped := fmt.Errorf("verify failed: %w", inner)

	var oe *OAuthError
	if !errors.As(wrapped, &oe) {
		t.Fatal("errors.As failed to unwrap OAuthError")
	}
	if oe.Code != ErrorCodeInvalidToken || oe.Status != http.StatusUnauthorized {
		t.Errorf("unwrapped = %+v", oe)
	}
}

func TestErrorConstructors_StatusCodes(t *testing.T) {
	cases := []struct {
		err    *OAuthError
		code   string
		status int
	}{
		{ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrInvalidClientMetadata("x"), ErrorCodeInvalidClientMetadata, http.StatusBadRequest},
		{ErrInvalidRedirectURI("x"), ErrorCodeInvalidRedirectURI, http.StatusBadRequest},
		{ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
		{ErrAccessDenied("x"), ErrorCodeAccessDenied, http.StatusForbidden},
	}

	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("code = %q, want %q", tc.err.Code, tc.code)
		}
		if tc.err.Status != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.code, tc.err.Status, tc.status)
		}
	}
}
