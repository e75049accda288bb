// ABOUTME: Tests for HTTP auth middleware
// ABOUTME: Covers disabled auth, missing headers, bad tokens, and context propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureAuth(got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestHTTPAuthMiddleware_Disabled(t *testing.T) {
	authn := NewAuthenticator(AuthenticatorConfig{})
	var got *AuthContext

	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(authn)(captureAuth(&got)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, PrincipalAnonymous, got.PrincipalID)
}

func TestHTTPAuthMiddleware_Enabled(t *testing.T) {
	authn := NewAuthenticator(AuthenticatorConfig{JWTSecret: testSecret})
	token, err := NewJWTVerifier(testSecret).Generate("alice", PrincipalClient, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *AuthContext
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			HTTPAuthMiddleware(authn)(captureAuth(&got)).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusNoContent {
				require.NotNil(t, got)
				assert.Equal(t, "alice", got.PrincipalID)
			}
		})
	}
}

func TestBearerCredential(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/agent", nil)
	assert.True(t, BearerCredential(req).IsZero())

	req.Header.Set("Authorization", "Bearer tok")
	assert.Equal(t, "tok", BearerCredential(req).Token)
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"Bearer abc", "abc", nil},
		{"Bearer  abc ", "abc", nil},
		{"", "", errNoAuthHeader},
		{"bearer abc", "", errNotBearer},
		{"Bearer ", "", errEmptyBearer},
	}
	for _, tt := range tests {
		got, err := parseBearer(tt.header)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, "header %q", tt.header)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestHTTPAuthMiddleware_RejectionBody(t *testing.T) {
	authn := NewAuthenticator(AuthenticatorConfig{JWTSecret: testSecret})
	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(authn)(captureAuth(new(*AuthContext))).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"missing authorization header"}`, rec.Body.String())
}
