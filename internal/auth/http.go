// ABOUTME: Bearer token handling for the HTTP API and the WebSocket agent endpoint
// ABOUTME: Shares header parsing with the gRPC interceptor

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Bearer header failures.
var (
	errNoAuthHeader = errors.New("missing authorization header")
	errNotBearer    = errors.New("invalid authorization header format")
	errEmptyBearer  = errors.New("empty token")
)

// parseBearer returns the token in an "Authorization: Bearer <token>" value.
func parseBearer(header string) (string, error) {
	if header == "" {
		return "", errNoAuthHeader
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errNotBearer
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errEmptyBearer
	}
	return token, nil
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agenthub"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware requires a valid bearer token when token auth is
// configured and attaches the caller's AuthContext. Without a JWT secret
// every request proceeds as an anonymous client.
func HTTPAuthMiddleware(authn *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authn.TokensEnabled() {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), Anonymous(PrincipalClient))))
				return
			}

			token, err := parseBearer(r.Header.Get("Authorization"))
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			authCtx, err := authn.AuthenticateToken(token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// BearerCredential returns the credential carried in an Authorization
// header. The WebSocket endpoint uses it in place of gRPC metadata.
func BearerCredential(r *http.Request) Credential {
	token, err := parseBearer(r.Header.Get("Authorization"))
	if err != nil {
		return Credential{}
	}
	return Credential{Token: token}
}
