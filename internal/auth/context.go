// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext plus credential propagation from transports

package auth

import (
	"context"
)

// Principal types.
const (
	PrincipalAgent     = "agent"
	PrincipalClient    = "client"
	PrincipalAnonymous = "anonymous"
)

// AuthContext holds the authenticated identity for a connection or request.
type AuthContext struct {
	PrincipalID   string // agent id, JWT subject, or "anonymous"
	PrincipalType string // "agent" | "client" | "anonymous"
	Method        string // "jwt" | "ssh" | "none"
	Fingerprint   string // SSH key fingerprint when Method is "ssh"
}

// Anonymous returns the context used when authentication is disabled.
func Anonymous(principalType string) *AuthContext {
	return &AuthContext{
		PrincipalID:   PrincipalAnonymous,
		PrincipalType: principalType,
		Method:        "none",
	}
}

type authContextKey struct{}

type credentialKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// WithCredential attaches a credential presented out of band (for example in
// gRPC metadata or an HTTP header) so registration can use it when the
// hello frame carries none.
func WithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// CredentialFromContext returns the credential attached by WithCredential.
func CredentialFromContext(ctx context.Context) Credential {
	cred, _ := ctx.Value(credentialKey{}).(Credential)
	return cred
}
