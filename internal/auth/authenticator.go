// ABOUTME: Verifies agent registration credentials and API client tokens.
// ABOUTME: Accepts JWTs bound to the agent id or SSH signatures from authorized keys.

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAuthRejected indicates a credential was missing or did not verify.
var ErrAuthRejected = errors.New("authentication rejected")

// Credential is what an agent or client presents. At most one of Token and
// SSH is set.
type Credential struct {
	Token string
	SSH   *SSHAuthRequest
}

// IsZero reports whether no credential was presented.
func (c Credential) IsZero() bool {
	return c.Token == "" && c.SSH == nil
}

// ParseCredential interprets a credential string: "ssh:..." bundles are SSH
// signatures, anything else is a bearer token (an optional "Bearer " prefix
// is stripped).
func ParseCredential(s string) (Credential, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Credential{}, nil
	}
	if strings.HasPrefix(s, sshCredentialPrefix) {
		req, err := parseSSHCredential(s)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return Credential{SSH: req}, nil
	}
	return Credential{Token: strings.TrimSpace(strings.TrimPrefix(s, "Bearer "))}, nil
}

// AuthenticatorConfig configures an Authenticator. Leaving both fields empty
// disables authentication.
type AuthenticatorConfig struct {
	JWTSecret      []byte
	AuthorizedKeys map[string]string // fingerprint -> comment
	Logger         *slog.Logger
}

// Authenticator verifies credentials for agent registration and API calls.
type Authenticator struct {
	jwt        *JWTVerifier
	ssh        *SSHVerifier
	authorized map[string]string
	logger     *slog.Logger
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	a := &Authenticator{
		authorized: cfg.AuthorizedKeys,
		logger:     cfg.Logger,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if len(cfg.JWTSecret) > 0 {
		a.jwt = NewJWTVerifier(cfg.JWTSecret)
	}
	if len(cfg.AuthorizedKeys) > 0 {
		a.ssh = NewSSHVerifier()
	}
	return a
}

// Enabled reports whether any credential check is configured.
func (a *Authenticator) Enabled() bool {
	return a.jwt != nil || a.ssh != nil
}

// TokensEnabled reports whether JWT verification is configured.
func (a *Authenticator) TokensEnabled() bool {
	return a.jwt != nil
}

// Authenticate verifies the credential an agent presented for agentID.
func (a *Authenticator) Authenticate(ctx context.Context, agentID string, cred Credential) (*AuthContext, error) {
	if !a.Enabled() {
		return Anonymous(PrincipalAgent), nil
	}

	switch {
	case cred.SSH != nil:
		if a.ssh == nil {
			return nil, a.reject(agentID, "ssh", "SSH authentication not configured")
		}
		fp, err := a.ssh.Verify(agentID, cred.SSH)
		if err != nil {
			return nil, a.reject(agentID, "ssh", err.Error())
		}
		if _, ok := a.authorized[fp]; !ok {
			return nil, a.reject(agentID, "ssh", "key not authorized")
		}
		return &AuthContext{PrincipalID: agentID, PrincipalType: PrincipalAgent, Method: "ssh", Fingerprint: fp}, nil

	case cred.Token != "":
		if a.jwt == nil {
			return nil, a.reject(agentID, "jwt", "token authentication not configured")
		}
		claims, err := a.jwt.Verify(cred.Token)
		if err != nil {
			return nil, a.reject(agentID, "jwt", err.Error())
		}
		if claims.Subject != agentID {
			return nil, a.reject(agentID, "jwt", "token subject does not match agent id")
		}
		if claims.Kind != "" && claims.Kind != PrincipalAgent {
			return nil, a.reject(agentID, "jwt", "token is not an agent token")
		}
		return &AuthContext{PrincipalID: agentID, PrincipalType: PrincipalAgent, Method: "jwt"}, nil

	default:
		return nil, a.reject(agentID, "none", "credential required")
	}
}

// AuthenticateToken verifies an API client bearer token. With token auth
// disabled every caller is anonymous.
func (a *Authenticator) AuthenticateToken(token string) (*AuthContext, error) {
	if a.jwt == nil {
		return Anonymous(PrincipalClient), nil
	}
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuthRejected)
	}
	claims, err := a.jwt.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	kind := claims.Kind
	if kind == "" {
		kind = PrincipalClient
	}
	return &AuthContext{PrincipalID: claims.Subject, PrincipalType: kind, Method: "jwt"}, nil
}

// VerifyToken checks a token's signature and expiry without binding it to
// an identity.
func (a *Authenticator) VerifyToken(token string) error {
	if a.jwt == nil {
		return nil
	}
	if _, err := a.jwt.Verify(token); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return nil
}

// Close releases the SSH nonce cache.
func (a *Authenticator) Close() {
	if a.ssh != nil {
		a.ssh.Close()
	}
}

func (a *Authenticator) reject(agentID, method, reason string) error {
	a.logger.Warn("auth failure", "agent_id", agentID, "method", method, "reason", reason)
	return fmt.Errorf("%w: %s", ErrAuthRejected, reason)
}
