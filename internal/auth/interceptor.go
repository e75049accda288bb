// ABOUTME: gRPC stream interceptor that lifts agent credentials out of metadata
// ABOUTME: Rejects bad bearer tokens early and leaves identity binding to registration

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// CredentialFromMetadata reads a bearer token or SSH headers from incoming
// gRPC metadata.
func CredentialFromMetadata(md metadata.MD) Credential {
	if req := ExtractSSHAuthFromMetadata(md); req != nil {
		return Credential{SSH: req}
	}
	for _, v := range md.Get("authorization") {
		if token, err := parseBearer(v); err == nil {
			return Credential{Token: token}
		}
	}
	return Credential{}
}

// StreamInterceptor attaches any credential found in metadata to the stream
// context. A bearer token that fails signature or expiry checks ends the
// stream with Unauthenticated before the agent sends its hello.
func StreamInterceptor(authn *Authenticator, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := ss.Context()
		md, _ := metadata.FromIncomingContext(ctx)
		cred := CredentialFromMetadata(md)

		if cred.Token != "" {
			if err := authn.VerifyToken(cred.Token); err != nil {
				logAuthFailure(logger, ctx, "invalid bearer token", "method", info.FullMethod)
				return status.Error(codes.Unauthenticated, "invalid token")
			}
		}

		if !cred.IsZero() {
			ctx = WithCredential(ctx, cred)
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
