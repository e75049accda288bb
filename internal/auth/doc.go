// Package auth authenticates agents registering with the hub and clients
// calling its HTTP API.
//
// # Authentication Methods
//
//   - JWT Tokens: HS256 tokens signed with the configured jwt_secret. An
//     agent token's "sub" claim must equal the agent id it registers as.
//     API clients present a token in the Authorization header.
//
//   - SSH Signatures: Agents sign "agent_id|timestamp|nonce" with a key
//     listed in the authorized_keys file. The credential travels either in
//     the hello frame as "ssh:<pubkey>:<signature>:<timestamp>:<nonce>" or
//     in the x-ssh-* gRPC metadata headers. Nonces are remembered for the
//     signature window to stop replays.
//
// When neither a secret nor authorized keys are configured, authentication
// is disabled and every caller receives an anonymous [AuthContext].
//
// # Transport Integration
//
// [StreamInterceptor] lifts credentials out of gRPC metadata into the stream
// context; registration reads them with [CredentialFromContext] when the
// hello frame carries none. [HTTPAuthMiddleware] guards the task API.
package auth
