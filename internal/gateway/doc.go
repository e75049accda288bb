// Package gateway wires the agenthub components together and serves them.
//
// # Components
//
// New builds, in order: the optional SQLite directory and its async
// recorder, the agent registry, metrics, the task correlator, the router,
// the connection manager (with the router as its handler), and A2A card
// discovery. Persisted agents are preloaded into the registry as offline.
//
// # Agent Transports
//
// Agents connect over either transport and run the same handshake (accept.go):
//
//   - gRPC stream agenthub.v1.AgentHub/Connect on server.grpc_addr
//   - WebSocket /ws/agent on server.http_addr (optional ?protocol= pin)
//
// The first frame must be a register hello. The hub answers welcome or
// rejected; after welcome every frame is in the agent's declared protocol.
//
// # HTTP API
//
//   - POST /api/tasks - submit a task (wait=true blocks until terminal)
//   - GET /api/tasks/{id} - task snapshot, ?wait=5s to block
//   - DELETE /api/tasks/{id} - cancel a task
//   - POST /api/fanout - one task per target, joined
//   - GET /api/agents, GET /api/agents/{id} - agent directory with status
//   - DELETE /api/agents/{id} - deregister an agent
//   - GET /api/outcomes - finished task audit (requires database.path)
//   - GET /health, GET /health/ready - liveness and readiness
//   - GET /.well-known/agent.json - hub card, one skill per agent
//   - GET /metrics - Prometheus metrics (path configurable)
//
// /api routes require a bearer JWT when auth.jwt_secret is set.
//
// # Lifecycle
//
// Run listens (plain TCP or tsnet), starts the liveness sweep, and blocks
// until its context ends. Shutdown closes every agent connection with
// conn.ErrShutdown, fails outstanding tasks, drains the recorder, and closes
// the store.
package gateway
