// Package conn owns live agent connections.
//
// A [Connection] wraps a transport [Session] with an ordered outbound queue,
// a liveness clock and an idempotent close. The [Manager] admits sessions
// after credential and protocol checks, runs each connection's read loop,
// and sweeps for missed heartbeats.
//
// Lifecycle:
//
//	c, err := mgr.Register(ctx, session, identity) // verify credential and protocol
//	c.Start(welcomeFrame)                          // begin writing, welcome first
//	mgr.Serve(c)                                   // read until the session ends
//
// Every decoded frame resets the liveness clock. A connection silent for
// longer than the degraded threshold is reported through
// [Handler.ConnectionDegraded]; past the offline threshold it is closed with
// [ErrHeartbeatTimeout]. Close runs the [Handler.ConnectionClosed] callback
// exactly once, synchronously, so by the time any Close call returns the
// handler has finished its cleanup.
package conn
