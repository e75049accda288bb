// Package registry is the directory of agents the hub knows about.
//
// Each agent has one entry keyed by its id. An entry holds the agent's
// declared metadata, its status, and at most one live connection handle.
//
// # Status
//
//	Offline  -> Online    Upsert
//	Online   -> Degraded  MarkDegraded (one missed heartbeat)
//	Degraded -> Online    MarkOnline (traffic resumed)
//	any      -> Offline   MarkOffline (connection closed or timed out)
//
// Transitions carry the handle that caused them and are ignored when that
// handle is no longer the bound one, so a superseded connection can never
// knock its replacement offline.
//
// # Supersession
//
// Upsert for an agent that already has a live connection closes the old
// connection before binding the new one. Registrations for the same agent
// are serialized, and the close runs to completion (including whatever
// cleanup the connection's handler performs) while neither handle is
// resolvable.
package registry
