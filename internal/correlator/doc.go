// Package correlator owns the task table. A task is created when the router
// accepts a request, is marked Sent once its frame is queued on the agent's
// connection, and finishes exactly once as Completed, Failed or TimedOut.
// The first terminal transition wins; later signals for the same id are
// reported to the caller as ErrTaskTerminal and otherwise ignored.
//
// Finished tasks stay queryable for a grace period and then leave behind a
// tombstone so a late response can be told apart from an unknown id.
package correlator
