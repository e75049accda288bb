// Package store provides the optional durable agent directory using SQLite.
//
// # Tables
//
//   - agents: one row per registered agent (metadata, protocol,
//     capabilities, card URL, first registration and last activity)
//   - task_outcomes: append-only audit of finished tasks with their state,
//     reason code and duration
//
// The hub preloads the agents table into the registry at startup so that
// agents known before a restart resolve as offline instead of unknown.
//
// # Writing
//
// Nothing on the routing path writes to the database directly. A
// [Recorder] subscribes to registry and correlator events and applies them
// on a single worker goroutine. A full queue drops the event; a failed
// write is logged. Persistence never blocks or fails routing.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//
// ":memory:" opens a private in-memory database limited to one connection.
//
// # Testing
//
// Use NewMockStore() for unit tests that need a Store without SQLite, and
// NewSQLiteStore on a t.TempDir() path for integration tests.
package store
