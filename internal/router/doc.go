// Package router is the orchestration core of the hub. It resolves target
// agents through the registry, records tasks in the correlator, writes
// requests to agent connections, and feeds agent replies back to the
// correlator. It never looks inside task payloads.
package router
