// Package dedupe provides a bounded TTL cache keyed by string.
//
// The hub uses it twice: to reject replayed SSH registration nonces, and to
// remember the final state of tasks whose results were already collected so
// late lookups can answer "expired" rather than "not found".
package dedupe
