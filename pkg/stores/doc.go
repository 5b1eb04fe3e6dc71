// Package stores provides the SQLite-backed state log for SwarmLite.
// Records are append-only, optionally HMAC-SHA256 signed, and idempotency
// keys are kept in a unique index next to the log.
package stores
