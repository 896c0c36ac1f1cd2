// Package sessionset stores the ordered set of active session ids per account.
//
// Every mutation is a single atomic conditional operation at the storage layer:
// a capacity check and the write it guards are never split across round trips.
// Backends: in-memory (dev/tests), PostgreSQL (pgx), Redis (Lua scripts) and
// SQLite (bun).
package sessionset
