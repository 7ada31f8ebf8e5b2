// Package storage persists jobs, schedule templates, transfer sessions and notifier dedup state.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (WAL, embedded migrations)
//   - "file": JSON Lines journal compacted into a snapshot
//   - "memory": the file driver without files, for tests and dry runs
//
// All driver errors are wrapped as failure.Persistence.
package storage
