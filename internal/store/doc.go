// Package store provides SQLite-backed persistence for modifications,
// machine context, reason proposals, reason slots and the analysis log.
//
// Every operation runs inside a Tx. A Tx implements engine.Tx for the
// processor and reason.Timeline for the analyzers, so one attempt reads and
// writes through a single transaction and is rolled back as a whole.
//
// # Partitions
//
// Global and machine-scoped modifications live in two tables. Parent links
// are stored as an explicit (scope, machine_id, id) triple, never as a
// shared foreign key.
//
// # Time representation
//
//   - Instants are unix milliseconds in UTC
//   - An open range end ("until further notice") is NULL
//   - Durations are nanoseconds
//
// # Error translation
//
// Driver errors are translated onto the analysis taxonomy of package
// engine: SQLITE_BUSY/SQLITE_LOCKED and expired deadlines become database
// timeouts, constraint failures become integrity violations, and a save
// whose row version changed becomes stale data.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
