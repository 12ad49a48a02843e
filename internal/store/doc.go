// Package store provides SQLite-backed storage shared by every replicated
// table.
//
// The store holds three physical tables:
//   - replicated_rows: one row per (table_name, id), payload as JSON TEXT
//   - sync_metadata: per-table sync bookkeeping with delta counters
//   - pending_mutations: local writes awaiting remote confirmation
//
// # Connection Lifecycle
//
// A single Manager is constructed at process start and injected into every
// table. It opens the database once (concurrent openers join the same
// attempt), recovers from a corrupt file by deleting and recreating it, and
// runs a FIFO admission queue so that tables initializing together wait for
// in-flight transactions to drain instead of stampeding the one connection.
//
// # Critical Patterns
//
//   - All row reads and writes go through a tracked Tx (Manager.WithTx).
//     Never nest WithTx: the pool holds exactly one connection.
//   - Counters in sync_metadata are changed with SQL deltas, never
//     read-modify-write.
//   - List queries ORDER BY id COLLATE BINARY for deterministic results.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
