// Package store provides SQLite-backed durable storage for streamsale.
//
// The store holds three tables:
//   - events: the append-only event log, one row per stamped event
//   - unit_balances: the semi-fungible unit ledger (implements units.Ledger)
//   - items: the registered-items index (implements gate.IndexRecorder)
//
// # Critical Patterns
//
// Logical Identity and Time:
//   - Event ordering uses seq INTEGER (logical clock), NEVER timestamps
//   - Event ids are content-addressed (ir.EventID); rewriting one is a no-op
//
// Deterministic Query Results:
//   - Event queries include ORDER BY seq ASC, id ASC COLLATE BINARY
//   - Item queries order by position, the index's append order
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
