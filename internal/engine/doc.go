// Package engine implements the single-writer executor that serializes every
// operation against streamsale's shared ledger state.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// All operations (stream hooks, claims, withdrawals, item creation, scanner
// runs) are submitted as jobs and executed one at a time in a single
// goroutine. This gives the ledger's execution model:
// - No two mutating operations interleave
// - A job observes the effects of every job before it
// - Nested calls inside a job (claim -> protocol close -> termination hook)
// are plain function calls, so no component needs its own lock
//
// Job Processing Flow:
// 1. Do() enqueues a job on the FIFO queue and waits for its result
// 2. Executor.Run() dequeues jobs one at a time
// 3. Each job runs with a fresh operation id attached to its context
// 4. The job's error is handed back to the waiting caller
//
// A job that is still queued when its caller's context is cancelled is
// skipped. A job that has started always runs to completion.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Events are stamped with a monotonic seq counter from Clock.Next().
// Event order is seq order, never wall-clock order.
//
// Time Source:
// Business time (stream start, accrued payment, sale deadlines) comes from
// an injected TimeSource so tests can advance it explicitly.
package engine
