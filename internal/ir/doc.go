// Package ir provides the shared value types for streamsale.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Money is never a float. Prices are int64 in the token's smallest unit;
//     rates and accrued amounts are shopspring decimals with a fixed scale.
//   - Timestamps are unix seconds (int64) read from an injected clock.
//   - Identity is content-addressed: item, profile and event ids are SHA-256
//     digests over canonical JSON with domain separation (see hash.go).
//   - All JSON tags use snake_case.
package ir
