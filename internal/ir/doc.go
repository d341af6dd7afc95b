// Package ir provides the canonical data model shared by every offermatch
// package: offer deltas, live offers, emitted products, run records, and the
// canonical JSON encoding used for digests and golden snapshots.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Prices are decimal.Decimal, never float64
//   - Offer and product identifiers are opaque strings; ordering is by
//     byte comparison (COLLATE BINARY in the store)
//   - Partitions are compared label-free, through CanonicalPartition
//   - All JSON tags use snake_case
package ir
