// Package engine implements the matching engine.
//
// The engine turns one instance's ordered deltas into an updated grouping
// state and the complete set of live products:
//
//	Idle -> Loading -> Applying -> Emitting -> Idle
//
// Loading seeds the state: empty for a reindex, or the previous instance's
// persisted state for an incremental run. A missing previous instance makes
// the run a reindex.
//
// Applying processes deltas one at a time, in recorded order, on a clone of
// the loaded state. Integrity violations follow the configured policy:
// strict aborts the run and discards the clone, lenient skips the delta and
// records it in the Report. Malformed deltas are always rejected and counted.
//
// Emitting derives every live product. Derivation is sharded by product id
// over a bounded errgroup; shards only read the frozen state.
//
// Run persists state and products to temporary locations and renames them
// into place, so the instance directory never exposes a partial result.
package engine
