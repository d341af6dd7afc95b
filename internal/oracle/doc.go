// Package oracle is the ground truth the matcher is checked against.
//
// A Truth replays the same deltas the engine saw, keyed by the uuid each
// Insert declares, and knows nothing about grouping state, instances or
// persistence. Partitions are compared label-free: two emissions agree when
// they group the same offers together, whatever the product ids.
package oracle
