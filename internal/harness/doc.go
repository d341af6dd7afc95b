// Package harness runs instance-sequence scenarios against the real engine.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: delete_last_member
//	description: "Deleting the last offer of a product removes the product"
//	policy: lenient          # or strict
//	docid_width: 0           # 0 accepts any id token
//	instances:
//	  - mode: reindex
//	    deltas:
//	      - { op: insert, docid: A, uuid: P1, price: "10", source: SA }
//	      - { op: insert, docid: B, uuid: P2, price: "12", source: SB }
//	    expect:
//	      partition: [[A], [B]]
//	      products: 2
//	  - mode: incremental
//	    deltas:
//	      - { op: delete, docid: A }
//	    expect:
//	      partition: [[B]]
//	    assertions:
//	      - { type: product_absent, product: P1 }
//
// # Execution
//
// Every scenario runs in a fresh temporary work directory through the
// instance store and the engine, with a stepping clock (one second per
// instance) and a fixed run id, so results are byte-identical across runs.
// A reindex instance resets the store first. Each instance continues from
// the last instance that was matched successfully.
//
// Besides the expectations written in the scenario, every successful
// instance is checked against the oracle: the ground truth replayed from the
// same deltas must agree on the partition and on the derived attributes.
//
// # Assertion Types
//
//   - offer_product: the offer is bound to product (read from state.db);
//     an empty product asserts the offer is not live
//   - product_members: the product holds exactly members (read from state.db)
//   - product_price: the emitted price range of product
//   - product_sources: the emitted sources of product
//   - product_absent: product is not emitted
package harness
