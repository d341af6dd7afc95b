// Package store persists the grouping state of one instance in SQLite.
//
// Every instance directory carries its own state.db holding the live offers
// after the run and a record of the run itself. An incremental run loads the
// previous instance's offers; nothing else reads or writes the database.
//
// # Ordering
//
// Offers are read back ORDER BY seq ASC, offer_id COLLATE BINARY ASC, so a
// reloaded state replays in the order the deltas were applied regardless of
// how SQLite laid out the rows.
//
// # Database Configuration
//
//   - WAL mode while the run writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
//
// Close checkpoints and truncates the WAL so the file can be renamed into
// place as a single self-contained database.
package store
