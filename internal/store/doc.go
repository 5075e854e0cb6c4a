// Package store provides the revisioned record store reckon persists to.
//
// Every entity is one record addressed by (collection, key). Writes carry
// the revision the caller last observed:
//   - expected revision 0 means "create, the key must not exist"
//   - any other value must equal the stored revision
//
// A mismatch returns *ir.ConflictError and changes nothing. A missing key
// returns ErrNotFound.
//
// # Implementations
//
//   - SQLite (this package): single file, WAL mode, one records table.
//     This is the default and what tests use.
//   - NATS JetStream KV (store/natskv): one bucket per collection, KV
//     revisions as record revisions.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Listing is ordered by key so pagination cursors are stable.
package store
