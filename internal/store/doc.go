// Package store provides storage for signed operations and document
// membership.
//
// OperationStore keeps every author's per-document logs:
//   - MemoryStore: process-local maps, shared by every handle
//   - SQLiteStore: durable SQLite database
//
// DocumentStore records which authors write to which document:
//   - MemoryDocumentStore: process-local map
//   - BadgerDocumentStore: durable BadgerDB key space
//
// # Invariants
//
// A log is identified by (author, LogId). Within a log, seq_num is unique and
// reads are ordered by seq_num ascending. Inserts are idempotent: writing an
// operation whose (author, log, seq_num) is already present is a no-op.
//
// Pruning deletes strictly earlier entries of one log. A pruned log simply
// starts at a later seq_num; readers never see a gap in what remains.
//
// # SQLite Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
