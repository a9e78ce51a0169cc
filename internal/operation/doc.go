// Package operation implements the operation protocol: building signed
// operations, checking received ones against the document they were
// gossiped for, and ingesting them into per-author logs in causal order.
//
// Every author keeps two logs per document, one for deltas and one for
// snapshots. An operation extends a log when its seq_num follows the head
// and its backlink is the head's hash. Operations that arrive early are
// held by an Ingester until their predecessor is ingested.
//
// An operation with the prune flag set subsumes every earlier entry of its
// log. Ingesting it with pruning enabled deletes those entries, and it is
// accepted even when its predecessors were never seen.
package operation
