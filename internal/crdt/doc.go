// Package crdt is the text engine each open document owns: a replicated
// growable array (RGA) of runes.
//
// Every inserted rune gets an ID of (peer, counter) where counter is a
// Lamport clock, and remembers the ID of the rune it was typed after (its
// origin). Concurrent inserts after the same origin are ordered by
// descending ID, so all replicas converge on the same sequence. Deleted
// runes stay in the sequence as tombstones.
//
// Updates travel as CBOR-encoded operation lists. The same format serves
// incremental deltas and full snapshots; applying either is idempotent,
// and operations whose dependencies have not arrived are held until they
// do.
package crdt
