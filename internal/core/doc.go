// Package core defines the data model of the replication layer: author
// identities, content hashes, document and log identifiers, and the signed
// header that chains each author's operations into an append-only log.
//
// Headers travel as deterministic CBOR arrays. The signature covers the
// encoding of the header with its signature field set to null, and the
// header hash is the BLAKE3 digest of the complete encoding.
package core
