// Package node runs replication for one author.
//
// A Node pairs an operation store and a document directory with a network
// session. Each subscribed document gets two loops supervised together:
//
//   - inbound: decode, validate and ingest operations from peers, then
//     hand the bodies of completed operations to the application
//   - outbound: turn application commands into signed operations and
//     broadcast the deltas
//
// Invalid operations from peers are logged and skipped. Store failures,
// a lost transport and a vanished application end the subscription.
package node
