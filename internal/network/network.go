// Package network carries gossip payloads between nodes subscribed to the
// same document.
//
// A Session is one node's membership in a network, identified by a 32-byte
// network id. Subscribing to a document yields a Topic: a broadcast sender
// and a stream of payloads from other members. When two members meet on a
// topic each sends the other every operation it holds for the document, so
// late joiners catch up without a separate sync protocol.
//
// Two implementations exist: Hub, an in-process network used by tests and
// single-process demos, and WebsocketSession, which connects real peers.
package network

import (
	"context"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/operation"
	"github.com/roach88/aardvark/internal/store"
)

// Session is one node's connection to a network.
type Session interface {
	// Subscribe joins the topic of doc.
	Subscribe(ctx context.Context, doc core.DocumentId) (Topic, error)

	// Shutdown leaves the network and closes every topic.
	Shutdown(ctx context.Context) error
}

// Topic is a subscription to one document's gossip.
type Topic interface {
	// Broadcast sends an encoded operation to every other member.
	Broadcast(ctx context.Context, data []byte) error

	// Messages yields encoded operations from other members. It is closed
	// when the topic or its session closes.
	Messages() <-chan []byte

	// Close leaves the topic.
	Close() error
}

// SyncSource gives a session read access to the node's stores, to resolve
// which logs to hand to peers joining a topic.
type SyncSource struct {
	Operations store.OperationStore
	Documents  store.DocumentStore
}

// Factory creates a session for a node.
type Factory func(ctx context.Context, networkID core.Hash, key core.PrivateKey, src SyncSource) (Session, error)

// DefaultNetworkID is the network every aardvark node joins unless
// configured otherwise.
var DefaultNetworkID = NetworkID("aardvark <3")

// NetworkID derives a network id from a human-readable name.
func NetworkID(name string) core.Hash {
	return core.HashBytes([]byte(name))
}

// DefaultInboxSize bounds each topic's undelivered messages.
const DefaultInboxSize = 512

// collectSync gathers every operation src holds for doc, encoded for the
// wire: per author the snapshot log, then the delta log, each in seq order.
func collectSync(ctx context.Context, src SyncSource, doc core.DocumentId) ([][]byte, error) {
	logs, err := store.LogsForDocument(ctx, src.Documents, doc)
	if err != nil {
		return nil, core.WrapError(core.CodeStoreError, "resolve logs", err)
	}
	authors, err := src.Documents.Authors(ctx, doc)
	if err != nil {
		return nil, core.WrapError(core.CodeStoreError, "resolve authors", err)
	}

	var out [][]byte
	for _, author := range authors {
		for _, logID := range logs[author] {
			ops, err := src.Operations.GetLog(ctx, author, logID, 0)
			if err != nil {
				return nil, core.WrapError(core.CodeStoreError, "read log", err)
			}
			for _, op := range ops {
				data, err := operation.EncodeOperation(op)
				if err != nil {
					return nil, err
				}
				out = append(out, data)
			}
		}
	}
	return out, nil
}
