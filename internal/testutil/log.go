package testutil

import (
	"github.com/roach88/aardvark/internal/core"
)

// LogBuilder signs a chain of operations for one author and log without
// touching a store, for feeding ingestion and store tests.
//
// If no document is given the first operation is a genesis header and
// every later operation carries the derived document id.
type LogBuilder struct {
	key     core.PrivateKey
	logType core.LogType
	doc     *core.DocumentId
	clock   *DeterministicClock
	ops     []core.Operation
}

// NewLogBuilder starts an empty log.
func NewLogBuilder(key core.PrivateKey, logType core.LogType, doc *core.DocumentId) *LogBuilder {
	return &LogBuilder{
		key:     key,
		logType: logType,
		doc:     doc,
		clock:   NewDeterministicClock(),
	}
}

// Append signs the next operation and records it as the new head.
func (b *LogBuilder) Append(body []byte, prune bool) core.Operation {
	op := b.Next(body, prune, nil)
	b.ops = append(b.ops, op)
	if b.doc == nil {
		doc, _ := op.Header.Document()
		b.doc = &doc
	}
	return op
}

// Next signs the operation that would follow the current head without
// recording it. mutate, if non-nil, runs before signing.
func (b *LogBuilder) Next(body []byte, prune bool, mutate func(*core.Header)) core.Operation {
	h := core.Header{
		Version:   core.HeaderVersion,
		Timestamp: uint64(b.clock.Now().Unix()),
		SeqNum:    uint64(len(b.ops)),
		Extensions: core.Extensions{
			PruneFlag: prune,
			LogType:   b.logType,
			Document:  b.doc,
		},
	}
	if body != nil {
		payloadHash := core.HashBytes(body)
		h.PayloadSize = uint64(len(body))
		h.PayloadHash = &payloadHash
	}
	if n := len(b.ops); n > 0 {
		back := b.ops[n-1].Hash
		h.Backlink = &back
	}
	if mutate != nil {
		mutate(&h)
	}
	return Sign(b.key, h, body)
}

// Operations returns every appended operation in seq order.
func (b *LogBuilder) Operations() []core.Operation {
	return append([]core.Operation(nil), b.ops...)
}

// Document returns the log's document id. Panics before the first Append
// when the log was started without one.
func (b *LogBuilder) Document() core.DocumentId {
	if b.doc == nil {
		panic("testutil: log has no document yet")
	}
	return *b.doc
}

// LogId returns the log's id.
func (b *LogBuilder) LogId() core.LogId {
	return core.LogId{Type: b.logType, Document: b.Document()}
}

// Sign signs h with key and packages it with body.
func Sign(key core.PrivateKey, h core.Header, body []byte) core.Operation {
	if err := h.Sign(key); err != nil {
		panic(err)
	}
	b, err := h.ToBytes()
	if err != nil {
		panic(err)
	}
	return core.Operation{
		Hash:        core.HashBytes(b),
		Header:      h,
		HeaderBytes: b,
		Body:        body,
	}
}
