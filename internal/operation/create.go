package operation

import (
	"context"
	"fmt"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/store"
)

// CreateOption configures Create.
type CreateOption func(*createConfig)

type createConfig struct {
	clock core.Clock
}

// WithClock stamps headers from clock instead of the wall clock.
func WithClock(clock core.Clock) CreateOption {
	return func(c *createConfig) {
		c.clock = clock
	}
}

// Create signs the next operation of the caller's own log and appends it
// to s.
//
// A nil document creates a genesis operation: the returned operation's
// header hash is the id of a new document. Own operations always extend
// the head, so any ingestion outcome other than Complete is a logic error
// and panics.
//
// The caller must be the only writer to (key, logType, document).
func Create(
	ctx context.Context,
	s store.OperationStore,
	key core.PrivateKey,
	logType core.LogType,
	document *core.DocumentId,
	body []byte,
	prune bool,
	opts ...CreateOption,
) (core.Operation, error) {
	cfg := createConfig{clock: core.SystemClock{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	author := key.PublicKey()

	var (
		seq      uint64
		backlink *core.Hash
	)
	if document != nil {
		latest, ok, err := s.LatestOperation(ctx, author, core.LogId{Type: logType, Document: *document})
		if err != nil {
			return core.Operation{}, core.WrapError(core.CodeStoreError, "create operation: latest operation", err)
		}
		if ok {
			seq = latest.Header.SeqNum + 1
			hash := latest.Hash
			backlink = &hash
		}
	}

	header := core.Header{
		Version:   core.HeaderVersion,
		Timestamp: uint64(cfg.clock.Now().Unix()),
		SeqNum:    seq,
		Backlink:  backlink,
		Extensions: core.Extensions{
			PruneFlag: prune,
			LogType:   logType,
			Document:  document,
		},
	}
	if body != nil {
		payloadHash := core.HashBytes(body)
		header.PayloadSize = uint64(len(body))
		header.PayloadHash = &payloadHash
	}
	if err := header.Sign(key); err != nil {
		return core.Operation{}, fmt.Errorf("create operation: %w", err)
	}

	headerBytes, err := header.ToBytes()
	if err != nil {
		return core.Operation{}, fmt.Errorf("create operation: %w", err)
	}
	op := core.Operation{
		Hash:        core.HashBytes(headerBytes),
		Header:      header,
		HeaderBytes: headerBytes,
		Body:        body,
	}

	// Re-derive the log id: a genesis header names no document until signed.
	logID, ok := header.LogId()
	if !ok {
		panic("create operation: signed header has no document")
	}

	res, err := Ingest(ctx, s, op, logID, prune)
	if err != nil {
		return core.Operation{}, fmt.Errorf("create operation: %w", err)
	}
	if res.Outcome != Complete {
		panic(fmt.Sprintf("create operation: own operation %s seq %d was %s, not complete", logID, seq, res.Outcome))
	}
	return op, nil
}
