package operation

import (
	"context"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/store"
)

// Outcome is the result of ingesting one operation.
type Outcome int

const (
	// Complete means the operation extended the log and was stored.
	Complete Outcome = iota + 1
	// Duplicate means the log already covers this seq_num; nothing changed.
	Duplicate
	// Pending means a predecessor is missing; nothing was stored.
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Duplicate:
		return "duplicate"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Result describes an ingestion.
type Result struct {
	Outcome Outcome
	// Pruned counts entries deleted because the operation subsumes them.
	Pruned int
}

// Ingest verifies op and appends it to the log logID of its author if it
// extends the current head.
//
// When prune is true and op carries the prune flag, every earlier entry of
// the log is deleted after op is stored. A prune-flagged operation is
// accepted even if its predecessors are missing: the log then starts at op.
func Ingest(ctx context.Context, s store.OperationStore, op core.Operation, logID core.LogId, prune bool) (Result, error) {
	if err := verify(op); err != nil {
		return Result{}, err
	}

	h := &op.Header
	latest, ok, err := s.LatestOperation(ctx, h.PublicKey, logID)
	if err != nil {
		return Result{}, core.WrapError(core.CodeStoreError, "ingest: latest operation", err).At(h)
	}

	switch {
	case ok && h.SeqNum <= latest.Header.SeqNum:
		if h.SeqNum == latest.Header.SeqNum && op.Hash != latest.Hash {
			return Result{}, core.NewError(core.CodeChainMismatch,
				"conflicting operation at head %d", latest.Header.SeqNum).At(h)
		}
		return Result{Outcome: Duplicate}, nil

	case ok && h.SeqNum == latest.Header.SeqNum+1:
		if *h.Backlink != latest.Hash {
			return Result{}, core.NewError(core.CodeChainMismatch,
				"backlink %s does not match head %s", h.Backlink.Short(), latest.Hash.Short()).At(h)
		}

	case h.SeqNum == 0:
		// First entry of a new log.

	case !h.Extensions.PruneFlag:
		return Result{Outcome: Pending}, nil
	}

	inserted, err := s.InsertOperation(ctx, logID, op)
	if err != nil {
		return Result{}, core.WrapError(core.CodeStoreError, "ingest: insert operation", err).At(h)
	}
	if !inserted {
		return Result{Outcome: Duplicate}, nil
	}

	res := Result{Outcome: Complete}
	if prune && h.Extensions.PruneFlag && h.SeqNum > 0 {
		n, err := s.DeleteOperations(ctx, h.PublicKey, logID, h.SeqNum)
		if err != nil {
			return Result{}, core.WrapError(core.CodeStoreError, "ingest: prune log", err).At(h)
		}
		res.Pruned = n
	}
	return res, nil
}

// verify checks everything about op that does not depend on the store.
func verify(op core.Operation) error {
	h := &op.Header

	if !h.Verify() {
		return core.NewError(core.CodeSignatureInvalid, "signature does not verify").At(h)
	}
	if h.SeqNum == 0 && h.Backlink != nil {
		return core.NewError(core.CodeChainMismatch, "first operation has a backlink").At(h)
	}
	if h.SeqNum > 0 && h.Backlink == nil {
		return core.NewError(core.CodeChainMismatch, "operation after the first has no backlink").At(h)
	}
	if op.Body != nil {
		if h.PayloadSize != uint64(len(op.Body)) {
			return core.NewError(core.CodePayloadMismatch,
				"payload size %d, body has %d bytes", h.PayloadSize, len(op.Body)).At(h)
		}
		sum := core.HashBytes(op.Body)
		if h.PayloadHash == nil || *h.PayloadHash != sum {
			return core.NewError(core.CodePayloadMismatch, "payload hash does not match body").At(h)
		}
	}
	return nil
}
