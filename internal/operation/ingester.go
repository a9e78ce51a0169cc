package operation

import (
	"context"
	"sync"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/store"
)

// DefaultPendingLimit bounds the operations an Ingester holds out of order
// for one document.
const DefaultPendingLimit = 1024

type logKey struct {
	author core.PublicKey
	log    core.LogId
}

// Ingester feeds received operations into their logs and holds the ones
// that arrive before their predecessor. Each Push returns the operations
// that became complete, in log order.
//
// Thread-safety: Push may be called from multiple goroutines; calls are
// serialised.
type Ingester struct {
	store         store.OperationStore
	pruneOnIngest bool
	limit         int
	observe       func(Outcome)

	mu      sync.Mutex
	pending map[logKey]map[uint64]core.Operation
	held    map[core.DocumentId]int
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithPendingLimit caps the number of held operations per document. A
// flood of out-of-order operations in one document never fills the budget
// of another.
func WithPendingLimit(n int) IngesterOption {
	return func(i *Ingester) {
		i.limit = n
	}
}

// WithPruneOnIngest controls whether a received prune flag deletes the
// local copies of the entries it subsumes. Defaults to true.
func WithPruneOnIngest(prune bool) IngesterOption {
	return func(i *Ingester) {
		i.pruneOnIngest = prune
	}
}

// WithObserver calls fn with the outcome of every pushed operation that
// passed verification.
func WithObserver(fn func(Outcome)) IngesterOption {
	return func(i *Ingester) {
		i.observe = fn
	}
}

// NewIngester creates an Ingester over s.
func NewIngester(s store.OperationStore, opts ...IngesterOption) *Ingester {
	i := &Ingester{
		store:         s,
		pruneOnIngest: true,
		limit:         DefaultPendingLimit,
		observe:       func(Outcome) {},
		pending:       make(map[logKey]map[uint64]core.Operation),
		held:          make(map[core.DocumentId]int),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Push ingests op into logID. It returns op followed by any held
// operations it unblocked, or nothing if op is a duplicate or was held.
//
// Validation failures are returned as *core.Error and leave the Ingester
// unchanged. A full buffer returns CodePendingOverflow.
func (i *Ingester) Push(ctx context.Context, op core.Operation, logID core.LogId) ([]core.Operation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	res, err := Ingest(ctx, i.store, op, logID, i.pruneOnIngest)
	if err != nil {
		return nil, err
	}

	i.observe(res.Outcome)

	key := logKey{author: op.Header.PublicKey, log: logID}
	switch res.Outcome {
	case Duplicate:
		return nil, nil
	case Pending:
		return nil, i.hold(key, op)
	}

	completed := []core.Operation{op}
	head := op.Header.SeqNum
	for {
		next, ok := i.take(key, head)
		if !ok {
			break
		}
		res, err := Ingest(ctx, i.store, next, logID, i.pruneOnIngest)
		if err != nil {
			if core.IsValidationError(err) {
				// The held operation forks the log; drop it and wait for another.
				continue
			}
			return completed, err
		}
		if res.Outcome == Complete {
			completed = append(completed, next)
			head = next.Header.SeqNum
		}
	}
	return completed, nil
}

// Held returns the number of operations waiting for a predecessor.
func (i *Ingester) Held() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, held := range i.held {
		n += held
	}
	return n
}

// HeldFor returns the number of held operations of doc.
func (i *Ingester) HeldFor(doc core.DocumentId) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.held[doc]
}

func (i *Ingester) hold(key logKey, op core.Operation) error {
	log := i.pending[key]
	if _, ok := log[op.Header.SeqNum]; ok {
		return nil
	}
	doc := key.log.Document
	if i.held[doc] >= i.limit {
		return core.NewError(core.CodePendingOverflow,
			"%d operations of document %s already held", i.held[doc], doc.Short()).At(&op.Header)
	}
	if log == nil {
		log = make(map[uint64]core.Operation)
		i.pending[key] = log
	}
	log[op.Header.SeqNum] = op
	i.held[doc]++
	return nil
}

// take removes and returns the held successor of head. Held entries at or
// below head are obsolete and discarded on the way.
func (i *Ingester) take(key logKey, head uint64) (core.Operation, bool) {
	log := i.pending[key]
	if len(log) == 0 {
		return core.Operation{}, false
	}
	for seq := range log {
		if seq <= head {
			delete(log, seq)
			i.release(key.log.Document)
		}
	}
	op, ok := log[head+1]
	if ok {
		delete(log, head+1)
		i.release(key.log.Document)
	}
	if len(log) == 0 {
		delete(i.pending, key)
	}
	return op, ok
}

func (i *Ingester) release(doc core.DocumentId) {
	i.held[doc]--
	if i.held[doc] == 0 {
		delete(i.held, doc)
	}
}
