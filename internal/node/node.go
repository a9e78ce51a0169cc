package node

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/network"
	"github.com/roach88/aardvark/internal/operation"
	"github.com/roach88/aardvark/internal/store"
)

// DefaultChannelCapacity bounds each subscription's command and payload
// channels.
const DefaultChannelCapacity = 512

// Node owns the stores and the network session of one author, and runs a
// pair of replication loops per subscribed document.
//
// Lifecycle: New, then Run exactly once, then any number of CreateDocument
// and JoinDocument calls, then Shutdown. Document calls made before Run
// completes block until the session is up.
//
// Thread-safety model:
//   - Run(): must be called exactly once; a second call panics
//   - CreateDocument(), JoinDocument(), Authors(): safe from any goroutine
//   - Own operations are only created by the outbound loop of the
//     document's subscription, so each (author, log) has one writer
type Node struct {
	operations store.OperationStore
	documents  store.DocumentStore
	logger     *slog.Logger
	clock      core.Clock
	metrics    *Metrics
	network    network.Factory
	capacity   int
	ingestOpts []operation.IngesterOption

	runMu   sync.Mutex
	started bool
	ready   chan struct{}
	initErr error

	// Set once by Run before ready closes.
	key      core.PrivateKey
	session  network.Session
	ingester *operation.Ingester

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[core.DocumentId]*Subscription
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithClock stamps own operations from clock.
func WithClock(clock core.Clock) Option {
	return func(n *Node) {
		n.clock = clock
	}
}

// WithNetwork sets the transport. Defaults to a private in-process hub,
// which never meets another node.
func WithNetwork(factory network.Factory) Option {
	return func(n *Node) {
		n.network = factory
	}
}

// WithChannelCapacity bounds each subscription's channels.
//
// Default: 512 (DefaultChannelCapacity)
func WithChannelCapacity(capacity int) Option {
	return func(n *Node) {
		n.capacity = capacity
	}
}

// WithIngesterOptions configures the ingestion of received operations.
func WithIngesterOptions(opts ...operation.IngesterOption) Option {
	return func(n *Node) {
		n.ingestOpts = append(n.ingestOpts, opts...)
	}
}

// WithMetrics registers the node's instruments with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(n *Node) {
		n.metrics = NewMetrics(reg)
	}
}

// New creates a node over the given stores. The node does nothing until
// Run.
func New(operations store.OperationStore, documents store.DocumentStore, opts ...Option) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		operations: operations,
		documents:  documents,
		logger:     slog.Default(),
		clock:      core.SystemClock{},
		capacity:   DefaultChannelCapacity,
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[core.DocumentId]*Subscription),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.network == nil {
		n.network = network.NewHub(network.WithHubLogger(n.logger)).Factory()
	}
	if n.metrics == nil {
		n.metrics = NewMetrics(nil)
	}
	return n
}

// Run stores the author's key and starts the network session on
// networkID. It returns once the session is up; waiting document calls
// proceed, or fail with the session's error.
//
// Calling Run twice is a programming error and panics.
func (n *Node) Run(ctx context.Context, key core.PrivateKey, networkID core.Hash) error {
	n.runMu.Lock()
	if n.started {
		n.runMu.Unlock()
		panic("node: Run called twice")
	}
	n.started = true
	n.runMu.Unlock()

	defer close(n.ready)

	session, err := n.network(ctx, networkID, key, network.SyncSource{
		Operations: n.operations,
		Documents:  n.documents,
	})
	if err != nil {
		n.initErr = core.WrapError(core.CodeTransportError, "start network session", err)
		return n.initErr
	}

	n.key = key
	n.session = session
	n.ingester = operation.NewIngester(n.operations, append(n.ingestOpts, operation.WithObserver(func(o operation.Outcome) {
		n.metrics.OperationsReceived.WithLabelValues(o.String()).Inc()
	}))...)
	n.logger = n.logger.With("author", key.PublicKey().Short())
	n.logger.Info("node running", "network", networkID.Short())
	return nil
}

// PublicKey returns the author's public key. Only valid after Run.
func (n *Node) PublicKey() core.PublicKey {
	return n.key.PublicKey()
}

// Metrics returns the node's instruments.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// await blocks until Run has finished initialisation.
func (n *Node) await(ctx context.Context) error {
	select {
	case <-n.ready:
		return n.initErr
	case <-n.ctx.Done():
		return core.NewError(core.CodeChannelClosed, "node shut down")
	case <-ctx.Done():
		return core.WrapError(core.CodeChannelClosed, "waiting for node", ctx.Err())
	}
}

// CreateDocument starts a new document authored by this node and
// subscribes to it. The document id is the hash of a genesis snapshot
// operation with an empty body.
func (n *Node) CreateDocument(ctx context.Context) (core.DocumentId, *Subscription, error) {
	if err := n.await(ctx); err != nil {
		return core.DocumentId{}, nil, err
	}
	genesis, err := operation.Create(ctx, n.operations, n.key, core.LogTypeSnapshot, nil, []byte{}, false,
		operation.WithClock(n.clock))
	if err != nil {
		return core.DocumentId{}, nil, err
	}
	n.metrics.OperationsCreated.WithLabelValues(core.LogTypeSnapshot.String()).Inc()

	doc, _ := genesis.Header.Document()
	sub, err := n.join(ctx, doc)
	if err != nil {
		return core.DocumentId{}, nil, err
	}
	n.logger.Info("created document", "document", doc.Short())
	return doc, sub, nil
}

// JoinDocument subscribes to an existing document.
func (n *Node) JoinDocument(ctx context.Context, doc core.DocumentId) (*Subscription, error) {
	if err := n.await(ctx); err != nil {
		return nil, err
	}
	sub, err := n.join(ctx, doc)
	if err != nil {
		return nil, err
	}
	n.logger.Info("joined document", "document", doc.Short())
	return sub, nil
}

// Authors lists the known members of doc.
func (n *Node) Authors(ctx context.Context, doc core.DocumentId) ([]core.PublicKey, error) {
	authors, err := n.documents.Authors(ctx, doc)
	if err != nil {
		return nil, core.WrapError(core.CodeStoreError, "list authors", err)
	}
	return authors, nil
}

// Subscriptions returns the documents with a live subscription.
func (n *Node) Subscriptions() []core.DocumentId {
	n.mu.Lock()
	defer n.mu.Unlock()
	docs := make([]core.DocumentId, 0, len(n.subs))
	for doc, sub := range n.subs {
		if sub.State() != StateClosed {
			docs = append(docs, doc)
		}
	}
	return docs
}

// Shutdown closes every subscription and leaves the network.
func (n *Node) Shutdown(ctx context.Context) error {
	n.cancel()

	n.mu.Lock()
	subs := make([]*Subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
		select {
		case <-sub.Done():
		case <-ctx.Done():
			return core.WrapError(core.CodeChannelClosed, "shutdown", ctx.Err())
		}
	}

	n.runMu.Lock()
	started := n.started
	n.runMu.Unlock()
	if !started {
		return nil
	}
	<-n.ready
	if n.session == nil {
		return nil
	}
	if err := n.session.Shutdown(ctx); err != nil {
		return core.WrapError(core.CodeTransportError, "shutdown", err)
	}
	return nil
}

// join records the author as a member of doc and starts its subscription.
func (n *Node) join(ctx context.Context, doc core.DocumentId) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subs[doc]; ok && sub.State() != StateClosed {
		return nil, core.NewError(core.CodeTransportError, "document %s already subscribed", doc.Short())
	}
	if err := n.documents.AddAuthor(ctx, doc, n.key.PublicKey()); err != nil {
		return nil, core.WrapError(core.CodeStoreError, "add author", err)
	}
	backlog, err := n.backlog(ctx, doc)
	if err != nil {
		return nil, err
	}
	topic, err := n.session.Subscribe(ctx, doc)
	if err != nil {
		return nil, core.WrapError(core.CodeTransportError, "subscribe", err)
	}

	sub := n.startSubscription(doc, topic, backlog)
	n.subs[doc] = sub
	return sub, nil
}

// backlog returns the non-empty bodies of doc's stored operations in
// replay order and records their authors as members, so a restarted
// node serves and rebuilds what it held before.
func (n *Node) backlog(ctx context.Context, doc core.DocumentId) ([][]byte, error) {
	ops, err := store.DocumentOperations(ctx, n.operations, doc)
	if err != nil {
		return nil, core.WrapError(core.CodeStoreError, "read stored operations", err)
	}
	var (
		bodies [][]byte
		last   core.PublicKey
	)
	for i, op := range ops {
		if author := op.Header.PublicKey; i == 0 || author != last {
			if err := n.documents.AddAuthor(ctx, doc, author); err != nil {
				return nil, core.WrapError(core.CodeStoreError, "add author", err)
			}
			last = author
		}
		if len(op.Body) > 0 {
			bodies = append(bodies, op.Body)
		}
	}
	if len(bodies) > 0 {
		n.logger.Info("restoring document", "document", doc.Short(), "operations", len(bodies))
	}
	return bodies, nil
}
