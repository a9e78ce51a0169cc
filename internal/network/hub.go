package network

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/aardvark/internal/core"
)

// Hub is an in-process network. Every session created from its Factory
// joins the network named by its network id; sessions on different ids
// never see each other.
//
// Delivery is full mesh: a broadcast goes straight to every other member
// of the topic, in order per sender. Catch-up sync on join runs
// concurrently with live traffic, so receivers see operations out of
// order and rely on ingestion to hold them.
type Hub struct {
	logger    *slog.Logger
	inboxSize int

	mu     sync.Mutex
	topics map[hubTopicKey]map[*hubTopic]struct{}
}

type hubTopicKey struct {
	network core.Hash
	doc     core.DocumentId
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub's logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithInboxSize bounds each topic's undelivered messages. Senders block
// while a receiver's inbox is full.
func WithInboxSize(n int) HubOption {
	return func(h *Hub) {
		h.inboxSize = n
	}
}

// NewHub creates an empty in-process network.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:    slog.Default(),
		inboxSize: DefaultInboxSize,
		topics:    make(map[hubTopicKey]map[*hubTopic]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Factory returns a session factory bound to h.
func (h *Hub) Factory() Factory {
	return func(_ context.Context, networkID core.Hash, key core.PrivateKey, src SyncSource) (Session, error) {
		ctx, cancel := context.WithCancel(context.Background())
		return &hubSession{
			hub:     h,
			network: networkID,
			author:  key.PublicKey(),
			src:     src,
			ctx:     ctx,
			cancel:  cancel,
			topics:  make(map[*hubTopic]struct{}),
		}, nil
	}
}

// Members returns the number of open topics for doc on network.
func (h *Hub) Members(network core.Hash, doc core.DocumentId) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[hubTopicKey{network: network, doc: doc}])
}

func (h *Hub) join(t *hubTopic) []*hubTopic {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[t.key]
	if !ok {
		set = make(map[*hubTopic]struct{})
		h.topics[t.key] = set
	}
	others := make([]*hubTopic, 0, len(set))
	for other := range set {
		others = append(others, other)
	}
	set[t] = struct{}{}
	return others
}

func (h *Hub) leave(t *hubTopic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.topics[t.key]
	delete(set, t)
	if len(set) == 0 {
		delete(h.topics, t.key)
	}
}

func (h *Hub) peers(t *hubTopic) []*hubTopic {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*hubTopic, 0, len(h.topics[t.key]))
	for other := range h.topics[t.key] {
		if other != t {
			peers = append(peers, other)
		}
	}
	return peers
}

// syncTo sends every operation from's session holds for the topic's
// document to to.
func (h *Hub) syncTo(from, to *hubTopic) {
	ctx := from.session.ctx
	msgs, err := collectSync(ctx, from.session.src, from.key.doc)
	if err != nil {
		h.logger.Warn("sync failed",
			"document", from.key.doc.Short(),
			"author", from.session.author.Short(),
			"error", err)
		return
	}
	for _, msg := range msgs {
		if !to.deliver(ctx, msg) {
			return
		}
	}
	h.logger.Debug("synced topic",
		"document", from.key.doc.Short(),
		"from", from.session.author.Short(),
		"to", to.session.author.Short(),
		"operations", len(msgs))
}

type hubSession struct {
	hub     *Hub
	network core.Hash
	author  core.PublicKey
	src     SyncSource

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	topics map[*hubTopic]struct{}
}

func (s *hubSession) Subscribe(_ context.Context, doc core.DocumentId) (Topic, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.NewError(core.CodeTransportError, "subscribe %s: session closed", doc.Short())
	}
	t := &hubTopic{
		session: s,
		key:     hubTopicKey{network: s.network, doc: doc},
		inbox:   make(chan []byte, s.hub.inboxSize),
		done:    make(chan struct{}),
	}
	s.topics[t] = struct{}{}
	s.mu.Unlock()

	for _, other := range s.hub.join(t) {
		go s.hub.syncTo(other, t)
		go s.hub.syncTo(t, other)
	}
	return t, nil
}

func (s *hubSession) Shutdown(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	topics := make([]*hubTopic, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	s.cancel()
	for _, t := range topics {
		_ = t.Close()
	}
	return nil
}

func (s *hubSession) forget(t *hubTopic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, t)
}

type hubTopic struct {
	session *hubSession
	key     hubTopicKey

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// mu guards inbox against a send racing its close: senders hold the
	// read lock, Close takes the write lock after signalling done.
	mu     sync.RWMutex
	closed bool
}

func (t *hubTopic) Broadcast(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return core.NewError(core.CodeTransportError, "broadcast: topic closed")
	default:
	}
	for _, peer := range t.session.hub.peers(t) {
		if err := ctx.Err(); err != nil {
			return core.WrapError(core.CodeTransportError, "broadcast", err)
		}
		peer.deliver(ctx, data)
	}
	return nil
}

func (t *hubTopic) Messages() <-chan []byte {
	return t.inbox
}

func (t *hubTopic) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.session.hub.leave(t)
		t.session.forget(t)

		t.mu.Lock()
		t.closed = true
		close(t.inbox)
		t.mu.Unlock()
	})
	return nil
}

// deliver queues data in t's inbox. It reports false if t closed or ctx
// ended first.
func (t *hubTopic) deliver(ctx context.Context, data []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	select {
	case t.inbox <- data:
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}
