package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/crdt"
	"github.com/roach88/aardvark/internal/network"
	"github.com/roach88/aardvark/internal/store"
	"github.com/roach88/aardvark/internal/testutil"
)

var testNetwork = network.NetworkID("aardvark tests")

// startNode runs a node for name on factory with memory stores.
func startNode(t *testing.T, name string, factory network.Factory, opts ...Option) (*Node, *store.MemoryStore) {
	t.Helper()
	ops := store.NewMemoryStore()
	opts = append([]Option{WithNetwork(factory), WithClock(testutil.NewDeterministicClock())}, opts...)
	n := New(ops, store.NewMemoryDocumentStore(), opts...)
	require.NoError(t, n.Run(context.Background(), testutil.Key(name), testNetwork))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n, ops
}

// editor is an application-side text replica feeding a subscription.
type editor struct {
	text   *crdt.Text
	events *crdt.Subscription
}

func newEditor(key core.PrivateKey) *editor {
	text := crdt.NewText(key.PublicKey().PeerID())
	return &editor{text: text, events: text.Subscribe()}
}

// encoded drains the editor's events and returns the last encoded update.
func (e *editor) encoded(t *testing.T) []byte {
	t.Helper()
	var last []byte
	for _, ev := range e.events.Events().Drain() {
		if ev.Kind == crdt.EventLocalEncoded {
			last = ev.Encoded
		}
	}
	require.NotNil(t, last, "no local change")
	return last
}

// withSnapshot builds the command publishing the editor's latest change.
func (e *editor) withSnapshot(t *testing.T) DeltaWithSnapshot {
	t.Helper()
	delta := e.encoded(t)
	snapshot, err := e.text.Snapshot()
	require.NoError(t, err)
	return DeltaWithSnapshot{DeltaBytes: delta, SnapshotBytes: snapshot}
}

// follow applies payloads from sub to e until e's text equals want.
func (e *editor) follow(t *testing.T, sub *Subscription, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for e.text.String() != want {
		select {
		case body, ok := <-sub.Payloads():
			require.True(t, ok, "subscription ended: %v", sub.Err())
			require.NoError(t, e.text.ApplyEncodedDelta(body))
		case <-timeout:
			t.Fatalf("text is %q, want %q", e.text.String(), want)
		}
	}
}

// fakeNetwork is a transport whose topics are driven by the test.
type fakeNetwork struct {
	mu     sync.Mutex
	topics []*fakeTopic
}

func (f *fakeNetwork) factory() network.Factory {
	return func(context.Context, core.Hash, core.PrivateKey, network.SyncSource) (network.Session, error) {
		return f, nil
	}
}

func (f *fakeNetwork) Subscribe(context.Context, core.DocumentId) (network.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTopic{in: make(chan []byte, 16)}
	f.topics = append(f.topics, t)
	return t, nil
}

func (f *fakeNetwork) Shutdown(context.Context) error {
	return nil
}

func (f *fakeNetwork) topic(i int) *fakeTopic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[i]
}

type fakeTopic struct {
	in chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (t *fakeTopic) Broadcast(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTopic) Messages() <-chan []byte {
	return t.in
}

func (t *fakeTopic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTopic) broadcasts() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

func (t *fakeTopic) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
