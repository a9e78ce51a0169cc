package node

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/network"
	"github.com/roach88/aardvark/internal/operation"
	"github.com/roach88/aardvark/internal/store"
	"github.com/roach88/aardvark/internal/testutil"
)

func TestNode_CreateAndJoinReplicatesText(t *testing.T) {
	ctx := context.Background()
	hub := network.NewHub()
	alice, _ := startNode(t, "alice", hub.Factory())
	bob, _ := startNode(t, "bob", hub.Factory())

	doc, aliceSub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)
	bobSub, err := bob.JoinDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, StateActive, aliceSub.State())
	assert.Equal(t, StateActive, bobSub.State())

	aliceText := newEditor(testutil.Key("alice"))
	require.NoError(t, aliceText.text.Insert(0, "hi"))
	require.NoError(t, aliceSub.Send(ctx, aliceText.withSnapshot(t)))

	bobText := newEditor(testutil.Key("bob"))
	bobText.follow(t, bobSub, "hi")

	require.NoError(t, bobText.text.Insert(2, "!"))
	require.NoError(t, bobSub.Send(ctx, Delta{Bytes: bobText.encoded(t)}))
	aliceText.follow(t, aliceSub, "hi!")

	require.Eventually(t, func() bool {
		authors, err := alice.Authors(ctx, doc)
		return err == nil && len(authors) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_GenesisDefinesDocument(t *testing.T) {
	ctx := context.Background()
	alice, ops := startNode(t, "alice", network.NewHub().Factory())

	doc, _, err := alice.CreateDocument(ctx)
	require.NoError(t, err)

	author := testutil.Key("alice").PublicKey()
	genesis, ok, err := ops.LatestOperation(ctx, author, core.LogId{Type: core.LogTypeSnapshot, Document: doc})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.DocumentId(genesis.Hash), doc)
	assert.Equal(t, uint64(0), genesis.Header.SeqNum)
	assert.Nil(t, genesis.Header.Extensions.Document)
	assert.Equal(t, []byte{}, genesis.Body)

	authors, err := alice.Authors(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, []core.PublicKey{author}, authors)
	assert.Equal(t, []core.DocumentId{doc}, alice.Subscriptions())
}

func TestNode_DeltaWithSnapshotPrunesAndBroadcastsDeltaOnly(t *testing.T) {
	ctx := context.Background()
	net := &fakeNetwork{}
	alice, ops := startNode(t, "alice", net.factory())
	author := testutil.Key("alice").PublicKey()

	doc, sub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)
	topic := net.topic(0)

	text := newEditor(testutil.Key("alice"))
	require.NoError(t, text.text.Insert(0, "hello"))
	require.NoError(t, sub.Send(ctx, text.withSnapshot(t)))
	require.NoError(t, text.text.Insert(5, " world"))
	require.NoError(t, sub.Send(ctx, text.withSnapshot(t)))

	require.Eventually(t, func() bool {
		return len(topic.broadcasts()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	for _, data := range topic.broadcasts() {
		op, err := operation.DecodeOperation(data)
		require.NoError(t, err)
		assert.Equal(t, core.LogTypeDelta, op.Header.Extensions.LogType)
		assert.True(t, op.Header.Extensions.PruneFlag)
	}

	snapshots, err := ops.GetLog(ctx, author, core.LogId{Type: core.LogTypeSnapshot, Document: doc}, 0)
	require.NoError(t, err)
	require.Len(t, snapshots, 1, "earlier snapshots are pruned")
	assert.Equal(t, uint64(2), snapshots[0].Header.SeqNum)

	deltas, err := ops.GetLog(ctx, author, core.LogId{Type: core.LogTypeDelta, Document: doc}, 0)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, uint64(1), deltas[0].Header.SeqNum)

	restored := newEditor(testutil.Key("carol"))
	require.NoError(t, restored.text.ApplyEncodedDelta(snapshots[0].Body))
	assert.Equal(t, "hello world", restored.text.String())
}

func TestNode_PlainDeltaKeepsHistory(t *testing.T) {
	ctx := context.Background()
	net := &fakeNetwork{}
	alice, ops := startNode(t, "alice", net.factory())

	doc, sub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)

	text := newEditor(testutil.Key("alice"))
	for i, s := range []string{"a", "b", "c"} {
		require.NoError(t, text.text.Insert(i, s))
		require.NoError(t, sub.Send(ctx, Delta{Bytes: text.encoded(t)}))
	}

	require.Eventually(t, func() bool {
		return len(net.topic(0).broadcasts()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	deltas, err := ops.GetLog(ctx, testutil.Key("alice").PublicKey(), core.LogId{Type: core.LogTypeDelta, Document: doc}, 0)
	require.NoError(t, err)
	assert.Len(t, deltas, 3)
}

func TestNode_SkipsInvalidOperations(t *testing.T) {
	ctx := context.Background()
	net := &fakeNetwork{}
	alice, _ := startNode(t, "alice", net.factory())

	doc, sub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)
	topic := net.topic(0)

	carol := testutil.Key("carol")
	other := testutil.DocumentID("other")
	foreign := testutil.NewLogBuilder(carol, core.LogTypeDelta, &other).Append([]byte("foreign"), false)

	log := testutil.NewLogBuilder(carol, core.LogTypeDelta, &doc)
	valid := log.Next([]byte("valid"), false, nil)
	tampered := valid.Header
	tampered.Timestamp++

	send := func(data []byte) {
		t.Helper()
		select {
		case topic.in <- data:
		case <-time.After(time.Second):
			t.Fatal("inbound loop not reading")
		}
	}
	encode := func(op core.Operation) []byte {
		data, err := operation.EncodeOperation(op)
		require.NoError(t, err)
		return data
	}

	send([]byte("not an operation"))
	send(encode(foreign))
	badSig, err := operation.EncodeGossipOperation(tampered, valid.Body)
	require.NoError(t, err)
	send(badSig)
	send(encode(valid))

	select {
	case body := <-sub.Payloads():
		assert.Equal(t, []byte("valid"), body)
	case <-time.After(5 * time.Second):
		t.Fatal("valid operation not delivered")
	}
	assert.Equal(t, StateActive, sub.State())

	authors, err := alice.Authors(ctx, doc)
	require.NoError(t, err)
	assert.Contains(t, authors, carol.PublicKey())
}

func TestNode_OutOfOrderOperationsAreDeliveredInOrder(t *testing.T) {
	ctx := context.Background()
	net := &fakeNetwork{}
	alice, _ := startNode(t, "alice", net.factory())

	doc, sub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)
	topic := net.topic(0)

	log := testutil.NewLogBuilder(testutil.Key("carol"), core.LogTypeDelta, &doc)
	var msgs [][]byte
	for _, body := range []string{"one", "two", "three"} {
		data, err := operation.EncodeOperation(log.Append([]byte(body), false))
		require.NoError(t, err)
		msgs = append(msgs, data)
	}
	topic.in <- msgs[2]
	topic.in <- msgs[1]
	topic.in <- msgs[0]

	var got []string
	for len(got) < 3 {
		select {
		case body := <-sub.Payloads():
			got = append(got, string(body))
		case <-time.After(5 * time.Second):
			t.Fatalf("received %v", got)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestNode_LateJoinerRebuildsFromPrunedLogs(t *testing.T) {
	ctx := context.Background()
	hub := network.NewHub()
	alice, _ := startNode(t, "alice", hub.Factory())

	doc, aliceSub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)

	full := newEditor(testutil.Key("alice"))
	edits := []func() error{
		func() error { return full.text.Insert(0, "the fox") },
		func() error { return full.text.Insert(4, "quick ") },
		func() error { return full.text.Remove(0, 4) },
		func() error { return full.text.Insert(0, "a ") },
	}
	for _, edit := range edits {
		require.NoError(t, edit())
		require.NoError(t, aliceSub.Send(ctx, full.withSnapshot(t)))
	}
	want := full.text.String()
	require.Equal(t, "a quick fox", want)

	// Wait for the outbound loop to store the last snapshot.
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(alice.Metrics().OperationsCreated.WithLabelValues("snapshot")) == float64(len(edits)+1)
	}, 5*time.Second, 10*time.Millisecond)

	bob, _ := startNode(t, "bob", hub.Factory())
	bobSub, err := bob.JoinDocument(ctx, doc)
	require.NoError(t, err)

	late := newEditor(testutil.Key("bob"))
	late.follow(t, bobSub, want)
}

func TestNode_TopicLossEndsSubscription(t *testing.T) {
	ctx := context.Background()
	net := &fakeNetwork{}
	alice, _ := startNode(t, "alice", net.factory())

	_, sub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)
	close(net.topic(0).in)

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription still running")
	}
	assert.Equal(t, StateClosed, sub.State())
	assert.True(t, core.IsCode(sub.Err(), core.CodeTransportError))
	assert.True(t, net.topic(0).isClosed())

	_, ok := <-sub.Payloads()
	assert.False(t, ok)
	err = sub.Send(ctx, Delta{Bytes: []byte("late")})
	assert.True(t, core.IsCode(err, core.CodeChannelClosed))
	assert.Empty(t, alice.Subscriptions())
}

func TestNode_CloseIsNotAnError(t *testing.T) {
	ctx := context.Background()
	alice, _ := startNode(t, "alice", network.NewHub().Factory())

	doc, sub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)

	sub.Close()
	<-sub.Done()
	assert.NoError(t, sub.Err())

	again, err := alice.JoinDocument(ctx, doc)
	require.NoError(t, err, "a closed subscription may be replaced")
	assert.Equal(t, StateActive, again.State())

	_, err = alice.JoinDocument(ctx, doc)
	assert.True(t, core.IsCode(err, core.CodeTransportError))
}

func TestNode_DocumentCallsWaitForRun(t *testing.T) {
	n := New(store.NewMemoryStore(), store.NewMemoryDocumentStore(), WithNetwork(network.NewHub().Factory()))
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })

	type result struct {
		doc core.DocumentId
		err error
	}
	done := make(chan result, 1)
	go func() {
		doc, _, err := n.CreateDocument(context.Background())
		done <- result{doc, err}
	}()

	select {
	case <-done:
		t.Fatal("CreateDocument returned before Run")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, n.Run(context.Background(), testutil.Key("alice"), testNetwork))
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.False(t, r.doc == core.DocumentId{})
	case <-time.After(5 * time.Second):
		t.Fatal("CreateDocument still waiting")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waiting := New(store.NewMemoryStore(), store.NewMemoryDocumentStore())
	_, err := waiting.JoinDocument(ctx, testutil.DocumentID("notes"))
	assert.True(t, core.IsCode(err, core.CodeChannelClosed))
}

func TestNode_RunTwicePanics(t *testing.T) {
	n, _ := startNode(t, "alice", network.NewHub().Factory())
	assert.Panics(t, func() {
		_ = n.Run(context.Background(), testutil.Key("alice"), testNetwork)
	})
}

func TestNode_MetricsRegister(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	alice, _ := startNode(t, "alice", network.NewHub().Factory(), WithMetrics(reg))

	_, sub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)

	text := newEditor(testutil.Key("alice"))
	require.NoError(t, text.text.Insert(0, "x"))
	require.NoError(t, sub.Send(ctx, Delta{Bytes: text.encoded(t)}))

	require.Eventually(t, func() bool {
		return promtest.ToFloat64(alice.Metrics().OperationsCreated.WithLabelValues("delta")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), promtest.ToFloat64(alice.Metrics().Subscriptions))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "aardvark_operations_created_total")
	assert.Contains(t, names, "aardvark_subscriptions")
}

func TestNode_JoinHandsOverStoredBacklog(t *testing.T) {
	ctx := context.Background()
	net := &fakeNetwork{}
	alice, ops := startNode(t, "alice", net.factory())

	doc, sub, err := alice.CreateDocument(ctx)
	require.NoError(t, err)
	assert.Empty(t, sub.Backlog(), "the genesis body is empty")

	text := newEditor(testutil.Key("alice"))
	for i, s := range []string{"a", "b"} {
		require.NoError(t, text.text.Insert(i, s))
		require.NoError(t, sub.Send(ctx, Delta{Bytes: text.encoded(t)}))
	}
	require.Eventually(t, func() bool {
		return len(net.topic(0).broadcasts()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.Shutdown(ctx))

	docs := store.NewMemoryDocumentStore()
	restarted := New(ops, docs, WithNetwork(net.factory()))
	require.NoError(t, restarted.Run(ctx, testutil.Key("alice"), testNetwork))
	t.Cleanup(func() { _ = restarted.Shutdown(ctx) })

	rejoined, err := restarted.JoinDocument(ctx, doc)
	require.NoError(t, err)
	require.Len(t, rejoined.Backlog(), 2)

	replica := newEditor(testutil.Key("alice"))
	for _, body := range rejoined.Backlog() {
		require.NoError(t, replica.text.ApplyEncodedDelta(body))
	}
	assert.Equal(t, "ab", replica.text.String())

	authors, err := docs.Authors(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, []core.PublicKey{testutil.Key("alice").PublicKey()}, authors)
}
