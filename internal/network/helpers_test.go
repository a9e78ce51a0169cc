package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/operation"
	"github.com/roach88/aardvark/internal/store"
	"github.com/roach88/aardvark/internal/testutil"
)

var testNetwork = NetworkID("aardvark tests")

func emptySource() SyncSource {
	return SyncSource{
		Operations: store.NewMemoryStore(),
		Documents:  store.NewMemoryDocumentStore(),
	}
}

// seededSource returns a source holding a genesis snapshot and deltas
// bodies for one document authored by key, and the operations in sync
// order.
func seededSource(t *testing.T, key core.PrivateKey, deltas ...string) (SyncSource, core.DocumentId, []core.Operation) {
	t.Helper()
	ctx := context.Background()
	src := emptySource()

	snap := testutil.NewLogBuilder(key, core.LogTypeSnapshot, nil)
	genesis := snap.Append([]byte{}, false)
	doc := snap.Document()
	_, err := src.Operations.InsertOperation(ctx, snap.LogId(), genesis)
	require.NoError(t, err)

	ops := []core.Operation{genesis}
	log := testutil.NewLogBuilder(key, core.LogTypeDelta, &doc)
	for _, body := range deltas {
		op := log.Append([]byte(body), false)
		_, err := src.Operations.InsertOperation(ctx, log.LogId(), op)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	require.NoError(t, src.Documents.AddAuthor(ctx, doc, key.PublicKey()))
	return src, doc, ops
}

// receive reads n messages from topic, failing after a timeout.
func receive(t *testing.T, topic Topic, n int) [][]byte {
	t.Helper()
	out := make([][]byte, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-topic.Messages():
			require.True(t, ok, "topic closed after %d of %d messages", len(out), n)
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("received %d of %d messages", len(out), n)
		}
	}
	return out
}

// assertQuiet fails if topic yields a message within a short window.
func assertQuiet(t *testing.T, topic Topic) {
	t.Helper()
	select {
	case msg := <-topic.Messages():
		t.Fatalf("unexpected message of %d bytes", len(msg))
	case <-time.After(100 * time.Millisecond):
	}
}

func hashesOf(t *testing.T, msgs [][]byte) []core.Hash {
	t.Helper()
	hashes := make([]core.Hash, len(msgs))
	for i, msg := range msgs {
		op, err := operation.DecodeOperation(msg)
		require.NoError(t, err)
		hashes[i] = op.Hash
	}
	return hashes
}

func opHashes(ops []core.Operation) []core.Hash {
	hashes := make([]core.Hash, len(ops))
	for i, op := range ops {
		hashes[i] = op.Hash
	}
	return hashes
}
