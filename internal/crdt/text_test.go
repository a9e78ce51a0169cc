package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aardvark/internal/core"
)

// localUpdates collects the encoded updates a subscription has seen.
func localUpdates(sub *Subscription) [][]byte {
	var out [][]byte
	for _, ev := range sub.Events().Drain() {
		if ev.Kind == EventLocalEncoded {
			out = append(out, ev.Encoded)
		}
	}
	return out
}

func TestText_LocalEdits(t *testing.T) {
	text := NewText(1)
	require.NoError(t, text.Insert(0, "hello"))
	require.NoError(t, text.Insert(5, " world"))
	require.NoError(t, text.Insert(0, ">"))
	assert.Equal(t, ">hello world", text.String())

	require.NoError(t, text.Remove(1, 6))
	assert.Equal(t, ">world", text.String())
	assert.Equal(t, 6, text.Len())

	require.NoError(t, text.Insert(1, "new "))
	assert.Equal(t, ">new world", text.String())
}

func TestText_RuneOffsets(t *testing.T) {
	text := NewText(1)
	require.NoError(t, text.Insert(0, "héllo"))
	require.NoError(t, text.Insert(2, "✓"))
	assert.Equal(t, "hé✓llo", text.String())
	require.NoError(t, text.Remove(1, 2))
	assert.Equal(t, "hllo", text.String())
}

func TestText_OutOfRange(t *testing.T) {
	text := NewText(1)
	require.NoError(t, text.Insert(0, "abc"))

	assert.Error(t, text.Insert(4, "x"))
	assert.Error(t, text.Insert(-1, "x"))
	assert.Error(t, text.Remove(2, 2))
	assert.Error(t, text.Remove(-1, 1))
	assert.Equal(t, "abc", text.String())

	// Empty edits are no-ops.
	assert.NoError(t, text.Insert(1, ""))
	assert.NoError(t, text.Remove(1, 0))
}

func TestText_LocalEvents(t *testing.T) {
	text := NewText(1)
	sub := text.Subscribe()

	require.NoError(t, text.Insert(0, "hi"))
	require.NoError(t, text.Remove(0, 1))

	events := sub.Events().Drain()
	require.Len(t, events, 4)
	assert.Equal(t, EventLocal, events[0].Kind)
	assert.Equal(t, []TextDelta{Insert{Index: 0, Chunk: "hi"}}, events[0].Deltas)
	assert.Equal(t, EventLocalEncoded, events[1].Kind)
	assert.NotEmpty(t, events[1].Encoded)
	assert.Equal(t, EventLocal, events[2].Kind)
	assert.Equal(t, []TextDelta{Remove{Index: 0, Len: 1}}, events[2].Deltas)
	assert.Equal(t, EventLocalEncoded, events[3].Kind)
}

func TestText_RemoteEvents(t *testing.T) {
	a, b := NewText(1), NewText(2)
	subA := a.Subscribe()
	subB := b.Subscribe()

	require.NoError(t, a.Insert(0, "hi"))
	require.NoError(t, a.Remove(0, 2))
	for _, u := range localUpdates(subA) {
		require.NoError(t, b.ApplyEncodedDelta(u))
	}

	events := subB.Events().Drain()
	require.Len(t, events, 2)
	assert.Equal(t, EventRemote, events[0].Kind)
	assert.Equal(t, []TextDelta{Insert{Index: 0, Chunk: "hi"}}, events[0].Deltas)
	assert.Equal(t, EventRemote, events[1].Kind)
	assert.Equal(t, []TextDelta{Remove{Index: 0, Len: 2}}, events[1].Deltas)
}

func TestText_ReplayReproducesText(t *testing.T) {
	a := NewText(1)
	sub := a.Subscribe()

	require.NoError(t, a.Insert(0, "the quick fox"))
	require.NoError(t, a.Insert(10, "brown "))
	require.NoError(t, a.Remove(0, 4))
	require.NoError(t, a.Insert(0, "A "))
	require.NoError(t, a.Remove(8, 6))
	require.NoError(t, a.Insert(a.Len(), "!"))

	fresh := NewText(9)
	for _, u := range localUpdates(sub) {
		require.NoError(t, fresh.ApplyEncodedDelta(u))
	}
	assert.Equal(t, a.String(), fresh.String())
}

func TestText_ConcurrentInsertsConverge(t *testing.T) {
	a, b := NewText(1), NewText(2)
	subA, subB := a.Subscribe(), b.Subscribe()

	require.NoError(t, a.Insert(0, "a"))
	require.NoError(t, b.Insert(0, "b"))
	fromA, fromB := localUpdates(subA), localUpdates(subB)

	for _, u := range fromB {
		require.NoError(t, a.ApplyEncodedDelta(u))
	}
	for _, u := range fromA {
		require.NoError(t, b.ApplyEncodedDelta(u))
	}
	assert.Equal(t, "ba", a.String(), "greater peer wins the tie")
	assert.Equal(t, a.String(), b.String())

	// Interleaved edits at the same spot.
	require.NoError(t, a.Insert(1, "XY"))
	require.NoError(t, b.Insert(1, "12"))
	require.NoError(t, b.Remove(0, 1))
	fromA, fromB = localUpdates(subA), localUpdates(subB)
	for _, u := range fromB {
		require.NoError(t, a.ApplyEncodedDelta(u))
	}
	for _, u := range fromA {
		require.NoError(t, b.ApplyEncodedDelta(u))
	}
	assert.Equal(t, a.String(), b.String())
	assert.Len(t, []rune(a.String()), 5)
}

func TestText_OutOfOrderUpdatesAreHeld(t *testing.T) {
	a := NewText(1)
	sub := a.Subscribe()
	require.NoError(t, a.Insert(0, "ab"))
	require.NoError(t, a.Insert(2, "cd"))
	require.NoError(t, a.Remove(0, 1))
	updates := localUpdates(sub)
	require.Len(t, updates, 3)

	b := NewText(2)
	require.NoError(t, b.ApplyEncodedDelta(updates[2]))
	require.NoError(t, b.ApplyEncodedDelta(updates[1]))
	assert.Equal(t, "", b.String(), "nothing applies before its origin arrives")

	require.NoError(t, b.ApplyEncodedDelta(updates[0]))
	assert.Equal(t, "bcd", b.String())
}

func TestText_ApplyIsIdempotent(t *testing.T) {
	a := NewText(1)
	sub := a.Subscribe()
	require.NoError(t, a.Insert(0, "abc"))
	require.NoError(t, a.Remove(1, 1))
	updates := localUpdates(sub)

	b := NewText(2)
	subB := b.Subscribe()
	for i := 0; i < 2; i++ {
		for _, u := range updates {
			require.NoError(t, b.ApplyEncodedDelta(u))
		}
	}
	assert.Equal(t, "ac", b.String())
	assert.Len(t, subB.Events().Drain(), 2, "reapplying produces no events")
}

func TestText_Snapshot(t *testing.T) {
	a := NewText(1)
	b := NewText(2)
	subB := b.Subscribe()
	require.NoError(t, a.Insert(0, "hello"))
	require.NoError(t, b.Insert(0, "world"))
	for _, u := range localUpdates(subB) {
		require.NoError(t, a.ApplyEncodedDelta(u))
	}
	require.NoError(t, a.Remove(2, 3))
	require.NoError(t, a.Insert(0, "> "))

	snap, err := a.Snapshot()
	require.NoError(t, err)

	restored := NewText(3)
	require.NoError(t, restored.ApplyEncodedDelta(snap))
	assert.Equal(t, a.String(), restored.String())

	// Applying a snapshot to a replica that already has part of the
	// history merges instead of duplicating.
	require.NoError(t, b.ApplyEncodedDelta(snap))
	assert.Equal(t, a.String(), b.String())

	// Edits after restoring keep converging.
	subR := restored.Subscribe()
	require.NoError(t, restored.Insert(restored.Len(), "!"))
	for _, u := range localUpdates(subR) {
		require.NoError(t, a.ApplyEncodedDelta(u))
	}
	assert.Equal(t, restored.String(), a.String())
}

func TestText_EmptySnapshot(t *testing.T) {
	snap, err := NewText(1).Snapshot()
	require.NoError(t, err)

	restored := NewText(2)
	require.NoError(t, restored.ApplyEncodedDelta(snap))
	assert.Equal(t, "", restored.String())
}

func TestText_MalformedDeltaLeavesTextUnchanged(t *testing.T) {
	a := NewText(1)
	require.NoError(t, a.Insert(0, "stable"))
	sub := a.Subscribe()

	unknownKind, err := core.Marshal(wireUpdate{Version: updateVersion, Ops: []wireOp{{Kind: 9}}})
	require.NoError(t, err)
	badVersion, err := core.Marshal(wireUpdate{Version: 7})
	require.NoError(t, err)
	zeroCounter, err := core.Marshal(wireUpdate{Version: updateVersion, Ops: []wireOp{
		{Kind: uint8(opInsert), ID: wireID{Peer: 2, Counter: 1}, Text: "ok"},
		{Kind: uint8(opInsert), ID: wireID{Peer: 2}, Text: "bad"},
	}})
	require.NoError(t, err)
	invalidUTF8, err := core.Marshal(wireUpdate{Version: updateVersion, Ops: []wireOp{
		{Kind: uint8(opInsert), ID: wireID{Peer: 2, Counter: 1}, Text: "\xff"},
	}})
	require.NoError(t, err)
	emptyDelete, err := core.Marshal(wireUpdate{Version: updateVersion, Ops: []wireOp{{Kind: uint8(opDelete)}}})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"garbage", []byte("not cbor at all")},
		{"unknown op kind", unknownKind},
		{"unsupported version", badVersion},
		{"zero counter after valid op", zeroCounter},
		{"invalid utf8", invalidUTF8},
		{"empty delete", emptyDelete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.ApplyEncodedDelta(tt.data)
			require.Error(t, err)
			assert.True(t, core.IsCode(err, core.CodeDecodeError), "got %v", err)
			assert.Equal(t, "stable", a.String())
		})
	}
	assert.Equal(t, 0, sub.Events().Len(), "no events for rejected updates")
}

func TestText_Unsubscribe(t *testing.T) {
	text := NewText(1)
	sub := text.Subscribe()
	other := text.Subscribe()
	sub.Unsubscribe()

	require.NoError(t, text.Insert(0, "x"))
	assert.True(t, sub.Events().Closed())
	assert.Equal(t, 0, sub.Events().Len())
	assert.Equal(t, 2, other.Events().Len())
}

func TestCoalesce(t *testing.T) {
	in := []TextDelta{
		Insert{Index: 0, Chunk: "a"},
		Insert{Index: 1, Chunk: "é"},
		Insert{Index: 2, Chunk: "c"},
		Insert{Index: 7, Chunk: "z"},
		Remove{Index: 3, Len: 1},
		Remove{Index: 3, Len: 1},
		Remove{Index: 1, Len: 1},
	}
	assert.Equal(t, []TextDelta{
		Insert{Index: 0, Chunk: "aéc"},
		Insert{Index: 7, Chunk: "z"},
		Remove{Index: 3, Len: 2},
		Remove{Index: 1, Len: 1},
	}, coalesce(in))
}
