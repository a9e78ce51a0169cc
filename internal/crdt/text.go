package crdt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/aardvark/internal/queue"
)

type element struct {
	id      ID
	origin  ID
	r       rune
	deleted bool
}

// Text is a replicated text buffer. All methods are safe for concurrent use.
type Text struct {
	peer uint64

	mu    sync.Mutex
	clock uint64 // highest counter seen
	elems []*element
	byID  map[ID]*element

	pendingInserts []op
	pendingDeletes []ID

	subs map[*Subscription]struct{}
}

// NewText creates an empty buffer editing as peer.
func NewText(peer uint64) *Text {
	return &Text{
		peer: peer,
		byID: make(map[ID]*element),
		subs: make(map[*Subscription]struct{}),
	}
}

// Peer returns the discriminator of local edits.
func (t *Text) Peer() uint64 {
	return t.peer
}

// String returns the visible text.
func (t *Text) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, e := range t.elems {
		if !e.deleted {
			b.WriteRune(e.r)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visibleLen()
}

// Insert types text at rune offset index.
func (t *Text) Insert(index int, text string) error {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index > t.visibleLen() {
		return fmt.Errorf("insert at %d: out of range [0, %d]", index, t.visibleLen())
	}

	origin := root
	if index > 0 {
		origin = t.elems[t.position(index-1)].id
	}
	first := ID{Peer: t.peer, Counter: t.clock + 1}
	o := op{kind: opInsert, id: first, origin: origin, text: runes}

	encoded, err := encodeUpdate([]op{o})
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	t.integrateInsert(o, nil)

	t.emit(Event{Kind: EventLocal, Deltas: []TextDelta{Insert{Index: index, Chunk: text}}})
	t.emit(Event{Kind: EventLocalEncoded, Encoded: encoded})
	return nil
}

// Remove deletes n runes starting at rune offset index.
func (t *Text) Remove(index, n int) error {
	if n == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || n < 0 || index+n > t.visibleLen() {
		return fmt.Errorf("remove [%d, %d): out of range [0, %d]", index, index+n, t.visibleLen())
	}

	targets := make([]ID, 0, n)
	for pos, seen := t.position(index), 0; seen < n; pos++ {
		e := t.elems[pos]
		if e.deleted {
			continue
		}
		targets = append(targets, e.id)
		seen++
	}

	encoded, err := encodeUpdate([]op{{kind: opDelete, targets: targets}})
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	for _, id := range targets {
		t.byID[id].deleted = true
	}

	t.emit(Event{Kind: EventLocal, Deltas: []TextDelta{Remove{Index: index, Len: n}}})
	t.emit(Event{Kind: EventLocalEncoded, Encoded: encoded})
	return nil
}

// ApplyEncodedDelta merges an update produced by another replica's
// Insert, Remove or Snapshot. Malformed updates return a DECODE_ERROR and
// leave the text unchanged. Operations whose dependencies are missing are
// held and applied once they arrive.
func (t *Text) ApplyEncodedDelta(data []byte) error {
	ops, err := decodeUpdate(data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, o := range ops {
		switch o.kind {
		case opInsert:
			t.pendingInserts = append(t.pendingInserts, o)
		case opDelete:
			t.pendingDeletes = append(t.pendingDeletes, o.targets...)
		}
	}

	var deltas []TextDelta
	for progress := true; progress; {
		progress = false

		inserts := t.pendingInserts[:0:0]
		for _, o := range t.pendingInserts {
			if !t.known(o.origin) {
				inserts = append(inserts, o)
				continue
			}
			t.integrateInsert(o, &deltas)
			progress = true
		}
		t.pendingInserts = inserts

		deletes := t.pendingDeletes[:0:0]
		for _, id := range t.pendingDeletes {
			e, ok := t.byID[id]
			if !ok {
				deletes = append(deletes, id)
				continue
			}
			if !e.deleted {
				deltas = append(deltas, Remove{Index: t.visibleIndex(t.indexOf(id)), Len: 1})
				e.deleted = true
			}
		}
		t.pendingDeletes = deletes
	}

	if len(deltas) > 0 {
		t.emit(Event{Kind: EventRemote, Deltas: coalesce(deltas)})
	}
	return nil
}

// Snapshot encodes the complete state, including held operations, as an
// update that rebuilds this text on an empty replica.
func (t *Text) Snapshot() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		ops        []op
		tombstones []ID
	)
	for i, e := range t.elems {
		if e.deleted {
			tombstones = append(tombstones, e.id)
		}
		if i > 0 && len(ops) > 0 {
			last := &ops[len(ops)-1]
			prev := t.elems[i-1]
			if e.origin == prev.id && e.id.Peer == prev.id.Peer && e.id.Counter == prev.id.Counter+1 {
				last.text = append(last.text, e.r)
				continue
			}
		}
		ops = append(ops, op{kind: opInsert, id: e.id, origin: e.origin, text: []rune{e.r}})
	}
	ops = append(ops, t.pendingInserts...)
	tombstones = append(tombstones, t.pendingDeletes...)
	if len(tombstones) > 0 {
		ops = append(ops, op{kind: opDelete, targets: tombstones})
	}
	return encodeUpdate(ops)
}

// integrateInsert places every rune of o that is not already present.
// Callers hold t.mu and have checked that o.origin is known.
func (t *Text) integrateInsert(o op, deltas *[]TextDelta) {
	origin := o.origin
	for k, r := range o.text {
		id := ID{Peer: o.id.Peer, Counter: o.id.Counter + uint64(k)}
		if _, ok := t.byID[id]; ok {
			origin = id
			continue
		}

		pos := 0
		if origin != root {
			pos = t.indexOf(origin) + 1
		}
		// Concurrent inserts after the same origin: greater IDs come first.
		for pos < len(t.elems) && t.elems[pos].id.Compare(id) > 0 {
			pos++
		}

		e := &element{id: id, origin: origin, r: r}
		t.elems = append(t.elems, nil)
		copy(t.elems[pos+1:], t.elems[pos:])
		t.elems[pos] = e
		t.byID[id] = e

		if id.Counter > t.clock {
			t.clock = id.Counter
		}
		if deltas != nil {
			*deltas = append(*deltas, Insert{Index: t.visibleIndex(pos), Chunk: string(r)})
		}
		origin = id
	}
}

func (t *Text) known(id ID) bool {
	if id == root {
		return true
	}
	_, ok := t.byID[id]
	return ok
}

func (t *Text) indexOf(id ID) int {
	for i, e := range t.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// position returns the slice position of the visible rune at index.
func (t *Text) position(index int) int {
	seen := 0
	for i, e := range t.elems {
		if e.deleted {
			continue
		}
		if seen == index {
			return i
		}
		seen++
	}
	return len(t.elems)
}

// visibleIndex counts visible runes before slice position pos.
func (t *Text) visibleIndex(pos int) int {
	n := 0
	for _, e := range t.elems[:pos] {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (t *Text) visibleLen() int {
	return t.visibleIndex(len(t.elems))
}

// coalesce merges adjacent single-rune deltas into runs.
func coalesce(deltas []TextDelta) []TextDelta {
	out := make([]TextDelta, 0, len(deltas))
	for _, d := range deltas {
		if len(out) == 0 {
			out = append(out, d)
			continue
		}
		switch cur := d.(type) {
		case Insert:
			if prev, ok := out[len(out)-1].(Insert); ok && cur.Index == prev.Index+len([]rune(prev.Chunk)) {
				out[len(out)-1] = Insert{Index: prev.Index, Chunk: prev.Chunk + cur.Chunk}
				continue
			}
		case Remove:
			if prev, ok := out[len(out)-1].(Remove); ok && cur.Index == prev.Index {
				out[len(out)-1] = Remove{Index: prev.Index, Len: prev.Len + cur.Len}
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// Subscription is one consumer's stream of change events.
type Subscription struct {
	text   *Text
	events *queue.Queue[Event]
}

// Subscribe starts a new event stream. Only changes made after the call
// are delivered.
func (t *Text) Subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Subscription{text: t, events: queue.New[Event]()}
	t.subs[s] = struct{}{}
	return s
}

// Events returns the subscriber's queue.
func (s *Subscription) Events() *queue.Queue[Event] {
	return s.events
}

// Unsubscribe stops delivery and closes the queue.
func (s *Subscription) Unsubscribe() {
	s.text.mu.Lock()
	delete(s.text.subs, s)
	s.text.mu.Unlock()
	s.events.Close()
}

func (t *Text) emit(ev Event) {
	for s := range t.subs {
		s.events.Push(ev)
	}
}
