package crdt

import (
	"cmp"
	"fmt"
)

// ID identifies one rune. Counter starts at 1; the zero ID is the start of
// the document and is never assigned to a rune.
type ID struct {
	Peer    uint64
	Counter uint64
}

// root is the origin of runes inserted at the start of the document.
var root = ID{}

// Compare orders IDs by counter, then peer.
func (a ID) Compare(b ID) int {
	if c := cmp.Compare(a.Counter, b.Counter); c != 0 {
		return c
	}
	return cmp.Compare(a.Peer, b.Peer)
}

func (a ID) String() string {
	return fmt.Sprintf("%d@%x", a.Counter, a.Peer)
}
