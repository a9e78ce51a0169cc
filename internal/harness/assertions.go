package harness

import (
	"context"
	"fmt"

	"github.com/roach88/aardvark/internal/core"
)

// check evaluates one assertion against the final state.
func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertText:
		return h.checkText(a)
	case AssertConverged:
		return h.checkConverged()
	case AssertAuthors:
		return h.checkAuthors(ctx, a)
	case AssertLogLength:
		return h.checkLogLength(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) checkText(a Assertion) error {
	p := h.byName[a.Peer]
	if p.doc == nil {
		return fmt.Errorf("%s never joined", a.Peer)
	}
	if got := p.doc.Text(); got != a.Expect {
		return fmt.Errorf("%s has %q, want %q", a.Peer, got, a.Expect)
	}
	return nil
}

func (h *Harness) checkConverged() error {
	peers := h.joined()
	if len(peers) < 2 {
		return nil
	}
	for _, p := range peers[1:] {
		if p.doc.Text() != peers[0].doc.Text() {
			return fmt.Errorf("%s has %q but %s has %q",
				peers[0].name, peers[0].doc.Text(), p.name, p.doc.Text())
		}
	}
	return nil
}

func (h *Harness) checkAuthors(ctx context.Context, a Assertion) error {
	authors, err := h.byName[a.Peer].node.Authors(ctx, h.doc)
	if err != nil {
		return err
	}
	if len(authors) != a.Count {
		return fmt.Errorf("%s knows %d authors, want %d", a.Peer, len(authors), a.Count)
	}
	return nil
}

func (h *Harness) checkLogLength(ctx context.Context, a Assertion) error {
	logType := core.LogTypeDelta
	if a.LogType == "snapshot" {
		logType = core.LogTypeSnapshot
	}
	author := h.byName[a.Author].key.PublicKey()
	ops, err := h.byName[a.Peer].ops.GetLog(ctx, author, core.LogId{Type: logType, Document: h.doc}, 0)
	if err != nil {
		return err
	}
	if len(ops) != a.Count {
		return fmt.Errorf("%s stores %d entries of %s's %s log, want %d",
			a.Peer, len(ops), a.Author, a.LogType, a.Count)
	}
	return nil
}
