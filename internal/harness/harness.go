package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/document"
	"github.com/roach88/aardvark/internal/network"
	"github.com/roach88/aardvark/internal/node"
	"github.com/roach88/aardvark/internal/store"
	"github.com/roach88/aardvark/internal/testutil"
)

// DefaultSyncTimeout bounds how long a sync step waits for convergence.
const DefaultSyncTimeout = 10 * time.Second

const eventTimeout = 5 * time.Second

// Harness holds the peers of one scenario run.
type Harness struct {
	scenario *Scenario
	network  core.Hash
	hub      *network.Hub
	logger   *slog.Logger
	policy   func() document.SnapshotPolicy

	peers  []*peer
	byName map[string]*peer
	doc    core.DocumentId
}

type peer struct {
	name string
	key  core.PrivateKey
	node *node.Node
	ops  *store.MemoryStore
	doc  *document.Document
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh in-process network with in-memory stores.
// Keys and clocks are derived from peer names, so runs are reproducible.
//
// An error means the harness itself could not run the flow, for example a
// node failing to start. Failed steps and assertions are reported in the
// result instead.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.action(), err)
		}
	}

	for _, p := range h.peers {
		if p.doc != nil {
			result.Texts[p.name] = p.doc.Text()
		}
	}
	for i, a := range scenario.Assertions {
		if err := h.check(ctx, a); err != nil {
			result.AddError("assertions[%d] %s: %v", i, a.Type, err)
		}
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenarios

	policy := func() document.SnapshotPolicy { return document.EveryChange{} }
	if scenario.SnapshotPolicy == "interval" {
		every, err := time.ParseDuration(scenario.SnapshotInterval)
		if err != nil {
			return nil, fmt.Errorf("snapshot_interval: %w", err)
		}
		policy = func() document.SnapshotPolicy { return document.NewIntervalPolicy(every) }
	}

	h := &Harness{
		scenario: scenario,
		network:  network.NetworkID("harness/" + scenario.Name),
		hub:      network.NewHub(network.WithHubLogger(logger)),
		logger:   logger,
		policy:   policy,
		byName:   make(map[string]*peer),
	}
	for _, name := range scenario.Peers {
		p := &peer{
			name: name,
			key:  testutil.Key(name),
			ops:  store.NewMemoryStore(),
		}
		p.node = node.New(p.ops, store.NewMemoryDocumentStore(),
			node.WithNetwork(h.hub.Factory()),
			node.WithClock(testutil.NewDeterministicClock()),
			node.WithLogger(logger))
		if err := p.node.Run(context.Background(), p.key, h.network); err != nil {
			h.close()
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
		h.peers = append(h.peers, p)
		h.byName[name] = p
	}
	return h, nil
}

func (h *Harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	for _, p := range h.peers {
		if p.doc != nil {
			_ = p.doc.Close()
		}
		_ = p.node.Shutdown(ctx)
	}
}

func (h *Harness) execute(ctx context.Context, n int, step Step, result *Result) error {
	if step.Sync {
		result.record(n, "", "sync")
		if err := h.sync(ctx); err != nil {
			result.AddError("step %d: %v", n, err)
		}
		for _, p := range h.joined() {
			result.record(n, p.name, "text %q", p.doc.Text())
		}
		return nil
	}

	p := h.byName[step.Peer]
	switch {
	case step.Create:
		result.record(n, p.name, "create")
		doc, sub, err := p.node.CreateDocument(ctx)
		if err != nil {
			return err
		}
		h.doc = doc
		p.doc = document.Open(ctx, doc, p.key.PublicKey(), sub,
			document.WithSnapshotPolicy(h.policy()), document.WithLogger(h.logger))

	case step.Join:
		result.record(n, p.name, "join")
		sub, err := p.node.JoinDocument(ctx, h.doc)
		if err != nil {
			return err
		}
		p.doc = document.Open(ctx, h.doc, p.key.PublicKey(), sub,
			document.WithSnapshotPolicy(h.policy()), document.WithLogger(h.logger))

	case step.Insert != nil:
		result.record(n, p.name, "insert %d %q", step.Insert.Pos, step.Insert.Text)
		if err := p.doc.InsertText(step.Insert.Pos, step.Insert.Text); err != nil {
			result.AddError("step %d: %v", n, err)
			return nil
		}
		h.recordLocal(ctx, n, p, result)

	case step.Delete != nil:
		result.record(n, p.name, "delete %d %d", step.Delete.Start, step.Delete.End)
		if err := p.doc.DeleteRange(step.Delete.Start, step.Delete.End); err != nil {
			result.AddError("step %d: %v", n, err)
			return nil
		}
		h.recordLocal(ctx, n, p, result)
	}
	return nil
}

// recordLocal traces the presentation event of p's last local edit.
// Remote events arrive at timing-dependent points and are skipped.
func (h *Harness) recordLocal(ctx context.Context, n int, p *peer, result *Result) {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	for {
		ev, ok := p.doc.Events().Pop(ctx)
		if !ok {
			result.AddError("step %d: no presentation event", n)
			return
		}
		if ev.Remote {
			continue
		}
		switch ev.Kind {
		case document.TextInserted:
			result.record(n, p.name, "%s %d %q", ev.Kind, ev.Pos, ev.Text)
		case document.RangeDeleted:
			result.record(n, p.name, "%s %d %d", ev.Kind, ev.Start, ev.End)
		}
		return
	}
}

func (h *Harness) joined() []*peer {
	var out []*peer
	for _, p := range h.peers {
		if p.doc != nil {
			out = append(out, p)
		}
	}
	return out
}

// sync waits until every joined peer holds the same delta log heads and
// shows the same text.
func (h *Harness) sync(ctx context.Context) error {
	deadline := time.Now().Add(DefaultSyncTimeout)
	for {
		ok, err := h.converged(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("peers did not converge within %s", DefaultSyncTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *Harness) converged(ctx context.Context) (bool, error) {
	peers := h.joined()
	if len(peers) == 0 {
		return true, nil
	}
	wantHeads, err := h.deltaHeads(ctx, peers[0])
	if err != nil {
		return false, err
	}
	wantText := peers[0].doc.Text()
	for _, p := range peers[1:] {
		heads, err := h.deltaHeads(ctx, p)
		if err != nil {
			return false, err
		}
		if !maps.Equal(heads, wantHeads) || p.doc.Text() != wantText {
			return false, nil
		}
	}
	return true, nil
}

// deltaHeads maps each author to the head of its delta log in p's store.
func (h *Harness) deltaHeads(ctx context.Context, p *peer) (map[core.PublicKey]uint64, error) {
	logs, err := p.ops.Logs(ctx)
	if err != nil {
		return nil, err
	}
	heads := make(map[core.PublicKey]uint64)
	for _, l := range logs {
		if l.LogId.Type == core.LogTypeDelta && l.LogId.Document == h.doc {
			heads[l.Author] = l.Last
		}
	}
	return heads, nil
}
