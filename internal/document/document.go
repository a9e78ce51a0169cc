// Package document binds a replicated text to a node subscription and to
// a presentation layer.
//
// Local edits go through the Document; their encoded updates become node
// commands. Payloads from peers are merged into the text. Every change,
// local or remote, is queued as presentation events which the
// presentation layer drains on its own goroutine.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/crdt"
	"github.com/roach88/aardvark/internal/node"
	"github.com/roach88/aardvark/internal/queue"
)

// Link is the document's end of a node subscription.
type Link interface {
	Send(ctx context.Context, cmd node.Command) error
	Payloads() <-chan []byte
	// Backlog holds the bodies stored locally before the link opened.
	Backlog() [][]byte
	Close()
}

var _ Link = (*node.Subscription)(nil)

// EventKind identifies a presentation event.
type EventKind int

const (
	TextInserted EventKind = iota + 1
	RangeDeleted
)

func (k EventKind) String() string {
	switch k {
	case TextInserted:
		return "text-inserted"
	case RangeDeleted:
		return "range-deleted"
	default:
		return "unknown"
	}
}

// Event is a change for the presentation layer to replay, in rune
// offsets. TextInserted sets Pos and Text; RangeDeleted sets Start and
// End.
type Event struct {
	Kind       EventKind
	Pos        int
	Text       string
	Start, End int
	// Remote is true when the change came from a peer.
	Remote bool
}

// Document is one author's replica of a shared text.
//
// Thread-safety model:
//   - InsertText(), DeleteRange(), Text(): safe from any goroutine
//   - Events(): single consumer, the presentation layer
type Document struct {
	id     core.DocumentId
	text   *crdt.Text
	sub    *crdt.Subscription
	link   Link
	policy SnapshotPolicy
	logger *slog.Logger
	events *queue.Queue[Event]

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Document.
type Option func(*Document)

// WithSnapshotPolicy sets when local changes carry a snapshot.
//
// Default: EveryChange
func WithSnapshotPolicy(p SnapshotPolicy) Option {
	return func(d *Document) {
		d.policy = p
	}
}

// WithLogger sets the document's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		d.logger = logger
	}
}

// Open starts a replica of id for author on link. The replica is rebuilt
// from the link's backlog before Open returns, so local edits never reuse
// identifiers the author handed out in an earlier session. It then fills
// from the link's payloads. The link belongs to the Document from here on.
func Open(ctx context.Context, id core.DocumentId, author core.PublicKey, link Link, opts ...Option) *Document {
	text := crdt.NewText(author.PeerID())
	d := &Document{
		id:     id,
		text:   text,
		sub:    text.Subscribe(),
		link:   link,
		policy: EveryChange{},
		logger: slog.Default(),
		events: queue.New[Event](),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("document", id.Short())
	for _, body := range link.Backlog() {
		d.OnRemoteMessage(body)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	d.group = g
	g.Go(func() error {
		return d.pumpEngine(gctx)
	})
	g.Go(func() error {
		return d.pumpPayloads(gctx)
	})
	return d
}

// ID returns the document id.
func (d *Document) ID() core.DocumentId {
	return d.id
}

// Text returns the current text.
func (d *Document) Text() string {
	return d.text.String()
}

// InsertText types text at rune offset pos.
func (d *Document) InsertText(pos int, text string) error {
	return d.text.Insert(pos, text)
}

// DeleteRange removes the runes in [start, end).
func (d *Document) DeleteRange(start, end int) error {
	if end < start {
		return fmt.Errorf("delete range [%d, %d): end before start", start, end)
	}
	return d.text.Remove(start, end-start)
}

// OnRemoteMessage merges an update from a peer. Malformed updates are
// logged and dropped.
func (d *Document) OnRemoteMessage(data []byte) {
	if err := d.text.ApplyEncodedDelta(data); err != nil {
		d.logger.Warn("dropping remote update", "bytes", len(data), "error", err)
	}
}

// Events returns the presentation queue. It is closed by Close.
func (d *Document) Events() *queue.Queue[Event] {
	return d.events
}

// Close stops the document's pumps, closes the link and returns the error
// that stopped the pumps early, if any.
func (d *Document) Close() error {
	d.cancel()
	d.sub.Unsubscribe()
	err := d.group.Wait()
	d.link.Close()
	d.events.Close()
	return err
}

// pumpEngine turns engine events into node commands and presentation
// events.
func (d *Document) pumpEngine(ctx context.Context) error {
	for {
		ev, ok := d.sub.Events().Pop(ctx)
		if !ok {
			return nil
		}
		switch ev.Kind {
		case crdt.EventLocalEncoded:
			cmd, err := d.command(ev.Encoded)
			if err != nil {
				return err
			}
			if err := d.link.Send(ctx, cmd); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		case crdt.EventLocal, crdt.EventRemote:
			d.present(ev.Deltas, ev.Kind == crdt.EventRemote)
		}
	}
}

func (d *Document) command(delta []byte) (node.Command, error) {
	if !d.policy.SnapshotDue() {
		return node.Delta{Bytes: delta}, nil
	}
	snapshot, err := d.text.Snapshot()
	if err != nil {
		return nil, err
	}
	return node.DeltaWithSnapshot{DeltaBytes: delta, SnapshotBytes: snapshot}, nil
}

func (d *Document) present(deltas []crdt.TextDelta, remote bool) {
	for _, delta := range deltas {
		switch delta := delta.(type) {
		case crdt.Insert:
			d.events.Push(Event{Kind: TextInserted, Pos: delta.Index, Text: delta.Chunk, Remote: remote})
		case crdt.Remove:
			d.events.Push(Event{Kind: RangeDeleted, Start: delta.Index, End: delta.Index + delta.Len, Remote: remote})
		}
	}
}

// pumpPayloads merges payloads from the node until the link closes.
func (d *Document) pumpPayloads(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case body, ok := <-d.link.Payloads():
			if !ok {
				return nil
			}
			d.OnRemoteMessage(body)
		}
	}
}
