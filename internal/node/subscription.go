package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/network"
	"github.com/roach88/aardvark/internal/operation"
)

// State is the lifecycle stage of a Subscription.
type State int32

const (
	StateSubscribing State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is the application's end of one document's replication.
// The application sends commands and receives the bodies of every
// validated operation from peers, in log order per author.
//
// The two replication loops share a fate: a fatal error in either ends
// both, closes Payloads and is reported by Err.
type Subscription struct {
	doc      core.DocumentId
	backlog  [][]byte
	commands chan Command
	payloads chan []byte

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// Document returns the subscribed document.
func (s *Subscription) Document() core.DocumentId {
	return s.doc
}

// Commands returns the send side of the command channel.
func (s *Subscription) Commands() chan<- Command {
	return s.commands
}

// Send queues cmd for the outbound loop, blocking while the channel is
// full. It fails with CodeChannelClosed once the subscription has ended.
func (s *Subscription) Send(ctx context.Context, cmd Command) error {
	select {
	case <-s.done:
		return core.NewError(core.CodeChannelClosed, "subscription %s closed", s.doc.Short())
	default:
	}
	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return core.NewError(core.CodeChannelClosed, "subscription %s closed", s.doc.Short())
	case <-ctx.Done():
		return core.WrapError(core.CodeChannelClosed, "send command", ctx.Err())
	}
}

// Payloads yields operation bodies from peers. It is closed when the
// subscription ends.
func (s *Subscription) Payloads() <-chan []byte {
	return s.payloads
}

// Backlog returns the bodies of the document's operations this node held
// when the subscription started, in replay order. The application applies
// them before its first local edit; Payloads never repeats them.
func (s *Subscription) Backlog() [][]byte {
	return s.backlog
}

// State returns the current lifecycle stage.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Done is closed when the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that ended the subscription, or nil.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the subscription. It does not wait; use Done.
func (s *Subscription) Close() {
	s.cancel()
}

func (n *Node) startSubscription(doc core.DocumentId, topic network.Topic, backlog [][]byte) *Subscription {
	ctx, cancel := context.WithCancel(n.ctx)
	sub := &Subscription{
		doc:      doc,
		backlog:  backlog,
		commands: make(chan Command, n.capacity),
		payloads: make(chan []byte, n.capacity),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	sub.state.Store(int32(StateSubscribing))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.inbound(gctx, sub, topic)
	})
	g.Go(func() error {
		return n.outbound(gctx, sub, topic)
	})
	sub.state.Store(int32(StateActive))
	n.metrics.Subscriptions.Inc()

	go func() {
		err := g.Wait()
		cancel()
		_ = topic.Close()
		close(sub.payloads)

		if err != nil {
			n.metrics.SubscriptionErrors.Inc()
			n.logger.Error("subscription failed", "document", doc.Short(), "error", err)
		}
		sub.errMu.Lock()
		sub.err = err
		sub.errMu.Unlock()
		sub.state.Store(int32(StateClosed))
		n.metrics.Subscriptions.Dec()
		close(sub.done)
	}()
	return sub
}

// inbound validates and ingests operations from peers and forwards the
// bodies of completed operations to the application. Invalid operations
// are logged and skipped; store failures are fatal. While Payloads is full
// the loop waits, so an application that stops reading must Close the
// subscription to end it.
func (n *Node) inbound(ctx context.Context, sub *Subscription, topic network.Topic) error {
	for {
		var msg []byte
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-topic.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return core.NewError(core.CodeTransportError, "topic %s closed", sub.doc.Short())
			}
			msg = m
		}

		completed, err := n.receive(ctx, sub.doc, msg)
		if err != nil {
			return err
		}
		for _, op := range completed {
			if len(op.Body) == 0 {
				continue
			}
			select {
			case sub.payloads <- op.Body:
				n.metrics.PayloadsDelivered.Inc()
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// receive handles one gossip message. It returns the operations that
// became complete, or an error only when the subscription cannot go on.
func (n *Node) receive(ctx context.Context, doc core.DocumentId, msg []byte) ([]core.Operation, error) {
	op, err := operation.DecodeOperation(msg)
	if err != nil {
		n.reject(doc, nil, err)
		return nil, nil
	}
	if err := operation.Validate(op, doc); err != nil {
		n.reject(doc, &op.Header, err)
		return nil, nil
	}
	logID, _ := op.Header.LogId()

	completed, err := n.ingester.Push(ctx, op, logID)
	if err != nil {
		if core.IsValidationError(err) {
			n.reject(doc, &op.Header, err)
			return nil, nil
		}
		return nil, err
	}
	if err := n.documents.AddAuthor(ctx, doc, op.Header.PublicKey); err != nil {
		return nil, core.WrapError(core.CodeStoreError, "add author", err)
	}
	return completed, nil
}

func (n *Node) reject(doc core.DocumentId, h *core.Header, err error) {
	n.metrics.OperationsReceived.WithLabelValues("rejected").Inc()
	attrs := []any{"document", doc.Short(), "reason", err}
	if h != nil {
		attrs = append(attrs, "public_key", h.PublicKey.Short(), "seq_num", h.SeqNum)
	}
	n.logger.Warn("rejected operation", attrs...)
}

// outbound turns application commands into signed operations and
// broadcasts the deltas. Snapshots are stored but never broadcast; peers
// fetch them when they sync the log.
func (n *Node) outbound(ctx context.Context, sub *Subscription, topic network.Topic) error {
	for {
		var cmd Command
		select {
		case <-ctx.Done():
			return nil
		case cmd = <-sub.commands:
		}

		var (
			delta core.Operation
			err   error
		)
		switch c := cmd.(type) {
		case Delta:
			delta, err = n.create(ctx, core.LogTypeDelta, sub.doc, c.Bytes, false)
		case DeltaWithSnapshot:
			if _, err = n.create(ctx, core.LogTypeSnapshot, sub.doc, c.SnapshotBytes, true); err != nil {
				break
			}
			delta, err = n.create(ctx, core.LogTypeDelta, sub.doc, c.DeltaBytes, true)
		default:
			n.logger.Warn("ignoring unknown command", "document", sub.doc.Short())
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		data, err := operation.EncodeOperation(delta)
		if err != nil {
			return err
		}
		if err := topic.Broadcast(ctx, data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return core.WrapError(core.CodeTransportError, "broadcast", err)
		}
	}
}

func (n *Node) create(ctx context.Context, logType core.LogType, doc core.DocumentId, body []byte, prune bool) (core.Operation, error) {
	op, err := operation.Create(ctx, n.operations, n.key, logType, &doc, body, prune, operation.WithClock(n.clock))
	if err != nil {
		return core.Operation{}, err
	}
	n.metrics.OperationsCreated.WithLabelValues(logType.String()).Inc()
	n.logger.Debug("created operation",
		"document", doc.Short(),
		"log_type", logType.String(),
		"seq_num", op.Header.SeqNum,
		"prune", prune)
	return op, nil
}
