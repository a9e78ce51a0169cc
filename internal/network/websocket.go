package network

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/aardvark/internal/core"
)

const (
	writeWait    = 10 * time.Second
	redialDelay  = 2 * time.Second
	peerSendSize = 512
)

// WebsocketConfig configures a WebsocketSession.
type WebsocketConfig struct {
	// Listen is the address to accept peers on; empty disables listening.
	Listen string
	// Peers are websocket URLs dialled at start and redialled on loss.
	Peers []string
	// MDNS announces the listener and dials peers found on the local link.
	MDNS   bool
	Logger *slog.Logger
}

// WebsocketFactory returns a factory that starts a WebsocketSession per
// node from cfg.
func WebsocketFactory(cfg WebsocketConfig) Factory {
	return func(ctx context.Context, networkID core.Hash, key core.PrivateKey, src SyncSource) (Session, error) {
		s := NewWebsocketSession(networkID, key, src, cfg.Logger)
		if cfg.Listen != "" {
			if err := s.Listen(cfg.Listen); err != nil {
				_ = s.Shutdown(ctx)
				return nil, err
			}
		}
		for _, url := range cfg.Peers {
			s.Dial(url)
		}
		if cfg.MDNS {
			if err := s.startDiscovery(); err != nil {
				_ = s.Shutdown(ctx)
				return nil, err
			}
		}
		return s, nil
	}
}

// WebsocketSession connects a node to its peers over websockets. Every
// connection carries all topics; a peer receives a topic's messages once
// it announces a subscription.
//
// WebsocketSession is an http.Handler accepting incoming peers.
type WebsocketSession struct {
	network core.Hash
	key     core.PrivateKey
	id      string
	src     SyncSource
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu        sync.Mutex
	closed    bool
	peers     map[*wsPeer]struct{}
	topics    map[core.DocumentId]*wsTopic
	server    *http.Server
	listener  net.Listener
	discovery *discovery
}

var _ Session = (*WebsocketSession)(nil)

// NewWebsocketSession creates a session that neither listens nor dials.
func NewWebsocketSession(networkID core.Hash, key core.PrivateKey, src SyncSource, logger *slog.Logger) *WebsocketSession {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &WebsocketSession{
		network: networkID,
		key:     key,
		id:      id,
		src:     src,
		logger:  logger.With("session", id[:8]),
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		peers:  make(map[*wsPeer]struct{}),
		topics: make(map[core.DocumentId]*wsTopic),
	}
}

// Listen serves peers on addr until shutdown.
func (s *WebsocketSession) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return core.WrapError(core.CodeTransportError, "listen "+addr, err)
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: writeWait}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	if !s.track() {
		_ = ln.Close()
		return core.NewError(core.CodeTransportError, "listen %s: session closed", addr)
	}
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listener stopped", "addr", addr, "error", err)
		}
	}()
	s.logger.Info("listening for peers", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listener address, or nil when not listening.
func (s *WebsocketSession) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP upgrades an incoming peer connection.
func (s *WebsocketSession) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "session closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go func() {
		defer s.wg.Done()
		s.serve(conn)
	}()
}

// track registers a goroutine with the session unless it is shutting down.
func (s *WebsocketSession) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Dial connects to url in the background, redialling whenever the
// connection drops, until shutdown.
func (s *WebsocketSession) Dial(url string) {
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		for {
			conn, _, err := s.dialer.DialContext(s.ctx, url, nil)
			if err == nil {
				s.serve(conn)
			} else {
				s.logger.Debug("dial failed", "url", url, "error", err)
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(redialDelay):
			}
		}
	}()
}

// Peers returns the number of connected peers.
func (s *WebsocketSession) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *WebsocketSession) Subscribe(_ context.Context, doc core.DocumentId) (Topic, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.NewError(core.CodeTransportError, "subscribe %s: session closed", doc.Short())
	}
	if _, ok := s.topics[doc]; ok {
		s.mu.Unlock()
		return nil, core.NewError(core.CodeTransportError, "subscribe %s: already subscribed", doc.Short())
	}
	t := &wsTopic{
		session: s,
		doc:     doc,
		inbox:   make(chan []byte, DefaultInboxSize),
		done:    make(chan struct{}),
	}
	s.topics[doc] = t
	peers := s.peerList()
	s.mu.Unlock()

	for _, p := range peers {
		p.announce(doc)
		if p.subscribed(doc) {
			go s.syncPeer(p, doc)
		}
	}
	return t, nil
}

func (s *WebsocketSession) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.server
	disc := s.discovery
	peers := s.peerList()
	topics := make([]*wsTopic, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	s.cancel()
	if disc != nil {
		disc.stop()
	}
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, p := range peers {
		p.close()
	}
	for _, t := range topics {
		_ = t.Close()
	}
	s.wg.Wait()
	if err != nil {
		return core.WrapError(core.CodeTransportError, "shutdown", err)
	}
	return nil
}

func (s *WebsocketSession) peerList() []*wsPeer {
	peers := make([]*wsPeer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

func (s *WebsocketSession) topic(doc core.DocumentId) (*wsTopic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[doc]
	return t, ok
}

// serve runs one connection until it fails or the session shuts down.
func (s *WebsocketSession) serve(conn *websocket.Conn) {
	p := &wsPeer{
		session: s,
		conn:    conn,
		send:    make(chan []byte, peerSendSize),
		done:    make(chan struct{}),
		topics:  make(map[core.DocumentId]struct{}),
	}
	defer p.close()

	if err := p.handshake(); err != nil {
		s.logger.Warn("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.peers[p] = struct{}{}
	owned := make([]core.DocumentId, 0, len(s.topics))
	for doc := range s.topics {
		owned = append(owned, doc)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	s.logger.Info("peer connected", "peer", p.remote.Short(), "remote", conn.RemoteAddr().String())
	go p.writePump()
	for _, doc := range owned {
		p.announce(doc)
	}
	p.readPump()
	s.logger.Info("peer disconnected", "peer", p.remote.Short())
}

// syncPeer sends every operation held for doc to p.
func (s *WebsocketSession) syncPeer(p *wsPeer, doc core.DocumentId) {
	msgs, err := collectSync(s.ctx, s.src, doc)
	if err != nil {
		s.logger.Warn("sync failed", "document", doc.Short(), "peer", p.remote.Short(), "error", err)
		return
	}
	for _, msg := range msgs {
		if err := p.message(s.ctx, doc, msg); err != nil {
			return
		}
	}
	s.logger.Debug("synced topic", "document", doc.Short(), "peer", p.remote.Short(), "operations", len(msgs))
}

type wsPeer struct {
	session *WebsocketSession
	conn    *websocket.Conn
	remote  core.PublicKey

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	topics map[core.DocumentId]struct{}
}

func (p *wsPeer) handshake() error {
	s := p.session
	data, err := core.Marshal(newHello(s.network, s.key, s.id))
	if err != nil {
		return core.WrapError(core.CodeDecodeError, "encode hello", err)
	}
	out, err := encodeFrame(frameHello, nil, data)
	if err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
		return core.WrapError(core.CodeTransportError, "send hello", err)
	}

	_ = p.conn.SetReadDeadline(time.Now().Add(writeWait))
	_, in, err := p.conn.ReadMessage()
	if err != nil {
		return core.WrapError(core.CodeTransportError, "read hello", err)
	}
	_ = p.conn.SetReadDeadline(time.Time{})

	f, err := decodeFrame(in)
	if err != nil {
		return err
	}
	if f.Kind != frameHello {
		return core.NewError(core.CodeTransportError, "expected hello, got frame kind %d", f.Kind)
	}
	var h hello
	if err := core.Unmarshal(f.Payload, &h); err != nil {
		return core.WrapError(core.CodeDecodeError, "decode hello", err)
	}
	if h.Session == s.id {
		return core.NewError(core.CodeTransportError, "connected to self")
	}
	remote, err := h.verify(s.network)
	if err != nil {
		return err
	}
	p.remote = remote
	return nil
}

func (p *wsPeer) readPump() {
	s := p.session
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping frame", "peer", p.remote.Short(), "error", err)
			continue
		}
		switch f.Kind {
		case frameSubscribe:
			doc := f.topic()
			p.mu.Lock()
			p.topics[doc] = struct{}{}
			p.mu.Unlock()
			if _, ok := s.topic(doc); ok {
				go s.syncPeer(p, doc)
			}
		case frameMessage:
			if t, ok := s.topic(f.topic()); ok {
				t.deliver(s.ctx, f.Payload)
			}
		default:
			s.logger.Warn("unexpected frame", "peer", p.remote.Short(), "kind", f.Kind)
		}
	}
}

func (p *wsPeer) writePump() {
	for {
		select {
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *wsPeer) subscribed(doc core.DocumentId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.topics[doc]
	return ok
}

func (p *wsPeer) announce(doc core.DocumentId) {
	data, err := encodeFrame(frameSubscribe, &doc, nil)
	if err != nil {
		return
	}
	_ = p.enqueue(p.session.ctx, data)
}

func (p *wsPeer) message(ctx context.Context, doc core.DocumentId, payload []byte) error {
	data, err := encodeFrame(frameMessage, &doc, payload)
	if err != nil {
		return err
	}
	return p.enqueue(ctx, data)
}

func (p *wsPeer) enqueue(ctx context.Context, data []byte) error {
	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return core.NewError(core.CodeTransportError, "peer %s disconnected", p.remote.Short())
	case <-ctx.Done():
		return core.WrapError(core.CodeTransportError, "send", ctx.Err())
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

type wsTopic struct {
	session   *WebsocketSession
	doc       core.DocumentId
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func (t *wsTopic) Broadcast(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return core.NewError(core.CodeTransportError, "broadcast: topic closed")
	default:
	}
	t.session.mu.Lock()
	peers := t.session.peerList()
	t.session.mu.Unlock()

	for _, p := range peers {
		if !p.subscribed(t.doc) {
			continue
		}
		if err := p.message(ctx, t.doc, data); err != nil {
			if ctx.Err() != nil {
				return err
			}
			t.session.logger.Debug("broadcast skipped peer", "peer", p.remote.Short(), "error", err)
		}
	}
	return nil
}

func (t *wsTopic) Messages() <-chan []byte {
	return t.inbox
}

func (t *wsTopic) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		s := t.session
		s.mu.Lock()
		if s.topics[t.doc] == t {
			delete(s.topics, t.doc)
		}
		s.mu.Unlock()

		t.mu.Lock()
		t.closed = true
		close(t.inbox)
		t.mu.Unlock()
	})
	return nil
}

func (t *wsTopic) deliver(ctx context.Context, data []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	select {
	case t.inbox <- data:
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}
