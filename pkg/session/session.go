package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/holoboard/pkg/replica"
	"github.com/astromechza/holoboard/pkg/wire"
)

var (
	ErrMissingRoom  = errors.New("room id is required")
	ErrMissingRelay = errors.New("relay url is required")
	ErrClosed       = errors.New("session closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Synced
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	}
	return "disconnected"
}

const (
	welcomeTimeout = 5 * time.Second
	writeTimeout   = 10 * time.Second
	outBufferSize  = 512
	maxPumpPerPeer = 128

	// a connection must stay synced this long before the reconnect backoff starts over
	stableAfter = 5 * time.Second
)

// Document is the part of a replica the session synchronises.
type Document interface {
	GenerateSyncMessage(peer string) ([]byte, bool)
	ReceiveSyncMessage(peer string, msg []byte) error
	ForgetPeer(peer string)
	ForgetAllPeers()
	OnTransaction(fn func(replica.TxEvent)) (cancel func())
}

// Presence is the part of the presence channel the session feeds.
type Presence interface {
	Attach(send func(payload []byte) error)
	Apply(peerID string, payload []byte) error
	Remove(peerID string)
	Reset()
	Resend()
}

type Options struct {
	RelayURL string
	RoomID   string
	// PeerID identifies this client to the relay. A random id is used when empty.
	PeerID  string
	Backoff Backoff
	Dialer  *websocket.Dialer
}

// connection is one live websocket. Everything that arrives on a connection that is no longer current is dropped.
type connection struct {
	ws     *websocket.Conn
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	peers  map[string]bool
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Session keeps one room's document in sync with every other peer in the room through the relay, reconnecting with
// backoff whenever the transport fails. Local edits never wait on it.
type Session struct {
	opts     Options
	endpoint string
	doc      Document
	presence Presence
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	unsub  func()

	mu       sync.Mutex
	state    State
	current  *connection
	stateSeq uint64
	stateObs map[uint64]func(State)
	closed   bool

	initialOnce    sync.Once
	initialDone    chan struct{}
	initialPending map[string]bool
	initialPeers   int
	initialClosed  bool
}

// New validates the options and prepares a session. Call Start to begin connecting.
func New(opts Options, doc Document, presence Presence) (*Session, error) {
	if opts.RoomID == "" {
		return nil, ErrMissingRoom
	}
	if opts.RelayURL == "" {
		return nil, ErrMissingRelay
	}
	endpoint, err := Endpoint(opts.RelayURL, opts.RoomID, opts.PeerID)
	if err != nil {
		return nil, err
	}
	if opts.PeerID == "" {
		opts.PeerID = uuid.NewString()
		if endpoint, err = Endpoint(opts.RelayURL, opts.RoomID, opts.PeerID); err != nil {
			return nil, err
		}
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:        opts,
		endpoint:    endpoint,
		doc:         doc,
		presence:    presence,
		logger:      slog.With("room", opts.RoomID, "peer", opts.PeerID),
		ctx:         ctx,
		cancel:      cancel,
		stateObs:    make(map[uint64]func(State)),
		initialDone: make(chan struct{}),
	}, nil
}

// Endpoint builds the websocket url for a room on a relay. http(s) relay urls are mapped to ws(s).
func Endpoint(relayURL, roomID, peerID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", relayURL)
	}
	u = u.JoinPath("rooms", roomID)
	q := u.Query()
	q.Set("peer", peerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) RoomID() string {
	return s.opts.RoomID
}

func (s *Session) PeerID() string {
	return s.opts.PeerID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn to be called on every state transition.
func (s *Session) OnStateChange(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateSeq++
	id := s.stateSeq
	s.stateObs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateObs, id)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	obs := make([]func(State), 0, len(s.stateObs))
	for _, fn := range s.stateObs {
		obs = append(obs, fn)
	}
	s.mu.Unlock()
	s.logger.Info("sync state changed", "state", state)
	for _, fn := range obs {
		fn(state)
	}
}

// Peers returns the peers currently known on the live connection.
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	out := make([]string, 0, len(s.current.peers))
	for id := range s.current.peers {
		out = append(out, id)
	}
	return out
}

// Start begins connecting in the background. Calling it more than once has no effect.
func (s *Session) Start() {
	s.mu.Lock()
	if s.unsub != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.unsub = s.doc.OnTransaction(func(replica.TxEvent) { s.pumpAll() })
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Close tears the session down. Messages still in flight for this room are discarded.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.current
		unsub := s.unsub
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			conn.close()
		}
		s.wg.Wait()
		if unsub != nil {
			unsub()
		}
		s.presence.Attach(nil)
		s.presence.Reset()
		s.setState(Disconnected)
		s.logger.Info("session closed")
	})
}

// WaitInitialSync blocks until the peers present when this session first joined the room have all been reconciled
// with, and returns how many there were. It returns immediately with zero when the room was empty.
func (s *Session) WaitInitialSync(ctx context.Context) (int, error) {
	select {
	case <-s.initialDone:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.initialPeers, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.ctx.Done():
		return 0, ErrClosed
	}
}

func (s *Session) run() {
	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		s.setState(Connecting)
		ws, _, err := s.opts.Dialer.DialContext(s.ctx, s.endpoint, nil)
		if err != nil {
			s.setState(Disconnected)
			delay := s.opts.Backoff.Delay(attempt)
			attempt++
			s.logger.Warn("failed to connect to relay", "err", err, "retry_in", delay)
			if !s.sleep(delay) {
				return
			}
			continue
		}
		started := time.Now()
		synced, err := s.serve(ws)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Warn("relay connection lost", "err", err)
		}
		s.setState(Disconnected)
		if synced && time.Since(started) >= stableAfter {
			attempt = 0
		}
		delay := s.opts.Backoff.Delay(attempt)
		attempt++
		if !s.sleep(delay) {
			return
		}
	}
}

func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// serve runs one connection until it fails and reports whether it got as far as being synced.
func (s *Session) serve(ws *websocket.Conn) (bool, error) {
	c := &connection{
		ws:     ws,
		out:    make(chan []byte, outBufferSize),
		closed: make(chan struct{}),
		peers:  make(map[string]bool),
	}
	defer c.close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.ctx.Done():
			c.close()
		case <-stop:
		}
	}()

	roster, err := s.awaitWelcome(ws)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	s.current = c
	for _, id := range roster {
		c.peers[id] = true
	}
	s.mu.Unlock()
	s.doc.ForgetAllPeers()
	s.trackInitial(roster)

	defer func() {
		s.mu.Lock()
		if s.current == c {
			s.current = nil
		}
		s.mu.Unlock()
		s.presence.Attach(nil)
		s.presence.Reset()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	s.presence.Attach(func(payload []byte) error {
		return s.send(c, wire.Envelope{Kind: wire.KindPresence, Payload: payload})
	})
	s.setState(Synced)

	if err := s.send(c, wire.Envelope{Kind: wire.KindHello}); err != nil {
		return true, err
	}
	s.presence.Resend()
	for _, id := range roster {
		s.pump(c, id)
	}

	err = s.readLoop(c)
	c.close()
	<-writerDone
	return true, err
}

func (s *Session) awaitWelcome(ws *websocket.Conn) ([]string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(welcomeTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	envelope, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	if envelope.Kind != wire.KindWelcome || envelope.Room != s.opts.RoomID {
		return nil, fmt.Errorf("expected welcome for room %s, got %s for %s", s.opts.RoomID, envelope.Kind, envelope.Room)
	}
	return envelope.Roster()
}

func (s *Session) send(c *connection, envelope wire.Envelope) error {
	envelope.Room = s.opts.RoomID
	envelope.From = s.opts.PeerID
	frame, err := wire.Encode(envelope)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	case c.out <- frame:
		return nil
	default:
		c.close()
		return fmt.Errorf("outbound buffer full")
	}
}

func (s *Session) writeLoop(c *connection) {
	for {
		select {
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn("failed to write to relay", "err", err)
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (s *Session) readLoop(c *connection) error {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		envelope, err := wire.Decode(raw)
		if err != nil {
			s.logger.Warn("dropping malformed envelope", "err", err)
			continue
		}
		s.handle(c, envelope)
	}
}

// live reports whether messages from c may still touch the document.
func (s *Session) live(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.current == c && s.ctx.Err() == nil
}

func (s *Session) handle(c *connection, envelope wire.Envelope) {
	if envelope.Room != s.opts.RoomID || !s.live(c) {
		s.logger.Debug("dropping envelope for stale session", "kind", envelope.Kind, "for_room", envelope.Room)
		return
	}
	from := envelope.From
	if from == s.opts.PeerID {
		return
	}
	switch envelope.Kind {
	case wire.KindHello:
		s.mu.Lock()
		c.peers[from] = true
		s.mu.Unlock()
		if envelope.Broadcast() {
			// a broadcast hello means the peer (re)joined and starts from a fresh sync state
			s.doc.ForgetPeer(from)
			if err := s.send(c, wire.Envelope{Kind: wire.KindHello, To: from}); err != nil {
				s.logger.Warn("failed to answer hello", "to", from, "err", err)
			}
			s.presence.Resend()
		}
		s.pump(c, from)
	case wire.KindSync:
		s.mu.Lock()
		c.peers[from] = true
		s.mu.Unlock()
		if err := s.doc.ReceiveSyncMessage(from, envelope.Payload); err != nil {
			s.logger.Warn("failed to apply sync message, restarting sync with peer", "from", from, "err", err)
			s.doc.ForgetPeer(from)
		}
		if !s.live(c) {
			return
		}
		if sent := s.pump(c, from); sent == 0 {
			s.markInitialDone(from)
		}
	case wire.KindPresence:
		if err := s.presence.Apply(from, envelope.Payload); err != nil {
			s.logger.Debug("dropping presence", "from", from, "err", err)
		}
	case wire.KindLeave:
		s.mu.Lock()
		delete(c.peers, from)
		s.mu.Unlock()
		s.doc.ForgetPeer(from)
		s.presence.Remove(from)
		s.markInitialDone(from)
	}
}

// pump sends every pending sync message for a peer and returns how many were sent.
func (s *Session) pump(c *connection, peer string) int {
	sent := 0
	for sent < maxPumpPerPeer {
		msg, ok := s.doc.GenerateSyncMessage(peer)
		if !ok {
			break
		}
		if err := s.send(c, wire.Envelope{Kind: wire.KindSync, To: peer, Payload: msg}); err != nil {
			s.logger.Warn("failed to send sync message", "to", peer, "err", err)
			break
		}
		sent++
	}
	return sent
}

func (s *Session) pumpAll() {
	s.mu.Lock()
	c := s.current
	if c == nil || s.closed {
		s.mu.Unlock()
		return
	}
	peers := make([]string, 0, len(c.peers))
	for id := range c.peers {
		peers = append(peers, id)
	}
	s.mu.Unlock()
	for _, id := range peers {
		s.pump(c, id)
	}
}

func (s *Session) trackInitial(roster []string) {
	s.mu.Lock()
	if s.initialClosed {
		s.mu.Unlock()
		return
	}
	s.initialPeers = len(roster)
	s.initialPending = make(map[string]bool, len(roster))
	for _, id := range roster {
		s.initialPending[id] = true
	}
	empty := len(roster) == 0
	s.initialClosed = empty
	s.mu.Unlock()
	if empty {
		s.initialOnce.Do(func() { close(s.initialDone) })
	}
}

func (s *Session) markInitialDone(peer string) {
	s.mu.Lock()
	if !s.initialPending[peer] {
		s.mu.Unlock()
		return
	}
	delete(s.initialPending, peer)
	done := len(s.initialPending) == 0
	s.initialClosed = s.initialClosed || done
	s.mu.Unlock()
	if done {
		s.logger.Info("initial sync complete")
		s.initialOnce.Do(func() { close(s.initialDone) })
	}
}
