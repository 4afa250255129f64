package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/astromechza/holoboard/pkg/wire"
)

const (
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = pongTimeout * 9 / 10
)

type peer struct {
	id     string
	room   string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

// enqueue hands a frame to the peer's writer. A peer that cannot keep up is disconnected rather than silently
// missing sync messages.
func (p *peer) enqueue(frame []byte) {
	select {
	case <-p.closed:
	case p.send <- frame:
	default:
		slog.Warn("peer send buffer full, disconnecting", "room", p.room, "peer", p.id)
		p.close()
	}
}

// Relay forwards envelopes between the peers of a room. It never interprets payloads and stores nothing.
type Relay struct {
	mu       sync.Mutex
	rooms    map[string]map[string]*peer
	metrics  *Metrics
	upgrader websocket.Upgrader
}

func New(reg prometheus.Registerer) *Relay {
	return &Relay{
		rooms:   make(map[string]map[string]*peer),
		metrics: NewMetrics(reg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register adds the relay's routes to the router.
func (r *Relay) Register(router *mux.Router) {
	router.Methods(http.MethodGet).Path("/rooms/{room}").HandlerFunc(r.serveRoom)
}

// Peers returns the ids connected to a room.
func (r *Relay) Peers(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Close disconnects every peer.
func (r *Relay) Close() {
	r.mu.Lock()
	var all []*peer
	for _, peers := range r.rooms {
		for _, p := range peers {
			all = append(all, p)
		}
	}
	r.mu.Unlock()
	for _, p := range all {
		p.close()
	}
}

func (r *Relay) serveRoom(writer http.ResponseWriter, request *http.Request) {
	room := mux.Vars(request)["room"]
	peerID := request.URL.Query().Get("peer")
	if room == "" || peerID == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	p := &peer{id: peerID, room: room, conn: conn, send: make(chan []byte, sendBufferSize), closed: make(chan struct{})}

	if err := r.join(p); err != nil {
		slog.Error("failed to join", "room", room, "peer", peerID, "err", err)
		p.close()
		return
	}
	defer r.leave(p)

	go r.writeLoop(p)
	r.readLoop(p)
}

func (r *Relay) join(p *peer) error {
	r.mu.Lock()
	peers, ok := r.rooms[p.room]
	if !ok {
		peers = make(map[string]*peer)
		r.rooms[p.room] = peers
		r.metrics.rooms.Inc()
	}
	previous := peers[p.id]
	roster := make([]string, 0, len(peers))
	for id := range peers {
		if id != p.id {
			roster = append(roster, id)
		}
	}
	peers[p.id] = p
	if previous == nil {
		r.metrics.peers.Inc()
	}
	r.mu.Unlock()

	if previous != nil {
		slog.Info("peer reconnected, dropping previous connection", "room", p.room, "peer", p.id)
		previous.close()
	}

	welcome, err := wire.Welcome(p.room, p.id, roster)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(welcome)
	if err != nil {
		return err
	}
	p.enqueue(frame)
	slog.Info("peer joined", "room", p.room, "peer", p.id, "others", len(roster))
	return nil
}

func (r *Relay) leave(p *peer) {
	p.close()
	r.mu.Lock()
	peers := r.rooms[p.room]
	if peers[p.id] != p {
		// replaced by a newer connection with the same id
		r.mu.Unlock()
		return
	}
	delete(peers, p.id)
	r.metrics.peers.Dec()
	remaining := make([]*peer, 0, len(peers))
	for _, other := range peers {
		remaining = append(remaining, other)
	}
	if len(peers) == 0 {
		delete(r.rooms, p.room)
		r.metrics.rooms.Dec()
	}
	r.mu.Unlock()

	slog.Info("peer left", "room", p.room, "peer", p.id)
	frame, err := wire.Encode(wire.Envelope{Kind: wire.KindLeave, Room: p.room, From: p.id})
	if err != nil {
		slog.Error("failed to encode leave", "err", err)
		return
	}
	for _, other := range remaining {
		other.enqueue(frame)
	}
}

func (r *Relay) readLoop(p *peer) {
	_ = p.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("peer read failed", "room", p.room, "peer", p.id, "err", err)
			}
			return
		}
		envelope, err := wire.Decode(raw)
		if err != nil {
			slog.Warn("dropping malformed envelope", "room", p.room, "peer", p.id, "err", err)
			continue
		}
		switch envelope.Kind {
		case wire.KindHello, wire.KindSync, wire.KindPresence:
		default:
			continue
		}
		// the relay is authoritative for routing fields
		envelope.Room, envelope.From = p.room, p.id
		r.forward(p, envelope)
	}
}

func (r *Relay) forward(from *peer, envelope wire.Envelope) {
	frame, err := wire.Encode(envelope)
	if err != nil {
		slog.Error("failed to encode envelope", "err", err)
		return
	}
	r.mu.Lock()
	var targets []*peer
	if envelope.Broadcast() {
		for id, p := range r.rooms[from.room] {
			if id != from.id {
				targets = append(targets, p)
			}
		}
	} else if p, ok := r.rooms[from.room][envelope.To]; ok {
		targets = append(targets, p)
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.enqueue(frame)
	}
	r.metrics.forwarded.WithLabelValues(string(envelope.Kind)).Add(float64(len(targets)))
}

func (r *Relay) writeLoop(p *peer) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	defer p.close()
	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("failed to write to peer", "room", p.room, "peer", p.id, "err", err)
				return
			}
		case <-t.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.closed:
			return
		}
	}
}
