package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
)

// Record is the ephemeral state a client shares with the room. It is never written to the document.
type Record struct {
	Name    string  `json:"name"`
	Color   string  `json:"color"`
	CursorX float64 `json:"cursorX"`
	CursorY float64 `json:"cursorY"`
}

// RandomColor returns a random #rrggbb color for a cursor.
func RandomColor() string {
	return fmt.Sprintf("#%06x", rand.Intn(0xffffff+1))
}

type subscriber struct {
	id           uint64
	includeLocal bool
	fn           func(map[string]Record)
}

// Channel tracks the presence records of every client in a room. Delivery is best-effort and unordered: a stale
// frame simply overwrites a newer one until the next update arrives.
type Channel struct {
	mu      sync.Mutex
	localID string
	local   *Record
	peers   map[string]Record
	send    func(payload []byte) error
	subSeq  uint64
	subs    []subscriber
}

func New(localID string) *Channel {
	return &Channel{localID: localID, peers: make(map[string]Record)}
}

func (c *Channel) LocalID() string {
	return c.localID
}

// Attach sets the function used to broadcast the local record. Passing nil detaches the channel from the network.
func (c *Channel) Attach(send func(payload []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = send
}

// Publish stores the local record and broadcasts it. Failures to send are ignored; the next publish supersedes it.
func (c *Channel) Publish(r Record) {
	c.mu.Lock()
	c.local = &r
	send := c.send
	c.mu.Unlock()

	if send != nil {
		c.transmit(send, r)
	}
	c.notify(true)
}

// Resend broadcasts the current local record again, e.g. after a new peer has joined.
func (c *Channel) Resend() {
	c.mu.Lock()
	send := c.send
	local := c.local
	c.mu.Unlock()
	if send != nil && local != nil {
		c.transmit(send, *local)
	}
}

func (c *Channel) transmit(send func([]byte) error, r Record) {
	payload, err := json.Marshal(r)
	if err != nil {
		slog.Error("failed to encode presence", "err", err)
		return
	}
	if err := send(payload); err != nil {
		slog.Debug("dropped presence frame", "err", err)
	}
}

// Apply records a peer's presence payload. A JSON null clears the peer.
func (c *Channel) Apply(peerID string, payload []byte) error {
	if peerID == "" || peerID == c.localID {
		return nil
	}
	var r *Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("failed to decode presence from %s: %w", peerID, err)
	}
	c.mu.Lock()
	if r == nil {
		delete(c.peers, peerID)
	} else {
		c.peers[peerID] = *r
	}
	c.mu.Unlock()
	c.notify(false)
	return nil
}

// Remove forgets a peer that has left the room.
func (c *Channel) Remove(peerID string) {
	c.mu.Lock()
	_, ok := c.peers[peerID]
	delete(c.peers, peerID)
	c.mu.Unlock()
	if ok {
		c.notify(false)
	}
}

// Reset forgets every peer, used when the connection drops.
func (c *Channel) Reset() {
	c.mu.Lock()
	n := len(c.peers)
	c.peers = make(map[string]Record)
	c.mu.Unlock()
	if n > 0 {
		c.notify(false)
	}
}

// Peers returns the known records of other clients.
func (c *Channel) Peers() map[string]Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(false)
}

func (c *Channel) snapshotLocked(includeLocal bool) map[string]Record {
	out := make(map[string]Record, len(c.peers)+1)
	for id, r := range c.peers {
		out[id] = r
	}
	if includeLocal && c.local != nil {
		out[c.localID] = *c.local
	}
	return out
}

// Subscribe calls fn with every other client's record whenever one of them changes.
func (c *Channel) Subscribe(fn func(map[string]Record)) (cancel func()) {
	return c.subscribe(false, fn)
}

// SubscribeAll is Subscribe including the local client's own record.
func (c *Channel) SubscribeAll(fn func(map[string]Record)) (cancel func()) {
	return c.subscribe(true, fn)
}

func (c *Channel) subscribe(includeLocal bool, fn func(map[string]Record)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subSeq++
	id := c.subSeq
	c.subs = append(c.subs, subscriber{id: id, includeLocal: includeLocal, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) notify(localChange bool) {
	c.mu.Lock()
	type delivery struct {
		fn   func(map[string]Record)
		snap map[string]Record
	}
	var deliveries []delivery
	for _, s := range c.subs {
		if localChange && !s.includeLocal {
			continue
		}
		deliveries = append(deliveries, delivery{fn: s.fn, snap: c.snapshotLocked(s.includeLocal)})
	}
	c.mu.Unlock()
	for _, d := range deliveries {
		d.fn(d.snap)
	}
}
