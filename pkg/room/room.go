package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/holoboard/pkg/boardstate"
	"github.com/astromechza/holoboard/pkg/durable"
	"github.com/astromechza/holoboard/pkg/presence"
	"github.com/astromechza/holoboard/pkg/replica"
	"github.com/astromechza/holoboard/pkg/session"
	"github.com/astromechza/holoboard/pkg/undo"
)

type Options struct {
	RelayURL string
	// PeerID is shared by every room this manager opens. A random id is used when empty.
	PeerID string
	// Store is optional. Without it rooms live only in memory.
	Store           *durable.Store
	PersistInterval time.Duration
	CaptureTimeout  time.Duration
	Backoff         session.Backoff
	Dialer          *websocket.Dialer
}

// Room holds everything that belongs to one open board. Nothing in it is shared with any other room.
type Room struct {
	ID       string
	Doc      *replica.Document
	Board    *boardstate.Board
	Presence *presence.Channel
	Undo     *undo.Manager
	Sync     *session.Session
	Durable  *durable.Binding

	once sync.Once
}

// Close disconnects the room from the network first so that no late message can reach the document, then writes
// its final state to the store.
func (r *Room) Close() {
	r.once.Do(func() {
		r.Sync.Close()
		r.Undo.Close()
		r.Board.Close()
		if r.Durable != nil {
			r.Durable.Unbind()
		}
		slog.Info("closed room", "room", r.ID)
	})
}

// Manager owns at most one open room at a time.
type Manager struct {
	opts Options

	mu      sync.Mutex
	current *Room
}

func NewManager(opts Options) (*Manager, error) {
	if opts.RelayURL == "" {
		return nil, session.ErrMissingRelay
	}
	if opts.PeerID == "" {
		opts.PeerID = uuid.NewString()
	}
	return &Manager{opts: opts}, nil
}

func (m *Manager) PeerID() string {
	return m.opts.PeerID
}

// Open returns the room with the given id, opening it if needed. Opening the room that is already open returns it
// unchanged; opening a different one closes the previous room completely first.
func (m *Manager) Open(ctx context.Context, roomID string) (*Room, error) {
	if roomID == "" {
		return nil, session.ErrMissingRoom
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if m.current.ID == roomID {
			return m.current, nil
		}
		m.current.Close()
		m.current = nil
	}

	r, err := m.build(ctx, roomID)
	if err != nil {
		return nil, err
	}
	m.current = r
	return r, nil
}

func (m *Manager) build(ctx context.Context, roomID string) (*Room, error) {
	doc := replica.New()
	r := &Room{ID: roomID, Doc: doc}

	if m.opts.Store != nil {
		binding, err := m.opts.Store.Bind(ctx, doc, roomID, m.opts.PersistInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to bind local state: %w", err)
		}
		r.Durable = binding
	}

	r.Undo = undo.New(doc, undo.Options{CaptureTimeout: m.opts.CaptureTimeout}, replica.MapShapes, replica.MapConnectors)
	r.Board = boardstate.New(doc, r.Undo)
	r.Presence = presence.New(m.opts.PeerID)

	sess, err := session.New(session.Options{
		RelayURL: m.opts.RelayURL,
		RoomID:   roomID,
		PeerID:   m.opts.PeerID,
		Backoff:  m.opts.Backoff,
		Dialer:   m.opts.Dialer,
	}, doc, r.Presence)
	if err != nil {
		r.Undo.Close()
		if r.Durable != nil {
			r.Durable.Unbind()
		}
		return nil, fmt.Errorf("failed to create sync session: %w", err)
	}
	r.Sync = sess
	sess.Start()
	slog.Info("opened room", "room", roomID, "peer", m.opts.PeerID)
	return r, nil
}

// Current returns the open room, if any.
func (m *Manager) Current() *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close closes the open room.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
