package room

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/holoboard/pkg/board"
	"github.com/astromechza/holoboard/pkg/durable"
	"github.com/astromechza/holoboard/pkg/relay"
	"github.com/astromechza/holoboard/pkg/session"
)

func startRelay(t *testing.T) (*relay.Relay, string) {
	t.Helper()
	r := relay.New(prometheus.NewRegistry())
	router := mux.NewRouter()
	r.Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		r.Close()
		srv.Close()
	})
	return r, srv.URL
}

func newManager(t *testing.T, relayURL, peer string, store *durable.Store) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		RelayURL:        relayURL,
		PeerID:          peer,
		Store:           store,
		PersistInterval: 20 * time.Millisecond,
		Backoff:         session.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func shape(id string) board.Shape {
	s := board.NewShape(board.ShapeSticky, 0, 0)
	s.ID = id
	return s
}

func TestNewManager_RequiresRelay(t *testing.T) {
	_, err := NewManager(Options{})
	assert.ErrorIs(t, err, session.ErrMissingRelay)

	m, err := NewManager(Options{RelayURL: "ws://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = m.Open(context.Background(), "")
	assert.ErrorIs(t, err, session.ErrMissingRoom)
}

func TestManager_OpenIsIdempotent(t *testing.T) {
	r, url := startRelay(t)
	m := newManager(t, url, "a", nil)
	ctx := context.Background()

	first, err := m.Open(ctx, "r1")
	require.NoError(t, err)
	second, err := m.Open(ctx, "r1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first, m.Current())

	require.Eventually(t, func() bool { return first.Sync.State() == session.Synced }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a"}, r.Peers("r1"), "exactly one connection for the room")
}

func TestManager_RoomSwitchIsolation(t *testing.T) {
	_, url := startRelay(t)
	ctx := context.Background()
	alice := newManager(t, url, "alice", nil)
	bob := newManager(t, url, "bob", nil)

	a1, err := alice.Open(ctx, "r1")
	require.NoError(t, err)
	b1, err := bob.Open(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, a1.Board.AddShape(shape("s1")))
	require.Eventually(t, func() bool {
		_, ok := b1.Board.Snapshot().Shapes["s1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	a2, err := alice.Open(ctx, "r2")
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)
	assert.Equal(t, session.Disconnected, a1.Sync.State())
	assert.True(t, a2.Doc.IsEmpty(), "a new room starts from its own state")

	require.NoError(t, b1.Board.AddShape(shape("s2")))
	time.Sleep(200 * time.Millisecond)
	assert.NotContains(t, a1.Board.Snapshot().Shapes, "s2", "the closed room receives nothing")
	assert.Empty(t, a2.Board.Snapshot().Shapes, "edits in r1 never reach r2")
}

func TestManager_OfflineEditsSurviveReopen(t *testing.T) {
	store, err := durable.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// nothing listens on this relay address, so the room stays offline
	m := newManager(t, "ws://127.0.0.1:1", "a", store)
	ctx := context.Background()

	r, err := m.Open(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, r.Board.AddShape(shape("offline")))
	m.Close()

	m2 := newManager(t, "ws://127.0.0.1:1", "a", store)
	r2, err := m2.Open(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, r2.Board.Snapshot().Shapes, "offline")

	other, err := m2.Open(ctx, "r2")
	require.NoError(t, err)
	assert.Empty(t, other.Board.Snapshot().Shapes)
}
