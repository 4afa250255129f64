package boardstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/holoboard/pkg/board"
	"github.com/astromechza/holoboard/pkg/replica"
	"github.com/astromechza/holoboard/pkg/undo"
)

func newBoard(t *testing.T) (*Board, *replica.Document) {
	t.Helper()
	doc := replica.New()
	um := undo.New(doc, undo.Options{CaptureTimeout: -1}, replica.MapShapes, replica.MapConnectors)
	b := New(doc, um)
	t.Cleanup(func() {
		b.Close()
		um.Close()
	})
	return b, doc
}

func rect(id string) board.Shape {
	s := board.NewShape(board.ShapeRect, 10, 20)
	s.ID = id
	return s
}

func link(id, from, to string) board.Connector {
	return board.Connector{ID: id, From: from, To: to}
}

func syncDocs(t *testing.T, a, b *replica.Document) {
	t.Helper()
	for i := 0; i < 20; i++ {
		progressed := false
		if msg, ok := a.GenerateSyncMessage("b"); ok {
			require.NoError(t, b.ReceiveSyncMessage("a", msg))
			progressed = true
		}
		if msg, ok := b.GenerateSyncMessage("a"); ok {
			require.NoError(t, a.ReceiveSyncMessage("b", msg))
			progressed = true
		}
		if !progressed {
			return
		}
	}
	t.Fatal("documents did not converge")
}

func TestBoard_AddAndUpdateShape(t *testing.T) {
	b, _ := newBoard(t)
	require.NoError(t, b.AddShape(rect("s1")))

	require.NoError(t, b.UpdateShape("s1", map[string]any{"x": 50.0, "text": "hello", "id": "hijack", "type": "circle"}))
	s := b.Snapshot().Shapes["s1"]
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, board.ShapeRect, s.Type)
	assert.Equal(t, 50.0, s.X)
	assert.Equal(t, 20.0, s.Y)
	assert.Equal(t, "hello", s.Text)
}

func TestBoard_UpdateMissingIsNoop(t *testing.T) {
	b, doc := newBoard(t)
	require.NoError(t, b.UpdateShape("ghost", map[string]any{"x": 1.0}))
	require.NoError(t, b.UpdateConnector("ghost", map[string]any{"from": "a"}))
	assert.True(t, doc.IsEmpty())
}

func TestBoard_UpdateRejectsInvalidResult(t *testing.T) {
	b, doc := newBoard(t)
	require.NoError(t, b.AddShape(rect("s1")))
	require.NoError(t, b.AddConnector(link("c1", "s1", "s1")))
	heads := doc.Heads()

	assert.ErrorIs(t, b.UpdateShape("s1", map[string]any{"x": "not-a-number"}), ErrInvalidUpdate)
	assert.ErrorIs(t, b.UpdateShape("s1", map[string]any{"points": []any{1.0, 2.0, 3.0}}), ErrInvalidUpdate)
	assert.ErrorIs(t, b.UpdateConnector("c1", map[string]any{"to": nil}), ErrInvalidUpdate)
	assert.ErrorIs(t, b.UpdateConnector("c1", map[string]any{"from": 7}), ErrInvalidUpdate)
	assert.Equal(t, heads, doc.Heads(), "rejected updates write nothing")

	snap := b.Snapshot()
	require.Contains(t, snap.Shapes, "s1")
	assert.Equal(t, 10.0, snap.Shapes["s1"].X)
	assert.Equal(t, "s1", snap.Connectors["c1"].To)

	require.NoError(t, b.UpdateShape("s1", map[string]any{"points": []any{1.0, 2.0, 3.0, 4.0}}))
	assert.Equal(t, []float64{1, 2, 3, 4}, b.Snapshot().Shapes["s1"].Points)
}

func TestBoard_AddShapeValidates(t *testing.T) {
	b, _ := newBoard(t)
	assert.Error(t, b.AddShape(board.Shape{ID: "x", Type: "blob"}))
	assert.Error(t, b.AddConnector(board.Connector{ID: "c"}))
}

func TestBoard_DanglingConnectorIsStoredButHidden(t *testing.T) {
	b, _ := newBoard(t)
	require.NoError(t, b.AddShape(rect("s1")))
	require.NoError(t, b.AddConnector(link("c1", "s1", "missing")))

	snap := b.Snapshot()
	assert.Contains(t, snap.Connectors, "c1")
	assert.Empty(t, snap.VisibleConnectors())
}

func TestBoard_DeleteShapeCascadesAtomically(t *testing.T) {
	b, doc := newBoard(t)
	require.NoError(t, b.AddShape(rect("s1")))
	require.NoError(t, b.AddShape(rect("s2")))
	require.NoError(t, b.AddShape(rect("s3")))
	require.NoError(t, b.AddConnector(link("c1", "s1", "s2")))
	require.NoError(t, b.AddConnector(link("c2", "s3", "s1")))
	require.NoError(t, b.AddConnector(link("c3", "s2", "s3")))

	peer := replica.New()
	syncDocs(t, doc, peer)
	remote := New(peer, nil)

	var seen []board.Snapshot
	cancel := remote.Subscribe(func(s board.Snapshot) { seen = append(seen, s) })
	defer cancel()

	require.NoError(t, b.DeleteEntity("s1"))
	syncDocs(t, doc, peer)

	require.Len(t, seen, 2, "initial snapshot and exactly one update")
	after := seen[1]
	assert.NotContains(t, after.Shapes, "s1")
	assert.NotContains(t, after.Connectors, "c1")
	assert.NotContains(t, after.Connectors, "c2")
	assert.Contains(t, after.Connectors, "c3")
	for _, s := range seen {
		if _, ok := s.Shapes["s1"]; !ok {
			assert.NotContains(t, s.Connectors, "c1", "connector outlived its shape")
		}
	}

	ok, err := b.Undo()
	require.NoError(t, err)
	assert.True(t, ok)
	snap := b.Snapshot()
	assert.Contains(t, snap.Shapes, "s1")
	assert.Contains(t, snap.Connectors, "c1")
	assert.Contains(t, snap.Connectors, "c2")
}

func TestBoard_DeleteConnectorOnlyAndMissing(t *testing.T) {
	b, _ := newBoard(t)
	require.NoError(t, b.AddShape(rect("s1")))
	require.NoError(t, b.AddShape(rect("s2")))
	require.NoError(t, b.AddConnector(link("c1", "s1", "s2")))

	require.NoError(t, b.DeleteEntity("c1"))
	snap := b.Snapshot()
	assert.Len(t, snap.Shapes, 2)
	assert.Empty(t, snap.Connectors)

	require.NoError(t, b.DeleteEntity("nothing"))
}

func TestBoard_ClearBoard(t *testing.T) {
	b, doc := newBoard(t)
	require.NoError(t, b.AddShape(rect("s1")))
	require.NoError(t, b.AddConnector(link("c1", "s1", "s1")))
	require.NoError(t, b.ClearBoard())
	assert.True(t, doc.IsEmpty())

	ok, err := b.Undo()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, b.Snapshot().Shapes, 1)
}

func TestBoard_BulkImportOnlyIntoEmptyBoard(t *testing.T) {
	b, _ := newBoard(t)
	imported, err := b.BulkImport([]board.Shape{rect("s1"), rect("s2")}, []board.Connector{link("c1", "s1", "s2")})
	require.NoError(t, err)
	assert.True(t, imported)
	assert.Len(t, b.Snapshot().Shapes, 2)
	assert.False(t, b.CanUndo(), "imported content is not an undoable edit")

	imported, err = b.BulkImport([]board.Shape{rect("s9")}, nil)
	require.NoError(t, err)
	assert.False(t, imported)
	assert.NotContains(t, b.Snapshot().Shapes, "s9")
}

func TestBoard_SubscribeSkipsIdenticalSnapshots(t *testing.T) {
	b, doc := newBoard(t)
	calls := 0
	cancel := b.Subscribe(func(board.Snapshot) { calls++ })
	assert.Equal(t, 1, calls)

	require.NoError(t, b.AddShape(rect("s1")))
	assert.Equal(t, 2, calls)

	require.NoError(t, doc.Set("scratch", "k", map[string]any{"v": 1}))
	assert.Equal(t, 2, calls, "changes outside the board maps leave the snapshot identical")

	cancel()
	require.NoError(t, b.AddShape(rect("s2")))
	assert.Equal(t, 2, calls)
}

func TestBoard_SubscribeDuringWritesSeesFinalState(t *testing.T) {
	b, _ := newBoard(t)
	const n = 50

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			assert.NoError(t, b.AddShape(rect(fmt.Sprintf("s%d", i))))
		}
	}()

	var mu sync.Mutex
	var latest board.Snapshot
	cancel := b.Subscribe(func(s board.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		latest = s
	})
	defer cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, latest.Shapes, n)
}

type fakeLoader struct {
	snap  board.Snapshot
	found bool
	err   error
	calls int
}

func (f *fakeLoader) LoadBoard(context.Context, string) (board.Snapshot, bool, error) {
	f.calls++
	return f.snap, f.found, f.err
}

type fakeWaiter struct {
	peers int
	err   error
}

func (f fakeWaiter) WaitInitialSync(context.Context) (int, error) {
	return f.peers, f.err
}

func savedBoard() board.Snapshot {
	s := board.EmptySnapshot()
	s.Shapes["s1"] = rect("s1")
	return s
}

func TestRestoreFromCloud(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.Run("imports into an empty room", func(t *testing.T) {
		b, _ := newBoard(t)
		loader := &fakeLoader{snap: savedBoard(), found: true}
		ok, err := b.RestoreFromCloud(ctx, loader, "r1", fakeWaiter{})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Contains(t, b.Snapshot().Shapes, "s1")
	})

	t.Run("live peers win", func(t *testing.T) {
		b, _ := newBoard(t)
		loader := &fakeLoader{snap: savedBoard(), found: true}
		ok, err := b.RestoreFromCloud(ctx, loader, "r1", fakeWaiter{peers: 2})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, loader.calls)
	})

	t.Run("local content wins", func(t *testing.T) {
		b, _ := newBoard(t)
		require.NoError(t, b.AddShape(rect("mine")))
		loader := &fakeLoader{snap: savedBoard(), found: true}
		ok, err := b.RestoreFromCloud(ctx, loader, "r1", nil)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NotContains(t, b.Snapshot().Shapes, "s1")
	})

	t.Run("nothing saved", func(t *testing.T) {
		b, _ := newBoard(t)
		ok, err := b.RestoreFromCloud(ctx, &fakeLoader{}, "r1", fakeWaiter{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("errors are returned", func(t *testing.T) {
		b, _ := newBoard(t)
		_, err := b.RestoreFromCloud(ctx, &fakeLoader{err: errors.New("offline")}, "r1", fakeWaiter{})
		assert.ErrorContains(t, err, "offline")
		_, err = b.RestoreFromCloud(ctx, &fakeLoader{}, "r1", fakeWaiter{err: context.DeadlineExceeded})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
