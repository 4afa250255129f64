package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/holoboard/pkg/replica"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newManager(t *testing.T, doc *replica.Document) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(doc, Options{Now: clock.Now}, replica.MapShapes, replica.MapConnectors)
	t.Cleanup(m.Close)
	return m, clock
}

func shapeX(t *testing.T, doc *replica.Document, id string) any {
	t.Helper()
	raw, ok := doc.Get(replica.MapShapes, id)
	if !ok {
		return nil
	}
	return string(raw)
}

func TestManager_UndoRedoSingleEdit(t *testing.T) {
	doc := replica.New()
	m, _ := newManager(t, doc)
	assert.False(t, m.CanUndo())

	require.NoError(t, doc.Set(replica.MapShapes, "s1", map[string]any{"x": 1}))
	assert.True(t, m.CanUndo())

	ok, err := m.Undo()
	require.NoError(t, err)
	assert.True(t, ok)
	_, exists := doc.Get(replica.MapShapes, "s1")
	assert.False(t, exists)
	assert.True(t, m.CanRedo())

	ok, err = m.Redo()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"x":1}`, shapeX(t, doc, "s1"))
	assert.True(t, m.CanUndo())
	assert.False(t, m.CanRedo())
}

func TestManager_EmptyStacks(t *testing.T) {
	m, _ := newManager(t, replica.New())
	ok, err := m.Undo()
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.Redo()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_CaptureTimeoutGroupsEdits(t *testing.T) {
	doc := replica.New()
	m, clock := newManager(t, doc)

	require.NoError(t, doc.Set(replica.MapShapes, "s1", map[string]any{"x": 1}))
	clock.Advance(100 * time.Millisecond)
	require.NoError(t, doc.Set(replica.MapShapes, "s1", map[string]any{"x": 2}))
	clock.Advance(100 * time.Millisecond)
	require.NoError(t, doc.Set(replica.MapShapes, "s2", map[string]any{"x": 3}))

	clock.Advance(time.Second)
	require.NoError(t, doc.Set(replica.MapShapes, "s1", map[string]any{"x": 4}))

	_, err := m.Undo()
	require.NoError(t, err)
	assert.Equal(t, `{"x":2}`, shapeX(t, doc, "s1"))

	_, err = m.Undo()
	require.NoError(t, err)
	assert.Nil(t, shapeX(t, doc, "s1"), "grouped edits revert to before the first one")
	assert.Nil(t, shapeX(t, doc, "s2"))
	assert.False(t, m.CanUndo())
}

func TestManager_StopCapturingForcesBoundary(t *testing.T) {
	doc := replica.New()
	m, _ := newManager(t, doc)

	require.NoError(t, doc.Set(replica.MapShapes, "s1", map[string]any{"x": 1}))
	m.StopCapturing()
	require.NoError(t, doc.Set(replica.MapShapes, "s1", map[string]any{"x": 2}))

	_, err := m.Undo()
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, shapeX(t, doc, "s1"))
}

func TestManager_NewEditClearsRedo(t *testing.T) {
	doc := replica.New()
	m, _ := newManager(t, doc)

	require.NoError(t, doc.Set(replica.MapShapes, "s1", map[string]any{"x": 1}))
	_, err := m.Undo()
	require.NoError(t, err)
	require.True(t, m.CanRedo())

	require.NoError(t, doc.Set(replica.MapShapes, "s2", map[string]any{"x": 1}))
	assert.False(t, m.CanRedo())
}

func TestManager_TransactionIsOneStep(t *testing.T) {
	doc := replica.New()
	m, _ := newManager(t, doc)
	require.NoError(t, doc.Set(replica.MapShapes, "s1", map[string]any{"x": 1}))
	require.NoError(t, doc.Set(replica.MapConnectors, "c1", map[string]any{"from": "s1"}))
	m.StopCapturing()

	require.NoError(t, doc.Transact(replica.OriginLocal, func(tx *replica.Tx) error {
		require.NoError(t, tx.Delete(replica.MapShapes, "s1"))
		return tx.Delete(replica.MapConnectors, "c1")
	}))

	ok, err := m.Undo()
	require.NoError(t, err)
	assert.True(t, ok)
	_, hasShape := doc.Get(replica.MapShapes, "s1")
	_, hasConnector := doc.Get(replica.MapConnectors, "c1")
	assert.True(t, hasShape)
	assert.True(t, hasConnector)
}

func TestManager_IgnoresUntrackedMaps(t *testing.T) {
	doc := replica.New()
	clock := &fakeClock{}
	m := New(doc, Options{Now: clock.Now}, replica.MapShapes)
	defer m.Close()

	require.NoError(t, doc.Set(replica.MapConnectors, "c1", map[string]any{}))
	assert.False(t, m.CanUndo())
}

func TestManager_UndoIsLocal(t *testing.T) {
	a := replica.New()
	b := replica.New()
	undoA, _ := newManager(t, a)
	undoB, _ := newManager(t, b)

	require.NoError(t, a.Set(replica.MapShapes, "s1", map[string]any{"x": 1}))
	syncAll(t, a, b)
	assert.False(t, undoB.CanUndo(), "remote edits are never recorded")

	undoB.StopCapturing()
	require.NoError(t, b.Set(replica.MapShapes, "s2", map[string]any{"x": 2}))
	syncAll(t, a, b)

	ok, err := undoA.Undo()
	require.NoError(t, err)
	assert.True(t, ok)
	syncAll(t, a, b)

	for _, doc := range []*replica.Document{a, b} {
		assert.Nil(t, shapeX(t, doc, "s1"), "undo on A reverts A's edit everywhere")
		assert.Equal(t, `{"x":2}`, shapeX(t, doc, "s2"), "B's edit survives A's undo")
	}
}

func TestManager_UndoClobbersLaterRemoteEdit(t *testing.T) {
	a := replica.New()
	b := replica.New()
	undoA, _ := newManager(t, a)

	require.NoError(t, a.Set(replica.MapShapes, "s1", map[string]any{"x": 1}))
	undoA.StopCapturing()
	require.NoError(t, a.Set(replica.MapShapes, "s1", map[string]any{"x": 2}))
	syncAll(t, a, b)
	require.NoError(t, b.Set(replica.MapShapes, "s1", map[string]any{"x": 99}))
	syncAll(t, a, b)

	ok, err := undoA.Undo()
	require.NoError(t, err)
	assert.True(t, ok)
	syncAll(t, a, b)
	assert.Equal(t, `{"x":1}`, shapeX(t, a, "s1"))
	assert.Equal(t, `{"x":1}`, shapeX(t, b, "s1"))
}

func syncAll(t *testing.T, a, b *replica.Document) {
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
