package undo

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/holoboard/pkg/replica"
)

// DefaultCaptureTimeout groups local edits made in quick succession into one undo step.
const DefaultCaptureTimeout = 500 * time.Millisecond

// Document is the part of a replica the undo manager observes and writes to.
type Document interface {
	OnTransaction(fn func(replica.TxEvent)) (cancel func())
	Transact(origin replica.Origin, fn func(tx *replica.Tx) error) error
}

type Options struct {
	// CaptureTimeout is how long after a local edit further edits still merge into the same undo step. Zero uses
	// DefaultCaptureTimeout and a negative value disables grouping.
	CaptureTimeout time.Duration
	Now            func() time.Time
}

type entry struct {
	mapName string
	id      string
	before  json.RawMessage
	after   json.RawMessage
}

// step is one undoable unit. Entries are keyed by entity and keep the earliest before-value and the latest
// after-value seen while the step was being captured.
type step struct {
	order   []string
	entries map[string]*entry
}

func newStep() *step {
	return &step{entries: make(map[string]*entry)}
}

func (s *step) add(c replica.ItemChange) {
	key := c.Map + "/" + c.ID
	if e, ok := s.entries[key]; ok {
		e.after = c.After
		return
	}
	s.order = append(s.order, key)
	s.entries[key] = &entry{mapName: c.Map, id: c.ID, before: c.Before, after: c.After}
}

// Manager keeps undo and redo stacks of this replica's own edits to a set of maps. Edits that arrive from other
// replicas are never recorded, so undo only ever reverts what this client did.
type Manager struct {
	doc   Document
	maps  map[string]bool
	opts  Options
	unsub func()

	mu          sync.Mutex
	undo        []*step
	redo        []*step
	lastCapture time.Time
	stopped     bool
}

// New starts recording local transactions that touch any of the given maps.
func New(doc Document, opts Options, maps ...string) *Manager {
	if opts.CaptureTimeout == 0 {
		opts.CaptureTimeout = DefaultCaptureTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{doc: doc, opts: opts, maps: make(map[string]bool, len(maps))}
	for _, name := range maps {
		m.maps[name] = true
	}
	m.unsub = doc.OnTransaction(m.observe)
	return m
}

func (m *Manager) observe(event replica.TxEvent) {
	var changes []replica.ItemChange
	for _, c := range event.Items {
		if m.maps[c.Map] {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch event.Origin {
	case replica.OriginLocal:
		m.redo = nil
		now := m.opts.Now()
		var s *step
		if n := len(m.undo); n > 0 && !m.stopped && m.opts.CaptureTimeout > 0 && now.Sub(m.lastCapture) < m.opts.CaptureTimeout {
			s = m.undo[n-1]
		} else {
			s = newStep()
			m.undo = append(m.undo, s)
		}
		for _, c := range changes {
			s.add(c)
		}
		m.lastCapture = now
		m.stopped = false
	case replica.OriginUndo:
		m.redo = append(m.redo, stepOf(changes))
	case replica.OriginRedo:
		m.undo = append(m.undo, stepOf(changes))
		m.stopped = true
	}
}

func stepOf(changes []replica.ItemChange) *step {
	s := newStep()
	for _, c := range changes {
		s.add(c)
	}
	return s
}

// StopCapturing makes the next local edit start a new undo step regardless of the capture timeout.
func (m *Manager) StopCapturing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Undo reverts the most recent local step and reports whether anything changed. Entities are restored to their
// earlier value even when a remote edit has since replaced them.
func (m *Manager) Undo() (bool, error) {
	return m.apply(&m.undo, replica.OriginUndo)
}

// Redo re-applies the most recently undone step.
func (m *Manager) Redo() (bool, error) {
	return m.apply(&m.redo, replica.OriginRedo)
}

func (m *Manager) apply(stack *[]*step, origin replica.Origin) (bool, error) {
	for {
		m.mu.Lock()
		n := len(*stack)
		if n == 0 {
			m.mu.Unlock()
			return false, nil
		}
		s := (*stack)[n-1]
		*stack = (*stack)[:n-1]
		m.stopped = true
		m.mu.Unlock()

		changed := false
		err := m.doc.Transact(origin, func(tx *replica.Tx) error {
			for i := len(s.order) - 1; i >= 0; i-- {
				e := s.entries[s.order[i]]
				current, _ := tx.Get(e.mapName, e.id)
				if bytes.Equal(current, e.before) {
					continue
				}
				changed = true
				if e.before == nil {
					if err := tx.Delete(e.mapName, e.id); err != nil {
						return err
					}
				} else if err := tx.Set(e.mapName, e.id, e.before); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			slog.Error("failed to apply undo step", "origin", origin, "err", err)
			return false, err
		}
		if changed {
			return true, nil
		}
	}
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Clear empties both stacks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = nil
	m.redo = nil
}

// Close stops recording. The stacks are discarded.
func (m *Manager) Close() {
	m.unsub()
	m.Clear()
}
