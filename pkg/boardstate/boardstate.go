package boardstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/astromechza/holoboard/pkg/board"
	"github.com/astromechza/holoboard/pkg/replica"
	"github.com/astromechza/holoboard/pkg/undo"
)

// ErrInvalidUpdate is returned when a patch would leave an entity that no longer decodes or validates.
var ErrInvalidUpdate = errors.New("update does not produce a valid entity")

// Loader fetches a previously saved board from the persistence api.
type Loader interface {
	LoadBoard(ctx context.Context, roomID string) (board.Snapshot, bool, error)
}

// Waiter blocks until the first reconciliation with the room's peers has finished and reports how many there were.
type Waiter interface {
	WaitInitialSync(ctx context.Context) (int, error)
}

// Board is the application facing view of one room's document: typed mutations, a decoded snapshot, and
// change subscriptions.
type Board struct {
	doc    *replica.Document
	undo   *undo.Manager
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uint64]func()
	seq  uint64
}

// New wraps a document. The undo manager may be nil, in which case Undo and Redo do nothing.
func New(doc *replica.Document, um *undo.Manager) *Board {
	return &Board{doc: doc, undo: um, logger: slog.Default(), subs: make(map[uint64]func())}
}

func (b *Board) AddShape(s board.Shape) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return b.doc.Set(replica.MapShapes, s.ID, s)
}

// UpdateShape merges patch into an existing shape. The id and type of a shape never change, and updating a shape that
// does not exist does nothing. A patch whose result is not a valid shape is rejected without writing anything.
func (b *Board) UpdateShape(id string, patch map[string]any) error {
	return b.patch(replica.MapShapes, id, patch, checkShape, "id", "type")
}

func (b *Board) AddConnector(c board.Connector) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return b.doc.Set(replica.MapConnectors, c.ID, c)
}

func (b *Board) UpdateConnector(id string, patch map[string]any) error {
	return b.patch(replica.MapConnectors, id, patch, checkConnector, "id")
}

func checkShape(id string, before, after []byte) error {
	var prev, next board.Shape
	if err := json.Unmarshal(after, &next); err != nil {
		return fmt.Errorf("%w: shape %s: %v", ErrInvalidUpdate, id, err)
	}
	if err := json.Unmarshal(before, &prev); err == nil && prev.Type != next.Type {
		return fmt.Errorf("%w: shape %s changed type", ErrInvalidUpdate, id)
	}
	if next.ID != id {
		return fmt.Errorf("%w: shape %s changed id", ErrInvalidUpdate, id)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return nil
}

func checkConnector(id string, _, after []byte) error {
	var next board.Connector
	if err := json.Unmarshal(after, &next); err != nil {
		return fmt.Errorf("%w: connector %s: %v", ErrInvalidUpdate, id, err)
	}
	if next.ID != id {
		return fmt.Errorf("%w: connector %s changed id", ErrInvalidUpdate, id)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return nil
}

func (b *Board) patch(mapName, id string, patch map[string]any, check func(id string, before, after []byte) error, immutable ...string) error {
	return b.doc.Transact(replica.OriginLocal, func(tx *replica.Tx) error {
		raw, ok := tx.Get(mapName, id)
		if !ok {
			return nil
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", mapName, id, err)
		}
	outer:
		for k, v := range patch {
			for _, skip := range immutable {
				if k == skip {
					continue outer
				}
			}
			if v == nil {
				delete(fields, k)
			} else {
				fields[k] = v
			}
		}
		merged, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if err := check(id, raw, merged); err != nil {
			return err
		}
		return tx.Set(mapName, id, json.RawMessage(merged))
	})
}

// DeleteEntity removes a shape or a connector. Deleting a shape also removes every connector attached to it in the
// same transaction, so no peer ever observes the shape gone while its connectors remain.
func (b *Board) DeleteEntity(id string) error {
	return b.doc.Transact(replica.OriginLocal, func(tx *replica.Tx) error {
		if _, ok := tx.Get(replica.MapShapes, id); ok {
			if err := tx.Delete(replica.MapShapes, id); err != nil {
				return err
			}
			connectors, errs := board.DecodeConnectors(tx.Snapshot(replica.MapConnectors))
			for _, err := range errs {
				b.logger.Warn("skipping undecodable connector during cascade", "err", err)
			}
			for cid, c := range connectors {
				if c.Touches(id) {
					if err := tx.Delete(replica.MapConnectors, cid); err != nil {
						return err
					}
				}
			}
			return nil
		}
		return tx.Delete(replica.MapConnectors, id)
	})
}

// ClearBoard deletes every shape and connector as one transaction.
func (b *Board) ClearBoard() error {
	return b.doc.Transact(replica.OriginLocal, func(tx *replica.Tx) error {
		for _, m := range []string{replica.MapShapes, replica.MapConnectors} {
			for _, id := range tx.IDs(m) {
				if err := tx.Delete(m, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// BulkImport writes a saved board into the document in one transaction, but only when the document is still empty.
// Imported content is not recorded by the undo manager.
func (b *Board) BulkImport(shapes []board.Shape, connectors []board.Connector) (bool, error) {
	imported := false
	err := b.doc.Transact(replica.OriginLoad, func(tx *replica.Tx) error {
		if len(tx.IDs(replica.MapShapes)) > 0 || len(tx.IDs(replica.MapConnectors)) > 0 {
			return nil
		}
		for _, s := range shapes {
			if err := s.Validate(); err != nil {
				return fmt.Errorf("failed to import: %w", err)
			}
			if err := tx.Set(replica.MapShapes, s.ID, s); err != nil {
				return err
			}
		}
		for _, c := range connectors {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("failed to import: %w", err)
			}
			if err := tx.Set(replica.MapConnectors, c.ID, c); err != nil {
				return err
			}
		}
		imported = len(shapes)+len(connectors) > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return imported, nil
}

// RestoreFromCloud loads the board saved for a room and imports it when nobody else in the room already holds live
// state. It waits for the initial reconciliation with the peers present at join time first; if there were any, their
// state is authoritative and the saved copy is ignored.
func (b *Board) RestoreFromCloud(ctx context.Context, loader Loader, roomID string, waiter Waiter) (bool, error) {
	if waiter != nil {
		peers, err := waiter.WaitInitialSync(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to wait for initial sync: %w", err)
		}
		if peers > 0 {
			b.logger.Info("room has live peers, skipping cloud restore", "room", roomID, "peers", peers)
			return false, nil
		}
	}
	if !b.doc.IsEmpty() {
		return false, nil
	}
	saved, found, err := loader.LoadBoard(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("failed to load saved board: %w", err)
	}
	if !found {
		return false, nil
	}
	shapes, connectors := saved.Lists()
	imported, err := b.BulkImport(shapes, connectors)
	if imported {
		b.logger.Info("restored board from cloud", "room", roomID, "shapes", len(shapes), "connectors", len(connectors))
	}
	return imported, err
}

// Snapshot decodes the current merged state. Entries that fail to decode are logged and skipped.
func (b *Board) Snapshot() board.Snapshot {
	shapes, errs := board.DecodeShapes(b.doc.Snapshot(replica.MapShapes))
	connectors, cerrs := board.DecodeConnectors(b.doc.Snapshot(replica.MapConnectors))
	for _, err := range append(errs, cerrs...) {
		b.logger.Warn("skipping undecodable entity", "err", err)
	}
	return board.Snapshot{Shapes: shapes, Connectors: connectors}
}

// Subscribe calls fn with the current snapshot and then again each time the board changes, local or remote. A
// change that leaves the decoded board identical is not delivered.
func (b *Board) Subscribe(fn func(board.Snapshot)) (cancel func()) {
	var mu sync.Mutex
	var last board.Snapshot
	deliver := func() {
		mu.Lock()
		defer mu.Unlock()
		next := b.Snapshot()
		if reflect.DeepEqual(last, next) {
			return
		}
		last = next
		fn(next)
	}

	// registered before the first snapshot is taken so no change falls in between
	mu.Lock()
	unsub := b.doc.OnTransaction(func(replica.TxEvent) { deliver() })
	last = b.Snapshot()
	fn(last)
	mu.Unlock()

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = unsub
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if u, ok := b.subs[id]; ok {
			u()
			delete(b.subs, id)
		}
	}
}

func (b *Board) Undo() (bool, error) {
	if b.undo == nil {
		return false, nil
	}
	return b.undo.Undo()
}

func (b *Board) Redo() (bool, error) {
	if b.undo == nil {
		return false, nil
	}
	return b.undo.Redo()
}

func (b *Board) CanUndo() bool {
	return b.undo != nil && b.undo.CanUndo()
}

func (b *Board) CanRedo() bool {
	return b.undo != nil && b.undo.CanRedo()
}

// Close drops every subscription.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, u := range b.subs {
		u()
		delete(b.subs, id)
	}
}
