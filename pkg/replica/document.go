package replica

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

const (
	MapShapes     = "shapes"
	MapConnectors = "connectors"
)

// Origin identifies where a change to the document came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginLoad   Origin = "load"
	OriginUndo   Origin = "undo"
	OriginRedo   Origin = "redo"
)

var ErrInvalidMapName = errors.New("map name must be non-empty and must not contain '/'")

// ItemChange is the before and after value of a single entity touched by a transaction. A nil value means absent.
type ItemChange struct {
	Map    string
	ID     string
	Before json.RawMessage
	After  json.RawMessage
}

// TxEvent describes a batch of changes applied to the document. Items are only populated for transactions
// originating on this replica; remote and load events only signal that the document moved.
type TxEvent struct {
	Origin Origin
	Maps   []string
	Items  []ItemChange
}

func (e TxEvent) Local() bool {
	return e.Origin != OriginRemote && e.Origin != OriginLoad
}

type observer[T any] struct {
	id uint64
	fn T
}

// Document is one replica of a board. Every entity lives at the root of an automerge document under the flat key
// "<map>/<id>" and its value is the JSON encoding of the entire entity, so concurrent writes to one entity are
// resolved as a whole by automerge's last-writer-wins register while writes to different entities never conflict.
type Document struct {
	mu         sync.Mutex
	doc        *automerge.Doc
	syncStates map[string]*automerge.SyncState

	obsMu  sync.Mutex
	obsSeq uint64
	mapObs map[string][]observer[func()]
	txObs  []observer[func(TxEvent)]
}

// New creates an empty document with a random actor id.
func New() *Document {
	d := automerge.New()
	u := uuid.New()
	if err := d.SetActorID(hex.EncodeToString(u[:])); err != nil {
		slog.Error("failed to set actor id", "err", err)
	}
	return wrap(d)
}

func wrap(d *automerge.Doc) *Document {
	return &Document{
		doc:        d,
		syncStates: make(map[string]*automerge.SyncState),
		mapObs:     make(map[string][]observer[func()]),
	}
}

func (d *Document) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

func entityKey(mapName, id string) string {
	return mapName + "/" + id
}

func splitKey(key string) (string, string, bool) {
	return strings.Cut(key, "/")
}

func checkMapName(mapName string) error {
	if mapName == "" || strings.Contains(mapName, "/") {
		return ErrInvalidMapName
	}
	return nil
}

func (d *Document) getLocked(key string) (json.RawMessage, bool, error) {
	v, err := d.doc.RootMap().Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if v == nil || v.Kind() != automerge.KindStr {
		return nil, false, nil
	}
	return json.RawMessage(v.Str()), true, nil
}

// Get returns the current value of an entity.
func (d *Document) Get(mapName, id string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok, err := d.getLocked(entityKey(mapName, id))
	if err != nil {
		slog.Error("failed to get entity", "map", mapName, "id", id, "err", err)
		return nil, false
	}
	return v, ok
}

func (d *Document) snapshotLocked(mapName string) (map[string]json.RawMessage, error) {
	values, err := d.doc.RootMap().Values()
	if err != nil {
		return nil, fmt.Errorf("failed to list values: %w", err)
	}
	out := make(map[string]json.RawMessage)
	for key, v := range values {
		m, id, ok := splitKey(key)
		if !ok || m != mapName || v == nil || v.Kind() != automerge.KindStr {
			continue
		}
		out[id] = json.RawMessage(v.Str())
	}
	return out, nil
}

// Snapshot returns a copy of every entity in the named map.
func (d *Document) Snapshot(mapName string) map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, err := d.snapshotLocked(mapName)
	if err != nil {
		slog.Error("failed to snapshot map", "map", mapName, "err", err)
		return map[string]json.RawMessage{}
	}
	return out
}

// IsEmpty reports whether the document holds no entities in any map.
func (d *Document) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.RootMap().Len() == 0
}

// Set replaces the whole value of an entity.
func (d *Document) Set(mapName, id string, value any) error {
	return d.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Set(mapName, id, value)
	})
}

// Delete removes an entity. Deleting an absent entity does nothing.
func (d *Document) Delete(mapName, id string) error {
	return d.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Delete(mapName, id)
	})
}

// Transact runs fn against a buffered transaction and applies all of its writes as a single automerge change.
// Observers see the batch once, after it has been fully applied. When fn returns an error nothing is applied, and when
// applying fails partway the document is reset to the state it had before the transaction.
func (d *Document) Transact(origin Origin, fn func(tx *Tx) error) error {
	event, err := d.transact(origin, fn)
	if err != nil {
		return err
	}
	if len(event.Items) > 0 {
		d.notify(event)
	}
	return nil
}

func (d *Document) transact(origin Origin, fn func(tx *Tx) error) (TxEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := &Tx{doc: d, writes: make(map[string]json.RawMessage)}
	if err := fn(tx); err != nil {
		return TxEvent{}, err
	}
	heads := d.doc.Heads()
	event, err := d.applyLocked(origin, tx)
	if err != nil {
		if rerr := d.discardLocked(heads); rerr != nil {
			slog.Error("failed to discard partial transaction", "err", rerr)
		}
		return TxEvent{}, err
	}
	return event, nil
}

// discardLocked drops uncommitted operations by replacing the document with a fork at heads under the same actor.
// Sync states are tied to the old document, so every peer restarts sync from scratch.
func (d *Document) discardLocked(heads []automerge.ChangeHash) error {
	actor := d.doc.ActorID()
	fork, err := d.doc.Fork(heads...)
	if err != nil {
		return fmt.Errorf("failed to fork at previous heads: %w", err)
	}
	if err := fork.SetActorID(actor); err != nil {
		return fmt.Errorf("failed to restore actor id: %w", err)
	}
	d.doc = fork
	d.syncStates = make(map[string]*automerge.SyncState)
	return nil
}

func (d *Document) applyLocked(origin Origin, tx *Tx) (TxEvent, error) {
	event := TxEvent{Origin: origin}
	root := d.doc.RootMap()
	touched := map[string]bool{}
	for _, key := range tx.order {
		after := tx.writes[key]
		before, existed, err := d.getLocked(key)
		if err != nil {
			return event, err
		}
		if after == nil && !existed {
			continue
		}
		if after != nil && existed && bytes.Equal(before, after) {
			continue
		}
		if after == nil {
			if err := root.Delete(key); err != nil {
				return event, fmt.Errorf("failed to delete %s: %w", key, err)
			}
		} else if err := root.Set(key, string(after)); err != nil {
			return event, fmt.Errorf("failed to set %s: %w", key, err)
		}
	m, id, _ := splitKey(key)
		touched[m] = true
		event.Items = append(event.Items, ItemChange{Map: m, ID: id, Before: before, After: after})
	}
	if len(event.Items) == 0 {
		return event, nil
	}
	if _, err := d.doc.Commit(string(origin)); err != nil {
		return event, fmt.Errorf("failed to commit: %w", err)
	}
	for m := range touched {
		event.Maps = append(event.Maps, m)
	}
	sort.Strings(event.Maps)
	return event, nil
}

// OnChange registers fn to be called whenever the named map may have changed. The callback receives no diff;
// consumers re-read Snapshot.
func (d *Document) OnChange(mapName string, fn func()) (cancel func()) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.obsSeq++
	id := d.obsSeq
	d.mapObs[mapName] = append(d.mapObs[mapName], observer[func()]{id: id, fn: fn})
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		obs := d.mapObs[mapName]
		for i, o := range obs {
			if o.id == id {
				d.mapObs[mapName] = append(obs[:i:i], obs[i+1:]...)
				return
			}
		}
	}
}

// OnTransaction registers fn to receive every batch applied to the document.
func (d *Document) OnTransaction(fn func(TxEvent)) (cancel func()) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.obsSeq++
	id := d.obsSeq
	d.txObs = append(d.txObs, observer[func(TxEvent)]{id: id, fn: fn})
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		for i, o := range d.txObs {
			if o.id == id {
				d.txObs = append(d.txObs[:i:i], d.txObs[i+1:]...)
				return
			}
		}
	}
}

func (d *Document) notify(event TxEvent) {
	d.obsMu.Lock()
	txObs := append([]observer[func(TxEvent)](nil), d.txObs...)
	var mapObs []observer[func()]
	for _, m := range event.Maps {
		mapObs = append(mapObs, d.mapObs[m]...)
	}
	d.obsMu.Unlock()

	for _, o := range txObs {
		o.fn(event)
	}
	for _, o := range mapObs {
		o.fn()
	}
}

// notifyMoved signals a non-local change. We don't know which maps were touched without diffing, so every map with
// observers is told.
func (d *Document) notifyMoved(origin Origin) {
	d.obsMu.Lock()
	maps := make([]string, 0, len(d.mapObs))
	for m := range d.mapObs {
		maps = append(maps, m)
	}
	d.obsMu.Unlock()
	sort.Strings(maps)
	d.notify(TxEvent{Origin: origin, Maps: maps})
}

func headsKey(heads []automerge.ChangeHash) string {
	parts := make([]string, len(heads))
	for i, h := range heads {
		parts[i] = h.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Heads returns the hashes of the latest changes known to this replica.
func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

// Save returns the full compressed document.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// MergeSaved merges a previously saved document into this replica.
func (d *Document) MergeSaved(raw []byte) error {
	other, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load saved doc: %w", err)
	}
	d.mu.Lock()
	before := headsKey(d.doc.Heads())
	if _, err := d.doc.Merge(other); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to merge saved doc: %w", err)
	}
	moved := headsKey(d.doc.Heads()) != before
	d.mu.Unlock()
	if moved {
		d.notifyMoved(OriginLoad)
	}
	return nil
}

// Fork returns an independent copy of the underlying automerge document.
func (d *Document) Fork() (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Fork()
}

func (d *Document) syncStateLocked(peer string) *automerge.SyncState {
	ss, ok := d.syncStates[peer]
	if !ok {
		ss = automerge.NewSyncState(d.doc)
		d.syncStates[peer] = ss
	}
	return ss
}

// GenerateSyncMessage returns the next automerge sync message for the peer, if there is anything to say.
func (d *Document) GenerateSyncMessage(peer string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, valid := d.syncStateLocked(peer).GenerateMessage()
	if !valid || msg == nil {
		return nil, false
	}
	return msg.Bytes(), true
}

// ReceiveSyncMessage applies a sync message from the peer. Observers are notified when it moved the document.
func (d *Document) ReceiveSyncMessage(peer string, msg []byte) error {
	d.mu.Lock()
	before := headsKey(d.doc.Heads())
	if _, err := d.syncStateLocked(peer).ReceiveMessage(msg); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to receive sync message: %w", err)
	}
	moved := headsKey(d.doc.Heads()) != before
	d.mu.Unlock()
	if moved {
		d.notifyMoved(OriginRemote)
	}
	return nil
}

// ForgetPeer drops the sync state held for a peer.
func (d *Document) ForgetPeer(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.syncStates, peer)
}

// ForgetAllPeers drops every sync state, used when the transport reconnects.
func (d *Document) ForgetAllPeers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncStates = make(map[string]*automerge.SyncState)
}
