package replica

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Tx buffers writes against the document. Reads through a Tx observe its own pending writes.
type Tx struct {
	doc    *Document
	writes map[string]json.RawMessage
	order  []string
}

func (tx *Tx) record(key string, value json.RawMessage) {
	if _, seen := tx.writes[key]; !seen {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = value
}

// Set replaces an entity. Values that are not already json.RawMessage or []byte are JSON encoded.
func (tx *Tx) Set(mapName, id string, value any) error {
	if err := checkMapName(mapName); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("cannot set an entity with an empty id in %s", mapName)
	}
	var raw json.RawMessage
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", mapName, id, err)
		}
		raw = encoded
	}
	if raw == nil || !json.Valid(raw) {
		return fmt.Errorf("value for %s/%s is not valid json", mapName, id)
	}
	tx.record(entityKey(mapName, id), append(json.RawMessage(nil), raw...))
	return nil
}

func (tx *Tx) Delete(mapName, id string) error {
	if err := checkMapName(mapName); err != nil {
		return err
	}
	key := entityKey(mapName, id)
	if _, seen := tx.writes[key]; !seen {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = nil
	return nil
}

func (tx *Tx) Get(mapName, id string) (json.RawMessage, bool) {
	key := entityKey(mapName, id)
	if v, seen := tx.writes[key]; seen {
		return v, v != nil
	}
	v, ok, err := tx.doc.getLocked(key)
	if err != nil {
		return nil, false
	}
	return v, ok
}

// Snapshot returns the named map as it would look if the transaction committed now.
func (tx *Tx) Snapshot(mapName string) map[string]json.RawMessage {
	out, err := tx.doc.snapshotLocked(mapName)
	if err != nil {
		out = map[string]json.RawMessage{}
	}
	for _, key := range tx.order {
		m, id, _ := splitKey(key)
		if m != mapName {
			continue
		}
		if v := tx.writes[key]; v != nil {
			out[id] = v
		} else {
			delete(out, id)
		}
	}
	return out
}

// IDs returns the sorted ids present in the named map, including pending writes.
func (tx *Tx) IDs(mapName string) []string {
	snap := tx.Snapshot(mapName)
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
