package graphstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"clarium.evalgo.org/internal/clariumerr"
)

// DictEntry is one (label, key) -> node_id mapping, the unit of both the
// JSON fallback segment and the node delta log (spec.md §6).
type DictEntry struct {
	Label string `json:"label"`
	Key   string `json:"key"`
	ID    uint64 `json:"id"`
}

type dictFile struct {
	Entries []DictEntry `json:"entries"`
}

// NodeDelta is one upsert (op=0) or delete (op=1) entry overlaid onto the
// base dictionary segment in file order when a graph is opened.
type NodeDelta struct {
	Op    uint8
	Label string
	Key   string
	ID    uint64
}

// Dict is the in-memory node dictionary: a reverse-lookupable map built
// from the base JSON segment plus overlaid node deltas.
type Dict struct {
	mu        sync.RWMutex
	byLabelKey map[string]uint64
	byID       map[uint64]labelKey
	nextID     uint64
}

type labelKey struct {
	Label string
	Key   string
}

func dictKey(label, key string) string { return label + "\x1f" + key }

// LoadDict reads the base JSON dictionary segment named by the manifest
// (only the JSON fallback producer format is supported per spec.md §6) and
// overlays any node deltas appended since.
func LoadDict(dir string, m *Manifest, deltas []NodeDelta) (*Dict, error) {
	d := &Dict{
		byLabelKey: make(map[string]uint64),
		byID:       make(map[uint64]labelKey),
	}
	seg := m.LatestDictSegment()
	if seg != "" {
		path := filepath.Join(dir, "nodes", seg)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, clariumerr.IO(err, "reading node dictionary %s", path)
		}
		var df dictFile
		if err := json.Unmarshal(data, &df); err != nil {
			return nil, clariumerr.Corrupt("node dictionary %s is not valid JSON: %v", path, err)
		}
		for _, e := range df.Entries {
			d.set(e.Label, e.Key, e.ID)
		}
	}
	for _, delta := range deltas {
		switch delta.Op {
		case OpAdd:
			d.set(delta.Label, delta.Key, delta.ID)
		case OpDelete:
			d.delete(delta.Label, delta.Key)
		}
	}
	return d, nil
}

func (d *Dict) set(label, key string, id uint64) {
	k := dictKey(label, key)
	d.byLabelKey[k] = id
	d.byID[id] = labelKey{Label: label, Key: key}
	if id >= d.nextID {
		d.nextID = id + 1
	}
}

func (d *Dict) delete(label, key string) {
	k := dictKey(label, key)
	if id, ok := d.byLabelKey[k]; ok {
		delete(d.byLabelKey, k)
		delete(d.byID, id)
	}
}

// Lookup resolves a "label:key" or raw "key" reference to a node id,
// performing a reverse scan for the raw form (spec.md §4.9's BFS start
// resolution).
func (d *Dict) Lookup(ref string) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if label, key, ok := splitLabelKey(ref); ok {
		id, found := d.byLabelKey[dictKey(label, key)]
		return id, found
	}
	for k, id := range d.byLabelKey {
		if keySuffix(k) == ref {
			return id, true
		}
	}
	return 0, false
}

func splitLabelKey(ref string) (label, key string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

func keySuffix(internalKey string) string {
	for i := len(internalKey) - 1; i >= 0; i-- {
		if internalKey[i] == '\x1f' {
			return internalKey[i+1:]
		}
	}
	return internalKey
}

// KeyFor returns the dictionary key text for a node id, for BFS row
// emission preferring the dictionary key over the raw numeric id.
func (d *Dict) KeyFor(id uint64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lk, ok := d.byID[id]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s:%s", lk.Label, lk.Key), true
}

// Allocate reserves and returns the next dense node id.
func (d *Dict) Allocate() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	return id
}

// Apply mutates the in-memory dictionary for a freshly committed node op,
// mirroring set/delete above under the write lock.
func (d *Dict) Apply(delta NodeDelta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch delta.Op {
	case OpAdd:
		d.set(delta.Label, delta.Key, delta.ID)
	case OpDelete:
		d.delete(delta.Label, delta.Key)
	}
}
