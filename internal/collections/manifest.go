package collections

import (
	"encoding/json"
	"fmt"
)

// DefaultCollectionID is the collection every key belongs to unless the
// request says otherwise.
const DefaultCollectionID uint32 = 0

// Collection is one named keyspace within a scope.
type Collection struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	Scope  string `json:"scope"`
	MaxTTL uint32 `json:"max_ttl,omitempty"`
}

// Manifest is an immutable versioned snapshot of the bucket's collections.
// Updates replace the whole manifest; readers hold a pointer and never see a
// partial update.
type Manifest struct {
	UID         uint64                `json:"uid"`
	Collections map[uint32]Collection `json:"collections"`
}

// DefaultManifest returns the initial manifest holding only the default
// collection.
func DefaultManifest() *Manifest {
	return &Manifest{
		UID: 0,
		Collections: map[uint32]Collection{
			DefaultCollectionID: {ID: DefaultCollectionID, Name: "_default", Scope: "_default"},
		},
	}
}

// Exists reports whether the collection id is in the manifest.
func (m *Manifest) Exists(cid uint32) bool {
	_, ok := m.Collections[cid]
	return ok
}

// Get returns the collection by id.
func (m *Manifest) Get(cid uint32) (Collection, bool) {
	c, ok := m.Collections[cid]
	return c, ok
}

// Diff returns the collections added and dropped going from m to next.
func (m *Manifest) Diff(next *Manifest) (added, dropped []Collection) {
	for id, c := range next.Collections {
		if _, ok := m.Collections[id]; !ok {
			added = append(added, c)
		}
	}
	for id, c := range m.Collections {
		if _, ok := next.Collections[id]; !ok {
			dropped = append(dropped, c)
		}
	}
	return added, dropped
}

// Encode serializes the manifest.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a manifest.
func Decode(blob []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("parse collections manifest: %w", err)
	}
	if m.Collections == nil {
		m.Collections = make(map[uint32]Collection)
	}
	return &m, nil
}
