/*
Package layermap indexes the set of layer files belonging to one
timeline so reconstruction can find, for a given key and LSN, the
newest image layer at or below that LSN and every delta layer stacked
above it. Grounded on
original_source/pageserver/src/tenant/storage_layer.rs's
PersistentLayerDesc (key_range, lsn_range, is_delta) and the layer-map
search it feeds into layer.rs's get_value_reconstruct_data fringe walk.
*/
package layermap

import (
	"sort"
	"sync"

	"github.com/cuemby/strata/pkg/layerobj"
	"github.com/cuemby/strata/pkg/types"
)

// Desc describes one layer file's coverage, independent of its residence.
type Desc struct {
	KeyRange types.KeyRange
	LsnStart types.Lsn
	LsnEnd   types.Lsn // LsnStart for image layers
	IsDelta  bool
	Handle   *layerobj.Handle
}

func (d Desc) coversLsn(lsn types.Lsn) bool {
	return d.LsnStart <= lsn
}

// Map is the mutable set of layers for one timeline.
type Map struct {
	mu     sync.RWMutex
	layers []Desc
}

// New returns an empty layer map.
func New() *Map { return &Map{} }

// Insert adds a layer, keeping the set sorted by LsnEnd descending so
// SearchFringe can walk newest-first.
func (m *Map) Insert(d Desc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = append(m.layers, d)
	sort.Slice(m.layers, func(i, j int) bool { return m.layers[i].LsnEnd > m.layers[j].LsnEnd })
}

// Remove drops a layer matching handle from the map, e.g. after compaction
// supersedes it.
func (m *Map) Remove(handle *layerobj.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.layers[:0]
	for _, d := range m.layers {
		if d.Handle != handle {
			out = append(out, d)
		}
	}
	m.layers = out
}

// All returns a snapshot of every layer descriptor currently in the map.
func (m *Map) All() []Desc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Desc, len(m.layers))
	copy(out, m.layers)
	return out
}

// SearchFringe returns, newest-first, every layer that might hold data for
// key at or below lsn: all overlapping delta layers down to (and
// including) the first image layer encountered, mirroring the original's
// "walk the fringe until an image layer is found" reconstruction rule.
func (m *Map) SearchFringe(key types.Key, lsn types.Lsn) []Desc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fringe []Desc
	for _, d := range m.layers {
		if !d.KeyRange.Contains(key) {
			continue
		}
		if !d.coversLsn(lsn) {
			continue
		}
		fringe = append(fringe, d)
		if !d.IsDelta {
			break // image layer satisfies everything below it
		}
	}
	return fringe
}
