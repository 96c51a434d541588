// Package capability implements the Capability Index: an in-memory
// bidirectional mapping between capability tags and node ids, rebuilt from
// Registry snapshots on restart rather than durably persisted itself.
// Grounded on original_source/backend/duxos_registry/services/capability.py
// (standard vocabulary, add/remove/replace result shape).
package capability

import (
	"sort"
	"sync"
)

// Standard is the fixed standard-capability vocabulary. Anything else is
// accepted as a free-form custom tag.
var Standard = map[string]bool{
	"compute":               true,
	"storage":               true,
	"gpu":                   true,
	"network":               true,
	"security":              true,
	"ai_ml":                 true,
	"blockchain":            true,
	"database":              true,
	"web_server":            true,
	"file_sharing":          true,
	"media_processing":      true,
	"scientific_computing":  true,
}

// Match selects how Lookup combines multiple requested capabilities.
type Match int

const (
	MatchAll Match = iota
	MatchAny
)

// Stats summarizes the index's current content.
type Stats struct {
	TotalNodes        int
	CapabilityCounts  map[string]int
	MostCommon        []CapabilityCount
}

// CapabilityCount pairs a capability tag with how many nodes advertise it.
type CapabilityCount struct {
	Capability string
	Count      int
}

// Index is the bidirectional cap<->node index. Zero value is usable.
type Index struct {
	mu       sync.RWMutex
	byCap    map[string]map[string]bool
	byNode   map[string]map[string]bool
}

// New constructs an empty Index.
func New() *Index {
	return &Index{
		byCap:  make(map[string]map[string]bool),
		byNode: make(map[string]map[string]bool),
	}
}

// Add registers caps for node, merging with whatever the node already has.
// Returns the capabilities that were newly added (already-present tags are
// not reported again), matching capability.py's old/new-set distinction.
func (idx *Index) Add(nodeID string, caps []string) (added []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing := idx.byNode[nodeID]
	if existing == nil {
		existing = make(map[string]bool)
		idx.byNode[nodeID] = existing
	}

	for _, c := range caps {
		if existing[c] {
			continue
		}
		existing[c] = true
		added = append(added, c)

		set := idx.byCap[c]
		if set == nil {
			set = make(map[string]bool)
			idx.byCap[c] = set
		}
		set[nodeID] = true
	}
	return added
}

// Remove drops node entirely from the index (all its capabilities).
func (idx *Index) Remove(nodeID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(nodeID)
}

func (idx *Index) removeLocked(nodeID string) {
	caps := idx.byNode[nodeID]
	for c := range caps {
		if set, ok := idx.byCap[c]; ok {
			delete(set, nodeID)
			if len(set) == 0 {
				delete(idx.byCap, c)
			}
		}
	}
	delete(idx.byNode, nodeID)
}

// Replace sets node's capability set to exactly caps, returning the
// capabilities that were dropped and the ones that were newly added.
func (idx *Index) Replace(nodeID string, caps []string) (removed, added []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old := idx.byNode[nodeID]
	newSet := make(map[string]bool, len(caps))
	for _, c := range caps {
		newSet[c] = true
	}

	for c := range old {
		if !newSet[c] {
			removed = append(removed, c)
		}
	}
	for c := range newSet {
		if !old[c] {
			added = append(added, c)
		}
	}

	idx.removeLocked(nodeID)
	idx.byNode[nodeID] = make(map[string]bool, len(newSet))
	for c := range newSet {
		idx.byNode[nodeID][c] = true
		set := idx.byCap[c]
		if set == nil {
			set = make(map[string]bool)
			idx.byCap[c] = set
		}
		set[nodeID] = true
	}
	return removed, added
}

// Lookup returns node ids matching caps under the given match mode. An
// empty caps list with MatchAll returns every indexed node (the "empty
// query returns all" boundary case); with MatchAny it returns none, since
// there is nothing to match any of.
func (idx *Index) Lookup(caps []string, match Match) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(caps) == 0 {
		if match == MatchAny {
			return nil
		}
		out := make([]string, 0, len(idx.byNode))
		for n := range idx.byNode {
			out = append(out, n)
		}
		sort.Strings(out)
		return out
	}

	counts := make(map[string]int)
	for _, c := range caps {
		for n := range idx.byCap[c] {
			counts[n]++
		}
	}

	var out []string
	for n, c := range counts {
		if match == MatchAll && c == len(caps) {
			out = append(out, n)
		} else if match == MatchAny && c > 0 {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// NodeCapabilities returns the capability set currently indexed for node.
func (idx *Index) NodeCapabilities(nodeID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	caps := idx.byNode[nodeID]
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Stats computes per-capability counts and the top-5 most common tags.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	counts := make(map[string]int, len(idx.byCap))
	for c, nodes := range idx.byCap {
		counts[c] = len(nodes)
	}

	pairs := make([]CapabilityCount, 0, len(counts))
	for c, n := range counts {
		pairs = append(pairs, CapabilityCount{Capability: c, Count: n})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Capability < pairs[j].Capability
	})
	if len(pairs) > 5 {
		pairs = pairs[:5]
	}

	return Stats{
		TotalNodes:       len(idx.byNode),
		CapabilityCounts: counts,
		MostCommon:       pairs,
	}
}

// Validate reports whether cap is well-formed (non-empty) and whether it
// belongs to the standard vocabulary.
func Validate(cap string) (wellFormed, isStandard bool) {
	wellFormed = cap != ""
	isStandard = Standard[cap]
	return wellFormed, isStandard
}
