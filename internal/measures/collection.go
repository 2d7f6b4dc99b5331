// Package measures owns the measure collection: the ground truth for which
// rule trees reference which library components. The collection is mutated
// only through whole-batch transitions so no partially-updated state is ever
// observable to readers.
package measures

import (
	"fmt"
	"sort"
	"sync"

	"measureforge/internal/logging"
	"measureforge/internal/types"
)

// Ref is one usage reference: a measure's rule tree contains a leaf linked to
// a component.
type Ref struct {
	MeasureID   string
	ElementID   string
	ComponentID string
}

// Collection holds the full measure set keyed by measure id.
type Collection struct {
	mu       sync.RWMutex
	measures map[string]*types.Measure
}

// NewCollection returns an empty measure collection.
func NewCollection() *Collection {
	return &Collection{measures: make(map[string]*types.Measure)}
}

// Put inserts or replaces a measure. The collection keeps its own deep copy.
func (c *Collection) Put(m *types.Measure) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("measure requires an id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.measures[m.ID] = m.Clone()
	return nil
}

// Remove deletes a measure from the collection. Removing an absent id is a
// no-op.
func (c *Collection) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.measures, id)
}

// Get returns a deep copy of the measure, or nil when absent.
func (c *Collection) Get(id string) *types.Measure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.measures[id].Clone()
}

// Has reports whether a measure id exists.
func (c *Collection) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.measures[id]
	return ok
}

// Len returns the number of measures held.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.measures)
}

// IDs returns the sorted measure ids.
func (c *Collection) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.measures))
	for id := range c.measures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns deep copies of every measure, ordered by id.
func (c *Collection) All() []*types.Measure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.measures))
	for id := range c.measures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*types.Measure, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.measures[id].Clone())
	}
	return out
}

// LinkedRefs walks every measure's rule tree and collects a Ref for each leaf
// carrying a non-sentinel library component id.
func (c *Collection) LinkedRefs() []Ref {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var refs []Ref
	for id, m := range c.measures {
		m.WalkElements(func(el *types.DataElement) {
			if el.LibraryComponentID == "" || el.LibraryComponentID == types.UnlinkableComponentID {
				return
			}
			refs = append(refs, Ref{MeasureID: id, ElementID: el.ID, ComponentID: el.LibraryComponentID})
		})
	}
	return refs
}

// ApplyBatch replaces the given measures in one transition. Every id must
// already exist in the collection; an unknown id rejects the whole batch with
// no mutation.
func (c *Collection) ApplyBatch(updates map[string]*types.Measure) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range updates {
		if _, ok := c.measures[id]; !ok {
			return fmt.Errorf("batch update references unknown measure %q", id)
		}
	}
	for id, m := range updates {
		c.measures[id] = m.Clone()
	}
	logging.LibraryDebug("Applied batch update to %d measures", len(updates))
	return nil
}

// SetElementLinks writes component links onto the named measure's elements in
// one transition. links maps element id to component id (or the unlinkable
// sentinel). Unknown element ids are ignored; an unknown measure id is an
// error.
func (c *Collection) SetElementLinks(measureID string, links map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.measures[measureID]
	if !ok {
		return fmt.Errorf("unknown measure %q", measureID)
	}
	m.WalkElements(func(el *types.DataElement) {
		if cid, ok := links[el.ID]; ok {
			el.LibraryComponentID = cid
		}
	})
	return nil
}

// RewriteReferences computes updated copies of every measure whose tree
// references one of the given component ids, pointing those leaves at newID
// instead. Nothing is applied; pass the result to ApplyBatch.
func (c *Collection) RewriteReferences(oldIDs map[string]bool, newID string) (map[string]*types.Measure, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	updates := make(map[string]*types.Measure)
	rewritten := 0
	for id, m := range c.measures {
		changed := false
		clone := m.Clone()
		clone.WalkElements(func(el *types.DataElement) {
			if oldIDs[el.LibraryComponentID] {
				el.LibraryComponentID = newID
				changed = true
				rewritten++
			}
		})
		if changed {
			updates[id] = clone
		}
	}
	return updates, rewritten
}

// ComponentLookup resolves a component id to its status for integrity checks.
// The second return is false when the id does not resolve at all.
type ComponentLookup func(id string) (types.Status, bool)

// ValidateIntegrity checks that every linked leaf resolves to a non-archived
// component. Violations are returned as diagnostics; the collection never
// repairs them automatically since blind repair risks masking a deeper bug.
func (c *Collection) ValidateIntegrity(lookup ComponentLookup) []types.IntegrityIssue {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var issues []types.IntegrityIssue
	for id, m := range c.measures {
		m.WalkElements(func(el *types.DataElement) {
			cid := el.LibraryComponentID
			if cid == "" || cid == types.UnlinkableComponentID {
				return
			}
			status, ok := lookup(cid)
			if !ok {
				issues = append(issues, types.IntegrityIssue{
					MeasureID: id, ElementID: el.ID, ComponentID: cid,
					Problem: "dangling reference: component not in store",
				})
				return
			}
			if status == types.StatusArchived {
				issues = append(issues, types.IntegrityIssue{
					MeasureID: id, ElementID: el.ID, ComponentID: cid,
					Problem: "reference to archived component",
				})
			}
		})
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].MeasureID != issues[j].MeasureID {
			return issues[i].MeasureID < issues[j].MeasureID
		}
		return issues[i].ElementID < issues[j].ElementID
	})
	return issues
}
