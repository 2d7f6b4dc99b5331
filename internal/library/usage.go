package library

import (
	"sort"

	"measureforge/internal/logging"
	"measureforge/internal/measures"
	"measureforge/internal/types"
)

// The usage index keeps every component's usage.measureIds and usageCount
// consistent with the measure collection, which is the source of truth.
// Rebuilds overwrite the derived usage wholesale, so a rebuild is idempotent:
// two consecutive runs over the same measure set produce identical stores.

// RebuildReport summarizes a usage index rebuild.
type RebuildReport struct {
	ComponentsSeen    int `json:"components_seen"`
	ComponentsChanged int `json:"components_changed"`
	Restored          int `json:"restored"` // archived components restored by regained usage
	Relinked          int `json:"relinked"` // legacy elements re-linked by the matcher fallback
}

// RebuildUsageIndex derives component usage from every measure's rule tree
// and overwrites each component's usage field with the result in one store
// transition. Losing all usage never auto-archives a component; archival is
// always an explicit action. Gaining usage from zero restores an archived
// component to its last non-archived status.
func (s *Service) RebuildUsageIndex(coll *measures.Collection) RebuildReport {
	timer := logging.StartTimer(logging.CategoryUsage, "RebuildUsageIndex")
	defer timer.Stop()

	derived := make(map[string]map[string]bool)
	for _, ref := range coll.LinkedRefs() {
		set := derived[ref.ComponentID]
		if set == nil {
			set = make(map[string]bool)
			derived[ref.ComponentID] = set
		}
		set[ref.MeasureID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report := RebuildReport{ComponentsSeen: len(s.components)}
	var changed []*types.Component
	for id, c := range s.components {
		newIDs := sortedKeys(derived[id])
		oldCount := c.Usage.UsageCount

		if oldCount == 0 && len(newIDs) > 0 && c.IsArchived() {
			restored := c.LastNonArchivedStatus()
			s.transitionStatusLocked(c, restored, "restored by usage rebuild", "")
			report.Restored++
			logging.UsageIndex("Restored archived component %s to %s (regained usage)", id, restored)
		}

		if !stringSlicesEqual(c.Usage.MeasureIDs, newIDs) || c.Usage.UsageCount != len(newIDs) {
			c.Usage.MeasureIDs = newIDs
			c.Usage.UsageCount = len(newIDs)
			changed = append(changed, c)
			report.ComponentsChanged++
		}
	}

	if s.local != nil && len(changed) > 0 {
		if err := s.local.SaveComponents(changed); err != nil {
			logging.Get(logging.CategoryPersist).Error("Failed to persist usage rebuild: %v", err)
		}
	}

	logging.UsageIndex("Usage rebuild complete: %d components, %d changed, %d restored",
		report.ComponentsSeen, report.ComponentsChanged, report.Restored)
	return report
}

// RecalculateUsage is the rebuild expressed over legacy data: elements that
// predate explicit linking (or whose links dangle) are re-derived through the
// matcher as a match-only fallback, then the usage index is rebuilt from the
// repaired collection. No components are created here; unmatched legacy
// elements are marked with the unlinkable sentinel.
func (s *Service) RecalculateUsage(coll *measures.Collection) (RebuildReport, error) {
	timer := logging.StartTimer(logging.CategoryUsage, "RecalculateUsage")
	defer timer.Stop()

	relinked := 0
	for _, m := range coll.All() {
		links := make(map[string]string)
		m.WalkElements(func(el *types.DataElement) {
			if el.LibraryComponentID != "" && el.LibraryComponentID != types.UnlinkableComponentID {
				if s.Has(el.LibraryComponentID) {
					return
				}
			}
			frag := fragmentFromElement(el)
			if !frag.HasValueSetInfo() {
				links[el.ID] = types.UnlinkableComponentID
				return
			}

			s.mu.Lock()
			first, approved := s.matchLocked(frag)
			s.mu.Unlock()

			chosen := approved
			if chosen == nil {
				chosen = first
			}
			if chosen != nil {
				links[el.ID] = chosen.ID
				relinked++
			}
		})
		if len(links) == 0 {
			continue
		}
		if err := coll.SetElementLinks(m.ID, links); err != nil {
			return RebuildReport{}, err
		}
	}

	report := s.RebuildUsageIndex(coll)
	report.Relinked = relinked
	logging.UsageIndex("Recalculated usage: %d legacy elements re-linked", relinked)
	return report, nil
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
