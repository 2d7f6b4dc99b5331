package library

import (
	"fmt"

	"measureforge/internal/logging"
	"measureforge/internal/measures"
	"measureforge/internal/types"
)

// LinkMeasure runs a linking pass over every data element of one measure:
// elements already carrying a resolvable component link are skipped, the rest
// are matched against the catalogue or created as draft components. Element
// links (including the unlinkable sentinel) are written back to the measure
// collection in a single batch, so no partially-linked measure is ever
// observable.
func (s *Service) LinkMeasure(coll *measures.Collection, measureID string) (*types.LinkReport, error) {
	timer := logging.StartTimer(logging.CategoryMatcher, "LinkMeasure")
	defer timer.Stop()

	m := coll.Get(measureID)
	if m == nil {
		return nil, fmt.Errorf("unknown measure %q", measureID)
	}

	report := &types.LinkReport{
		MeasureID: measureID,
		Outcomes:  make(map[string]types.LinkOutcome),
	}

	var actions []remoteAction
	s.mu.Lock()
	m.WalkElements(func(el *types.DataElement) {
		// A resolvable existing link is left alone; the catalogue entry
		// stays authoritative.
		if el.LibraryComponentID != "" && el.LibraryComponentID != types.UnlinkableComponentID {
			if c, ok := s.components[el.LibraryComponentID]; ok {
				if s.attachUsageLocked(c, measureID) {
					actions = append(actions, remoteAction{usageFor: measureID, component: c.Clone()})
				}
				report.Outcomes[el.ID] = types.LinkOutcome{Kind: types.LinkSkipped, ComponentID: el.LibraryComponentID}
				return
			}
			logging.MatcherDebug("Element %s carries dangling link %s, re-linking", el.ID, el.LibraryComponentID)
		}

		frag := fragmentFromElement(el)
		outcome, acts := s.linkFragmentLocked(measureID, frag, true)
		actions = append(actions, acts...)
		report.Outcomes[el.ID] = outcome

		switch outcome.Kind {
		case types.LinkLinked:
			el.LibraryComponentID = outcome.ComponentID
			report.Linked++
			if outcome.Created {
				report.Created++
			}
			// Surface back-filled codes on the element too.
			if el.ValueSet != nil && len(el.ValueSet.Codes) == 0 && len(frag.Codes) > 0 {
				el.ValueSet.Codes = append([]types.Code(nil), frag.Codes...)
			}
		case types.LinkUnlinkable:
			el.LibraryComponentID = types.UnlinkableComponentID
			report.Unlinked++
		}
	})
	s.mu.Unlock()

	if err := coll.ApplyBatch(map[string]*types.Measure{measureID: m}); err != nil {
		return nil, fmt.Errorf("failed to apply links to measure %s: %w", measureID, err)
	}

	s.runActions(actions)

	logging.Matcher("Linked measure %s: %d linked (%d created), %d unlinkable",
		measureID, report.Linked, report.Created, report.Unlinked)
	return report, nil
}

// LinkAll runs LinkMeasure over every measure in the collection, in id order.
func (s *Service) LinkAll(coll *measures.Collection) ([]*types.LinkReport, error) {
	var reports []*types.LinkReport
	for _, id := range coll.IDs() {
		report, err := s.LinkMeasure(coll, id)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
