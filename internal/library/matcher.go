package library

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"measureforge/internal/logging"
	"measureforge/internal/types"
)

// The matcher decides whether an incoming rule fragment is semantically
// identical to something already in the catalogue. Structural equality for
// atomics compares value-set identity (oid if present, else the full code
// set, else the value-set name), timing, negation and resource type. For
// composites it compares the operator and the multiset of matched children.
// Archived components are never match targets.

// FindExactMatch returns the component structurally equal to the fragment, or
// nil. When several match, the one with the smallest id wins so repeated
// calls are deterministic.
func (s *Service) FindExactMatch(f *types.ParsedFragment) *types.Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, _ := s.matchLocked(f)
	return first.Clone()
}

// FindExactMatchPrioritizeApproved returns both the first structural match
// and, separately, an approved alternative if one exists. Callers link usage
// and back-fill codes against the approved one even when a draft match was
// found first.
func (s *Service) FindExactMatchPrioritizeApproved(f *types.ParsedFragment) (first, approved *types.Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, am := s.matchLocked(f)
	return fm.Clone(), am.Clone()
}

// matchLocked scans the store for structural matches. Caller holds s.mu.
func (s *Service) matchLocked(f *types.ParsedFragment) (first, approved *types.Component) {
	if f == nil {
		return nil, nil
	}

	var childIDs []string
	if f.IsComposite() {
		// A composite matches only when every child resolves to an
		// existing component. Children use the same approved-over-draft
		// tie-break.
		for _, child := range f.Children {
			cf, ca := s.matchLocked(child)
			chosen := ca
			if chosen == nil {
				chosen = cf
			}
			if chosen == nil {
				return nil, nil
			}
			childIDs = append(childIDs, chosen.ID)
		}
	}

	ids := make([]string, 0, len(s.components))
	for id := range s.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := s.components[id]
		if c.IsArchived() {
			continue
		}
		var ok bool
		if f.IsComposite() {
			ok = compositeMatches(c, f.Operator, childIDs)
		} else {
			ok = atomicMatches(c, f)
		}
		if !ok {
			continue
		}
		if first == nil {
			first = c
		}
		if approved == nil && c.VersionInfo.Status == types.StatusApproved {
			approved = c
		}
		if first != nil && approved != nil {
			break
		}
	}
	return first, approved
}

// atomicMatches reports structural equality between an atomic component and
// an atomic fragment.
func atomicMatches(c *types.Component, f *types.ParsedFragment) bool {
	if c.Kind != types.KindAtomic {
		return false
	}
	if c.Timing != f.Timing || c.Negation != f.Negation || c.ResourceType != f.ResourceType {
		return false
	}

	if f.OID != "" {
		for _, vs := range c.ValueSets {
			if vs.OID == f.OID {
				return true
			}
		}
		return false
	}
	if len(f.Codes) > 0 {
		return codeSetKey(f.Codes) == codeSetKey(componentCodes(c))
	}
	if f.ValueSetName != "" {
		for _, vs := range c.ValueSets {
			if strings.EqualFold(vs.Name, f.ValueSetName) {
				return true
			}
		}
	}
	return false
}

// compositeMatches compares operator and the multiset of child component ids.
func compositeMatches(c *types.Component, op types.Operator, childIDs []string) bool {
	if c.Kind != types.KindComposite || c.Operator != op || len(c.Children) != len(childIDs) {
		return false
	}
	want := append([]string(nil), childIDs...)
	got := make([]string, 0, len(c.Children))
	for _, ref := range c.Children {
		got = append(got, ref.ComponentID)
	}
	sort.Strings(want)
	sort.Strings(got)
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// codeSetKey canonicalizes a code list into an order-insensitive identity.
func codeSetKey(codes []types.Code) string {
	if len(codes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(codes))
	for _, c := range codes {
		parts = append(parts, c.System+"|"+c.Code)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// componentCodes returns the union of all codes across the component's value
// sets.
func componentCodes(c *types.Component) []types.Code {
	var out []types.Code
	for _, vs := range c.ValueSets {
		out = append(out, vs.Codes...)
	}
	return out
}

// backfillCodes performs the bidirectional code back-fill: the component
// gains the fragment's codes if it had none, and the fragment gains the
// component's codes if it had none. A populated code list is never
// overwritten; existing components stay authoritative.
func backfillCodes(c *types.Component, f *types.ParsedFragment) (componentChanged bool) {
	if !c.HasCodes() && len(f.Codes) > 0 {
		if len(c.ValueSets) == 0 {
			c.ValueSets = []types.ValueSet{{OID: f.OID, Name: f.ValueSetName}}
		}
		c.ValueSets[0].Codes = append([]types.Code(nil), f.Codes...)
		componentChanged = true
	}
	if len(f.Codes) == 0 && c.HasCodes() {
		f.Codes = append([]types.Code(nil), componentCodes(c)...)
	}
	return componentChanged
}

// fragmentFromElement normalizes a data element into the matcher input shape.
func fragmentFromElement(el *types.DataElement) *types.ParsedFragment {
	f := &types.ParsedFragment{
		Type:        el.Type,
		Name:        el.Description,
		Description: el.Description,
		Timing:      el.Timing,
		Negation:    el.Negation,
	}
	if el.ValueSet != nil {
		f.OID = el.ValueSet.OID
		f.ValueSetName = el.ValueSet.Name
		f.Codes = append([]types.Code(nil), el.ValueSet.Codes...)
	}
	if len(f.Codes) == 0 && len(el.DirectCodes) > 0 {
		f.Codes = append([]types.Code(nil), el.DirectCodes...)
	}
	return f
}

// inferCategory maps a declared element type to a library category.
func inferCategory(elementType string) string {
	switch strings.ToLower(elementType) {
	case "diagnosis", "condition":
		return "diagnosis"
	case "procedure", "intervention":
		return "procedure"
	case "encounter", "visit":
		return "encounter"
	case "medication", "drug":
		return "medication"
	case "laboratory", "lab", "observation":
		return "laboratory"
	case "demographic", "patient_characteristic":
		return "demographic"
	case "":
		return "uncategorized"
	default:
		return strings.ToLower(elementType)
	}
}

// newComponentLocked builds a fresh draft component for a fragment with no
// catalogue match. Caller holds s.mu and inserts the result.
func (s *Service) newComponentLocked(f *types.ParsedFragment, measureID string, childIDs []string) *types.Component {
	now := time.Now()
	name := f.Name
	if name == "" {
		name = f.ValueSetName
	}
	if name == "" {
		name = f.Description
	}

	c := &types.Component{
		ID:          uuid.NewString(),
		Name:        name,
		Description: f.Description,
		VersionInfo: types.VersionInfo{
			VersionID: uuid.NewString(),
			Status:    types.StatusDraft,
		},
		Metadata: types.Metadata{
			Category:             inferCategory(f.Type),
			CreatedAt:            now,
			UpdatedAt:            now,
			CategoryAutoAssigned: true,
		},
	}
	c.VersionInfo.History = []types.VersionRecord{{
		VersionID: c.VersionInfo.VersionID,
		Status:    types.StatusDraft,
		Note:      "created by matcher from measure import",
		CreatedAt: now,
	}}

	if f.IsComposite() {
		c.Kind = types.KindComposite
		c.Operator = f.Operator
		for _, id := range childIDs {
			c.Children = append(c.Children, types.ChildRef{ComponentID: id})
		}
	} else {
		c.Kind = types.KindAtomic
		c.ValueSets = []types.ValueSet{{
			OID:   f.OID,
			Name:  f.ValueSetName,
			Codes: append([]types.Code(nil), f.Codes...),
		}}
		c.Timing = f.Timing
		c.Negation = f.Negation
		c.ResourceType = f.ResourceType
		c.GenderValue = f.GenderValue
	}

	if measureID != "" {
		c.Usage = types.Usage{
			MeasureIDs: []string{measureID},
			UsageCount: 1,
			LastUsedAt: now,
		}
	}
	return c
}

// remoteAction is a remote call computed during a locked transition and
// dispatched after the lock is released.
type remoteAction struct {
	op        types.SyncOperation
	component *types.Component
	usageFor  string // measure id for a usage recording, when set
}

// LinkFragment matches or creates a component for a parsed fragment on
// behalf of a measure. Composite fragments link their children first. The
// whole operation is one store transition.
func (s *Service) LinkFragment(measureID string, f *types.ParsedFragment) types.LinkOutcome {
	s.mu.Lock()
	outcome, actions := s.linkFragmentLocked(measureID, f, true)
	s.mu.Unlock()

	s.runActions(actions)
	return outcome
}

// linkFragmentLocked is the matching/creation flow. attachUsage controls
// whether the measure is recorded as using the resulting component; children
// of a composite are reached through their parent, not directly by the
// measure, so only the top-level component gains the usage reference.
func (s *Service) linkFragmentLocked(measureID string, f *types.ParsedFragment, attachUsage bool) (types.LinkOutcome, []remoteAction) {
	var actions []remoteAction

	if f == nil {
		return types.LinkOutcome{Kind: types.LinkSkipped}, nil
	}

	if f.IsComposite() {
		childIDs := make([]string, 0, len(f.Children))
		for _, child := range f.Children {
			childOutcome, childActions := s.linkFragmentLocked(measureID, child, false)
			actions = append(actions, childActions...)
			if childOutcome.Kind != types.LinkLinked {
				logging.Matcher("Composite fragment for measure %s has unlinkable child, marking unlinkable", measureID)
				return types.LinkOutcome{Kind: types.LinkUnlinkable}, actions
			}
			childIDs = append(childIDs, childOutcome.ComponentID)
		}

		for _, id := range sortedIDs(s.components) {
			c := s.components[id]
			if c.IsArchived() || !compositeMatches(c, f.Operator, childIDs) {
				continue
			}
			if attachUsage && s.attachUsageLocked(c, measureID) {
				actions = append(actions, remoteAction{usageFor: measureID, component: c.Clone()})
			}
			return types.LinkOutcome{Kind: types.LinkLinked, ComponentID: c.ID}, actions
		}

		created := s.newComponentLocked(f, usageMeasureID(measureID, attachUsage), childIDs)
		s.components[created.ID] = created
		s.persistComponentLocked(created)
		actions = append(actions, remoteAction{op: types.SyncCreate, component: created.Clone()})
		logging.Matcher("Created composite component %s (%s over %d children)", created.ID, f.Operator, len(childIDs))
		return types.LinkOutcome{Kind: types.LinkLinked, ComponentID: created.ID, Created: true}, actions
	}

	if !f.HasValueSetInfo() {
		logging.Matcher("Fragment %q has no value-set information, marking unlinkable", f.Name)
		return types.LinkOutcome{Kind: types.LinkUnlinkable}, actions
	}

	first, approved := s.matchLocked(f)
	chosen := approved
	if chosen == nil {
		chosen = first
	}
	if chosen != nil {
		if backfillCodes(chosen, f) {
			chosen.Metadata.UpdatedAt = time.Now()
			s.persistComponentLocked(chosen)
			actions = append(actions, remoteAction{op: types.SyncUpdate, component: chosen.Clone()})
			logging.Matcher("Back-filled codes into component %s from fragment", chosen.ID)
		}
		if attachUsage && s.attachUsageLocked(chosen, measureID) {
			actions = append(actions, remoteAction{usageFor: measureID, component: chosen.Clone()})
		}
		return types.LinkOutcome{Kind: types.LinkLinked, ComponentID: chosen.ID}, actions
	}

	created := s.newComponentLocked(f, usageMeasureID(measureID, attachUsage), nil)
	s.components[created.ID] = created
	s.persistComponentLocked(created)
	actions = append(actions, remoteAction{op: types.SyncCreate, component: created.Clone()})
	if attachUsage && measureID != "" {
		actions = append(actions, remoteAction{usageFor: measureID, component: created.Clone()})
	}
	logging.Matcher("Created draft component %s for fragment %q", created.ID, f.Name)
	return types.LinkOutcome{Kind: types.LinkLinked, ComponentID: created.ID, Created: true}, actions
}

func usageMeasureID(measureID string, attach bool) string {
	if !attach {
		return ""
	}
	return measureID
}

// attachUsageLocked records that a measure uses a component. Returns true
// when the usage set actually changed. Caller holds s.mu.
func (s *Service) attachUsageLocked(c *types.Component, measureID string) bool {
	if measureID == "" {
		return false
	}
	for _, id := range c.Usage.MeasureIDs {
		if id == measureID {
			return false
		}
	}
	c.Usage.MeasureIDs = append(c.Usage.MeasureIDs, measureID)
	sort.Strings(c.Usage.MeasureIDs)
	c.Usage.UsageCount = len(c.Usage.MeasureIDs)
	c.Usage.LastUsedAt = time.Now()
	s.persistComponentLocked(c)
	return true
}

// runActions dispatches remote calls computed during a locked transition.
func (s *Service) runActions(actions []remoteAction) {
	for _, a := range actions {
		if a.usageFor != "" {
			s.recordUsageAsync(a.component.ID, a.usageFor)
			continue
		}
		s.dispatchRemote(a.op, a.component)
	}
}

// recordUsageAsync notifies the remote store of a usage link. Failures are
// logged only; usage facts are rebuilt from the measure set, so a lost
// notification self-heals on the next rebuild.
func (s *Service) recordUsageAsync(componentID, measureID string) {
	if s.remote == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.remote.RecordUsage(context.Background(), componentID, measureID); err != nil {
			logging.SyncWarn("Remote usage record for %s/%s failed: %v", componentID, measureID, err)
		}
	}()
}

func sortedIDs(m map[string]*types.Component) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
