package library

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"measureforge/internal/logging"
	"measureforge/internal/measures"
	"measureforge/internal/types"
)

// The merge engine collapses components a reviewer judged to be duplicates
// into one canonical component. Preconditions are validated before any
// mutation; the replacement is added and the inputs archived in the same
// store transition, so there is never an observable state with the inputs
// archived but the replacement absent, or vice versa.

// MergeComponents merges the given components into a new draft component,
// archives the inputs, rewrites every affected measure reference to the new
// id and re-validates referential integrity across the collection.
//
// Preconditions: at least two distinct ids; every id exists; none archived;
// at least two atomic. Any violation rejects the merge with no mutation.
func (s *Service) MergeComponents(ids []string, mergedBy string, coll *measures.Collection) types.MergeResult {
	timer := logging.StartTimer(logging.CategoryMerge, "MergeComponents")
	defer timer.Stop()

	ids = dedupeStrings(ids)
	if len(ids) < 2 {
		return types.MergeResult{Success: false, Error: "merge requires at least two distinct component ids"}
	}

	s.mu.Lock()
	inputs := make([]*types.Component, 0, len(ids))
	atomics := 0
	for _, id := range ids {
		c, ok := s.components[id]
		if !ok {
			s.mu.Unlock()
			return types.MergeResult{Success: false, Error: fmt.Sprintf("unknown component %q", id)}
		}
		if c.IsArchived() {
			s.mu.Unlock()
			return types.MergeResult{Success: false, Error: fmt.Sprintf("component %q is already archived", id)}
		}
		if c.Kind == types.KindAtomic {
			atomics++
		}
		inputs = append(inputs, c)
	}
	if atomics < 2 {
		s.mu.Unlock()
		return types.MergeResult{Success: false, Error: "merge requires at least two atomic components"}
	}

	merged := buildMergedComponent(inputs, mergedBy)

	// Single transition: insert the replacement and archive the inputs.
	s.components[merged.ID] = merged
	note := fmt.Sprintf("merged into %s", merged.ID)
	changed := []*types.Component{merged}
	for _, c := range inputs {
		s.transitionStatusLocked(c, types.StatusArchived, note, mergedBy)
		changed = append(changed, c)
	}
	if s.local != nil {
		if err := s.local.SaveComponents(changed); err != nil {
			logging.Get(logging.CategoryPersist).Error("Failed to persist merge of %v: %v", ids, err)
		}
	}
	archivedClones := make([]*types.Component, 0, len(inputs))
	for _, c := range inputs {
		archivedClones = append(archivedClones, c.Clone())
	}
	mergedClone := merged.Clone()
	s.mu.Unlock()

	logging.Merge("Merged %d components into %s", len(ids), merged.ID)

	result := types.MergeResult{
		Success:        true,
		NewComponentID: merged.ID,
		ArchivedIDs:    ids,
	}

	rewritten, diagnostics, err := s.UpdateMeasureReferencesAfterMerge(ids, merged.ID, coll)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	}
	result.RewrittenRefs = rewritten
	result.Diagnostics = diagnostics

	// Remote persistence of the merge outcome, fire-and-forget.
	s.dispatchRemote(types.SyncCreate, mergedClone)
	for _, c := range archivedClones {
		s.dispatchRemote(types.SyncUpdate, c)
		if s.remote != nil {
			id := c.ID
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				if err := s.remote.ArchiveComponent(context.Background(), id); err != nil {
					logging.SyncWarn("Remote archive of merged component %s failed: %v", id, err)
				}
			}()
		}
	}

	return result
}

// UpdateMeasureReferencesAfterMerge walks every measure tree, replaces any
// reference to an archived input with the new id and applies all affected
// measures as one atomic batch. Referential integrity is then re-validated
// across the whole collection; mismatches are surfaced as diagnostics, never
// silently repaired.
func (s *Service) UpdateMeasureReferencesAfterMerge(archivedIDs []string, newID string, coll *measures.Collection) (int, []types.IntegrityIssue, error) {
	oldSet := make(map[string]bool, len(archivedIDs))
	for _, id := range archivedIDs {
		oldSet[id] = true
	}

	updates, rewritten := coll.RewriteReferences(oldSet, newID)
	if len(updates) > 0 {
		if err := coll.ApplyBatch(updates); err != nil {
			return 0, nil, fmt.Errorf("reference rewrite rejected: %w", err)
		}
	}
	logging.Merge("Rewrote %d references across %d measures to %s", rewritten, len(updates), newID)

	diagnostics := coll.ValidateIntegrity(s.StatusOf)
	for _, issue := range diagnostics {
		logging.Get(logging.CategoryMerge).Error("Integrity violation after merge: measure=%s element=%s component=%s: %s",
			issue.MeasureID, issue.ElementID, issue.ComponentID, issue.Problem)
	}
	return rewritten, diagnostics, nil
}

// buildMergedComponent constructs the replacement: the de-duplicated union
// (by oid) of all inputs' value sets, the union of all inputs' measure ids,
// and draft status. Timing, negation and demographics come from the first
// atomic input.
func buildMergedComponent(inputs []*types.Component, mergedBy string) *types.Component {
	now := time.Now()

	var firstAtomic *types.Component
	for _, c := range inputs {
		if c.Kind == types.KindAtomic {
			firstAtomic = c
			break
		}
	}

	inputIDs := make([]string, 0, len(inputs))
	for _, c := range inputs {
		inputIDs = append(inputIDs, c.ID)
	}

	merged := &types.Component{
		ID:           uuid.NewString(),
		Kind:         types.KindAtomic,
		Name:         firstAtomic.Name,
		Description:  firstAtomic.Description,
		Timing:       firstAtomic.Timing,
		Negation:     firstAtomic.Negation,
		ResourceType: firstAtomic.ResourceType,
		GenderValue:  firstAtomic.GenderValue,
		VersionInfo: types.VersionInfo{
			VersionID: uuid.NewString(),
			Status:    types.StatusDraft,
		},
		Metadata: types.Metadata{
			Category:  firstAtomic.Metadata.Category,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	merged.VersionInfo.History = []types.VersionRecord{{
		VersionID: merged.VersionInfo.VersionID,
		Status:    types.StatusDraft,
		Note:      "merged from " + strings.Join(inputIDs, ", "),
		Author:    mergedBy,
		CreatedAt: now,
	}}

	// Union of value sets, de-duplicated by oid. Value sets without an oid
	// are de-duplicated by their code identity instead.
	seenOID := make(map[string]bool)
	seenCodes := make(map[string]bool)
	for _, c := range inputs {
		for _, vs := range c.ValueSets {
			if vs.OID != "" {
				if seenOID[vs.OID] {
					continue
				}
				seenOID[vs.OID] = true
			} else {
				key := codeSetKey(vs.Codes)
				if seenCodes[key] {
					continue
				}
				seenCodes[key] = true
			}
			copied := vs
			copied.Codes = append([]types.Code(nil), vs.Codes...)
			merged.ValueSets = append(merged.ValueSets, copied)
		}
	}

	// Union of usage.
	usageSet := make(map[string]bool)
	for _, c := range inputs {
		for _, mid := range c.Usage.MeasureIDs {
			usageSet[mid] = true
		}
	}
	merged.Usage.MeasureIDs = sortedKeys(usageSet)
	merged.Usage.UsageCount = len(merged.Usage.MeasureIDs)
	if merged.Usage.UsageCount > 0 {
		merged.Usage.LastUsedAt = now
	}

	return merged
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
