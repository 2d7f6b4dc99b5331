package library

import (
	"context"
	"fmt"
	"sort"
	"time"

	"measureforge/internal/logging"
	"measureforge/internal/types"
)

// The sync queue makes local mutations durable against an unreliable remote
// store without ever blocking the caller. Every create/update/delete applies
// locally first; the remote call runs in its own goroutine and a failure is
// recorded as a PendingSyncEntry for bounded retry. Remote failures never
// roll back the local mutation.

// RetryReport summarizes one retry pass.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"` // entries at the retry cap
	Cleared   int `json:"cleared"` // entries for locally-missing components
}

// PendingEntries returns copies of all pending sync entries, ordered by
// component id.
func (s *Service) PendingEntries() []*types.PendingSyncEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*types.PendingSyncEntry, 0, len(ids))
	for _, id := range ids {
		entry := *s.pending[id]
		out = append(out, &entry)
	}
	return out
}

// dispatchRemote schedules the remote call for a local mutation. The mutation
// counts as "the component changed", so any prior pending entry - including
// an exhausted one - is cleared first; a failure of this fresh attempt starts
// a new entry at retry count 1.
func (s *Service) dispatchRemote(op types.SyncOperation, c *types.Component) {
	if s.remote == nil {
		return
	}

	s.mu.Lock()
	s.clearPendingLocked(c.ID)
	s.mu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.callRemote(context.Background(), op, c); err != nil {
			s.recordSyncFailure(c.ID, op, err)
			return
		}
		s.mu.Lock()
		s.clearPendingLocked(c.ID)
		s.mu.Unlock()
		logging.SyncDebug("Remote %s of %s succeeded", op, c.ID)
	}()
}

// callRemote performs the remote operation for a component. Composite
// components have no remote representation in the catalogue CRUD contract;
// their create/update calls are logged and treated as synced.
func (s *Service) callRemote(ctx context.Context, op types.SyncOperation, c *types.Component) error {
	switch op {
	case types.SyncCreate:
		if c.Kind != types.KindAtomic {
			logging.SyncDebug("Skipping remote create for non-atomic component %s", c.ID)
			return nil
		}
		return s.remote.CreateAtomicComponent(ctx, toDTO(c))
	case types.SyncUpdate:
		if c.Kind != types.KindAtomic {
			logging.SyncDebug("Skipping remote update for non-atomic component %s", c.ID)
			return nil
		}
		return s.remote.UpdateComponent(ctx, c.ID, toDTO(c))
	case types.SyncDelete:
		return s.remote.DeleteComponent(ctx, c.ID)
	default:
		return fmt.Errorf("unknown sync operation %q", op)
	}
}

// recordSyncFailure creates or replaces the pending entry for a component.
// A repeat failure increments the prior entry's retry count; the entry always
// reflects the most recent operation and error.
func (s *Service) recordSyncFailure(componentID string, op types.SyncOperation, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.pending[componentID]
	if entry == nil {
		entry = &types.PendingSyncEntry{ComponentID: componentID}
		s.pending[componentID] = entry
	}
	entry.RetryCount++
	entry.Operation = op
	entry.LastError = cause.Error()
	entry.Timestamp = time.Now()

	if s.local != nil {
		if err := s.local.SavePending(entry); err != nil {
			logging.Get(logging.CategoryPersist).Error("Failed to persist pending entry for %s: %v", componentID, err)
		}
	}
	logging.SyncWarn("Remote %s of %s failed (attempt %d): %v", op, componentID, entry.RetryCount, cause)
}

// clearPendingLocked removes the pending entry for a component. Caller holds
// s.mu.
func (s *Service) clearPendingLocked(componentID string) {
	if _, ok := s.pending[componentID]; !ok {
		return
	}
	delete(s.pending, componentID)
	if s.local != nil {
		if err := s.local.DeletePending(componentID); err != nil {
			logging.Get(logging.CategoryPersist).Error("Failed to clear pending entry for %s: %v", componentID, err)
		}
	}
}

// RetryPendingSync processes all pending entries sequentially. Entries at the
// retry cap are skipped until their component is mutated again. An entry for
// a component no longer present locally is cleared without a network call,
// unless its operation is delete - there the remote still holds state to
// reconcile. A pass started while another is in flight is a no-op.
func (s *Service) RetryPendingSync(ctx context.Context) RetryReport {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		logging.SyncDebug("Retry pass already in flight, skipping")
		return RetryReport{}
	}
	s.syncing = true
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	timer := logging.StartTimer(logging.CategorySync, "RetryPendingSync")
	defer timer.Stop()

	var report RetryReport
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && s.opts.RetryDelay > 0 {
			time.Sleep(s.opts.RetryDelay)
		}

		s.mu.Lock()
		entry := s.pending[id]
		if entry == nil {
			s.mu.Unlock()
			continue // resolved since the snapshot
		}
		if entry.Exhausted() {
			s.mu.Unlock()
			report.Skipped++
			continue
		}
		comp := s.components[id].Clone()
		op := entry.Operation
		if comp == nil && op != types.SyncDelete {
			// Nothing left locally to reconcile.
			s.clearPendingLocked(id)
			s.mu.Unlock()
			report.Cleared++
			logging.Sync("Cleared pending %s for locally-missing component %s", op, id)
			continue
		}
		s.mu.Unlock()

		if comp == nil {
			comp = &types.Component{ID: id}
		}

		report.Attempted++
		if err := s.callRemote(ctx, op, comp); err != nil {
			s.recordSyncFailure(id, op, err)
			report.Failed++
			continue
		}
		s.mu.Lock()
		s.clearPendingLocked(id)
		s.mu.Unlock()
		report.Succeeded++
		logging.Sync("Retry of %s for %s succeeded", op, id)
	}

	logging.Sync("Retry pass done: %d attempted, %d succeeded, %d failed, %d skipped, %d cleared",
		report.Attempted, report.Succeeded, report.Failed, report.Skipped, report.Cleared)
	return report
}

// toDTO flattens an atomic component into the remote wire shape. The primary
// value set travels flat; any further value sets accumulated by merges ride
// along in ExtraValueSets.
func toDTO(c *types.Component) types.AtomicComponentDTO {
	dto := types.AtomicComponentDTO{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Timing:       c.Timing,
		Negation:     c.Negation,
		ResourceType: c.ResourceType,
		GenderValue:  c.GenderValue,
		Category:     c.Metadata.Category,
		Tags:         append([]string(nil), c.Metadata.Tags...),
	}
	if vs := c.PrimaryValueSet(); vs != nil {
		dto.ValueSetOid = vs.OID
		dto.ValueSetName = vs.Name
		dto.ValueSetVer = vs.Version
		dto.Codes = append([]types.Code(nil), vs.Codes...)
	}
	if len(c.ValueSets) > 1 {
		for _, vs := range c.ValueSets[1:] {
			dto.ExtraValueSets = append(dto.ExtraValueSets, vs)
		}
	}
	return dto
}
