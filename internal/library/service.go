// Package library implements the component library consistency engine: the
// authoritative local component store plus its three derived concerns - the
// matcher, the usage index and the sync queue - and the merge engine that
// consolidates duplicates.
//
// The Service is the single owner of the store. Every cross-cutting invariant
// (safe-replace guard, usage-count consistency, one pending sync entry per
// component) is enforced inside this package, never by callers. All local
// mutations are synchronous state transitions under one mutex; remote
// persistence is fire-and-forget relative to the local mutation that
// triggered it.
package library

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"measureforge/internal/logging"
	"measureforge/internal/types"
)

// LocalState is the persistence contract the service writes through. It is a
// small interface so tests can run fully in memory; internal/persist provides
// the SQLite implementation.
type LocalState interface {
	SaveComponent(c *types.Component) error
	DeleteComponent(id string) error
	SaveComponents(cs []*types.Component) error
	LoadComponents() ([]*types.Component, error)
	SavePending(e *types.PendingSyncEntry) error
	DeletePending(componentID string) error
	LoadPending() ([]*types.PendingSyncEntry, error)
}

// Options tunes service behavior.
type Options struct {
	// RetryDelay spaces out sequential attempts within one retry pass.
	RetryDelay time.Duration
}

// Service owns the component store and its derived indices.
type Service struct {
	mu         sync.Mutex
	components map[string]*types.Component
	pending    map[string]*types.PendingSyncEntry
	syncing    bool // serializes retry passes; overlapping passes are no-ops

	remote types.RemoteStore // nil means offline authoring
	local  LocalState        // nil means no local persistence (tests)
	opts   Options

	inflight sync.WaitGroup // outstanding fire-and-forget remote calls
}

// NewService creates a service. Both remote and local may be nil.
func NewService(remote types.RemoteStore, local LocalState, opts Options) *Service {
	return &Service{
		components: make(map[string]*types.Component),
		pending:    make(map[string]*types.PendingSyncEntry),
		remote:     remote,
		local:      local,
		opts:       opts,
	}
}

// LoadLocal hydrates the store and the sync queue from local persistence.
// Call once at startup, before any mutation.
func (s *Service) LoadLocal() error {
	if s.local == nil {
		return nil
	}
	comps, err := s.local.LoadComponents()
	if err != nil {
		return fmt.Errorf("failed to load components: %w", err)
	}
	pending, err := s.local.LoadPending()
	if err != nil {
		return fmt.Errorf("failed to load pending sync entries: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comps {
		s.components[c.ID] = c.Clone()
	}
	for _, e := range pending {
		entry := *e
		s.pending[e.ComponentID] = &entry
	}
	logging.Library("Hydrated store from local state: %d components, %d pending", len(comps), len(pending))
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a deep copy of the component, or nil when absent.
func (s *Service) Get(id string) *types.Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.components[id].Clone()
}

// Has reports whether the component id resolves.
func (s *Service) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.components[id]
	return ok
}

// Count returns the store cardinality.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.components)
}

// List returns deep copies of every component, ordered by id.
func (s *Service) List() []*types.Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Snapshot is List under a name that makes test intent explicit.
func (s *Service) Snapshot() []*types.Component {
	return s.List()
}

func (s *Service) snapshotLocked() []*types.Component {
	ids := make([]string, 0, len(s.components))
	for id := range s.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*types.Component, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.components[id].Clone())
	}
	return out
}

// StatusOf resolves a component id to its status, for integrity checks.
func (s *Service) StatusOf(id string) (types.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[id]
	if !ok {
		return "", false
	}
	return c.VersionInfo.Status, true
}

// Stats summarizes the store and the sync queue.
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByKind        map[string]int `json:"by_kind"`
	PendingSync   int            `json:"pending_sync"`
	ExhaustedSync int            `json:"exhausted_sync"`
}

// GetStats returns store and sync-queue statistics.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Total:    len(s.components),
		ByStatus: make(map[string]int),
		ByKind:   make(map[string]int),
	}
	for _, c := range s.components {
		st.ByStatus[string(c.VersionInfo.Status)]++
		st.ByKind[string(c.Kind)]++
	}
	st.PendingSync = len(s.pending)
	for _, e := range s.pending {
		if e.Exhausted() {
			st.ExhaustedSync++
		}
	}
	return st
}

// =============================================================================
// COMMANDS - Local-first mutations
// =============================================================================

// CreateComponent adds a new component to the store and schedules remote
// creation. The component must carry a fresh id not already in the store.
func (s *Service) CreateComponent(c *types.Component) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("component requires an id")
	}

	s.mu.Lock()
	if _, exists := s.components[c.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("component %q already exists", c.ID)
	}
	stored := c.Clone()
	now := time.Now()
	if stored.Metadata.CreatedAt.IsZero() {
		stored.Metadata.CreatedAt = now
	}
	stored.Metadata.UpdatedAt = now
	stored.Usage.UsageCount = len(stored.Usage.MeasureIDs)
	s.components[stored.ID] = stored
	s.persistComponentLocked(stored)
	s.mu.Unlock()

	logging.Library("Created component %s (%s)", stored.ID, stored.Kind)
	s.dispatchRemote(types.SyncCreate, stored.Clone())
	return nil
}

// UpdateComponent replaces an existing component's content and schedules
// remote update. The id must already resolve.
func (s *Service) UpdateComponent(c *types.Component) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("component requires an id")
	}

	s.mu.Lock()
	if _, exists := s.components[c.ID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("unknown component %q", c.ID)
	}
	stored := c.Clone()
	stored.Metadata.UpdatedAt = time.Now()
	stored.Usage.UsageCount = len(stored.Usage.MeasureIDs)
	s.components[stored.ID] = stored
	s.persistComponentLocked(stored)
	s.mu.Unlock()

	logging.LibraryDebug("Updated component %s", c.ID)
	s.dispatchRemote(types.SyncUpdate, stored.Clone())
	return nil
}

// DeleteComponent removes a component. Deletion is refused while any measure
// still references it.
func (s *Service) DeleteComponent(id string) types.OperationResult {
	s.mu.Lock()
	c, ok := s.components[id]
	if !ok {
		s.mu.Unlock()
		return types.OperationResult{Success: false, Error: fmt.Sprintf("unknown component %q", id)}
	}
	if c.Usage.UsageCount > 0 {
		inUse := append([]string(nil), c.Usage.MeasureIDs...)
		s.mu.Unlock()
		return types.OperationResult{
			Success:    false,
			Error:      fmt.Sprintf("component %q is referenced by %d measures", id, len(inUse)),
			MeasureIDs: inUse,
		}
	}
	delete(s.components, id)
	if s.local != nil {
		if err := s.local.DeleteComponent(id); err != nil {
			logging.Get(logging.CategoryPersist).Error("Failed to delete component %s locally: %v", id, err)
		}
	}
	s.mu.Unlock()

	logging.Library("Deleted component %s", id)
	s.dispatchRemote(types.SyncDelete, &types.Component{ID: id})
	return types.OperationResult{Success: true}
}

// ArchiveComponent marks a component archived. Archival of an in-use
// component is refused; the merge engine archives in-use components only
// after rewriting their references.
func (s *Service) ArchiveComponent(id, note string) types.OperationResult {
	s.mu.Lock()
	c, ok := s.components[id]
	if !ok {
		s.mu.Unlock()
		return types.OperationResult{Success: false, Error: fmt.Sprintf("unknown component %q", id)}
	}
	if c.Usage.UsageCount > 0 {
		inUse := append([]string(nil), c.Usage.MeasureIDs...)
		s.mu.Unlock()
		return types.OperationResult{
			Success:    false,
			Error:      fmt.Sprintf("component %q is referenced by %d measures", id, len(inUse)),
			MeasureIDs: inUse,
		}
	}
	if c.VersionInfo.Status == types.StatusArchived {
		s.mu.Unlock()
		return types.OperationResult{Success: false, Error: fmt.Sprintf("component %q is already archived", id)}
	}
	s.transitionStatusLocked(c, types.StatusArchived, note, "")
	s.persistComponentLocked(c)
	updated := c.Clone()
	s.mu.Unlock()

	logging.Library("Archived component %s", id)
	s.dispatchRemote(types.SyncUpdate, updated)
	if s.remote != nil {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.remote.ArchiveComponent(context.Background(), id); err != nil {
				logging.SyncWarn("Remote archive of %s failed: %v", id, err)
			}
		}()
	}
	return types.OperationResult{Success: true}
}

// Approve transitions a draft component to approved and schedules the remote
// approval call.
func (s *Service) Approve(id, approvedBy string) types.OperationResult {
	s.mu.Lock()
	c, ok := s.components[id]
	if !ok {
		s.mu.Unlock()
		return types.OperationResult{Success: false, Error: fmt.Sprintf("unknown component %q", id)}
	}
	if c.VersionInfo.Status != types.StatusDraft {
		s.mu.Unlock()
		return types.OperationResult{Success: false, Error: fmt.Sprintf("component %q is %s, only drafts can be approved", id, c.VersionInfo.Status)}
	}
	s.transitionStatusLocked(c, types.StatusApproved, "approved", approvedBy)
	s.persistComponentLocked(c)
	s.mu.Unlock()

	logging.Library("Approved component %s by %s", id, approvedBy)
	if s.remote != nil {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.remote.ApproveComponent(context.Background(), id, approvedBy); err != nil {
				logging.SyncWarn("Remote approve of %s failed: %v", id, err)
			}
		}()
	}
	return types.OperationResult{Success: true}
}

// transitionStatusLocked applies a status change with a version-history
// record. Caller holds s.mu.
func (s *Service) transitionStatusLocked(c *types.Component, to types.Status, note, author string) {
	c.VersionInfo.Status = to
	c.VersionInfo.VersionID = uuid.NewString()
	c.VersionInfo.History = append(c.VersionInfo.History, types.VersionRecord{
		VersionID: c.VersionInfo.VersionID,
		Status:    to,
		Note:      note,
		Author:    author,
		CreatedAt: time.Now(),
	})
	c.Metadata.UpdatedAt = time.Now()
}

// persistComponentLocked writes one component through to local state.
// Persistence failures are logged, never surfaced: the in-memory store is the
// working truth and the next full save will converge the file.
func (s *Service) persistComponentLocked(c *types.Component) {
	if s.local == nil {
		return
	}
	if err := s.local.SaveComponent(c); err != nil {
		logging.Get(logging.CategoryPersist).Error("Failed to persist component %s: %v", c.ID, err)
	}
}

// Flush waits for all outstanding fire-and-forget remote calls. Used at
// shutdown and by tests that need deterministic sync-queue state.
func (s *Service) Flush() {
	s.inflight.Wait()
}
