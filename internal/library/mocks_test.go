package library

import (
	"context"
	"fmt"
	"sync"

	"measureforge/internal/types"
)

// mockRemote is an in-memory types.RemoteStore with per-operation failure
// switches and call counters.
type mockRemote struct {
	mu sync.Mutex

	failCreate  bool
	failUpdate  bool
	failDelete  bool
	failArchive bool
	failUsage   bool

	creates  []string
	updates  []string
	deletes  []string
	archives []string
	approves []string
	usages   []string // "componentID/measureID"
}

func (m *mockRemote) ListComponentSummaries(ctx context.Context) ([]types.ComponentSummary, error) {
	return nil, nil
}

func (m *mockRemote) GetComponent(ctx context.Context, id string) (*types.Component, error) {
	return nil, fmt.Errorf("not found")
}

func (m *mockRemote) CreateAtomicComponent(ctx context.Context, dto types.AtomicComponentDTO) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return fmt.Errorf("remote create unavailable")
	}
	m.creates = append(m.creates, dto.ID)
	return nil
}

func (m *mockRemote) UpdateComponent(ctx context.Context, id string, dto types.AtomicComponentDTO) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate {
		return fmt.Errorf("remote update unavailable")
	}
	m.updates = append(m.updates, id)
	return nil
}

func (m *mockRemote) DeleteComponent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete {
		return fmt.Errorf("remote delete unavailable")
	}
	m.deletes = append(m.deletes, id)
	return nil
}

func (m *mockRemote) ArchiveComponent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failArchive {
		return fmt.Errorf("remote archive unavailable")
	}
	m.archives = append(m.archives, id)
	return nil
}

func (m *mockRemote) ApproveComponent(ctx context.Context, id, approvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approves = append(m.approves, id)
	return nil
}

func (m *mockRemote) RecordUsage(ctx context.Context, componentID, measureID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUsage {
		return fmt.Errorf("remote usage unavailable")
	}
	m.usages = append(m.usages, componentID+"/"+measureID)
	return nil
}

func (m *mockRemote) setFailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = fail
	m.failUpdate = fail
	m.failDelete = fail
	m.failArchive = fail
	m.failUsage = fail
}

func (m *mockRemote) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creates)
}

func (m *mockRemote) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

func (m *mockRemote) deleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deletes)
}

// memoryLocal is an in-memory LocalState for exercising persistence plumbing
// without SQLite.
type memoryLocal struct {
	mu         sync.Mutex
	components map[string]*types.Component
	pending    map[string]*types.PendingSyncEntry
}

func newMemoryLocal() *memoryLocal {
	return &memoryLocal{
		components: make(map[string]*types.Component),
		pending:    make(map[string]*types.PendingSyncEntry),
	}
}

func (l *memoryLocal) SaveComponent(c *types.Component) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.components[c.ID] = c.Clone()
	return nil
}

func (l *memoryLocal) SaveComponents(cs []*types.Component) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range cs {
		l.components[c.ID] = c.Clone()
	}
	return nil
}

func (l *memoryLocal) DeleteComponent(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.components, id)
	return nil
}

func (l *memoryLocal) LoadComponents() ([]*types.Component, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*types.Component, 0, len(l.components))
	for _, c := range l.components {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (l *memoryLocal) SavePending(e *types.PendingSyncEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := *e
	l.pending[e.ComponentID] = &entry
	return nil
}

func (l *memoryLocal) DeletePending(componentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, componentID)
	return nil
}

func (l *memoryLocal) LoadPending() ([]*types.PendingSyncEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*types.PendingSyncEntry, 0, len(l.pending))
	for _, e := range l.pending {
		entry := *e
		out = append(out, &entry)
	}
	return out, nil
}

// =============================================================================
// Fixture helpers
// =============================================================================

func atomicComponent(id, oid string, codes ...types.Code) *types.Component {
	return &types.Component{
		ID:   id,
		Kind: types.KindAtomic,
		Name: "component " + id,
		ValueSets: []types.ValueSet{{
			OID:   oid,
			Name:  "value set " + id,
			Codes: codes,
		}},
		VersionInfo: types.VersionInfo{
			VersionID: id + "-v1",
			Status:    types.StatusApproved,
			History: []types.VersionRecord{{
				VersionID: id + "-v1",
				Status:    types.StatusApproved,
			}},
		},
	}
}

func draftComponent(id, oid string, codes ...types.Code) *types.Component {
	c := atomicComponent(id, oid, codes...)
	c.VersionInfo.Status = types.StatusDraft
	c.VersionInfo.History[0].Status = types.StatusDraft
	return c
}

func leafElement(id, componentID string) *types.RuleNode {
	return &types.RuleNode{Element: &types.DataElement{
		ID:                 id,
		LibraryComponentID: componentID,
	}}
}

func measureWithLinks(measureID string, componentIDs ...string) *types.Measure {
	root := &types.RuleNode{Operator: types.OperatorAnd}
	for i, cid := range componentIDs {
		root.Children = append(root.Children, leafElement(fmt.Sprintf("%s-el%d", measureID, i), cid))
	}
	return &types.Measure{ID: measureID, Root: root}
}

func newTestService(remote types.RemoteStore, local LocalState) *Service {
	return NewService(remote, local, Options{})
}
