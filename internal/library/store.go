package library

import (
	"context"
	"fmt"
	"time"

	"measureforge/internal/logging"
	"measureforge/internal/types"
)

// CatalogueFetcher fetches the full remote catalogue in one shot.
type CatalogueFetcher interface {
	FetchCatalogue(ctx context.Context) ([]*types.Component, error)
}

// ErrEmptyReplaceBlocked is returned when a bulk set would empty a non-empty
// store. A transient network or parse failure returning zero results must
// never be mistaken for "there are no components".
var ErrEmptyReplaceBlocked = fmt.Errorf("bulk set with empty list refused: store is not empty")

// SetComponents applies a bulk component load through the safe-replace guard.
// The resulting store is the union of the incoming list (new entries win by
// id) with all previously-held components not present in the list - never a
// destructive replace. An empty list against a non-empty store is refused
// outright and logged as blocked.
func (s *Service) SetComponents(list []*types.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(list) == 0 && len(s.components) > 0 {
		logging.LibraryWarn("Blocked bulk set: empty list would drop %d components", len(s.components))
		return ErrEmptyReplaceBlocked
	}

	replaced := 0
	added := 0
	for _, c := range list {
		if c == nil || c.ID == "" {
			continue
		}
		stored := c.Clone()
		stored.Usage.UsageCount = len(stored.Usage.MeasureIDs)
		if stored.Metadata.UpdatedAt.IsZero() {
			stored.Metadata.UpdatedAt = time.Now()
		}
		if _, exists := s.components[stored.ID]; exists {
			replaced++
		} else {
			added++
		}
		s.components[stored.ID] = stored
	}

	if s.local != nil {
		if err := s.local.SaveComponents(s.snapshotLocked()); err != nil {
			logging.Get(logging.CategoryPersist).Error("Failed to persist bulk set: %v", err)
		}
	}

	logging.Library("Bulk set applied: %d added, %d replaced, %d retained",
		added, replaced, len(s.components)-added-replaced)
	return nil
}

// RefreshFromRemote pulls the remote catalogue and folds it into the local
// store under the same safe-replace guard as any other bulk load.
func (s *Service) RefreshFromRemote(ctx context.Context, fetcher CatalogueFetcher) (int, error) {
	list, err := fetcher.FetchCatalogue(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalogue refresh failed: %w", err)
	}
	if err := s.SetComponents(list); err != nil {
		return 0, err
	}
	return len(list), nil
}
