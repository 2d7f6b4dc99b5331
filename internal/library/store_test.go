package library

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"measureforge/internal/types"
)

func TestSetComponentsRefusesEmptyListAgainstNonEmptyStore(t *testing.T) {
	svc := newTestService(nil, nil)
	require.NoError(t, svc.SetComponents([]*types.Component{
		atomicComponent("c1", "2.16.840.1.113883.1"),
	}))
	require.Equal(t, 1, svc.Count())

	err := svc.SetComponents(nil)
	assert.ErrorIs(t, err, ErrEmptyReplaceBlocked)
	assert.Equal(t, 1, svc.Count(), "blocked set must not touch the store")
}

func TestSetComponentsEmptyListOnEmptyStoreIsNoop(t *testing.T) {
	svc := newTestService(nil, nil)
	require.NoError(t, svc.SetComponents(nil))
	assert.Equal(t, 0, svc.Count())
}

func TestSetComponentsIsUnionNotReplace(t *testing.T) {
	svc := newTestService(nil, nil)
	old := atomicComponent("old", "1.1.1")
	require.NoError(t, svc.SetComponents([]*types.Component{old}))

	replacement := atomicComponent("old", "1.1.1")
	replacement.Name = "renamed"
	incoming := []*types.Component{
		replacement,
		atomicComponent("new", "2.2.2"),
	}
	require.NoError(t, svc.SetComponents(incoming))

	assert.Equal(t, 2, svc.Count())
	assert.Equal(t, "renamed", svc.Get("old").Name, "incoming entry wins by id")
	assert.True(t, svc.Has("new"))
}

func TestSetComponentsRetainsEntriesMissingFromIncomingList(t *testing.T) {
	svc := newTestService(nil, nil)
	require.NoError(t, svc.SetComponents([]*types.Component{
		atomicComponent("kept", "1.1.1"),
	}))

	// A later load that no longer mentions "kept" must not drop it.
	require.NoError(t, svc.SetComponents([]*types.Component{
		atomicComponent("other", "2.2.2"),
	}))

	assert.True(t, svc.Has("kept"))
	assert.True(t, svc.Has("other"))
}

func TestSetComponentsNormalizesUsageCount(t *testing.T) {
	svc := newTestService(nil, nil)
	c := atomicComponent("c1", "1.1.1")
	c.Usage.MeasureIDs = []string{"m1", "m2"}
	c.Usage.UsageCount = 99 // wrong on the wire

	require.NoError(t, svc.SetComponents([]*types.Component{c}))
	got := svc.Get("c1")
	assert.Equal(t, 2, got.Usage.UsageCount)
	assert.Equal(t, len(got.Usage.MeasureIDs), got.Usage.UsageCount)
}

type staticFetcher struct {
	components []*types.Component
	err        error
}

func (f *staticFetcher) FetchCatalogue(ctx context.Context) ([]*types.Component, error) {
	return f.components, f.err
}

func TestRefreshFromRemoteAppliesGuard(t *testing.T) {
	svc := newTestService(nil, nil)
	require.NoError(t, svc.SetComponents([]*types.Component{
		atomicComponent("c1", "1.1.1"),
	}))

	// Remote returning nothing must not empty the store.
	_, err := svc.RefreshFromRemote(context.Background(), &staticFetcher{})
	assert.ErrorIs(t, err, ErrEmptyReplaceBlocked)
	assert.Equal(t, 1, svc.Count())

	// A fetch error surfaces without touching the store.
	_, err = svc.RefreshFromRemote(context.Background(), &staticFetcher{err: fmt.Errorf("boom")})
	assert.Error(t, err)
	assert.Equal(t, 1, svc.Count())

	n, err := svc.RefreshFromRemote(context.Background(), &staticFetcher{
		components: []*types.Component{atomicComponent("c2", "2.2.2")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, svc.Count())
}
