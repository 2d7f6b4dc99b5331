package library

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"measureforge/internal/measures"
	"measureforge/internal/types"
)

func TestMergePreconditions(t *testing.T) {
	archived := atomicComponent("archived", "3.3.3")
	archived.VersionInfo.Status = types.StatusArchived
	composite := &types.Component{
		ID:       "comp",
		Kind:     types.KindComposite,
		Operator: types.OperatorAnd,
		Children: []types.ChildRef{{ComponentID: "a"}, {ComponentID: "b"}},
		VersionInfo: types.VersionInfo{
			VersionID: "comp-v1",
			Status:    types.StatusApproved,
		},
	}
	svc := seedService(t,
		atomicComponent("a", "1.1.1"),
		atomicComponent("b", "2.2.2"),
		archived,
		composite,
	)
	coll := measures.NewCollection()

	cases := []struct {
		name string
		ids  []string
	}{
		{"single id", []string{"a"}},
		{"duplicate ids collapse to one", []string{"a", "a"}},
		{"unknown id", []string{"a", "nope"}},
		{"archived input", []string{"a", "archived"}},
		{"fewer than two atomics", []string{"a", "comp"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := svc.Snapshot()
			res := svc.MergeComponents(tc.ids, "reviewer", coll)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
			if diff := cmp.Diff(before, svc.Snapshot()); diff != "" {
				t.Errorf("rejected merge mutated the store:\n%s", diff)
			}
		})
	}
}

func TestMergeArchivesInputsAndBuildsUnion(t *testing.T) {
	codeA := types.Code{System: "SNOMED", Code: "1111"}
	codeB := types.Code{System: "ICD10", Code: "E11.9"}
	a := atomicComponent("a", "1.1.1", codeA)
	a.Usage.MeasureIDs = []string{"m1", "m2"}
	a.Timing = "during measurement period"
	b := atomicComponent("b", "2.2.2", codeB)
	b.Usage.MeasureIDs = []string{"m2", "m3"}
	// Duplicate oid with a: must be de-duplicated in the union.
	c := atomicComponent("c", "1.1.1")
	svc := seedService(t, a, b, c)
	coll := measures.NewCollection()

	res := svc.MergeComponents([]string{"a", "b", "c"}, "reviewer", coll)
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.NewComponentID)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, res.ArchivedIDs)

	merged := svc.Get(res.NewComponentID)
	require.NotNil(t, merged)
	assert.Equal(t, types.KindAtomic, merged.Kind)
	assert.Equal(t, types.StatusDraft, merged.VersionInfo.Status)

	oids := make([]string, 0, len(merged.ValueSets))
	for _, vs := range merged.ValueSets {
		oids = append(oids, vs.OID)
	}
	assert.ElementsMatch(t, []string{"1.1.1", "2.2.2"}, oids, "value sets deduped by oid")

	assert.Equal(t, []string{"m1", "m2", "m3"}, merged.Usage.MeasureIDs, "usage union, sorted")
	assert.Equal(t, 3, merged.Usage.UsageCount)
	assert.Equal(t, "during measurement period", merged.Timing, "scalars come from the first atomic")

	for _, id := range []string{"a", "b", "c"} {
		got := svc.Get(id)
		assert.Equal(t, types.StatusArchived, got.VersionInfo.Status, "input %s", id)
		last := got.VersionInfo.History[len(got.VersionInfo.History)-1]
		assert.Contains(t, last.Note, res.NewComponentID)
	}
}

func TestMergeRewritesMeasureReferences(t *testing.T) {
	svc := seedService(t,
		atomicComponent("a", "1.1.1"),
		atomicComponent("b", "2.2.2"),
		atomicComponent("other", "9.9.9"),
	)
	coll := collectionWith(t,
		measureWithLinks("m1", "a", "other"),
		measureWithLinks("m2", "b"),
		measureWithLinks("m3", "other"),
	)

	res := svc.MergeComponents([]string{"a", "b"}, "reviewer", coll)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.RewrittenRefs)
	assert.Empty(t, res.Diagnostics, "no dangling or archived references after rewrite")

	for _, ref := range coll.LinkedRefs() {
		assert.NotEqual(t, "a", ref.ComponentID)
		assert.NotEqual(t, "b", ref.ComponentID)
	}

	// Untouched references stay put.
	var otherRefs int
	for _, ref := range coll.LinkedRefs() {
		if ref.ComponentID == "other" {
			otherRefs++
		}
	}
	assert.Equal(t, 2, otherRefs)
}

func TestMergeSurfacesIntegrityDiagnostics(t *testing.T) {
	svc := seedService(t,
		atomicComponent("a", "1.1.1"),
		atomicComponent("b", "2.2.2"),
	)
	// m1 additionally references a component that was never in the store.
	coll := collectionWith(t, measureWithLinks("m1", "a", "ghost"))

	res := svc.MergeComponents([]string{"a", "b"}, "reviewer", coll)
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "ghost", res.Diagnostics[0].ComponentID)
	assert.Contains(t, res.Diagnostics[0].Problem, "dangling")
}

func TestMergePushesOutcomeToRemote(t *testing.T) {
	rem := &mockRemote{}
	svc := NewService(rem, nil, Options{})
	require.NoError(t, svc.SetComponents([]*types.Component{
		atomicComponent("a", "1.1.1"),
		atomicComponent("b", "2.2.2"),
	}))

	res := svc.MergeComponents([]string{"a", "b"}, "reviewer", measures.NewCollection())
	require.True(t, res.Success, res.Error)
	svc.Flush()

	rem.mu.Lock()
	defer rem.mu.Unlock()
	assert.Equal(t, []string{res.NewComponentID}, rem.creates)
	assert.ElementsMatch(t, []string{"a", "b"}, rem.updates)
	assert.ElementsMatch(t, []string{"a", "b"}, rem.archives)
}

func TestMergedComponentIsMatchableByEitherOID(t *testing.T) {
	svc := seedService(t,
		atomicComponent("a", "1.1.1"),
		atomicComponent("b", "2.2.2"),
	)
	res := svc.MergeComponents([]string{"a", "b"}, "reviewer", measures.NewCollection())
	require.True(t, res.Success, res.Error)

	for _, oid := range []string{"1.1.1", "2.2.2"} {
		got := svc.FindExactMatch(&types.ParsedFragment{OID: oid})
		require.NotNil(t, got, "oid %s", oid)
		assert.Equal(t, res.NewComponentID, got.ID)
	}
}
