package measures

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"measureforge/internal/types"
)

func leaf(id, componentID string) *types.RuleNode {
	return &types.RuleNode{Element: &types.DataElement{
		ID:                 id,
		LibraryComponentID: componentID,
	}}
}

func testMeasure(id string, leaves ...*types.RuleNode) *types.Measure {
	return &types.Measure{ID: id, Root: &types.RuleNode{
		Operator: types.OperatorAnd,
		Children: leaves,
	}}
}

func TestPutStoresIsolatedCopy(t *testing.T) {
	coll := NewCollection()
	m := testMeasure("m1", leaf("e1", "c1"))
	require.NoError(t, coll.Put(m))

	// Mutating the caller's copy must not leak into the collection.
	m.Root.Children[0].Element.LibraryComponentID = "tampered"

	var got string
	coll.Get("m1").WalkElements(func(el *types.DataElement) { got = el.LibraryComponentID })
	assert.Equal(t, "c1", got)
}

func TestPutRequiresID(t *testing.T) {
	coll := NewCollection()
	assert.Error(t, coll.Put(&types.Measure{}))
	assert.Error(t, coll.Put(nil))
}

func TestLinkedRefsSkipsSentinelAndEmpty(t *testing.T) {
	coll := NewCollection()
	require.NoError(t, coll.Put(testMeasure("m1",
		leaf("e1", "c1"),
		leaf("e2", types.UnlinkableComponentID),
		leaf("e3", ""),
	)))

	refs := coll.LinkedRefs()
	require.Len(t, refs, 1)
	assert.Equal(t, Ref{MeasureID: "m1", ElementID: "e1", ComponentID: "c1"}, refs[0])
}

func TestApplyBatchIsAllOrNothing(t *testing.T) {
	coll := NewCollection()
	require.NoError(t, coll.Put(testMeasure("m1", leaf("e1", "c1"))))

	updated := testMeasure("m1", leaf("e1", "c2"))
	phantom := testMeasure("ghost", leaf("e1", "c3"))

	err := coll.ApplyBatch(map[string]*types.Measure{
		"m1":    updated,
		"ghost": phantom,
	})
	require.Error(t, err)

	// The valid half of the rejected batch must not have been applied.
	var got string
	coll.Get("m1").WalkElements(func(el *types.DataElement) { got = el.LibraryComponentID })
	assert.Equal(t, "c1", got)
	assert.False(t, coll.Has("ghost"))
}

func TestApplyBatchReplacesMeasures(t *testing.T) {
	coll := NewCollection()
	require.NoError(t, coll.Put(testMeasure("m1", leaf("e1", "c1"))))

	require.NoError(t, coll.ApplyBatch(map[string]*types.Measure{
		"m1": testMeasure("m1", leaf("e1", "c2")),
	}))

	var got string
	coll.Get("m1").WalkElements(func(el *types.DataElement) { got = el.LibraryComponentID })
	assert.Equal(t, "c2", got)
}

func TestSetElementLinks(t *testing.T) {
	coll := NewCollection()
	require.NoError(t, coll.Put(testMeasure("m1", leaf("e1", ""), leaf("e2", ""))))

	require.NoError(t, coll.SetElementLinks("m1", map[string]string{
		"e1":      "c1",
		"e2":      types.UnlinkableComponentID,
		"unknown": "ignored",
	}))

	links := make(map[string]string)
	coll.Get("m1").WalkElements(func(el *types.DataElement) { links[el.ID] = el.LibraryComponentID })
	assert.Equal(t, "c1", links["e1"])
	assert.Equal(t, types.UnlinkableComponentID, links["e2"])

	assert.Error(t, coll.SetElementLinks("ghost", nil))
}

func TestRewriteReferencesComputesWithoutApplying(t *testing.T) {
	coll := NewCollection()
	require.NoError(t, coll.Put(testMeasure("m1", leaf("e1", "old1"), leaf("e2", "keep"))))
	require.NoError(t, coll.Put(testMeasure("m2", leaf("e1", "old2"))))
	require.NoError(t, coll.Put(testMeasure("m3", leaf("e1", "keep"))))

	updates, rewritten := coll.RewriteReferences(map[string]bool{"old1": true, "old2": true}, "new")
	assert.Equal(t, 2, rewritten)
	assert.Len(t, updates, 2)
	assert.Contains(t, updates, "m1")
	assert.Contains(t, updates, "m2")
	assert.NotContains(t, updates, "m3")

	// Compute-only: the collection itself is untouched until ApplyBatch.
	var m1Link string
	coll.Get("m1").WalkElements(func(el *types.DataElement) {
		if el.ID == "e1" {
			m1Link = el.LibraryComponentID
		}
	})
	assert.Equal(t, "old1", m1Link)

	require.NoError(t, coll.ApplyBatch(updates))
	for _, ref := range coll.LinkedRefs() {
		assert.NotEqual(t, "old1", ref.ComponentID)
		assert.NotEqual(t, "old2", ref.ComponentID)
	}
}

func TestValidateIntegrity(t *testing.T) {
	coll := NewCollection()
	require.NoError(t, coll.Put(testMeasure("m1",
		leaf("e1", "live"),
		leaf("e2", "gone"),
		leaf("e3", "archived"),
		leaf("e4", types.UnlinkableComponentID),
	)))

	lookup := func(id string) (types.Status, bool) {
		switch id {
		case "live":
			return types.StatusApproved, true
		case "archived":
			return types.StatusArchived, true
		default:
			return "", false
		}
	}

	issues := coll.ValidateIntegrity(lookup)
	require.Len(t, issues, 2)
	assert.Equal(t, "e2", issues[0].ElementID)
	assert.Contains(t, issues[0].Problem, "dangling")
	assert.Equal(t, "e3", issues[1].ElementID)
	assert.Contains(t, issues[1].Problem, "archived")
}

func TestIDsAreSorted(t *testing.T) {
	coll := NewCollection()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, coll.Put(testMeasure(id)))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, coll.IDs())
	assert.Equal(t, 3, coll.Len())
}
