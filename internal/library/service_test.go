package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"measureforge/internal/types"
)

func TestDeleteRefusedWhileInUse(t *testing.T) {
	c := atomicComponent("c1", "1.1.1")
	c.Usage.MeasureIDs = []string{"m1", "m2"}
	svc := seedService(t, c)

	res := svc.DeleteComponent("c1")
	assert.False(t, res.Success)
	assert.Equal(t, []string{"m1", "m2"}, res.MeasureIDs,
		"refusal names the referencing measures")
	assert.True(t, svc.Has("c1"))
}

func TestDeleteUnusedComponent(t *testing.T) {
	rem := &mockRemote{}
	svc := NewService(rem, nil, Options{})
	require.NoError(t, svc.SetComponents([]*types.Component{atomicComponent("c1", "1.1.1")}))

	res := svc.DeleteComponent("c1")
	assert.True(t, res.Success)
	assert.False(t, svc.Has("c1"))
	svc.Flush()
	assert.Equal(t, 1, rem.deleteCount())
}

func TestDeleteUnknownComponent(t *testing.T) {
	svc := newTestService(nil, nil)
	res := svc.DeleteComponent("nope")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown")
}

func TestArchiveRefusedWhileInUse(t *testing.T) {
	c := atomicComponent("c1", "1.1.1")
	c.Usage.MeasureIDs = []string{"m1"}
	svc := seedService(t, c)

	res := svc.ArchiveComponent("c1", "cleanup")
	assert.False(t, res.Success)
	assert.Equal(t, []string{"m1"}, res.MeasureIDs)
	assert.Equal(t, types.StatusApproved, svc.Get("c1").VersionInfo.Status)
}

func TestArchiveRecordsHistory(t *testing.T) {
	svc := seedService(t, atomicComponent("c1", "1.1.1"))

	res := svc.ArchiveComponent("c1", "superseded")
	require.True(t, res.Success)

	got := svc.Get("c1")
	assert.Equal(t, types.StatusArchived, got.VersionInfo.Status)
	last := got.VersionInfo.History[len(got.VersionInfo.History)-1]
	assert.Equal(t, types.StatusArchived, last.Status)
	assert.Equal(t, "superseded", last.Note)

	again := svc.ArchiveComponent("c1", "twice")
	assert.False(t, again.Success, "archiving an archived component is refused")
}

func TestApproveDraftOnly(t *testing.T) {
	svc := seedService(t,
		draftComponent("d1", "1.1.1"),
		atomicComponent("a1", "2.2.2"),
	)

	res := svc.Approve("d1", "reviewer")
	require.True(t, res.Success)
	got := svc.Get("d1")
	assert.Equal(t, types.StatusApproved, got.VersionInfo.Status)
	last := got.VersionInfo.History[len(got.VersionInfo.History)-1]
	assert.Equal(t, "reviewer", last.Author)

	res = svc.Approve("a1", "reviewer")
	assert.False(t, res.Success, "only drafts can be approved")
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	svc := seedService(t, atomicComponent("c1", "1.1.1"))

	got := svc.Get("c1")
	got.Name = "mutated"
	got.ValueSets[0].OID = "tampered"

	fresh := svc.Get("c1")
	assert.Equal(t, "component c1", fresh.Name)
	assert.Equal(t, "1.1.1", fresh.ValueSets[0].OID)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	svc := newTestService(nil, nil)
	require.NoError(t, svc.CreateComponent(atomicComponent("c1", "1.1.1")))
	assert.Error(t, svc.CreateComponent(atomicComponent("c1", "2.2.2")))
}

func TestUpdateRejectsUnknownID(t *testing.T) {
	svc := newTestService(nil, nil)
	assert.Error(t, svc.UpdateComponent(atomicComponent("ghost", "1.1.1")))
}

func TestGetStats(t *testing.T) {
	rem := &mockRemote{failCreate: true}
	svc := NewService(rem, nil, Options{})
	require.NoError(t, svc.SetComponents([]*types.Component{
		atomicComponent("a", "1.1.1"),
		draftComponent("d", "2.2.2"),
	}))
	require.NoError(t, svc.CreateComponent(atomicComponent("failing", "3.3.3")))
	svc.Flush()

	st := svc.GetStats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByStatus[string(types.StatusApproved)])
	assert.Equal(t, 1, st.ByStatus[string(types.StatusDraft)])
	assert.Equal(t, 3, st.ByKind[string(types.KindAtomic)])
	assert.Equal(t, 1, st.PendingSync)
	assert.Equal(t, 0, st.ExhaustedSync)
}

func TestLoadLocalRoundTrip(t *testing.T) {
	local := newMemoryLocal()
	svc := NewService(nil, local, Options{})
	require.NoError(t, svc.SetComponents([]*types.Component{
		atomicComponent("c1", "1.1.1"),
		draftComponent("c2", "2.2.2"),
	}))

	restarted := NewService(nil, local, Options{})
	require.NoError(t, restarted.LoadLocal())
	assert.Equal(t, 2, restarted.Count())
	assert.Equal(t, types.StatusDraft, restarted.Get("c2").VersionInfo.Status)
}
