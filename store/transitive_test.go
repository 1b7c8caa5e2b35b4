package store_test

import (
	"testing"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildNestedGroups ingests g1 ⊃ g2 ⊃ u plus a primary-group user pu whose
// primaryGroupId matches g2's token.
func buildNestedGroups(st *store.Store) {
	st.ApplyRecord(makeRecord("CN=U,DC=x", uuid.New(), withAttr("sAMAccountName", "u")), store.SourceBulkLoad)
	st.ApplyRecord(makeRecord("CN=G2,DC=x", uuid.New(),
		withClass("top", "group"),
		withAttr("sAMAccountName", "g2"),
		withAttr("member", "CN=U,DC=x"),
		withAttr("primaryGroupToken", "777"),
	), store.SourceBulkLoad)
	st.ApplyRecord(makeRecord("CN=G1,DC=x", uuid.New(),
		withClass("top", "group"),
		withAttr("sAMAccountName", "g1"),
		withAttr("member", "CN=G2,DC=x"),
	), store.SourceBulkLoad)
	st.ApplyRecord(makeRecord("CN=PU,DC=x", uuid.New(),
		withAttr("sAMAccountName", "pu"),
		withAttr("primaryGroupID", "777"),
	), store.SourceBulkLoad)
}

func tagsOf(entities []*activedirectory.Entity) []int {
	out := make([]int, len(entities))
	for i, e := range entities {
		out[i] = e.Tag
	}
	return out
}

func TestAllMembersNested(t *testing.T) {
	st := newTestStore()
	buildNestedGroups(st)

	g1 := st.BySAMAccountName("g1")
	g2 := st.BySAMAccountName("g2")
	u := st.BySAMAccountName("u")
	pu := st.BySAMAccountName("pu")

	members := st.AllMembers(g1)
	got := tagsOf(members)
	assert.ElementsMatch(t, []int{g2.Tag, u.Tag, pu.Tag}, got,
		"nested group, its member, and its primary-group member")

	direct := st.AllMembers(g2)
	assert.ElementsMatch(t, []int{u.Tag, pu.Tag}, tagsOf(direct))
}

func TestHasMemberMatchesAllMembers(t *testing.T) {
	st := newTestStore()
	buildNestedGroups(st)

	groups := []*activedirectory.Entity{st.BySAMAccountName("g1"), st.BySAMAccountName("g2")}
	subjects := []*activedirectory.Entity{
		st.BySAMAccountName("g1"), st.BySAMAccountName("g2"),
		st.BySAMAccountName("u"), st.BySAMAccountName("pu"),
	}

	for _, g := range groups {
		inClosure := make(map[int]bool)
		for _, m := range st.AllMembers(g) {
			inClosure[m.Tag] = true
		}
		for _, x := range subjects {
			assert.Equal(t, inClosure[x.Tag], st.HasMember(g, x),
				"HasMember(%s, %s) must match AllMembers", g.SAMAccountName, x.SAMAccountName)
		}
	}
}

func TestAllMemberOfsMatchesAllMembers(t *testing.T) {
	st := newTestStore()
	buildNestedGroups(st)

	groups := []*activedirectory.Entity{st.BySAMAccountName("g1"), st.BySAMAccountName("g2")}
	subjects := []*activedirectory.Entity{
		st.BySAMAccountName("u"), st.BySAMAccountName("pu"), st.BySAMAccountName("g2"),
	}

	for _, x := range subjects {
		memberOf := make(map[int]bool)
		for _, g := range st.AllMemberOfs(x) {
			memberOf[g.Tag] = true
		}
		for _, g := range groups {
			inMembers := false
			for _, m := range st.AllMembers(g) {
				if m.Tag == x.Tag {
					inMembers = true
				}
			}
			assert.Equal(t, inMembers, memberOf[g.Tag],
				"g ∈ AllMemberOfs(x) ⇔ x ∈ AllMembers(g) for g=%s x=%s", g.SAMAccountName, x.SAMAccountName)
		}
	}
}

func TestCyclicGroupsTerminate(t *testing.T) {
	st := newTestStore()
	st.ApplyRecord(makeRecord("CN=G1,DC=x", uuid.New(),
		withClass("top", "group"),
		withAttr("sAMAccountName", "g1"),
		withAttr("member", "CN=G2,DC=x"),
	), store.SourceBulkLoad)
	st.ApplyRecord(makeRecord("CN=G2,DC=x", uuid.New(),
		withClass("top", "group"),
		withAttr("sAMAccountName", "g2"),
		withAttr("member", "CN=G1,DC=x"),
	), store.SourceBulkLoad)

	g1 := st.BySAMAccountName("g1")
	g2 := st.BySAMAccountName("g2")

	members := st.AllMembers(g1)
	assert.ElementsMatch(t, []int{g1.Tag, g2.Tag}, tagsOf(members))

	assert.True(t, st.HasMember(g1, g1), "a group reachable from itself is its own member")
	assert.True(t, st.HasMember(g1, g2))
	assert.True(t, st.HasMember(g2, g1))

	memberOfs := st.AllMemberOfs(g1)
	assert.ElementsMatch(t, []int{g1.Tag, g2.Tag}, tagsOf(memberOfs))
}

func TestSelfContainingGroup(t *testing.T) {
	st := newTestStore()
	st.ApplyRecord(makeRecord("CN=G,DC=x", uuid.New(),
		withClass("top", "group"),
		withAttr("sAMAccountName", "g"),
		withAttr("member", "CN=G,DC=x"),
	), store.SourceBulkLoad)

	g := st.BySAMAccountName("g")
	require.NotNil(t, g)
	assert.ElementsMatch(t, []int{g.Tag}, tagsOf(st.AllMembers(g)))
	assert.True(t, st.HasMember(g, g))
}

func TestAllGroupTypeMembers(t *testing.T) {
	st := newTestStore()
	buildNestedGroups(st)

	g1 := st.BySAMAccountName("g1")
	g2 := st.BySAMAccountName("g2")

	groupsOnly := st.AllGroupTypeMembers(g1)
	assert.ElementsMatch(t, []int{g2.Tag}, tagsOf(groupsOnly), "users are excluded from the group-typed closure")
}

func TestTransitiveCacheInvalidatedByWrites(t *testing.T) {
	st := newTestStore()
	buildNestedGroups(st)

	g1 := st.BySAMAccountName("g1")
	before := len(st.AllMembers(g1))

	st.ApplyRecord(makeRecord("CN=U2,DC=x", uuid.New(), withAttr("sAMAccountName", "u2")), store.SourceBulkLoad)
	st.ApplyRecord(makeRecord("CN=G2,DC=x", st.BySAMAccountName("g2").ObjectGUID,
		withClass("top", "group"),
		withAttr("sAMAccountName", "g2"),
		withAttr("member", "CN=U,DC=x", "CN=U2,DC=x"),
		withAttr("primaryGroupToken", "777"),
	), store.SourceBulkLoad)

	after := len(st.AllMembers(st.BySAMAccountName("g1")))
	assert.Equal(t, before+1, after, "a membership write must invalidate cached closures")
}
