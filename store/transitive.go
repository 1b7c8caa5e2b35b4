package store

import (
	"sort"

	"f0oster/admirror/activedirectory"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TransitiveEngine answers closure queries over the composite membership
// graph: direct group→member edges plus the primary-group edges implied by
// matching primaryGroupToken/primaryGroupId RIDs. Every traversal carries a
// visited set, so cyclic group graphs terminate. Results are cached per
// store generation; any write invalidates by changing the key.
type TransitiveEngine struct {
	s     *Store
	cache *lru.Cache[transKey, []int]
}

type transKey struct {
	kind uint8
	tag  int
	gen  uint64
}

const (
	kindMembers uint8 = iota
	kindMemberOfs
	kindGroupMembers
)

const transCacheSize = 1024

func newTransitiveEngine(s *Store) *TransitiveEngine {
	cache, err := lru.New[transKey, []int](transCacheSize)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}
	return &TransitiveEngine{s: s, cache: cache}
}

// AllMembers returns every entity reachable from g through membership,
// nested groups included.
func (t *TransitiveEngine) AllMembers(g *activedirectory.Entity) []*activedirectory.Entity {
	if g == nil {
		return nil
	}
	key := transKey{kindMembers, g.Tag, t.s.gen.Load()}
	if tags, ok := t.cache.Get(key); ok {
		return t.entities(tags)
	}
	visited := make(map[int]struct{})
	result := make(map[int]struct{})
	t.collectMembers(g, visited, result)
	tags := sortedTags(result)
	t.cache.Add(key, tags)
	return t.entities(tags)
}

func (t *TransitiveEngine) collectMembers(g *activedirectory.Entity, visited, result map[int]struct{}) {
	visited[g.Tag] = struct{}{}

	// Primary-group members are flat: they are never groups themselves.
	if g.PrimaryGroupToken != 0 {
		if set := t.s.ix.PrimaryGroupMembers(g.PrimaryGroupToken); set != nil {
			for _, m := range set.Tags() {
				result[m] = struct{}{}
			}
		}
	}

	for _, m := range g.DirectMembers.Tags() {
		result[m] = struct{}{}
		me := t.s.table.Get(m)
		if me == nil || !me.IsGroup() {
			continue
		}
		if _, seen := visited[m]; !seen {
			t.collectMembers(me, visited, result)
		}
	}
}

// AllMemberOfs returns every group e belongs to, directly, transitively, or
// through its resolved primary group.
func (t *TransitiveEngine) AllMemberOfs(e *activedirectory.Entity) []*activedirectory.Entity {
	if e == nil {
		return nil
	}
	key := transKey{kindMemberOfs, e.Tag, t.s.gen.Load()}
	if tags, ok := t.cache.Get(key); ok {
		return t.entities(tags)
	}
	visited := make(map[int]struct{})
	result := make(map[int]struct{})
	t.collectMemberOfs(e, visited, result)
	tags := sortedTags(result)
	t.cache.Add(key, tags)
	return t.entities(tags)
}

// collectMemberOfs walks upward. The query subject enters the result only
// if the walk comes back around to it (a cyclic group graph).
func (t *TransitiveEngine) collectMemberOfs(e *activedirectory.Entity, visited, result map[int]struct{}) {
	visited[e.Tag] = struct{}{}

	if e.PrimaryGroupID != 0 {
		if pg := t.s.ByPrimaryGroupToken(e.PrimaryGroupID); pg != nil {
			result[pg.Tag] = struct{}{}
			if _, seen := visited[pg.Tag]; !seen {
				t.collectMemberOfs(pg, visited, result)
			}
		}
	}

	for _, g := range e.DirectMemberOfs.Tags() {
		ge := t.s.table.Get(g)
		if ge == nil {
			continue
		}
		result[g] = struct{}{}
		if _, seen := visited[g]; !seen {
			t.collectMemberOfs(ge, visited, result)
		}
	}
}

// HasMember reports whether x is a direct, nested or primary-group member
// of g, short-circuiting on the first hit.
func (t *TransitiveEngine) HasMember(g, x *activedirectory.Entity) bool {
	if g == nil || x == nil {
		return false
	}
	visited := make(map[int]struct{})
	return t.hasMember(g, x, visited)
}

func (t *TransitiveEngine) hasMember(g, x *activedirectory.Entity, visited map[int]struct{}) bool {
	visited[g.Tag] = struct{}{}

	if g.DirectMembers.Contains(x.Tag) {
		return true
	}
	if x.PrimaryGroupID != 0 && g.PrimaryGroupToken == x.PrimaryGroupID {
		return true
	}

	for _, m := range g.DirectMembers.Tags() {
		me := t.s.table.Get(m)
		if me == nil || !me.IsGroup() {
			continue
		}
		if _, seen := visited[m]; seen {
			continue
		}
		if t.hasMember(me, x, visited) {
			return true
		}
	}
	return false
}

// AllGroupTypeMembers restricts the closure to nodes whose class indicates
// a group.
func (t *TransitiveEngine) AllGroupTypeMembers(g *activedirectory.Entity) []*activedirectory.Entity {
	if g == nil {
		return nil
	}
	key := transKey{kindGroupMembers, g.Tag, t.s.gen.Load()}
	if tags, ok := t.cache.Get(key); ok {
		return t.entities(tags)
	}
	visited := make(map[int]struct{})
	result := make(map[int]struct{})
	t.collectGroupMembers(g, visited, result)
	tags := sortedTags(result)
	t.cache.Add(key, tags)
	return t.entities(tags)
}

func (t *TransitiveEngine) collectGroupMembers(g *activedirectory.Entity, visited, result map[int]struct{}) {
	visited[g.Tag] = struct{}{}
	for _, m := range g.DirectMembers.Tags() {
		me := t.s.table.Get(m)
		if me == nil || !me.IsGroup() {
			continue
		}
		result[m] = struct{}{}
		if _, seen := visited[m]; !seen {
			t.collectGroupMembers(me, visited, result)
		}
	}
}

func (t *TransitiveEngine) entities(tags []int) []*activedirectory.Entity {
	out := make([]*activedirectory.Entity, 0, len(tags))
	for _, tag := range tags {
		if e := t.s.table.Get(tag); e != nil {
			out = append(out, e)
		}
	}
	return out
}

func sortedTags(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}
