package store

import (
	"strings"

	"f0oster/admirror/activedirectory"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Indexes is the family of secondary mappings from lookup keys to tags.
// All mutation happens under the store's write lock; reads are lock-free.
// The maps hold the most-up-to-date mapping in the single writer's
// happens-before order: a reader that finds a tag here sees an entity record
// at least as fresh as the mapping it followed.
type Indexes struct {
	byDN                *xsync.MapOf[string, int]
	byGUID              *xsync.MapOf[uuid.UUID, int]
	bySAM               *xsync.MapOf[string, int]
	byUPN               *xsync.MapOf[string, int]
	byEmail             *xsync.MapOf[string, int]
	bySID               *xsync.MapOf[string, int]
	byForeignSID        *xsync.MapOf[string, int]
	byPrimaryGroupToken *xsync.MapOf[int64, int]
	primaryGroupMembers *xsync.MapOf[int64, *activedirectory.TagSet]
}

func NewIndexes() *Indexes {
	return &Indexes{
		byDN:                xsync.NewMapOf[string, int](),
		byGUID:              xsync.NewMapOf[uuid.UUID, int](),
		bySAM:               xsync.NewMapOf[string, int](),
		byUPN:               xsync.NewMapOf[string, int](),
		byEmail:             xsync.NewMapOf[string, int](),
		bySID:               xsync.NewMapOf[string, int](),
		byForeignSID:        xsync.NewMapOf[string, int](),
		byPrimaryGroupToken: xsync.NewMapOf[int64, int](),
		primaryGroupMembers: xsync.NewMapOf[int64, *activedirectory.TagSet](),
	}
}

// foldKey is the case-insensitive key normalization shared by the DN, SAM,
// UPN and email indexes.
func foldKey(k string) string {
	return strings.ToLower(k)
}

// install writes key→tag into m and reports a conflicting previous mapping.
// Last writer wins; the caller defect-logs the collision.
func install[K comparable](m *xsync.MapOf[K, int], key K, tag int) (prevTag int, conflict bool) {
	prev, loaded := m.LoadAndStore(key, tag)
	if loaded && prev != tag {
		return prev, true
	}
	return 0, false
}

// withdraw removes key→tag from m only if the mapping still belongs to tag;
// after a lost duplicate-key race the slot belongs to the later writer.
func withdraw[K comparable](m *xsync.MapOf[K, int], key K, tag int) {
	if cur, ok := m.Load(key); ok && cur == tag {
		m.Delete(key)
	}
}

// AddPrimaryGroupMember records tag in the member set of the given RID.
func (ix *Indexes) AddPrimaryGroupMember(rid int64, tag int) {
	set, _ := ix.primaryGroupMembers.LoadOrStore(rid, activedirectory.NewTagSet())
	set.Add(tag)
}

// RemovePrimaryGroupMember withdraws tag from the member set of the RID.
func (ix *Indexes) RemovePrimaryGroupMember(rid int64, tag int) {
	if set, ok := ix.primaryGroupMembers.Load(rid); ok {
		set.Remove(tag)
	}
}

// PrimaryGroupMembers returns the member set for a RID, or nil.
func (ix *Indexes) PrimaryGroupMembers(rid int64) *activedirectory.TagSet {
	set, _ := ix.primaryGroupMembers.Load(rid)
	return set
}
