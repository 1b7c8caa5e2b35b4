package activedirectory

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NoTag marks an unassigned or unresolved tag reference.
const NoTag = -1

// Status tracks an entity through the bulk-load sweep.
type Status int32

const (
	StatusExists Status = iota
	StatusDetecting
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusExists:
		return "exists"
	case StatusDetecting:
		return "detecting"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Unset is the sentinel for optional integer attributes (samAccountType,
// userAccountControl, groupType, logonCount).
const Unset int64 = -1

// userAccountControl bits we interpret directly.
const (
	UACAccountDisable = 0x0002
)

// Entity is one directory object in the mirror. Scalar fields are immutable
// once the entity is published to the tag table; updates replace the whole
// record. The backlink sets (Manages, DirectMemberOfs) and the membership
// sets are shared, internally locked, and carried across replacement.
type Entity struct {
	Tag int

	DN         string
	ObjectGUID uuid.UUID
	// Class is the dot-joined objectClass path, e.g. "top.group".
	Class string

	SID        string
	SIDHistory []string

	SAMAccountName    string
	UserPrincipalName string
	DomainFlatName    string

	SAMAccountType     int64
	UserAccountControl int64
	GroupType          int64
	LogonCount         int64

	WhenCreated        time.Time
	PasswordLastSet    time.Time
	LastLogonTimestamp time.Time
	AccountExpires     time.Time

	Email               string
	EmailAliases        []string
	TargetEmail         string
	MailboxGUID         uuid.UUID
	HideFromAddressBook bool
	SIPAddress          string

	// PrimaryGroupID is the RID of the group this entity treats as primary;
	// PrimaryGroupToken is the RID this entity carries when it IS a group.
	// Zero means absent for both (RID 0 does not occur).
	PrimaryGroupID    int64
	PrimaryGroupToken int64

	// ManagerDN holds the raw manager reference; ManagerTag is NoTag until
	// the target has been ingested.
	ManagerDN  string
	ManagerTag int

	Manages         *TagSet
	DirectMembers   *TagSet
	DirectMemberOfs *TagSet

	// DeferredMemberDNs are member references whose target DN has not been
	// ingested yet.
	DeferredMemberDNs []string

	OtherAttributesText   map[string][]string
	OtherAttributesBinary map[string][][]byte

	// status and changeNotified are flipped in place on published entities
	// by the single writer while readers look on, hence atomics.
	status         atomic.Int32
	changeNotified atomic.Bool
}

func (e *Entity) Status() Status           { return Status(e.status.Load()) }
func (e *Entity) SetStatus(s Status)       { e.status.Store(int32(s)) }
func (e *Entity) ChangeNotified() bool     { return e.changeNotified.Load() }
func (e *Entity) SetChangeNotified(v bool) { e.changeNotified.Store(v) }

// Clone returns a new Entity carrying the same fields. The backlink and
// membership sets are shared, not copied: they identify the object across
// replacement. Slices and maps are shared too; callers replacing them must
// assign fresh ones rather than mutate.
func (e *Entity) Clone() *Entity {
	c := &Entity{
		Tag:                 e.Tag,
		DN:                  e.DN,
		ObjectGUID:          e.ObjectGUID,
		Class:               e.Class,
		SID:                 e.SID,
		SIDHistory:          e.SIDHistory,
		SAMAccountName:      e.SAMAccountName,
		UserPrincipalName:   e.UserPrincipalName,
		DomainFlatName:      e.DomainFlatName,
		SAMAccountType:      e.SAMAccountType,
		UserAccountControl:  e.UserAccountControl,
		GroupType:           e.GroupType,
		LogonCount:          e.LogonCount,
		WhenCreated:         e.WhenCreated,
		PasswordLastSet:     e.PasswordLastSet,
		LastLogonTimestamp:  e.LastLogonTimestamp,
		AccountExpires:      e.AccountExpires,
		Email:               e.Email,
		EmailAliases:        e.EmailAliases,
		TargetEmail:         e.TargetEmail,
		MailboxGUID:         e.MailboxGUID,
		HideFromAddressBook: e.HideFromAddressBook,
		SIPAddress:          e.SIPAddress,
		PrimaryGroupID:      e.PrimaryGroupID,
		PrimaryGroupToken:   e.PrimaryGroupToken,
		ManagerDN:           e.ManagerDN,
		ManagerTag:          e.ManagerTag,
		Manages:             e.Manages,
		DirectMembers:       e.DirectMembers,
		DirectMemberOfs:     e.DirectMemberOfs,
		DeferredMemberDNs:   e.DeferredMemberDNs,

		OtherAttributesText:   e.OtherAttributesText,
		OtherAttributesBinary: e.OtherAttributesBinary,
	}
	c.status.Store(e.status.Load())
	c.changeNotified.Store(e.changeNotified.Load())
	return c
}

func NewEntity() *Entity {
	return &Entity{
		Tag:                NoTag,
		ManagerTag:         NoTag,
		SAMAccountType:     Unset,
		UserAccountControl: Unset,
		GroupType:          Unset,
		LogonCount:         Unset,
		Manages:            NewTagSet(),
		DirectMembers:      NewTagSet(),
		DirectMemberOfs:    NewTagSet(),
	}
}

// IsGroup reports whether the entity's class path terminates in "group".
func (e *Entity) IsGroup() bool {
	return classLeaf(e.Class) == "group"
}

// IsForeignSecurityPrincipal reports whether the entity is a cross-domain
// placeholder object. Those are indexed in the foreign-SID namespace only.
func (e *Entity) IsForeignSecurityPrincipal() bool {
	return classLeaf(e.Class) == "foreignsecurityprincipal"
}

// EmailIndexed reports whether the primary email and aliases participate in
// the email index: the entity must be mailbox-enabled and not disabled.
func (e *Entity) EmailIndexed() bool {
	if e.MailboxGUID == (uuid.UUID{}) {
		return false
	}
	if e.UserAccountControl != Unset && e.UserAccountControl&UACAccountDisable != 0 {
		return false
	}
	return true
}

// HasDeferred reports whether any forward reference is still unresolved.
func (e *Entity) HasDeferred() bool {
	return (e.ManagerDN != "" && e.ManagerTag == NoTag) || len(e.DeferredMemberDNs) > 0
}

func classLeaf(class string) string {
	if i := strings.LastIndexByte(class, '.'); i >= 0 {
		class = class[i+1:]
	}
	return strings.ToLower(class)
}

// TagSet is a mutable set of entity tags. The single store writer mutates it
// in place while readers iterate concurrently, so access is guarded by a
// short-held lock per set.
type TagSet struct {
	mu sync.RWMutex
	m  map[int]struct{}
}

func NewTagSet(tags ...int) *TagSet {
	s := &TagSet{m: make(map[int]struct{}, len(tags))}
	for _, t := range tags {
		s.m[t] = struct{}{}
	}
	return s
}

func (s *TagSet) Add(tag int) {
	s.mu.Lock()
	s.m[tag] = struct{}{}
	s.mu.Unlock()
}

func (s *TagSet) Remove(tag int) {
	s.mu.Lock()
	delete(s.m, tag)
	s.mu.Unlock()
}

func (s *TagSet) Contains(tag int) bool {
	s.mu.RLock()
	_, ok := s.m[tag]
	s.mu.RUnlock()
	return ok
}

func (s *TagSet) Len() int {
	s.mu.RLock()
	n := len(s.m)
	s.mu.RUnlock()
	return n
}

// Tags returns the members in ascending order.
func (s *TagSet) Tags() []int {
	s.mu.RLock()
	out := make([]int, 0, len(s.m))
	for t := range s.m {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Ints(out)
	return out
}
