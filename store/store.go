// Package store holds the in-memory mirror of one directory domain: the
// append-only tag table, the secondary indexes, the deferred-reference
// bookkeeping and the transitive membership engine. One writer (the sync
// pipeline consumer) mutates it; any number of readers query it without
// taking the write lock.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/diff"
	"f0oster/admirror/metrics"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Source identifies which feed produced a record.
type Source int

const (
	SourceBulkLoad Source = iota
	SourceChangeNotify
)

func (s Source) String() string {
	if s == SourceChangeNotify {
		return "change-notify"
	}
	return "bulk-load"
}

type Store struct {
	mu sync.Mutex // the single write lock

	domain   string
	flatName atomic.Pointer[string]

	table    *TagTable
	ix       *Indexes
	deferred *deferredRegistry
	trans    *TransitiveEngine

	parser  *activedirectory.Parser
	defects *DefectLog
	log     *slog.Logger

	// gen counts writes; the transitive cache keys on it.
	gen atomic.Uint64

	cApplied metrics.Counter
	cDeleted metrics.Counter
	tApply   metrics.Timer
}

func NewStore(domain string, log *slog.Logger, defects *DefectLog, sink metrics.Sink) *Store {
	s := &Store{
		domain:   domain,
		table:    NewTagTable(),
		ix:       NewIndexes(),
		deferred: newDeferredRegistry(),
		parser:   activedirectory.NewParser(log),
		defects:  defects,
		log:      log,
		cApplied: sink.Counter("records_applied_total"),
		cDeleted: sink.Counter("entities_deleted_total"),
		tApply:   sink.Timer("apply_record_seconds"),
	}
	empty := ""
	s.flatName.Store(&empty)
	s.trans = newTransitiveEngine(s)
	return s
}

func (s *Store) Domain() string { return s.domain }

// SetDomainFlatName records the domain's NetBIOS name, inherited by entities
// that do not carry their own and used for DOMAIN\user lookup stripping.
func (s *Store) SetDomainFlatName(name string) {
	s.flatName.Store(&name)
}

func (s *Store) DomainFlatName() string { return *s.flatName.Load() }

// Len returns the current tag-table length (live and deleted slots).
func (s *Store) Len() int { return s.table.Len() }

// Generation increases on every completed write.
func (s *Store) Generation() uint64 { return s.gen.Load() }

// ApplyRecord is the single ingestion entry point, executed on the pipeline
// consumer. Records without an objectGUID are dropped silently; unparseable
// records are defect-logged and skipped.
func (s *Store) ApplyRecord(rec *activedirectory.Record, source Source) {
	done := timeApply(s.tApply)
	defer done()

	c, err := s.parser.ParseRecord(rec)
	if err != nil {
		if err != activedirectory.ErrNoObjectGUID {
			s.defects.ParseFailure(rec.DN, err)
		}
		return
	}
	if c.DomainFlatName == "" {
		c.DomainFlatName = s.DomainFlatName()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.gen.Add(1)

	existing := s.byGUIDLocked(c.ObjectGUID)
	if existing == nil {
		s.applyNew(c, source)
	} else {
		// Priority rule: a bulk-load replay never overwrites a record whose
		// latest write came from the live change-notification feed. The
		// observation still counts for the deletion sweep.
		if source == SourceBulkLoad && existing.ChangeNotified() {
			existing.SetStatus(activedirectory.StatusExists)
			return
		}
		s.applyUpdate(c, existing, source)
	}
	s.cApplied.Inc()
}

func (s *Store) applyNew(c *activedirectory.Entity, source Source) {
	c.SetStatus(activedirectory.StatusExists)
	c.SetChangeNotified(source == SourceChangeNotify)

	tag := s.table.Append(c)
	if prev, conflict := install(s.ix.byGUID, c.ObjectGUID, tag); conflict {
		// cannot happen: byGUID was consulted under the same lock
		s.defects.DuplicateKey("guid", c.ObjectGUID, prev, tag)
	}

	s.resolveOwnRefs(c)
	s.installIndexes(c)

	// Forward references recorded before this DN existed resolve now.
	s.notifyDN(c.DN)
}

func (s *Store) applyUpdate(c, existing *activedirectory.Entity, source Source) {
	c.Tag = existing.Tag

	// Backlinks are derived from other entities' forward links and must
	// survive re-ingestion; the sets are shared across replacement.
	c.Manages = existing.Manages
	c.DirectMemberOfs = existing.DirectMemberOfs

	if source == SourceChangeNotify {
		s.logAttributeChanges(existing, c)
	}

	dnChanged := foldKey(c.DN) != foldKey(existing.DN)
	if dnChanged {
		// A deferred DN recorded anywhere might match either the old DN
		// (still indexed) or, after reinstall, the new one. Flush against
		// the old mapping first, then retire it.
		s.resolveAllDeferredLocked()
		// The flush may have republished this very entity.
		existing = s.table.Get(c.Tag)
		withdraw(s.ix.byDN, foldKey(existing.DN), existing.Tag)
	}

	// Retire the old record's deferred registrations; the candidate
	// re-registers whatever is still unresolved.
	s.unregisterDeferred(existing)

	s.resolveOwnRefs(c)
	s.removeObsolete(existing, c)
	s.installIndexes(c)

	// Publish last: readers meanwhile observe the complete old record, never
	// a partly built candidate. Backlinks already follow the candidate, so a
	// changed manager or member link can disagree with the old record until
	// the Replace below.
	c.SetStatus(activedirectory.StatusExists)
	c.SetChangeNotified(source == SourceChangeNotify)
	s.table.Replace(c.Tag, c)

	if dnChanged {
		s.notifyDN(c.DN)
	}
}

// resolveOwnRefs resolves the candidate's manager and member DN references
// against the DN index, installing backlinks for every hit and registering
// the misses as deferred.
func (s *Store) resolveOwnRefs(c *activedirectory.Entity) {
	if c.ManagerDN != "" && c.ManagerTag == activedirectory.NoTag {
		if tag, ok := s.ix.byDN.Load(foldKey(c.ManagerDN)); ok {
			c.ManagerTag = tag
			if mgr := s.table.Get(tag); mgr != nil {
				mgr.Manages.Add(c.Tag)
			}
		} else {
			s.deferred.register(foldKey(c.ManagerDN), c.Tag)
		}
	}

	if len(c.DeferredMemberDNs) == 0 {
		return
	}
	remaining := c.DeferredMemberDNs[:0]
	for _, dn := range c.DeferredMemberDNs {
		tag, ok := s.ix.byDN.Load(foldKey(dn))
		if !ok {
			remaining = append(remaining, dn)
			s.deferred.register(foldKey(dn), c.Tag)
			continue
		}
		c.DirectMembers.Add(tag)
		if member := s.table.Get(tag); member != nil {
			member.DirectMemberOfs.Add(c.Tag)
		}
	}
	c.DeferredMemberDNs = remaining
}

// removeObsolete withdraws index entries and backlinks that the replacement
// no longer claims. Entries the candidate still claims are left in place, so
// readers never observe a gap for an unchanged key.
func (s *Store) removeObsolete(existing, c *activedirectory.Entity) {
	tag := existing.Tag

	// manager backlink
	if existing.ManagerTag != activedirectory.NoTag && existing.ManagerTag != c.ManagerTag {
		if oldMgr := s.table.Get(existing.ManagerTag); oldMgr != nil {
			oldMgr.Manages.Remove(tag)
		}
	}

	// membership backlinks for members dropped from the list
	for _, m := range existing.DirectMembers.Tags() {
		if c.DirectMembers.Contains(m) {
			continue
		}
		if member := s.table.Get(m); member != nil {
			member.DirectMemberOfs.Remove(tag)
		}
	}

	// primary-group membership
	if existing.PrimaryGroupID != 0 && existing.PrimaryGroupID != c.PrimaryGroupID {
		s.ix.RemovePrimaryGroupMember(existing.PrimaryGroupID, tag)
	}

	diffKeys(s.ix.bySAM, samKeys(existing), samKeys(c), tag)
	diffKeys(s.ix.byUPN, upnKeys(existing), upnKeys(c), tag)
	diffKeys(s.ix.byEmail, emailKeys(existing), emailKeys(c), tag)

	oldForeign := existing.IsForeignSecurityPrincipal()
	newForeign := c.IsForeignSecurityPrincipal()
	oldSIDs, newSIDs := sidKeys(existing), sidKeys(c)
	switch {
	case oldForeign && !newForeign:
		for _, k := range oldSIDs {
			withdraw(s.ix.byForeignSID, k, tag)
		}
	case !oldForeign && newForeign:
		for _, k := range oldSIDs {
			withdraw(s.ix.bySID, k, tag)
		}
	case oldForeign:
		diffKeys(s.ix.byForeignSID, oldSIDs, newSIDs, tag)
	default:
		diffKeys(s.ix.bySID, oldSIDs, newSIDs, tag)
	}

	if existing.PrimaryGroupToken != 0 && existing.PrimaryGroupToken != c.PrimaryGroupToken {
		withdraw(s.ix.byPrimaryGroupToken, existing.PrimaryGroupToken, tag)
	}
}

// installIndexes writes every index entry the candidate claims. Duplicate
// keys are defect-logged and the later writer wins the slot.
func (s *Store) installIndexes(c *activedirectory.Entity) {
	tag := c.Tag

	if prev, conflict := install(s.ix.byDN, foldKey(c.DN), tag); conflict {
		s.defects.DuplicateKey("dn", c.DN, prev, tag)
	}
	for _, k := range samKeys(c) {
		if prev, conflict := install(s.ix.bySAM, k, tag); conflict {
			s.defects.DuplicateKey("samAccountName", k, prev, tag)
		}
	}
	for _, k := range upnKeys(c) {
		if prev, conflict := install(s.ix.byUPN, k, tag); conflict {
			s.defects.DuplicateKey("userPrincipalName", k, prev, tag)
		}
	}
	for _, k := range emailKeys(c) {
		if prev, conflict := install(s.ix.byEmail, k, tag); conflict {
			s.defects.DuplicateKey("email", k, prev, tag)
		}
	}

	sidIndex, sidName := s.ix.bySID, "sid"
	if c.IsForeignSecurityPrincipal() {
		sidIndex, sidName = s.ix.byForeignSID, "foreignSid"
	}
	for _, k := range sidKeys(c) {
		if prev, conflict := install(sidIndex, k, tag); conflict {
			s.defects.DuplicateKey(sidName, k, prev, tag)
		}
	}

	if c.PrimaryGroupToken != 0 {
		if prev, conflict := install(s.ix.byPrimaryGroupToken, c.PrimaryGroupToken, tag); conflict {
			s.defects.DuplicateKey("primaryGroupToken", c.PrimaryGroupToken, prev, tag)
		}
	}
	if c.PrimaryGroupID != 0 {
		s.ix.AddPrimaryGroupMember(c.PrimaryGroupID, tag)
	}
}

// notifyDN resolves every deferred reference waiting on the given DN.
func (s *Store) notifyDN(dn string) {
	folded := foldKey(dn)
	targetTag, ok := s.ix.byDN.Load(folded)
	if !ok {
		return
	}
	for _, referrer := range s.deferred.referrers(folded) {
		s.resolveReferrer(referrer, folded, targetTag)
	}
}

// resolveAllDeferredLocked attempts resolution of every waiting reference.
func (s *Store) resolveAllDeferredLocked() {
	for _, dn := range s.deferred.targetDNs() {
		targetTag, ok := s.ix.byDN.Load(dn)
		if !ok {
			continue
		}
		for _, referrer := range s.deferred.referrers(dn) {
			s.resolveReferrer(referrer, dn, targetTag)
		}
	}
}

// resolveReferrer fixes one waiting entity's forward links against a now
// present target, republishing the referrer so readers never observe a
// half-updated record.
func (s *Store) resolveReferrer(referrerTag int, foldedDN string, targetTag int) {
	re := s.table.Get(referrerTag)
	if re == nil {
		s.deferred.unregister(foldedDN, referrerTag)
		return
	}
	target := s.table.Get(targetTag)
	if target == nil {
		return
	}

	clone := re.Clone()
	changed := false

	if clone.ManagerDN != "" && clone.ManagerTag == activedirectory.NoTag && foldKey(clone.ManagerDN) == foldedDN {
		clone.ManagerTag = targetTag
		target.Manages.Add(referrerTag)
		changed = true
	}

	if len(clone.DeferredMemberDNs) > 0 {
		kept := make([]string, 0, len(clone.DeferredMemberDNs))
		for _, dn := range clone.DeferredMemberDNs {
			if foldKey(dn) == foldedDN {
				clone.DirectMembers.Add(targetTag)
				target.DirectMemberOfs.Add(referrerTag)
				changed = true
				continue
			}
			kept = append(kept, dn)
		}
		clone.DeferredMemberDNs = kept
	}

	if changed {
		s.table.Replace(referrerTag, clone)
	}
	s.deferred.unregister(foldedDN, referrerTag)
}

// unregisterDeferred retires every registration the old record holds.
func (s *Store) unregisterDeferred(e *activedirectory.Entity) {
	if e.ManagerDN != "" && e.ManagerTag == activedirectory.NoTag {
		s.deferred.unregister(foldKey(e.ManagerDN), e.Tag)
	}
	for _, dn := range e.DeferredMemberDNs {
		s.deferred.unregister(foldKey(dn), e.Tag)
	}
}

// ResolveAllDeferred is called at the end of a bulk load, once every object
// in the domain has been observed at least once.
func (s *Store) ResolveAllDeferred() {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.gen.Add(1)
	s.resolveAllDeferredLocked()
}

// MarkAllAsDetecting starts a bulk-load sweep: every live entity must be
// re-observed or it will be deleted by DeleteUndetected.
func (s *Store) MarkAllAsDetecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag := 0; tag < s.table.Len(); tag++ {
		if e := s.table.Get(tag); e != nil {
			e.SetStatus(activedirectory.StatusDetecting)
		}
	}
}

// DeleteUndetected finishes a bulk-load sweep: entities the load never
// re-observed are deleted, except those the change-notification feed wrote
// during the load.
func (s *Store) DeleteUndetected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.gen.Add(1)
	deleted := 0
	for tag := 0; tag < s.table.Len(); tag++ {
		e := s.table.Get(tag)
		if e == nil || e.Status() != activedirectory.StatusDetecting {
			continue
		}
		if e.ChangeNotified() {
			e.SetStatus(activedirectory.StatusExists)
			continue
		}
		s.deleteLocked(e)
		deleted++
	}
	if deleted > 0 {
		s.log.Info("bulk-load sweep removed undetected entities", "count", deleted)
	}
	return deleted
}

// Delete removes the entity at tag. The tag is never reused.
func (s *Store) Delete(tag int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.gen.Add(1)
	e := s.table.Get(tag)
	if e == nil {
		return false
	}
	s.deleteLocked(e)
	return true
}

func (s *Store) deleteLocked(e *activedirectory.Entity) {
	tag := e.Tag

	// index entries
	withdraw(s.ix.byDN, foldKey(e.DN), tag)
	s.ix.byGUID.Delete(e.ObjectGUID)
	for _, k := range samKeys(e) {
		withdraw(s.ix.bySAM, k, tag)
	}
	for _, k := range upnKeys(e) {
		withdraw(s.ix.byUPN, k, tag)
	}
	for _, k := range emailKeys(e) {
		withdraw(s.ix.byEmail, k, tag)
	}
	sidIndex := s.ix.bySID
	if e.IsForeignSecurityPrincipal() {
		sidIndex = s.ix.byForeignSID
	}
	for _, k := range sidKeys(e) {
		withdraw(sidIndex, k, tag)
	}
	if e.PrimaryGroupToken != 0 {
		withdraw(s.ix.byPrimaryGroupToken, e.PrimaryGroupToken, tag)
	}
	if e.PrimaryGroupID != 0 {
		s.ix.RemovePrimaryGroupMember(e.PrimaryGroupID, tag)
	}

	// withdraw from backlink sets this entity's forward links installed
	if e.ManagerTag != activedirectory.NoTag {
		if mgr := s.table.Get(e.ManagerTag); mgr != nil {
			mgr.Manages.Remove(tag)
		}
	}
	for _, m := range e.DirectMembers.Tags() {
		if member := s.table.Get(m); member != nil {
			member.DirectMemberOfs.Remove(tag)
		}
	}

	// Entities pointing at the deleted one fall back to deferred DNs, so a
	// later re-creation under the same DN relinks them.
	for _, x := range e.Manages.Tags() {
		xe := s.table.Get(x)
		if xe == nil || xe.ManagerTag != tag {
			continue
		}
		clone := xe.Clone()
		clone.ManagerTag = activedirectory.NoTag
		s.deferred.register(foldKey(clone.ManagerDN), x)
		s.table.Replace(x, clone)
	}
	for _, g := range e.DirectMemberOfs.Tags() {
		ge := s.table.Get(g)
		if ge == nil {
			continue
		}
		ge.DirectMembers.Remove(tag)
		clone := ge.Clone()
		clone.DeferredMemberDNs = append(append([]string(nil), ge.DeferredMemberDNs...), e.DN)
		s.deferred.register(foldKey(e.DN), g)
		s.table.Replace(g, clone)
	}

	s.unregisterDeferred(e)

	e.SetStatus(activedirectory.StatusDeleted)
	s.table.NullOut(tag)
	s.cDeleted.Inc()
}

// DeferredObjects lists every forward reference that has never resolved.
func (s *Store) DeferredObjects() []DeferredReference {
	var out []DeferredReference
	for tag := 0; tag < s.table.Len(); tag++ {
		e := s.table.Get(tag)
		if e == nil {
			continue
		}
		if e.ManagerDN != "" && e.ManagerTag == activedirectory.NoTag {
			out = append(out, DeferredReference{Tag: tag, DN: e.DN, Kind: "manager", TargetDN: e.ManagerDN})
		}
		for _, dn := range e.DeferredMemberDNs {
			out = append(out, DeferredReference{Tag: tag, DN: e.DN, Kind: "member", TargetDN: dn})
		}
	}
	return out
}

// logAttributeChanges reports attribute-level differences observed on a
// change-notify update, using the schema-agnostic tails.
func (s *Store) logAttributeChanges(existing, c *activedirectory.Entity) {
	if !s.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, ch := range diff.FindChanges(existing.OtherAttributesText, c.OtherAttributesText) {
		s.log.Debug("attribute change",
			"dn", c.DN,
			"attribute", ch.Name,
			"old", ch.Old,
			"new", ch.New,
		)
	}
}

// --- lookups (reader side, never take the write lock) ---

func (s *Store) byGUIDLocked(guid uuid.UUID) *activedirectory.Entity {
	if tag, ok := s.ix.byGUID.Load(guid); ok {
		return s.table.Get(tag)
	}
	return nil
}

func (s *Store) ByGUID(guid uuid.UUID) *activedirectory.Entity {
	return s.byGUIDLocked(guid)
}

func (s *Store) ByDN(dn string) *activedirectory.Entity {
	return s.entityFrom(s.ix.byDN, foldKey(dn))
}

// BySAMAccountName accepts a bare name or "DOMAIN\name"; the prefix is
// stripped when it matches the store's flat name.
func (s *Store) BySAMAccountName(name string) *activedirectory.Entity {
	if i := strings.IndexByte(name, '\\'); i > 0 {
		if strings.EqualFold(name[:i], s.DomainFlatName()) {
			name = name[i+1:]
		}
	}
	return s.entityFrom(s.ix.bySAM, foldKey(name))
}

func (s *Store) ByUPN(upn string) *activedirectory.Entity {
	return s.entityFrom(s.ix.byUPN, foldKey(upn))
}

func (s *Store) ByEmail(email string) *activedirectory.Entity {
	return s.entityFrom(s.ix.byEmail, foldKey(email))
}

// BySID resolves a SID or historical SID of a domain principal.
func (s *Store) BySID(sid string) *activedirectory.Entity {
	return s.entityFrom(s.ix.bySID, sid)
}

// ByForeignSID resolves a foreign security principal by its SID.
func (s *Store) ByForeignSID(sid string) *activedirectory.Entity {
	return s.entityFrom(s.ix.byForeignSID, sid)
}

func (s *Store) ByPrimaryGroupToken(token int64) *activedirectory.Entity {
	if tag, ok := s.ix.byPrimaryGroupToken.Load(token); ok {
		return s.table.Get(tag)
	}
	return nil
}

// ByTag returns the entity at tag, nil for deleted or unknown tags.
func (s *Store) ByTag(tag int) *activedirectory.Entity {
	return s.table.Get(tag)
}

func (s *Store) entityFrom(m *xsync.MapOf[string, int], key string) *activedirectory.Entity {
	if tag, ok := m.Load(key); ok {
		return s.table.Get(tag)
	}
	return nil
}

// Entities captures a consistent snapshot of the tag table, nil slots
// included, for serialization or export. The write lock is held only for
// the capture itself.
func (s *Store) Entities() []*activedirectory.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Snapshot()
}

// --- transitive queries ---

func (s *Store) AllMembers(g *activedirectory.Entity) []*activedirectory.Entity {
	return s.trans.AllMembers(g)
}

func (s *Store) AllMemberOfs(e *activedirectory.Entity) []*activedirectory.Entity {
	return s.trans.AllMemberOfs(e)
}

func (s *Store) HasMember(g, x *activedirectory.Entity) bool {
	return s.trans.HasMember(g, x)
}

func (s *Store) AllGroupTypeMembers(g *activedirectory.Entity) []*activedirectory.Entity {
	return s.trans.AllGroupTypeMembers(g)
}

// --- restore path ---

// Restore loads a deserialized entity array (tag order, nil slots preserved)
// and rebuilds every index and backlink by the same rules as ingestion,
// except that deferred references are re-registered, never resolved: a
// snapshot is internally consistent.
func (s *Store) Restore(entities []*activedirectory.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.gen.Add(1)

	if s.table.Len() != 0 {
		return fmt.Errorf("restore requires an empty store, have %d tags", s.table.Len())
	}
	s.table.Restore(entities)
	s.rebuildIndexesLocked()
	return nil
}

func (s *Store) rebuildIndexesLocked() {
	for tag := 0; tag < s.table.Len(); tag++ {
		e := s.table.Get(tag)
		if e == nil {
			continue
		}
		if e.Tag != tag {
			// Consistency failure: the slot no longer matches its tag.
			panic(fmt.Sprintf("store: entity at slot %d carries tag %d", tag, e.Tag))
		}
		install(s.ix.byGUID, e.ObjectGUID, tag)
		s.installIndexes(e)
	}
	// Backlinks in a second pass, once every target slot is populated.
	for tag := 0; tag < s.table.Len(); tag++ {
		e := s.table.Get(tag)
		if e == nil {
			continue
		}
		if e.ManagerTag != activedirectory.NoTag {
			if mgr := s.table.Get(e.ManagerTag); mgr != nil {
				mgr.Manages.Add(tag)
			}
		}
		for _, m := range e.DirectMembers.Tags() {
			if member := s.table.Get(m); member != nil {
				member.DirectMemberOfs.Add(tag)
			}
		}
		if e.ManagerDN != "" && e.ManagerTag == activedirectory.NoTag {
			s.deferred.register(foldKey(e.ManagerDN), tag)
		}
		for _, dn := range e.DeferredMemberDNs {
			s.deferred.register(foldKey(dn), tag)
		}
	}
}

// --- key derivation helpers ---

func samKeys(e *activedirectory.Entity) []string {
	if e.SAMAccountName == "" {
		return nil
	}
	return []string{foldKey(e.SAMAccountName)}
}

func upnKeys(e *activedirectory.Entity) []string {
	if e.UserPrincipalName == "" {
		return nil
	}
	return []string{foldKey(e.UserPrincipalName)}
}

// emailKeys is empty unless the entity is mailbox-enabled and not disabled.
func emailKeys(e *activedirectory.Entity) []string {
	if !e.EmailIndexed() {
		return nil
	}
	seen := make(map[string]bool, 1+len(e.EmailAliases))
	var keys []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		k := foldKey(addr)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	add(e.Email)
	for _, alias := range e.EmailAliases {
		add(alias)
	}
	return keys
}

func sidKeys(e *activedirectory.Entity) []string {
	var keys []string
	if e.SID != "" {
		keys = append(keys, e.SID)
	}
	keys = append(keys, e.SIDHistory...)
	return keys
}

// diffKeys withdraws old keys the new set no longer claims. Keys present in
// both generations stay mapped throughout; new keys are installed separately.
func diffKeys[K comparable](m *xsync.MapOf[K, int], oldKeys, newKeys []K, tag int) {
	newSet := make(map[K]bool, len(newKeys))
	for _, k := range newKeys {
		newSet[k] = true
	}
	for _, k := range oldKeys {
		if newSet[k] {
			continue
		}
		withdraw(m, k, tag)
	}
}

func timeApply(t metrics.Timer) func() {
	start := time.Now()
	return func() { t.Observe(time.Since(start)) }
}
