// Package snapshot persists the tag table to a self-describing binary file
// so a restart can warm-start instead of re-enumerating the domain. The
// format is schema-tagged: a flattened field-layout descriptor is embedded
// and compared byte-for-byte on load, so an incompatible element layout is
// rejected up front instead of misread.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/activedirectory/formatters"
	"f0oster/admirror/metrics"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

const (
	magicStart   = uint32(0xFEEDBEEF)
	magicMid     = uint32(0xCAFEF00D)
	magicEnd     = uint32(0xDEADBEEF)
	magicStrings = uint32(0xFACE50DA)
)

// ErrIncompatibleLayout is returned when the stored descriptor does not
// match this build's element layout. The caller starts empty.
var ErrIncompatibleLayout = errors.New("incompatible element layout")

// stringFields and blobFields define the reference part of the element
// layout, in on-disk order. The descriptor is generated from these, so any
// reordering or retyping changes the fingerprint.
var stringFields = []string{
	"dn", "class", "sid", "samAccountName", "userPrincipalName",
	"domainFlatName", "email", "targetEmail", "sipAddress", "managerDN",
}

var blobFields = []string{
	"sidHistory", "emailAliases", "deferredMemberDNs", "directMembers",
	"otherAttributesText", "otherAttributesBinary",
}

var scalarFields = []string{
	"tag:i64", "status:i32", "flags:u32",
	"objectGuid:guid", "mailboxGuid:guid",
	"samAccountType:i64", "userAccountControl:i64", "groupType:i64", "logonCount:i64",
	"whenCreated:filetime", "passwordLastSet:filetime",
	"lastLogonTimestamp:filetime", "accountExpires:filetime",
	"primaryGroupID:i64", "primaryGroupToken:i64", "managerTag:i64",
}

const (
	refSize = 12 // offset u64 + length u32
	// scalar part: tag(8) + status(4) + flags(4) + two guids(32) + 4 enums(32) +
	// 4 timestamps(32) + 3 rids/tags(24)
	scalarSize  = 8 + 4 + 4 + 32 + 32 + 32 + 24
	elementSize = scalarSize + refSize*(10+6)
)

const (
	flagChangeNotified = 1 << iota
	flagHideFromAddressBook
)

// descriptor is the flattened field-layout string embedded in the file.
func descriptor() []byte {
	parts := make([]string, 0, len(scalarFields)+len(stringFields)+len(blobFields))
	parts = append(parts, scalarFields...)
	for _, f := range stringFields {
		parts = append(parts, f+":strref")
	}
	for _, f := range blobFields {
		parts = append(parts, f+":blobref")
	}
	return []byte(strings.Join(parts, "\x00"))
}

type Codec struct {
	log *slog.Logger

	cWrites   metrics.Counter
	cFailures metrics.Counter
}

func NewCodec(log *slog.Logger, sink metrics.Sink) *Codec {
	return &Codec{
		log:       log,
		cWrites:   sink.Counter("snapshot_writes_total"),
		cFailures: sink.Counter("snapshot_failures_total"),
	}
}

// Write serializes the entity array (tag order, nil slots skipped but
// accounted) and atomically replaces the file at path.
func (c *Codec) Write(path string, entities []*activedirectory.Entity) error {
	desc := descriptor()

	var elements bytes.Buffer
	var region bytes.Buffer
	written := 0
	for _, e := range entities {
		if e == nil {
			continue
		}
		if err := writeElement(&elements, &region, e); err != nil {
			c.cFailures.Inc()
			return fmt.Errorf("serialize tag %d: %w", e.Tag, err)
		}
		written++
	}

	var out bytes.Buffer
	le := binary.LittleEndian
	writeU32 := func(v uint32) { _ = binary.Write(&out, le, v) }
	writeI32 := func(v int32) { _ = binary.Write(&out, le, v) }

	writeU32(magicStart)
	writeI32(int32(elementSize))
	writeI32(int32(len(desc)))
	out.Write(desc)
	writeU32(magicMid)
	writeI32(int32(written))
	writeI32(int32(len(entities)))
	out.Write(elements.Bytes())
	writeU32(magicEnd)

	// packed-string region, framed independently
	writeU32(magicStrings)
	_ = binary.Write(&out, le, uint64(region.Len()))
	out.Write(region.Bytes())
	writeU32(magicEnd)

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.cFailures.Inc()
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(tmp, out.Bytes(), 0o644); err != nil {
		c.cFailures.Inc()
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		c.cFailures.Inc()
		return fmt.Errorf("publish snapshot: %w", err)
	}

	c.cWrites.Inc()
	c.log.Info("snapshot written",
		"path", path,
		"entities", written,
		"array_length", len(entities),
		"descriptor_fingerprint", fmt.Sprintf("%016x", xxhash.Sum64(desc)),
	)
	return nil
}

func writeElement(elements, region *bytes.Buffer, e *activedirectory.Entity) error {
	le := binary.LittleEndian
	w := func(v any) { _ = binary.Write(elements, le, v) }

	var flags uint32
	if e.ChangeNotified() {
		flags |= flagChangeNotified
	}
	if e.HideFromAddressBook {
		flags |= flagHideFromAddressBook
	}

	w(int64(e.Tag))
	w(int32(e.Status()))
	w(flags)
	elements.Write(e.ObjectGUID[:])
	elements.Write(e.MailboxGUID[:])
	w(e.SAMAccountType)
	w(e.UserAccountControl)
	w(e.GroupType)
	w(e.LogonCount)
	w(formatters.ToFileTime(e.WhenCreated))
	w(formatters.ToFileTime(e.PasswordLastSet))
	w(formatters.ToFileTime(e.LastLogonTimestamp))
	w(formatters.ToFileTime(e.AccountExpires))
	w(e.PrimaryGroupID)
	w(e.PrimaryGroupToken)
	w(int64(e.ManagerTag))

	addRef := func(b []byte) {
		off := uint64(region.Len())
		region.Write(b)
		w(off)
		w(uint32(len(b)))
	}

	for _, s := range []string{
		e.DN, e.Class, e.SID, e.SAMAccountName, e.UserPrincipalName,
		e.DomainFlatName, e.Email, e.TargetEmail, e.SIPAddress, e.ManagerDN,
	} {
		addRef([]byte(s))
	}

	blobs := []any{
		e.SIDHistory,
		e.EmailAliases,
		e.DeferredMemberDNs,
		e.DirectMembers.Tags(),
		e.OtherAttributesText,
		e.OtherAttributesBinary,
	}
	for i, v := range blobs {
		b, err := cbor.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", blobFields[i], err)
		}
		addRef(b)
	}
	return nil
}

// Load reads a snapshot file back into an entity array, nil slots restored
// at their tags. A missing file returns os.ErrNotExist; a descriptor
// mismatch returns ErrIncompatibleLayout. Backlinks are NOT rebuilt here;
// Store.Restore does that.
func (c *Codec) Load(path string) ([]*activedirectory.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	r := &reader{data: data}
	if m := r.u32(); m != magicStart {
		return nil, fmt.Errorf("bad leading magic %08x", m)
	}
	if got := r.i32(); got != int32(elementSize) {
		return nil, fmt.Errorf("%w: element size %d, want %d", ErrIncompatibleLayout, got, elementSize)
	}
	descLen := r.i32()
	gotDesc := r.bytes(int(descLen))
	if !bytes.Equal(gotDesc, descriptor()) {
		return nil, fmt.Errorf("%w: descriptor mismatch", ErrIncompatibleLayout)
	}
	if m := r.u32(); m != magicMid {
		return nil, fmt.Errorf("bad mid magic %08x", m)
	}
	written := int(r.i32())
	arrayLen := int(r.i32())
	elems := r.bytes(written * elementSize)
	if m := r.u32(); m != magicEnd {
		return nil, fmt.Errorf("bad trailing magic %08x", m)
	}
	if m := r.u32(); m != magicStrings {
		return nil, fmt.Errorf("bad string-region magic %08x", m)
	}
	regionLen := r.u64()
	region := r.bytes(int(regionLen))
	if m := r.u32(); m != magicEnd {
		return nil, fmt.Errorf("bad string-region trailer %08x", m)
	}
	if r.err != nil {
		return nil, fmt.Errorf("truncated snapshot: %w", r.err)
	}

	entities := make([]*activedirectory.Entity, arrayLen)
	for i := 0; i < written; i++ {
		e, err := readElement(elems[i*elementSize:(i+1)*elementSize], region)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if e.Tag < 0 || e.Tag >= arrayLen {
			return nil, fmt.Errorf("element %d: tag %d outside array length %d", i, e.Tag, arrayLen)
		}
		if entities[e.Tag] != nil {
			return nil, fmt.Errorf("element %d: duplicate tag %d", i, e.Tag)
		}
		entities[e.Tag] = e
	}

	c.log.Info("snapshot loaded", "path", path, "entities", written, "array_length", arrayLen)
	return entities, nil
}

func readElement(b []byte, region []byte) (*activedirectory.Entity, error) {
	r := &reader{data: b}
	e := activedirectory.NewEntity()

	e.Tag = int(r.i64())
	status := activedirectory.Status(r.i32())
	flags := r.u32()
	copy(e.ObjectGUID[:], r.bytes(16))
	copy(e.MailboxGUID[:], r.bytes(16))
	e.SAMAccountType = r.i64()
	e.UserAccountControl = r.i64()
	e.GroupType = r.i64()
	e.LogonCount = r.i64()
	e.WhenCreated = formatters.FromFileTime(r.i64())
	e.PasswordLastSet = formatters.FromFileTime(r.i64())
	e.LastLogonTimestamp = formatters.FromFileTime(r.i64())
	e.AccountExpires = formatters.FromFileTime(r.i64())
	e.PrimaryGroupID = r.i64()
	e.PrimaryGroupToken = r.i64()
	e.ManagerTag = int(r.i64())

	strs := make([]string, len(stringFields))
	for i := range strs {
		off := r.u64()
		n := r.u32()
		if off+uint64(n) > uint64(len(region)) {
			return nil, fmt.Errorf("string ref %s outside region", stringFields[i])
		}
		strs[i] = string(region[off : off+uint64(n)])
	}
	e.DN, e.Class, e.SID = strs[0], strs[1], strs[2]
	e.SAMAccountName, e.UserPrincipalName = strs[3], strs[4]
	e.DomainFlatName, e.Email, e.TargetEmail = strs[5], strs[6], strs[7]
	e.SIPAddress, e.ManagerDN = strs[8], strs[9]

	for i := range blobFields {
		off := r.u64()
		n := r.u32()
		if off+uint64(n) > uint64(len(region)) {
			return nil, fmt.Errorf("blob ref %s outside region", blobFields[i])
		}
		blob := region[off : off+uint64(n)]
		if err := decodeBlob(e, i, blob); err != nil {
			return nil, fmt.Errorf("decode %s: %w", blobFields[i], err)
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	e.HideFromAddressBook = flags&flagHideFromAddressBook != 0
	e.SetChangeNotified(flags&flagChangeNotified != 0)
	e.SetStatus(status)
	return e, nil
}

func decodeBlob(e *activedirectory.Entity, field int, blob []byte) error {
	switch blobFields[field] {
	case "sidHistory":
		return cbor.Unmarshal(blob, &e.SIDHistory)
	case "emailAliases":
		return cbor.Unmarshal(blob, &e.EmailAliases)
	case "deferredMemberDNs":
		return cbor.Unmarshal(blob, &e.DeferredMemberDNs)
	case "directMembers":
		var tags []int
		if err := cbor.Unmarshal(blob, &tags); err != nil {
			return err
		}
		for _, t := range tags {
			e.DirectMembers.Add(t)
		}
		return nil
	case "otherAttributesText":
		return cbor.Unmarshal(blob, &e.OtherAttributesText)
	case "otherAttributesBinary":
		return cbor.Unmarshal(blob, &e.OtherAttributesBinary)
	}
	return fmt.Errorf("unknown blob field %d", field)
}

// DefaultPath composes the per-domain cache-file name.
func DefaultPath(dir, identity, domain string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.cache", identity, domain))
}

// DefectLogPath is the sibling defect log next to the cache file.
func DefectLogPath(cachePath string) string {
	return strings.TrimSuffix(cachePath, ".cache") + ".log"
}

// PreferredDCPath is the sibling file recording the last good DC.
func PreferredDCPath(cachePath string) string {
	return strings.TrimSuffix(cachePath, ".cache") + ".dc"
}

// reader is a little-endian cursor that latches the first error.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)
		return make([]byte, n)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *reader) i32() int32  { return int32(r.u32()) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }
func (r *reader) i64() int64  { return int64(r.u64()) }
