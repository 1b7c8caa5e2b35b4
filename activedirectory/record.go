package activedirectory

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Record is one raw object as delivered by a feed: the DN plus every
// attribute in both string and byte form. It is the unit that crosses the
// feed queues into the store.
type Record struct {
	DN         string
	Attributes map[string][]string
	ByteValues map[string][][]byte
}

func NewRecord(dn string) *Record {
	return &Record{
		DN:         dn,
		Attributes: make(map[string][]string),
		ByteValues: make(map[string][][]byte),
	}
}

// RecordFromEntry flattens an LDAP entry into a Record. Range-suffixed
// attribute names ("member;range=0-999") are stored under the bare name; the
// caller is responsible for having completed ranged retrieval first.
func RecordFromEntry(entry *ldap.Entry) *Record {
	rec := NewRecord(entry.DN)
	for _, attr := range entry.Attributes {
		name, _, _ := SplitRangedAttribute(attr.Name)
		rec.Attributes[name] = append(rec.Attributes[name], attr.Values...)
		rec.ByteValues[name] = append(rec.ByteValues[name], attr.ByteValues...)
	}
	return rec
}

// Values returns the string values for an attribute, nil when absent.
// Attribute names are matched case-insensitively, as the directory does.
func (r *Record) Values(name string) []string {
	if v, ok := r.Attributes[name]; ok {
		return v
	}
	want := normalizeAttrName(name)
	for k, v := range r.Attributes {
		if normalizeAttrName(k) == want {
			return v
		}
	}
	return nil
}

// First returns the first string value for an attribute, "" when absent.
func (r *Record) First(name string) string {
	if v := r.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Bytes returns the raw byte values for an attribute, nil when absent.
func (r *Record) Bytes(name string) [][]byte {
	if v, ok := r.ByteValues[name]; ok {
		return v
	}
	want := normalizeAttrName(name)
	for k, v := range r.ByteValues {
		if normalizeAttrName(k) == want {
			return v
		}
	}
	return nil
}

// FirstBytes returns the first raw value for an attribute, nil when absent.
func (r *Record) FirstBytes(name string) []byte {
	if v := r.Bytes(name); len(v) > 0 {
		return v[0]
	}
	return nil
}

// SplitRangedAttribute splits a range-suffixed attribute name into the bare
// name and the range bounds. Directory servers chunk very large multi-valued
// attributes as "member;range=0-1499"; the terminal chunk uses "*" as the
// upper bound. ok is false for plain attribute names.
func SplitRangedAttribute(name string) (bare string, upper string, ok bool) {
	i := strings.Index(name, ";range=")
	if i < 0 {
		return name, "", false
	}
	bare = name[:i]
	bounds := name[i+len(";range="):]
	j := strings.IndexByte(bounds, '-')
	if j < 0 {
		return bare, "", false
	}
	return bare, bounds[j+1:], true
}

func normalizeAttrName(name string) string {
	return strings.ToLower(name)
}
