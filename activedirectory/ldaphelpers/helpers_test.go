package ldaphelpers

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqEscapesFilterMetacharacters(t *testing.T) {
	assert.Equal(t, "(objectClass=subnet)", Eq("objectClass", "subnet"))
	assert.Equal(t, `(cn=a\2ab)`, Eq("cn", "a*b"))
}

func TestAllOf(t *testing.T) {
	got := AllOf(
		Eq("objectClass", "crossRef"),
		Eq("nCName", "DC=corp,DC=example"),
	)
	assert.Equal(t, "(&(objectClass=crossRef)(nCName=DC=corp,DC=example))", got)
}

func TestNotificationControl(t *testing.T) {
	ctrl := CreateNotificationControl()
	assert.Equal(t, NotificationOID, ctrl.GetControlType())
}

// chunkSearcher returns one additional range chunk per call until the
// terminal chunk.
type chunkSearcher struct {
	chunks []*ldap.EntryAttribute
	calls  int
}

func (s *chunkSearcher) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if s.calls >= len(s.chunks) {
		return &ldap.SearchResult{}, nil
	}
	chunk := s.chunks[s.calls]
	s.calls++
	return &ldap.SearchResult{
		Entries: []*ldap.Entry{{DN: req.BaseDN, Attributes: []*ldap.EntryAttribute{chunk}}},
	}, nil
}

func TestCompleteRangedAttributes(t *testing.T) {
	entry := &ldap.Entry{
		DN: "CN=BigGroup,DC=x",
		Attributes: []*ldap.EntryAttribute{
			{Name: "member;range=0-1", Values: []string{"CN=A", "CN=B"}},
		},
	}
	searcher := &chunkSearcher{chunks: []*ldap.EntryAttribute{
		{Name: "member;range=2-3", Values: []string{"CN=C", "CN=D"}},
		{Name: "member;range=4-*", Values: []string{"CN=E"}},
	}}

	require.NoError(t, CompleteRangedAttributes(searcher, entry))

	var members []string
	for _, attr := range entry.Attributes {
		bare, _, _ := splitRange(attr.Name)
		if bare == "member" {
			members = append(members, attr.Values...)
		}
	}
	assert.Equal(t, []string{"CN=A", "CN=B", "CN=C", "CN=D", "CN=E"}, members)
	assert.Equal(t, 2, searcher.calls)
}

func TestCompleteRangedAttributesNoRanges(t *testing.T) {
	entry := &ldap.Entry{
		DN: "CN=SmallGroup,DC=x",
		Attributes: []*ldap.EntryAttribute{
			{Name: "member", Values: []string{"CN=A"}},
		},
	}
	searcher := &chunkSearcher{}
	require.NoError(t, CompleteRangedAttributes(searcher, entry))
	assert.Zero(t, searcher.calls)
}

func TestCompleteRangedAttributesTerminalChunk(t *testing.T) {
	entry := &ldap.Entry{
		DN: "CN=G,DC=x",
		Attributes: []*ldap.EntryAttribute{
			{Name: "member;range=0-*", Values: []string{"CN=A"}},
		},
	}
	searcher := &chunkSearcher{}
	require.NoError(t, CompleteRangedAttributes(searcher, entry))
	assert.Zero(t, searcher.calls, "a terminal chunk needs no further fetches")
}
