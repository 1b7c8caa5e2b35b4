package activedirectory

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParser() *Parser {
	return NewParser(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func adGuidBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
	return b
}

func testSIDBytes(subAuths ...uint32) []byte {
	b := []byte{1, byte(len(subAuths)), 0, 0, 0, 0, 0, 5}
	for _, sa := range subAuths {
		var sub [4]byte
		binary.LittleEndian.PutUint32(sub[:], sa)
		b = append(b, sub[:]...)
	}
	return b
}

func TestParseRecordCoreFields(t *testing.T) {
	guid := uuid.New()
	rec := NewRecord("CN=Alice,OU=People,DC=corp,DC=example")
	rec.ByteValues["objectGUID"] = [][]byte{adGuidBytes(guid)}
	rec.ByteValues["objectSid"] = [][]byte{testSIDBytes(21, 1, 2, 1105)}
	rec.Attributes["objectClass"] = []string{"top", "person", "organizationalPerson", "user"}
	rec.Attributes["sAMAccountName"] = []string{"alice"}
	rec.Attributes["userPrincipalName"] = []string{"alice@corp.example"}
	rec.Attributes["sAMAccountType"] = []string{"805306368"}
	rec.Attributes["userAccountControl"] = []string{"512"}
	rec.Attributes["pwdLastSet"] = []string{"132223104000000000"}
	rec.Attributes["whenCreated"] = []string{"20240315120000.0Z"}
	rec.Attributes["manager"] = []string{"CN=Boss,OU=People,DC=corp,DC=example"}
	rec.Attributes["primaryGroupID"] = []string{"513"}
	rec.Attributes["displayName"] = []string{"Alice Example"}

	e, err := testParser().ParseRecord(rec)
	require.NoError(t, err)

	assert.Equal(t, "CN=Alice,OU=People,DC=corp,DC=example", e.DN)
	assert.Equal(t, guid, e.ObjectGUID)
	assert.Equal(t, "top.person.organizationalPerson.user", e.Class)
	assert.Equal(t, "S-1-5-21-1-2-1105", e.SID)
	assert.Equal(t, "alice", e.SAMAccountName)
	assert.Equal(t, "alice@corp.example", e.UserPrincipalName)
	assert.Equal(t, int64(805306368), e.SAMAccountType)
	assert.Equal(t, int64(512), e.UserAccountControl)
	assert.Equal(t, Unset, e.GroupType)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), e.PasswordLastSet)
	assert.Equal(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), e.WhenCreated)
	assert.Equal(t, "CN=Boss,OU=People,DC=corp,DC=example", e.ManagerDN)
	assert.Equal(t, NoTag, e.ManagerTag, "the parser never resolves references")
	assert.Equal(t, int64(513), e.PrimaryGroupID)
	assert.False(t, e.IsGroup())

	// non-core attributes land in the schema-agnostic tail
	assert.Equal(t, []string{"Alice Example"}, e.OtherAttributesText["displayName"])
	assert.NotContains(t, e.OtherAttributesText, "sAMAccountName")
}

func TestParseRecordRequiresGUID(t *testing.T) {
	rec := NewRecord("CN=NoGuid,DC=x")
	rec.Attributes["objectClass"] = []string{"top", "user"}
	_, err := testParser().ParseRecord(rec)
	assert.ErrorIs(t, err, ErrNoObjectGUID)
}

func TestParseRecordEmailHandling(t *testing.T) {
	rec := NewRecord("CN=Mbx,DC=x")
	rec.ByteValues["objectGUID"] = [][]byte{adGuidBytes(uuid.New())}
	rec.Attributes["objectClass"] = []string{"top", "user"}
	rec.Attributes["mail"] = []string{"primary@corp.example"}
	rec.Attributes["proxyAddresses"] = []string{
		"SMTP:primary@corp.example",
		"smtp:alias@corp.example",
		"X500:/o=corp/ou=first",
		"sip:someone@corp.example",
	}
	rec.Attributes["targetAddress"] = []string{"SMTP:forward@other.example"}

	e, err := testParser().ParseRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "primary@corp.example", e.Email)
	assert.Equal(t, []string{"primary@corp.example", "alias@corp.example"}, e.EmailAliases)
	assert.Equal(t, "forward@other.example", e.TargetEmail)
}

func TestParseRecordGroupMembers(t *testing.T) {
	rec := NewRecord("CN=G,DC=x")
	rec.ByteValues["objectGUID"] = [][]byte{adGuidBytes(uuid.New())}
	rec.Attributes["objectClass"] = []string{"top", "group"}
	rec.Attributes["member"] = []string{"CN=A,DC=x", "CN=B,DC=x"}
	rec.Attributes["groupType"] = []string{"-2147483646"}
	rec.Attributes["primaryGroupToken"] = []string{"1104"}

	e, err := testParser().ParseRecord(rec)
	require.NoError(t, err)
	assert.True(t, e.IsGroup())
	assert.Equal(t, int64(-2147483646), e.GroupType)
	assert.Equal(t, int64(1104), e.PrimaryGroupToken)
	assert.Equal(t, []string{"CN=A,DC=x", "CN=B,DC=x"}, e.DeferredMemberDNs)
	assert.Zero(t, e.DirectMembers.Len())
}

func TestParseRecordSIDHistory(t *testing.T) {
	rec := NewRecord("CN=Migrated,DC=x")
	rec.ByteValues["objectGUID"] = [][]byte{adGuidBytes(uuid.New())}
	rec.ByteValues["objectSid"] = [][]byte{testSIDBytes(21, 1, 1, 1000)}
	rec.ByteValues["sIDHistory"] = [][]byte{testSIDBytes(21, 2, 2, 2000), {0xFF}}
	rec.Attributes["objectClass"] = []string{"top", "user"}

	e, err := testParser().ParseRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "S-1-5-21-1-1-1000", e.SID)
	// the malformed history value is skipped, not fatal
	assert.Equal(t, []string{"S-1-5-21-2-2-2000"}, e.SIDHistory)
}

func TestEntityClassPredicates(t *testing.T) {
	e := NewEntity()
	e.Class = "top.group"
	assert.True(t, e.IsGroup())
	assert.False(t, e.IsForeignSecurityPrincipal())

	e.Class = "top.foreignSecurityPrincipal"
	assert.False(t, e.IsGroup())
	assert.True(t, e.IsForeignSecurityPrincipal())

	e.Class = "top.person.organizationalPerson.user"
	assert.False(t, e.IsGroup())
}

func TestEmailIndexedPredicate(t *testing.T) {
	e := NewEntity()
	e.Email = "a@b.c"
	assert.False(t, e.EmailIndexed(), "no mailbox guid")

	e.MailboxGUID = uuid.New()
	assert.True(t, e.EmailIndexed())

	e.UserAccountControl = 512 | UACAccountDisable
	assert.False(t, e.EmailIndexed(), "disabled account")
}

func TestSplitRangedAttribute(t *testing.T) {
	bare, upper, ok := SplitRangedAttribute("member;range=0-1499")
	assert.True(t, ok)
	assert.Equal(t, "member", bare)
	assert.Equal(t, "1499", upper)

	bare, upper, ok = SplitRangedAttribute("member;range=1500-*")
	assert.True(t, ok)
	assert.Equal(t, "member", bare)
	assert.Equal(t, "*", upper)

	bare, _, ok = SplitRangedAttribute("member")
	assert.False(t, ok)
	assert.Equal(t, "member", bare)
}

func TestTagSet(t *testing.T) {
	s := NewTagSet(3, 1)
	s.Add(2)
	s.Add(2)
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Contains(1))
	assert.Equal(t, []int{1, 2, 3}, s.Tags())

	s.Remove(1)
	assert.False(t, s.Contains(1))
	assert.Equal(t, []int{2, 3}, s.Tags())
}
