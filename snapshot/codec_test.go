package snapshot_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/metrics"
	"f0oster/admirror/snapshot"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec() *snapshot.Codec {
	return snapshot.NewCodec(slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.NopSink{})
}

func sampleEntities() []*activedirectory.Entity {
	user := activedirectory.NewEntity()
	user.Tag = 0
	user.DN = "CN=Alice,DC=corp,DC=example"
	user.ObjectGUID = uuid.New()
	user.Class = "top.person.organizationalPerson.user"
	user.SID = "S-1-5-21-1-2-1105"
	user.SIDHistory = []string{"S-1-5-21-9-9-900"}
	user.SAMAccountName = "alice"
	user.UserPrincipalName = "alice@corp.example"
	user.DomainFlatName = "CORP"
	user.SAMAccountType = 805306368
	user.UserAccountControl = 512
	user.WhenCreated = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	user.PasswordLastSet = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	user.Email = "alice@corp.example"
	user.EmailAliases = []string{"a@corp.example"}
	user.MailboxGUID = uuid.New()
	user.PrimaryGroupID = 513
	user.ManagerDN = "CN=Boss,DC=corp,DC=example"
	user.ManagerTag = 2
	user.OtherAttributesText = map[string][]string{"displayName": {"Alice Example"}}
	user.OtherAttributesBinary = map[string][][]byte{"thumbnailPhoto": {{0x01, 0x02}}}
	user.SetChangeNotified(true)

	group := activedirectory.NewEntity()
	group.Tag = 1
	group.DN = "CN=Staff,DC=corp,DC=example"
	group.ObjectGUID = uuid.New()
	group.Class = "top.group"
	group.PrimaryGroupToken = 513
	group.DirectMembers.Add(0)
	group.DeferredMemberDNs = []string{"CN=Gone,DC=corp,DC=example"}

	boss := activedirectory.NewEntity()
	boss.Tag = 2
	boss.DN = "CN=Boss,DC=corp,DC=example"
	boss.ObjectGUID = uuid.New()
	boss.Class = "top.person.organizationalPerson.user"

	// slot 3 deleted: the tag stays reserved
	return []*activedirectory.Entity{user, group, boss, nil}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admirror.corp.example.cache")
	codec := testCodec()
	original := sampleEntities()

	require.NoError(t, codec.Write(path, original))

	loaded, err := codec.Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	assert.Nil(t, loaded[3], "deleted slots survive as nil")

	u, o := loaded[0], original[0]
	assert.Equal(t, o.Tag, u.Tag)
	assert.Equal(t, o.DN, u.DN)
	assert.Equal(t, o.ObjectGUID, u.ObjectGUID)
	assert.Equal(t, o.Class, u.Class)
	assert.Equal(t, o.SID, u.SID)
	assert.Equal(t, o.SIDHistory, u.SIDHistory)
	assert.Equal(t, o.SAMAccountName, u.SAMAccountName)
	assert.Equal(t, o.UserPrincipalName, u.UserPrincipalName)
	assert.Equal(t, o.DomainFlatName, u.DomainFlatName)
	assert.Equal(t, o.SAMAccountType, u.SAMAccountType)
	assert.Equal(t, o.UserAccountControl, u.UserAccountControl)
	assert.Equal(t, o.GroupType, u.GroupType)
	assert.True(t, o.WhenCreated.Equal(u.WhenCreated))
	assert.True(t, o.PasswordLastSet.Equal(u.PasswordLastSet))
	assert.True(t, u.AccountExpires.IsZero())
	assert.Equal(t, o.Email, u.Email)
	assert.Equal(t, o.EmailAliases, u.EmailAliases)
	assert.Equal(t, o.MailboxGUID, u.MailboxGUID)
	assert.Equal(t, o.PrimaryGroupID, u.PrimaryGroupID)
	assert.Equal(t, o.ManagerDN, u.ManagerDN)
	assert.Equal(t, o.ManagerTag, u.ManagerTag)
	assert.Equal(t, o.OtherAttributesText, u.OtherAttributesText)
	assert.Equal(t, o.OtherAttributesBinary, u.OtherAttributesBinary)
	assert.True(t, u.ChangeNotified())

	g := loaded[1]
	assert.Equal(t, []int{0}, g.DirectMembers.Tags())
	assert.Equal(t, []string{"CN=Gone,DC=corp,DC=example"}, g.DeferredMemberDNs)
	assert.Equal(t, int64(513), g.PrimaryGroupToken)
	assert.Zero(t, g.DirectMemberOfs.Len(), "backlinks are rebuilt by the store, not stored")
}

func TestSnapshotMissingFile(t *testing.T) {
	_, err := testCodec().Load(filepath.Join(t.TempDir(), "absent.cache"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSnapshotRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.cache")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot at all"), 0o644))
	_, err := testCodec().Load(path)
	assert.Error(t, err)
}

func TestSnapshotRejectsDescriptorMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mismatch.cache")
	codec := testCodec()
	require.NoError(t, codec.Write(path, sampleEntities()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// flip one byte inside the descriptor region (starts after the two
	// 4-byte header fields and the magic)
	data[16] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = codec.Load(path)
	assert.ErrorIs(t, err, snapshot.ErrIncompatibleLayout)
}

func TestSnapshotRejectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.cache")
	codec := testCodec()
	require.NoError(t, codec.Write(path, sampleEntities()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o644))

	_, err = codec.Load(path)
	assert.Error(t, err)
}

func TestSnapshotAtomicReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replace.cache")
	codec := testCodec()

	require.NoError(t, codec.Write(path, sampleEntities()))
	require.NoError(t, codec.Write(path, sampleEntities()[:2]))

	loaded, err := codec.Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "the temp file must not linger")
}

func TestPathHelpers(t *testing.T) {
	p := snapshot.DefaultPath("/var/cache", "admirror", "corp.example")
	assert.Equal(t, "/var/cache/admirror.corp.example.cache", p)
	assert.Equal(t, "/var/cache/admirror.corp.example.log", snapshot.DefectLogPath(p))
	assert.Equal(t, "/var/cache/admirror.corp.example.dc", snapshot.PreferredDCPath(p))
}
