package store_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"f0oster/admirror/metrics"
	"f0oster/admirror/snapshot"
	"f0oster/admirror/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Full cycle: ingest → serialize → deserialize → restore. The restored
// store must answer every query the original does, with identical tags and
// rebuilt backlinks, and must not attempt deferred resolution.
func TestSnapshotRestoreRebuildsStore(t *testing.T) {
	st := newTestStore()
	gBoss, gAlice, gStaff := uuid.New(), uuid.New(), uuid.New()

	st.ApplyRecord(makeRecord("CN=Boss,DC=x", gBoss, withAttr("sAMAccountName", "boss")), store.SourceBulkLoad)
	st.ApplyRecord(makeRecord("CN=Alice,DC=x", gAlice,
		withAttr("sAMAccountName", "alice"),
		withAttr("manager", "CN=Boss,DC=x"),
		withAttr("primaryGroupID", "513"),
		withBytes("objectSid", sidBytes(21, 5, 5, 1105)),
	), store.SourceBulkLoad)
	st.ApplyRecord(makeRecord("CN=Staff,DC=x", gStaff,
		withClass("top", "group"),
		withAttr("sAMAccountName", "staff"),
		withAttr("member", "CN=Alice,DC=x", "CN=NeverSeen,DC=x"),
		withAttr("primaryGroupToken", "513"),
	), store.SourceBulkLoad)

	// delete one entity so a nil slot crosses the snapshot
	gGone := uuid.New()
	st.ApplyRecord(makeRecord("CN=Gone,DC=x", gGone), store.SourceBulkLoad)
	require.True(t, st.Delete(st.ByGUID(gGone).Tag))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec := snapshot.NewCodec(logger, metrics.NopSink{})
	path := filepath.Join(t.TempDir(), "restore.cache")
	require.NoError(t, codec.Write(path, st.Entities()))

	loaded, err := codec.Load(path)
	require.NoError(t, err)

	st2 := newTestStore()
	require.NoError(t, st2.Restore(loaded))

	assert.Equal(t, st.Len(), st2.Len())

	boss := st2.BySAMAccountName("boss")
	alice := st2.BySAMAccountName("alice")
	staff := st2.BySAMAccountName("staff")
	require.NotNil(t, boss)
	require.NotNil(t, alice)
	require.NotNil(t, staff)

	assert.Equal(t, st.BySAMAccountName("alice").Tag, alice.Tag, "tags survive the round trip")
	assert.Equal(t, boss.Tag, alice.ManagerTag)
	assert.True(t, boss.Manages.Contains(alice.Tag), "manages backlink rebuilt")
	assert.True(t, staff.DirectMembers.Contains(alice.Tag))
	assert.True(t, alice.DirectMemberOfs.Contains(staff.Tag), "memberOf backlink rebuilt")

	assert.NotNil(t, st2.BySID("S-1-5-21-5-5-1105"))
	assert.Equal(t, staff.Tag, st2.ByPrimaryGroupToken(513).Tag)
	assert.True(t, st2.HasMember(staff, alice), "membership query answers after restore")

	// the unresolved member DN stays deferred, untouched by the restore
	deferred := st2.DeferredObjects()
	require.Len(t, deferred, 1)
	assert.Equal(t, "CN=NeverSeen,DC=x", deferred[0].TargetDN)

	// a deferred target arriving later still resolves on the restored store
	st2.ApplyRecord(makeRecord("CN=NeverSeen,DC=x", uuid.New()), store.SourceBulkLoad)
	assert.Empty(t, st2.DeferredObjects())

	checkInvariants(t, st2)
}

func TestRestoreRequiresEmptyStore(t *testing.T) {
	st := newTestStore()
	st.ApplyRecord(makeRecord("CN=A,DC=x", uuid.New()), store.SourceBulkLoad)
	err := st.Restore(st.Entities())
	assert.Error(t, err)
}
