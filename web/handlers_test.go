package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/metrics"
	"f0oster/admirror/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adGuidBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
	return b
}

func seedServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewStore("corp.example.com", logger, store.NewDefectLog(logger, metrics.NopSink{}), metrics.NopSink{})

	user := activedirectory.NewRecord("CN=Alice,DC=x")
	user.ByteValues["objectGUID"] = [][]byte{adGuidBytes(uuid.New())}
	user.Attributes["objectClass"] = []string{"top", "user"}
	user.Attributes["sAMAccountName"] = []string{"alice"}
	st.ApplyRecord(user, store.SourceBulkLoad)

	group := activedirectory.NewRecord("CN=Staff,DC=x")
	group.ByteValues["objectGUID"] = [][]byte{adGuidBytes(uuid.New())}
	group.Attributes["objectClass"] = []string{"top", "group"}
	group.Attributes["sAMAccountName"] = []string{"staff"}
	group.Attributes["member"] = []string{"CN=Alice,DC=x", "CN=Missing,DC=x"}
	st.ApplyRecord(group, store.SourceBulkLoad)

	return NewServer(st, "127.0.0.1:0", prometheus.NewRegistry(), logger)
}

func TestLookupBySAM(t *testing.T) {
	s := seedServer(t)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lookup?sam=alice", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var view EntityView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "CN=Alice,DC=x", view.DN)
	assert.Equal(t, "alice", view.SAMAccountName)
}

func TestLookupNotFound(t *testing.T) {
	s := seedServer(t)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lookup?sam=nobody", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLookupMissingKey(t *testing.T) {
	s := seedServer(t)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lookup", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMembersTransitive(t *testing.T) {
	s := seedServer(t)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members?sam=staff&transitive=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var views []EntityView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "alice", views[0].SAMAccountName)
}

func TestDeferredEndpoint(t *testing.T) {
	s := seedServer(t)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deferred", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var deferred []store.DeferredReference
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deferred))
	require.Len(t, deferred, 1)
	assert.Equal(t, "CN=Missing,DC=x", deferred[0].TargetDN)
}

func TestHealthz(t *testing.T) {
	s := seedServer(t)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "corp.example.com", body["domain"])
	assert.Equal(t, float64(2), body["entities"])
}
