package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bhive-io/bhive/internal/controller/auth"
	"github.com/bhive-io/bhive/internal/controller/db"
	"github.com/bhive-io/bhive/internal/controller/dispatch"
	"github.com/bhive-io/bhive/internal/controller/results"
	"github.com/bhive-io/bhive/internal/controller/s3repo"
)

type fakeDispatcher struct {
	initLocal    []dispatch.InitLocalRepoRequest
	snapshots    []dispatch.LocalSnapshotsRequest
	localBackups []dispatch.LocalBackupRequest
	ack          string
}

func (f *fakeDispatcher) InitLocalRepo(_ context.Context, req dispatch.InitLocalRepoRequest) (string, error) {
	f.initLocal = append(f.initLocal, req)
	return f.ack, nil
}

func (f *fakeDispatcher) GetLocalRepoSnapshots(_ context.Context, req dispatch.LocalSnapshotsRequest) (string, error) {
	f.snapshots = append(f.snapshots, req)
	return f.ack, nil
}

func (f *fakeDispatcher) DoLocalRepoBackup(_ context.Context, req dispatch.LocalBackupRequest) (string, error) {
	f.localBackups = append(f.localBackups, req)
	return f.ack, nil
}

func (f *fakeDispatcher) DoLocalRepoRestore(context.Context, dispatch.LocalRestoreRequest) (string, error) {
	return f.ack, nil
}

func (f *fakeDispatcher) DoS3RepoBackup(context.Context, dispatch.S3BackupRequest) (string, error) {
	return f.ack, nil
}

func (f *fakeDispatcher) DoS3RepoRestore(context.Context, dispatch.S3RestoreRequest) (string, error) {
	return f.ack, nil
}

type fakeBuckets struct {
	inits []s3repo.Request
}

func (f *fakeBuckets) InitRepo(_ context.Context, req s3repo.Request) (string, error) {
	f.inits = append(f.inits, req)
	return "ok", nil
}

func (f *fakeBuckets) Snapshots(context.Context, s3repo.Request) (string, error) {
	return "ok", nil
}

type fakeReader struct {
	clients map[string]db.AgentPresence
	orgHits []string
}

func (f *fakeReader) ClientStatus(_ context.Context, systemUUID string) (db.AgentPresence, error) {
	rec, ok := f.clients[systemUUID]
	if !ok {
		return db.AgentPresence{}, gorm.ErrRecordNotFound
	}
	return rec, nil
}

func (f *fakeReader) AllClients(context.Context) ([]db.AgentPresence, error) {
	var recs []db.AgentPresence
	for _, rec := range f.clients {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (f *fakeReader) OrgClients(_ context.Context, org string) ([]db.AgentPresence, error) {
	f.orgHits = append(f.orgHits, org)
	return nil, nil
}

func (f *fakeReader) InitializedRepos(context.Context, results.Filter) ([]db.RepoInit, error) {
	return nil, nil
}

func (f *fakeReader) RepoSnapshots(context.Context, results.Filter) ([]db.SnapshotRecord, error) {
	return nil, nil
}

func (f *fakeReader) BackupJobs(context.Context, results.Filter) ([]db.BackupRun, error) {
	return nil, nil
}

func (f *fakeReader) RestoreJobs(context.Context, results.Filter) ([]db.RestoreRun, error) {
	return nil, nil
}

type testRig struct {
	server     *httptest.Server
	dispatcher *fakeDispatcher
	buckets    *fakeBuckets
	reader     *fakeReader
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mgr, err := auth.New("signing-secret", "fleet-pw")
	require.NoError(t, err)

	rig := &testRig{
		dispatcher: &fakeDispatcher{ack: "Task allocated"},
		buckets:    &fakeBuckets{},
		reader:     &fakeReader{clients: map[string]db.AgentPresence{}},
	}
	router := NewRouter(RouterConfig{
		Auth:       mgr,
		Dispatcher: rig.dispatcher,
		Buckets:    rig.buckets,
		Store:      rig.reader,
		Logger:     zap.NewNop(),
	})
	rig.server = httptest.NewServer(router)
	t.Cleanup(rig.server.Close)
	return rig
}

func (rig *testRig) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(rig.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestTokenEndpoint(t *testing.T) {
	rig := newTestRig(t)

	resp, body := rig.post(t, "/token", `{"system_uuid":"uuid-1","password":"fleet-pw"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["access_token"])
	require.Equal(t, "bearer", body["token_type"])

	resp, _ = rig.post(t, "/token", `{"system_uuid":"uuid-1","password":"nope"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = rig.post(t, "/token", `{"password":"fleet-pw"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInitLocalRepoReturnsAck(t *testing.T) {
	rig := newTestRig(t)

	resp, body := rig.post(t, "/api/v1/repos/local/init",
		`{"system_uuid":"uuid-1","repo_path":"/var/b","password":"pw"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Task allocated", body["data"])

	require.Len(t, rig.dispatcher.initLocal, 1)
	require.Equal(t, "uuid-1", rig.dispatcher.initLocal[0].SystemUUID)
	require.Equal(t, "/var/b", rig.dispatcher.initLocal[0].RepoPath)
}

func TestSchedulerParamsForwarded(t *testing.T) {
	rig := newTestRig(t)

	resp, _ := rig.post(t, "/api/v1/repos/local/snapshots", `{
		"system_uuid":"uuid-1","repo_path":"/var/b","password":"pw",
		"scheduler":"interval","scheduler_repeats":"3","scheduler_priority":2,
		"interval":{"minutes":5}
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, rig.dispatcher.snapshots, 1)
	sched := rig.dispatcher.snapshots[0].Sched
	require.Equal(t, "interval", sched.Scheduler)
	require.Equal(t, "3", sched.Repeats)
	require.NotNil(t, sched.Priority)
	require.Equal(t, 2, *sched.Priority)
	require.NotNil(t, sched.Interval)
	require.Equal(t, 5, sched.Interval.Minutes)
}

func TestFractionalPriorityRejected(t *testing.T) {
	rig := newTestRig(t)

	for _, raw := range []string{"2.5", `"two"`} {
		resp, body := rig.post(t, "/api/v1/repos/local/backup", `{
			"system_uuid":"uuid-1","repo_path":"/var/b","password":"pw","paths":["/etc"],
			"scheduler":"interval","scheduler_priority":`+raw+`
		}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, dispatch.ErrPriorityNotWhole, body["data"])
	}
	require.Empty(t, rig.dispatcher.localBackups, "invalid priority must not dispatch")
}

func TestUnknownFieldRejected(t *testing.T) {
	rig := newTestRig(t)
	resp, _ := rig.post(t, "/api/v1/repos/local/init", `{"system_uuid":"u","bogus":1}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestS3InitForwardsRequest(t *testing.T) {
	rig := newTestRig(t)

	resp, body := rig.post(t, "/api/v1/repos/s3/init", `{
		"org":"acme","aws_access_key_id":"AKIA1","aws_secret_access_key":"shh",
		"region":"eu-west-1","bucket_name":"fleet-backups","password":"pw"
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["data"])

	require.Len(t, rig.buckets.inits, 1)
	require.Equal(t, "acme", rig.buckets.inits[0].Org)
	require.Equal(t, "fleet-backups", rig.buckets.inits[0].Bucket)
}

func TestClientQueries(t *testing.T) {
	rig := newTestRig(t)
	rig.reader.clients["uuid-1"] = db.AgentPresence{
		SystemUUID: "uuid-1", Org: "acme", Status: db.AgentConnected,
	}

	resp, err := http.Get(rig.server.URL + "/api/v1/clients/uuid-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	data := body["data"].(map[string]any)
	require.Equal(t, "uuid-1", data["system_uuid"])
	require.Equal(t, db.AgentConnected, data["status"])
	require.Equal(t, "acme", data["org"])

	resp, err = http.Get(rig.server.URL + "/api/v1/clients/uuid-unknown")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(rig.server.URL + "/api/v1/clients?org=acme")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"acme"}, rig.reader.orgHits)
}
