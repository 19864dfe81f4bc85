package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/secrets"
	"github.com/bhive-io/bhive/internal/wire"
)

type fakeLiveness map[string]bool

func (f fakeLiveness) IsConnected(systemUUID string) bool { return f[systemUUID] }

type fakePublisher struct {
	published []struct {
		SystemUUID string
		Msg        map[string]any
	}
	err error
}

func (f *fakePublisher) Publish(_ context.Context, systemUUID string, msg map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, struct {
		SystemUUID string
		Msg        map[string]any
	}{systemUUID, msg})
	return nil
}

func newTestDispatcher(t *testing.T, live fakeLiveness) (*Dispatcher, *fakePublisher, *secrets.Store) {
	t.Helper()
	salt, err := secrets.LoadOrCreateSalt(t.TempDir())
	require.NoError(t, err)
	store, err := secrets.New("fleet-pass", salt)
	require.NoError(t, err)

	pub := &fakePublisher{}
	return New(live, pub, store, zap.NewNop()), pub, store
}

func TestDispatchRejectsDisconnectedAgent(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, fakeLiveness{})

	ack, err := d.InitLocalRepo(context.Background(), InitLocalRepoRequest{
		SystemUUID: "agent-a", RepoPath: "/var/b", Password: "pw",
	})
	require.NoError(t, err)
	require.Equal(t, "Error: Client not connected", ack)
	require.Empty(t, pub.published)
}

func TestInitLocalRepoPublishesAndAcks(t *testing.T) {
	d, pub, store := newTestDispatcher(t, fakeLiveness{"agent-a": true})

	ack, err := d.InitLocalRepo(context.Background(), InitLocalRepoRequest{
		SystemUUID: "agent-a", RepoPath: "/var/b", Password: "pw",
	})
	require.NoError(t, err)
	require.Equal(t, "Task allocated to initialize local repo: /var/b", ack)

	require.Len(t, pub.published, 1)
	msg := pub.published[0].Msg
	require.Equal(t, wire.TypeInitLocalRepo, msg["type"])

	// Credentials travel encrypted, never in clear form.
	stored, _ := msg["password"].(string)
	require.NotEqual(t, "pw", stored)
	plain, err := store.Decrypt(stored)
	require.NoError(t, err)
	require.Equal(t, "pw", plain)
}

func TestBackupSchedulerEnrichment(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, fakeLiveness{"agent-a": true})
	priority := 2

	ack, err := d.DoLocalRepoBackup(context.Background(), LocalBackupRequest{
		SystemUUID: "agent-a",
		RepoPath:   "/var/b",
		Password:   "pw",
		Paths:      []string{"/etc"},
		Tags:       []string{"nightly"},
		Sched: SchedulerOpts{
			Scheduler: "interval",
			Repeats:   "3",
			Priority:  &priority,
			Interval:  &wire.Interval{Minutes: 5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Task allocated to backup to local repo: /var/b", ack)

	msg := pub.published[0].Msg
	require.Equal(t, wire.SchedulePrefix+wire.TypeDoLocalRepoBackup, msg["type"])
	require.Equal(t, "3", msg["scheduler_repeats"])
	require.Equal(t, 2, msg["scheduler_priority"])
	require.Equal(t, map[string]any{"days": 0, "hours": 0, "minutes": 5, "seconds": 0}, msg["interval"])
}

func TestSchedulerRepeatsValidation(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, fakeLiveness{"agent-a": true})

	cases := []struct {
		repeats string
		want    string
	}{
		{"-1", ErrRepeatsNotPositive},
		{"0", ErrRepeatsNotPositive},
		{"soon", ErrRepeatsMalformed},
	}
	for _, tc := range cases {
		ack, err := d.GetLocalRepoSnapshots(context.Background(), LocalSnapshotsRequest{
			SystemUUID: "agent-a", RepoPath: "/var/b", Password: "pw",
			Sched: SchedulerOpts{Scheduler: "interval", Repeats: tc.repeats, Interval: &wire.Interval{Minutes: 1}},
		})
		require.NoError(t, err)
		require.Equal(t, tc.want, ack, "repeats %q", tc.repeats)
	}
	require.Empty(t, pub.published, "invalid scheduling input must not enqueue")
}

func TestTimelapseNormalizedToUTC(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, fakeLiveness{"agent-a": true})

	ack, err := d.DoLocalRepoRestore(context.Background(), LocalRestoreRequest{
		SystemUUID: "agent-a", RepoPath: "/var/b", Password: "pw",
		SnapshotID: "latest", TargetPath: "/restore",
		Sched: SchedulerOpts{Scheduler: "timelapse", Timelapse: "2026-09-01T10:00:00+05:30"},
	})
	require.NoError(t, err)
	require.Equal(t, "Task allocated to restore from local repo: /var/b", ack)
	require.Equal(t, "2026-09-01T04:30:00Z", pub.published[0].Msg["timelapse"])
}

func TestTimelapseWithoutOffsetReadAsUTC(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, fakeLiveness{"agent-a": true})

	ack, err := d.DoLocalRepoRestore(context.Background(), LocalRestoreRequest{
		SystemUUID: "agent-a", RepoPath: "/var/b", Password: "pw",
		SnapshotID: "latest", TargetPath: "/restore",
		Sched: SchedulerOpts{Scheduler: "timelapse", Timelapse: "2026-09-01T04:30:00"},
	})
	require.NoError(t, err)
	require.Equal(t, "Task allocated to restore from local repo: /var/b", ack)
	require.Equal(t, "2026-09-01T04:30:00Z", pub.published[0].Msg["timelapse"])
}

func TestSchedulerTriggerValidation(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, fakeLiveness{"agent-a": true})

	cases := []struct {
		name  string
		sched SchedulerOpts
		want  string
	}{
		{"unknown scheduler", SchedulerOpts{Scheduler: "cron"}, ErrSchedulerUnknown},
		{"interval without interval", SchedulerOpts{Scheduler: "interval"}, ErrIntervalRequired},
		{"interval all zero", SchedulerOpts{Scheduler: "interval", Interval: &wire.Interval{}}, ErrIntervalRequired},
		{"timelapse without timelapse", SchedulerOpts{Scheduler: "timelapse"}, ErrTimelapseRequired},
		{"timelapse malformed", SchedulerOpts{Scheduler: "timelapse", Timelapse: "next tuesday"},
			`Error: invalid timelapse "next tuesday", expected an ISO-8601 date-time`},
	}
	for _, tc := range cases {
		ack, err := d.DoLocalRepoBackup(context.Background(), LocalBackupRequest{
			SystemUUID: "agent-a", RepoPath: "/var/b", Password: "pw",
			Paths: []string{"/etc"}, Sched: tc.sched,
		})
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, ack, tc.name)
	}
	require.Empty(t, pub.published, "invalid scheduling input must not enqueue")
}

func TestS3BackupEncryptsAllCredentialFields(t *testing.T) {
	d, pub, store := newTestDispatcher(t, fakeLiveness{"agent-a": true})

	ack, err := d.DoS3RepoBackup(context.Background(), S3BackupRequest{
		SystemUUID: "agent-a",
		Creds: S3Credentials{
			AccessKeyID:     "AKIA1",
			SecretAccessKey: "shh",
			Region:          "eu-west-1",
			BucketName:      "fleet-backups",
			Password:        "pw",
		},
		Paths: []string{"/etc"},
	})
	require.NoError(t, err)
	require.Equal(t, "Task allocated to backup to s3 repo: fleet-backups", ack)

	msg := pub.published[0].Msg
	for _, field := range []string{"password", "aws_access_key_id", "aws_secret_access_key"} {
		stored, _ := msg[field].(string)
		require.NotEmpty(t, stored, field)
		_, err := store.Decrypt(stored)
		require.NoError(t, err, field)
	}
	// Region and bucket are not secrets and stay readable.
	require.Equal(t, "eu-west-1", msg["region"])
	require.Equal(t, "fleet-backups", msg["bucket_name"])
}

func TestTriggerRestoreBuildsTaskFromConfig(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, fakeLiveness{"agent-b": true})

	err := d.TriggerRestore(context.Background(), map[string]any{
		"system_uuid": "agent-b",
		"repo_path":   "/var/b",
		"password":    "pw",
		"snapshot_id": "latest",
		"target_path": "/",
	})
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	require.Equal(t, "agent-b", pub.published[0].SystemUUID)
	require.Equal(t, wire.TypeDoLocalRepoRestore, pub.published[0].Msg["type"])
	require.NotContains(t, pub.published[0].Msg, "system_uuid")
}

func TestTriggerRestoreRequiresTarget(t *testing.T) {
	d, _, _ := newTestDispatcher(t, fakeLiveness{})
	err := d.TriggerRestore(context.Background(), map[string]any{"repo_path": "/var/b"})
	require.Error(t, err)
}

func TestTriggerRestoreDisconnectedAgent(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, fakeLiveness{})
	err := d.TriggerRestore(context.Background(), map[string]any{
		"system_uuid": "agent-b", "repo_path": "/var/b",
	})
	require.Error(t, err)
	require.Empty(t, pub.published)
}
