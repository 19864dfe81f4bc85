package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScheduledTypeRoundTrip(t *testing.T) {
	scheduled := SchedulePrefix + TypeDoLocalRepoBackup
	require.True(t, IsScheduled(scheduled))
	require.False(t, IsScheduled(TypeDoLocalRepoBackup))
	require.Equal(t, TypeDoLocalRepoBackup, Unscheduled(scheduled))
	require.Equal(t, TypeDoLocalRepoBackup, Unscheduled(TypeDoLocalRepoBackup))
}

func TestTypeOf(t *testing.T) {
	msgType, err := TypeOf([]byte(`{"type":"do_local_repo_backup","repo_path":"/var/b"}`))
	require.NoError(t, err)
	require.Equal(t, TypeDoLocalRepoBackup, msgType)

	_, err = TypeOf([]byte(`{"repo_path":"/var/b"}`))
	require.Error(t, err)

	_, err = TypeOf([]byte(`not json`))
	require.Error(t, err)
}

func TestInboxName(t *testing.T) {
	require.Equal(t, "queue_uuid-1", InboxName("uuid-1"))
}

func TestIntervalZero(t *testing.T) {
	require.True(t, Interval{}.Zero())
	require.False(t, Interval{Seconds: 1}.Zero())
}

func TestTaskRegistryDuplicatePanics(t *testing.T) {
	reg := NewTaskRegistry()
	handler := func(context.Context, map[string]any) error { return nil }
	reg.Register(TypeInitLocalRepo, handler)
	require.NotNil(t, reg.Lookup(TypeInitLocalRepo))
	require.Nil(t, reg.Lookup(TypeDoS3RepoBackup))
	require.Panics(t, func() { reg.Register(TypeInitLocalRepo, handler) })
}
