package sched

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/agent/ledger"
	"github.com/bhive-io/bhive/internal/wire"
)

func newTestScheduler(t *testing.T, fired *atomic.Int32) (*Scheduler, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "agent.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	registry := wire.NewTaskRegistry()
	registry.Register(wire.TypeDoLocalRepoBackup, func(context.Context, map[string]any) error {
		if fired != nil {
			fired.Add(1)
		}
		return nil
	})

	s, err := New(led, registry, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	return s, led
}

func TestParseRepeats(t *testing.T) {
	cases := []struct {
		in      any
		want    int
		wantErr bool
	}{
		{nil, 1, false},
		{"once", 1, false},
		{"infinite", RepeatInfinite, false},
		{"3", 3, false},
		{float64(5), 5, false},
		{"-1", 0, true},
		{float64(0), 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := parseRepeats(tc.in)
		if tc.wantErr {
			require.Error(t, err, "input %v", tc.in)
			continue
		}
		require.NoError(t, err, "input %v", tc.in)
		require.Equal(t, tc.want, got, "input %v", tc.in)
	}
}

func TestParseIntervalRejectsEmptyRecord(t *testing.T) {
	_, err := parseInterval(map[string]any{"days": float64(0)})
	require.Error(t, err)

	iv, err := parseInterval(map[string]any{"minutes": float64(5)})
	require.NoError(t, err)
	require.Equal(t, 5, iv.Minutes)
	require.Equal(t, 5*time.Minute, intervalDuration(iv))
}

func TestScheduleRejectsUnscheduledType(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	err := s.Schedule(context.Background(), map[string]any{
		"type": wire.TypeDoLocalRepoBackup,
	})
	require.Error(t, err)
}

func TestSchedulePersistsJobAndLedgerRow(t *testing.T) {
	s, led := newTestScheduler(t, nil)

	msg := map[string]any{
		"type":               wire.SchedulePrefix + wire.TypeDoLocalRepoBackup,
		"scheduler":          "interval",
		"interval":           map[string]any{"minutes": float64(5)},
		"scheduler_repeats":  "3",
		"scheduler_priority": float64(1),
		"repo_path":          "/var/b",
	}
	require.NoError(t, s.Schedule(context.Background(), msg))

	recs, err := led.Jobs()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 3, recs[0].Repeats)
	require.Equal(t, 1, recs[0].Priority)
	require.Equal(t, "interval", recs[0].Trigger)

	rows, err := led.Schedules()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ledger.SchedulePending, rows[0].Status)
}

func TestPastTimelapseFiresImmediately(t *testing.T) {
	var fired atomic.Int32
	s, led := newTestScheduler(t, &fired)
	require.NoError(t, s.Start(context.Background()))

	msg := map[string]any{
		"type":      wire.SchedulePrefix + wire.TypeDoLocalRepoBackup,
		"scheduler": "timelapse",
		"timelapse": time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		"repo_path": "/var/b",
	}
	require.NoError(t, s.Schedule(context.Background(), msg))

	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// One-shot job is deleted after the firing, ledger row finalized.
	require.Eventually(t, func() bool {
		recs, err := led.Jobs()
		return err == nil && len(recs) == 0
	}, 5*time.Second, 10*time.Millisecond)

	rows, err := led.Schedules()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ledger.ScheduleDone, rows[0].Status)
}

func TestIntervalJobFiresRepeatedly(t *testing.T) {
	var fired atomic.Int32
	s, _ := newTestScheduler(t, &fired)
	require.NoError(t, s.Start(context.Background()))

	msg := map[string]any{
		"type":              wire.SchedulePrefix + wire.TypeDoLocalRepoBackup,
		"scheduler":         "interval",
		"interval":          map[string]any{"seconds": float64(1)},
		"scheduler_repeats": "2",
		"repo_path":         "/var/b",
	}
	require.NoError(t, s.Schedule(context.Background(), msg))

	require.Eventually(t, func() bool {
		return fired.Load() >= 2
	}, 10*time.Second, 50*time.Millisecond)
}

func TestJobsReloadOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.db")

	led, err := ledger.Open(path, zap.NewNop())
	require.NoError(t, err)

	registry := wire.NewTaskRegistry()
	registry.Register(wire.TypeDoLocalRepoBackup, func(context.Context, map[string]any) error { return nil })

	s, err := New(led, registry, zap.NewNop())
	require.NoError(t, err)

	msg := map[string]any{
		"type":              wire.SchedulePrefix + wire.TypeDoLocalRepoBackup,
		"scheduler":         "interval",
		"interval":          map[string]any{"hours": float64(1)},
		"scheduler_repeats": "infinite",
		"repo_path":         "/var/b",
	}
	require.NoError(t, s.Schedule(context.Background(), msg))
	require.NoError(t, s.Shutdown())
	require.NoError(t, led.Close())

	// Reopen: the persisted job registers without error and stays durable.
	led, err = ledger.Open(path, zap.NewNop())
	require.NoError(t, err)
	defer led.Close()

	s2, err := New(led, registry, zap.NewNop())
	require.NoError(t, err)
	defer s2.Shutdown()
	require.NoError(t, s2.Start(context.Background()))

	recs, err := led.Jobs()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, RepeatInfinite, recs[0].Repeats)
}
