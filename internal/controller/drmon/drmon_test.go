package drmon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bhive-io/bhive/internal/controller/db"
)

type fakePresence struct {
	records map[string]db.AgentPresence
}

func (f *fakePresence) ClientStatus(_ context.Context, systemUUID string) (db.AgentPresence, error) {
	rec, ok := f.records[systemUUID]
	if !ok {
		return db.AgentPresence{}, gorm.ErrRecordNotFound
	}
	return rec, nil
}

type fakeRestorer struct {
	configs []map[string]any
	err     error
}

func (f *fakeRestorer) TriggerRestore(_ context.Context, cfg map[string]any) error {
	f.configs = append(f.configs, cfg)
	return f.err
}

func TestParseThreshold(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"PT1H30M", 90 * time.Minute, true},
		{"PT2H", 2 * time.Hour, true},
		{"PT45S", 45 * time.Second, true},
		{"PT1H2M3S", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"1h30m", 90 * time.Minute, true},
		{"1h 30m", 90 * time.Minute, true},
		{"45m", 45 * time.Minute, true},
		{"PT", 0, false},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseThreshold(tc.in)
		if !tc.ok {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestLoadPolicyAcceptsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dr.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // fleet DR policy
  "ORGS": {
    "acme": {
      "DR": {
        "agents": {
          "uuid-1": {
            "enabled": true,
            "DR_monitoring_threshold": "PT1H",
            "restore_config": {"system_uuid": "standby-1", "repo_path": "/var/b"},
          },
        },
      },
    },
  },
}`), 0644))

	pol, err := LoadPolicy(path)
	require.NoError(t, err)
	agent := pol.Orgs["acme"].DR.Agents["uuid-1"]
	require.True(t, agent.Enabled)
	require.Equal(t, "PT1H", agent.Threshold)
	require.Equal(t, "standby-1", agent.RestoreConfig["system_uuid"])
}

func testPolicy(threshold string) *Policy {
	return &Policy{Orgs: map[string]orgPolicy{
		"acme": {DR: &drSection{Agents: map[string]AgentPolicy{
			"uuid-1": {
				Enabled:       true,
				Threshold:     threshold,
				RestoreConfig: map[string]any{"system_uuid": "standby-1", "repo_path": "/var/b"},
			},
			"uuid-2": {Enabled: false, Threshold: threshold},
		}}},
	}}
}

func newTestMonitor(pol *Policy, presence *fakePresence, restorer *fakeRestorer) *Monitor {
	return New(pol, presence, restorer, zap.NewNop())
}

func TestSweepTriggersOnceOnBreach(t *testing.T) {
	downSince := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	presence := &fakePresence{records: map[string]db.AgentPresence{
		"uuid-1": {SystemUUID: "uuid-1", Status: db.AgentDisconnected, LastDisconnectedAt: &downSince},
	}}
	restorer := &fakeRestorer{}
	m := newTestMonitor(testPolicy("PT1H"), presence, restorer)
	m.now = func() time.Time { return downSince.Add(2 * time.Hour) }

	m.sweep(context.Background())
	m.sweep(context.Background())
	m.sweep(context.Background())

	require.Len(t, restorer.configs, 1)
	require.Equal(t, "standby-1", restorer.configs[0]["system_uuid"])
}

func TestSweepRearmsOnNewDisconnect(t *testing.T) {
	first := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	presence := &fakePresence{records: map[string]db.AgentPresence{
		"uuid-1": {SystemUUID: "uuid-1", Status: db.AgentDisconnected, LastDisconnectedAt: &first},
	}}
	restorer := &fakeRestorer{}
	m := newTestMonitor(testPolicy("PT1H"), presence, restorer)
	m.now = func() time.Time { return first.Add(2 * time.Hour) }

	m.sweep(context.Background())
	require.Len(t, restorer.configs, 1)

	// Reconnect, then a later disconnect writes a fresh timestamp.
	second := first.Add(3 * time.Hour)
	presence.records["uuid-1"] = db.AgentPresence{
		SystemUUID: "uuid-1", Status: db.AgentDisconnected, LastDisconnectedAt: &second,
	}
	m.now = func() time.Time { return second.Add(90 * time.Minute) }

	m.sweep(context.Background())
	require.Len(t, restorer.configs, 2)
}

func TestSweepIgnoresConnectedAndWithinThreshold(t *testing.T) {
	downSince := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	presence := &fakePresence{records: map[string]db.AgentPresence{
		"uuid-1": {SystemUUID: "uuid-1", Status: db.AgentConnected, LastDisconnectedAt: &downSince},
	}}
	restorer := &fakeRestorer{}
	m := newTestMonitor(testPolicy("PT1H"), presence, restorer)
	m.now = func() time.Time { return downSince.Add(2 * time.Hour) }

	m.sweep(context.Background())
	require.Empty(t, restorer.configs, "connected agent must not trigger")

	presence.records["uuid-1"] = db.AgentPresence{
		SystemUUID: "uuid-1", Status: db.AgentDisconnected, LastDisconnectedAt: &downSince,
	}
	m.now = func() time.Time { return downSince.Add(30 * time.Minute) }
	m.sweep(context.Background())
	require.Empty(t, restorer.configs, "threshold not yet exceeded")
}

func TestSweepSkipsUnknownAgents(t *testing.T) {
	restorer := &fakeRestorer{}
	m := newTestMonitor(testPolicy("PT1H"), &fakePresence{records: map[string]db.AgentPresence{}}, restorer)
	m.sweep(context.Background())
	require.Empty(t, restorer.configs)
}

func TestSweepSkipsInvalidThreshold(t *testing.T) {
	downSince := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	presence := &fakePresence{records: map[string]db.AgentPresence{
		"uuid-1": {SystemUUID: "uuid-1", Status: db.AgentDisconnected, LastDisconnectedAt: &downSince},
	}}
	restorer := &fakeRestorer{}
	m := newTestMonitor(testPolicy("whenever"), presence, restorer)
	m.now = func() time.Time { return downSince.Add(24 * time.Hour) }

	m.sweep(context.Background())
	require.Empty(t, restorer.configs)
}
