// Package drmon watches agent liveness against a per-agent disaster
// recovery policy. When an enabled agent has been disconnected for longer
// than its configured threshold, the monitor hands the agent's restore
// configuration to the restore workflow exactly once per disconnect
// observation.
package drmon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bhive-io/bhive/internal/controller/db"
	"github.com/bhive-io/bhive/internal/controller/metrics"
)

const (
	warmupDelay  = time.Minute
	loopInterval = time.Minute
)

// AgentPolicy is the DR entry for one agent.
type AgentPolicy struct {
	Enabled       bool           `json:"enabled"`
	Threshold     string         `json:"DR_monitoring_threshold"`
	RestoreConfig map[string]any `json:"restore_config"`
}

type drSection struct {
	Agents map[string]AgentPolicy `json:"agents"`
}

type orgPolicy struct {
	DR *drSection `json:"DR"`
}

// Policy is the full DR policy document, keyed by organization.
type Policy struct {
	Orgs map[string]orgPolicy `json:"ORGS"`
}

// LoadPolicy reads a policy document. The file may carry comments and
// trailing commas (JSONC); it is standardized before decoding.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("drmon: failed to read policy %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("drmon: malformed policy %s: %w", path, err)
	}
	var p Policy
	if err := json.Unmarshal(std, &p); err != nil {
		return nil, fmt.Errorf("drmon: failed to decode policy %s: %w", path, err)
	}
	return &p, nil
}

var (
	isoDurationRe  = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)
	flexDurationRe = regexp.MustCompile(`^(?:(\d+)h)?\s*(?:(\d+)m)?$`)
)

// ParseThreshold parses PT<H>H<M>M<S>S with every field optional, falling
// back to the looser "<N>h<N>m" form.
func ParseThreshold(s string) (time.Duration, error) {
	if m := isoDurationRe.FindStringSubmatch(s); m != nil && s != "PT" {
		return fields(m), nil
	}
	if m := flexDurationRe.FindStringSubmatch(s); m != nil && s != "" {
		return fields(append(m, "")), nil
	}
	return 0, fmt.Errorf("drmon: unrecognized threshold %q", s)
}

func fields(m []string) time.Duration {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return time.Duration(atoi(m[1]))*time.Hour +
		time.Duration(atoi(m[2]))*time.Minute +
		time.Duration(atoi(m[3]))*time.Second
}

// Presence reads agent liveness records.
type Presence interface {
	ClientStatus(ctx context.Context, systemUUID string) (db.AgentPresence, error)
}

// Restorer launches the restore workflow described by a restore_config.
type Restorer interface {
	TriggerRestore(ctx context.Context, restoreConfig map[string]any) error
}

// Monitor evaluates the DR policy against liveness records on a fixed
// cadence. The liveness store is read-only here; connection handling owns
// all writes.
type Monitor struct {
	policy   *Policy
	presence Presence
	restorer Restorer
	logger   *zap.Logger

	warmup   time.Duration
	interval time.Duration

	// fired maps agent uuid to the last_disconnected_at value a restore
	// was already triggered for. A reconnect writes a fresh timestamp on
	// the next disconnect, which re-arms the agent.
	fired map[string]time.Time

	now func() time.Time
}

// New builds a monitor over the given policy. A nil policy section for an
// org simply means no agents to watch there.
func New(policy *Policy, presence Presence, restorer Restorer, logger *zap.Logger) *Monitor {
	return &Monitor{
		policy:   policy,
		presence: presence,
		restorer: restorer,
		logger:   logger.Named("drmon"),
		warmup:   warmupDelay,
		interval: loopInterval,
		fired:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// Run blocks until ctx is done. The initial warm-up gives agents time to
// reconnect after a controller restart before any threshold is evaluated.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor starting", zap.Duration("warmup", m.warmup))
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.warmup):
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	for org, orgPol := range m.policy.Orgs {
		if orgPol.DR == nil {
			continue
		}
		for agentUUID, agentPol := range orgPol.DR.Agents {
			if !agentPol.Enabled {
				continue
			}
			m.evaluate(ctx, org, agentUUID, agentPol)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context, org, agentUUID string, pol AgentPolicy) {
	threshold, err := ParseThreshold(pol.Threshold)
	if err != nil {
		m.logger.Error("invalid threshold in policy",
			zap.String("org", org),
			zap.String("system_uuid", agentUUID),
			zap.String("threshold", pol.Threshold),
		)
		return
	}

	rec, err := m.presence.ClientStatus(ctx, agentUUID)
	if err == gorm.ErrRecordNotFound {
		m.logger.Debug("no liveness record yet", zap.String("system_uuid", agentUUID))
		return
	}
	if err != nil {
		m.logger.Error("failed to read liveness record",
			zap.String("system_uuid", agentUUID),
			zap.Error(err),
		)
		return
	}

	if rec.Status != db.AgentDisconnected || rec.LastDisconnectedAt == nil {
		return
	}
	downSince := *rec.LastDisconnectedAt
	if m.fired[agentUUID].Equal(downSince) {
		return
	}
	elapsed := m.now().UTC().Sub(downSince)
	if elapsed <= threshold {
		return
	}

	m.logger.Warn("agent disconnected beyond threshold, triggering restore",
		zap.String("org", org),
		zap.String("system_uuid", agentUUID),
		zap.Duration("disconnected_for", elapsed),
		zap.Duration("threshold", threshold),
	)
	if len(pol.RestoreConfig) == 0 {
		m.logger.Error("restore_config missing for breached agent",
			zap.String("system_uuid", agentUUID))
		return
	}

	// One trigger per disconnect observation, even when the workflow
	// rejects it. The next disconnect carries a new timestamp and re-arms.
	m.fired[agentUUID] = downSince
	metrics.DRTriggers.Inc()
	if err := m.restorer.TriggerRestore(ctx, pol.RestoreConfig); err != nil {
		m.logger.Error("restore workflow rejected DR trigger",
			zap.String("org", org),
			zap.String("system_uuid", agentUUID),
			zap.Error(err),
		)
	}
}
