// Package results persists what agents report: liveness transitions on the
// control channel and the response documents for every operation kind. It
// owns the response dispatch table the channel feeds, the de-duplication
// rules that keep redelivered or unchanged payloads from churning rows, and
// the retention sweep that prunes cached snapshot and backup documents.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bhive-io/bhive/internal/controller/db"
	"github.com/bhive-io/bhive/internal/controller/metrics"
	"github.com/bhive-io/bhive/internal/wire"
)

const (
	// sweepInterval is how often the retention sweep runs.
	sweepInterval = 60 * time.Second

	// DefaultRetention is the sliding window for cached snapshot listings
	// and backup documents. Deliberately short: these are caches of state
	// the agent can re-report, not records of truth.
	DefaultRetention = time.Minute
)

// Store wraps the relational store with the result-store semantics.
type Store struct {
	db        *gorm.DB
	retention time.Duration
	logger    *zap.Logger
}

// New creates a Store. retention <= 0 selects DefaultRetention.
func New(database *gorm.DB, retention time.Duration, logger *zap.Logger) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		db:        database,
		retention: retention,
		logger:    logger.Named("results"),
	}
}

// Registry builds the response dispatch table the control channel consumes.
func (s *Store) Registry() *wire.ResponseRegistry {
	reg := wire.NewResponseRegistry()
	reg.Register(wire.TypeRespInitLocalRepo, s.handleInit(db.VariantLocal))
	reg.Register(wire.TypeRespInitS3Repo, s.handleInit(db.VariantCloud))
	reg.Register(wire.TypeRespLocalSnapshots, s.handleSnapshots(db.VariantLocal))
	reg.Register(wire.TypeRespS3Snapshots, s.handleSnapshots(db.VariantCloud))
	reg.Register(wire.TypeRespLocalRepoBackup, s.handleBackup(db.VariantLocal))
	reg.Register(wire.TypeRespS3RepoBackup, s.handleBackup(db.VariantCloud))
	reg.Register(wire.TypeRespLocalRepoRestore, s.handleRestore(db.VariantLocal))
	reg.Register(wire.TypeRespS3RepoRestore, s.handleRestore(db.VariantCloud))
	return reg
}

// ---------------------------------------------------------------------------
// Liveness
// ---------------------------------------------------------------------------

// MarkConnected upserts the agent's presence record to connected.
func (s *Store) MarkConnected(ctx context.Context, systemUUID, org string) error {
	now := time.Now().UTC()

	var rec db.AgentPresence
	err := s.db.WithContext(ctx).Where("system_uuid = ?", systemUUID).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = db.AgentPresence{
			SystemUUID:  systemUUID,
			Org:         org,
			Status:      db.AgentConnected,
			ConnectedAt: &now,
		}
		return s.db.WithContext(ctx).Create(&rec).Error
	case err != nil:
		return fmt.Errorf("results: presence lookup failed: %w", err)
	}

	rec.Org = org
	rec.Status = db.AgentConnected
	rec.ConnectedAt = &now
	return s.db.WithContext(ctx).Save(&rec).Error
}

// MarkDisconnected moves the agent's presence record to disconnected and
// stamps last_disconnected_at, which the DR monitor evaluates.
func (s *Store) MarkDisconnected(ctx context.Context, systemUUID string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&db.AgentPresence{}).
		Where("system_uuid = ?", systemUUID).
		Updates(map[string]any{
			"status":               db.AgentDisconnected,
			"last_disconnected_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("results: disconnect transition failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("results: no presence record for %s", systemUUID)
	}
	return nil
}

// ClientStatus returns one agent's presence record.
func (s *Store) ClientStatus(ctx context.Context, systemUUID string) (db.AgentPresence, error) {
	var rec db.AgentPresence
	err := s.db.WithContext(ctx).Where("system_uuid = ?", systemUUID).First(&rec).Error
	return rec, err
}

// AllClients returns every known agent.
func (s *Store) AllClients(ctx context.Context) ([]db.AgentPresence, error) {
	var recs []db.AgentPresence
	err := s.db.WithContext(ctx).Order("system_uuid").Find(&recs).Error
	return recs, err
}

// OrgClients returns the agents tagged with org.
func (s *Store) OrgClients(ctx context.Context, org string) ([]db.AgentPresence, error) {
	var recs []db.AgentPresence
	err := s.db.WithContext(ctx).Where("org = ?", org).Order("system_uuid").Find(&recs).Error
	return recs, err
}

// DisconnectedClients returns agents currently marked disconnected. Used by
// the DR monitor.
func (s *Store) DisconnectedClients(ctx context.Context) ([]db.AgentPresence, error) {
	var recs []db.AgentPresence
	err := s.db.WithContext(ctx).Where("status = ?", db.AgentDisconnected).Find(&recs).Error
	return recs, err
}

// ---------------------------------------------------------------------------
// Response handlers
// ---------------------------------------------------------------------------

// handleInit stores a repository initialization summary. Repeats with an
// unchanged summary leave the stored document untouched.
func (s *Store) handleInit(variant string) wire.ResponseHandler {
	return func(ctx context.Context, systemUUID string, msg map[string]any, org string) error {
		summary := jsonText(msg["summary"], "{}")
		target := initTarget(variant, msg)

		var rec db.RepoInit
		err := s.db.WithContext(ctx).
			Where("system_uuid = ? AND variant = ? AND target = ?", systemUUID, variant, target).
			First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = db.RepoInit{
				SystemUUID: systemUUID,
				Variant:    variant,
				Target:     target,
				Summary:    summary,
				ResponseAt: time.Now().UTC(),
			}
			if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
				return fmt.Errorf("results: failed to store init result: %w", err)
			}
		case err != nil:
			return fmt.Errorf("results: init lookup failed: %w", err)
		default:
			if jsonEqual(rec.Summary, summary) {
				return nil
			}
			rec.Summary = summary
			rec.ResponseAt = time.Now().UTC()
			if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
				return fmt.Errorf("results: failed to update init result: %w", err)
			}
		}

		metrics.ResponsesStored.WithLabelValues(typeOfMsg(msg)).Inc()
		return nil
	}
}

// handleSnapshots caches a snapshot listing. An unchanged listing must not
// refresh response_at, so the retention sweep still ages it out.
func (s *Store) handleSnapshots(variant string) wire.ResponseHandler {
	return func(ctx context.Context, systemUUID string, msg map[string]any, org string) error {
		snapshots := jsonText(msg["snapshots"], "[]")
		target := targetOf(variant, msg)

		var rec db.SnapshotRecord
		err := s.db.WithContext(ctx).
			Where("system_uuid = ? AND variant = ? AND target = ?", systemUUID, variant, target).
			First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = db.SnapshotRecord{
				SystemUUID: systemUUID,
				Variant:    variant,
				Target:     target,
				Snapshots:  snapshots,
				ResponseAt: time.Now().UTC(),
			}
			if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
				return fmt.Errorf("results: failed to store snapshot listing: %w", err)
			}
		case err != nil:
			return fmt.Errorf("results: snapshot lookup failed: %w", err)
		default:
			if jsonEqual(rec.Snapshots, snapshots) {
				return nil
			}
			rec.Snapshots = snapshots
			rec.ResponseAt = time.Now().UTC()
			if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
				return fmt.Errorf("results: failed to update snapshot listing: %w", err)
			}
		}

		metrics.ResponsesStored.WithLabelValues(typeOfMsg(msg)).Inc()
		return nil
	}
}

// handleBackup converges processing and terminal reports for one task onto a
// single row keyed by task_uuid.
func (s *Store) handleBackup(variant string) wire.ResponseHandler {
	return func(ctx context.Context, systemUUID string, msg map[string]any, org string) error {
		err := s.upsertBackupRun(ctx, variant, systemUUID, msg)
		if err == nil {
			metrics.ResponsesStored.WithLabelValues(typeOfMsg(msg)).Inc()
		}
		return err
	}
}

// handleRestore mirrors handleBackup for restore tasks.
func (s *Store) handleRestore(variant string) wire.ResponseHandler {
	return func(ctx context.Context, systemUUID string, msg map[string]any, org string) error {
		err := s.upsertRestoreRun(ctx, variant, systemUUID, msg)
		if err == nil {
			metrics.ResponsesStored.WithLabelValues(typeOfMsg(msg)).Inc()
		}
		return err
	}
}

// taskReport is the common shape of a backup or restore status message.
type taskReport struct {
	taskUUID string
	status   string
	target   string
	output   string
}

func parseTaskReport(variant string, msg map[string]any, outputField string) (taskReport, error) {
	rep := taskReport{
		status: jsonString(msg["task_status"]),
		target: targetOf(variant, msg),
		output: jsonText(msg[outputField], "{}"),
	}
	rep.taskUUID = jsonString(msg["task_uuid"])
	if rep.taskUUID == "" {
		return rep, errors.New("results: task report missing task_uuid")
	}
	return rep, nil
}

// skipRunUpdate decides whether an incoming report may touch an existing
// row. Terminal states win: a late or redelivered processing report never
// regresses a completed or failed row, and an identical report is a no-op.
func skipRunUpdate(existingStatus, existingOutput string, rep taskReport) bool {
	if terminal(existingStatus) && rep.status == wire.StatusProcessing {
		return true
	}
	return existingStatus == rep.status && jsonEqual(existingOutput, rep.output)
}

func (s *Store) upsertBackupRun(ctx context.Context, variant, systemUUID string, msg map[string]any) error {
	rep, err := parseTaskReport(variant, msg, "backup_output")
	if err != nil {
		return err
	}

	tx := s.db.WithContext(ctx)
	var rec db.BackupRun
	err = tx.Where("task_uuid = ?", rep.taskUUID).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = db.BackupRun{
			TaskUUID: rep.taskUUID, SystemUUID: systemUUID, Variant: variant,
			Target: rep.target, Status: rep.status, Output: rep.output,
			ResponseAt: time.Now().UTC(),
		}
		return tx.Create(&rec).Error
	case err != nil:
		return fmt.Errorf("results: backup run lookup failed: %w", err)
	}

	if skipRunUpdate(rec.Status, rec.Output, rep) {
		return nil
	}
	rec.Status = rep.status
	rec.Output = rep.output
	rec.ResponseAt = time.Now().UTC()
	return tx.Save(&rec).Error
}

func (s *Store) upsertRestoreRun(ctx context.Context, variant, systemUUID string, msg map[string]any) error {
	rep, err := parseTaskReport(variant, msg, "restore_output")
	if err != nil {
		return err
	}

	tx := s.db.WithContext(ctx)
	var rec db.RestoreRun
	err = tx.Where("task_uuid = ?", rep.taskUUID).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = db.RestoreRun{
			TaskUUID: rep.taskUUID, SystemUUID: systemUUID, Variant: variant,
			Target: rep.target, Status: rep.status, Output: rep.output,
			ResponseAt: time.Now().UTC(),
		}
		return tx.Create(&rec).Error
	case err != nil:
		return fmt.Errorf("results: restore run lookup failed: %w", err)
	}

	if skipRunUpdate(rec.Status, rec.Output, rep) {
		return nil
	}
	rec.Status = rep.status
	rec.Output = rep.output
	rec.ResponseAt = time.Now().UTC()
	return tx.Save(&rec).Error
}

// ---------------------------------------------------------------------------
// Result queries
// ---------------------------------------------------------------------------

// Filter narrows result queries. Zero fields match everything; Org filters
// through the presence table.
type Filter struct {
	SystemUUID string
	Org        string
	Variant    string
}

func (s *Store) scoped(ctx context.Context, f Filter) *gorm.DB {
	tx := s.db.WithContext(ctx)
	if f.SystemUUID != "" {
		tx = tx.Where("system_uuid = ?", f.SystemUUID)
	}
	if f.Org != "" {
		tx = tx.Where("system_uuid IN (?)",
			s.db.Model(&db.AgentPresence{}).Select("system_uuid").Where("org = ?", f.Org))
	}
	if f.Variant != "" {
		tx = tx.Where("variant = ?", f.Variant)
	}
	return tx
}

// InitializedRepos lists stored repository initializations.
func (s *Store) InitializedRepos(ctx context.Context, f Filter) ([]db.RepoInit, error) {
	var recs []db.RepoInit
	err := s.scoped(ctx, f).Order("response_at DESC").Find(&recs).Error
	return recs, err
}

// RepoSnapshots lists cached snapshot listings.
func (s *Store) RepoSnapshots(ctx context.Context, f Filter) ([]db.SnapshotRecord, error) {
	var recs []db.SnapshotRecord
	err := s.scoped(ctx, f).Order("response_at DESC").Find(&recs).Error
	return recs, err
}

// BackupJobs lists backup runs.
func (s *Store) BackupJobs(ctx context.Context, f Filter) ([]db.BackupRun, error) {
	var recs []db.BackupRun
	err := s.scoped(ctx, f).Order("response_at DESC").Find(&recs).Error
	return recs, err
}

// RestoreJobs lists restore runs.
func (s *Store) RestoreJobs(ctx context.Context, f Filter) ([]db.RestoreRun, error) {
	var recs []db.RestoreRun
	err := s.scoped(ctx, f).Order("response_at DESC").Find(&recs).Error
	return recs, err
}

// ---------------------------------------------------------------------------
// Retention sweep
// ---------------------------------------------------------------------------

// RunSweeper prunes cached snapshot listings and backup runs older than the
// retention window every sweepInterval, until ctx is cancelled. Init records
// and restore runs are never pruned.
func (s *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	s.logger.Info("retention sweep started", zap.Duration("retention", s.retention))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweep stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Store) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)

	res := s.db.WithContext(ctx).Where("response_at < ?", cutoff).Delete(&db.SnapshotRecord{})
	if res.Error != nil {
		s.logger.Error("snapshot sweep failed", zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		s.logger.Info("pruned stale snapshot listings", zap.Int64("rows", res.RowsAffected))
	}

	res = s.db.WithContext(ctx).Where("response_at < ?", cutoff).Delete(&db.BackupRun{})
	if res.Error != nil {
		s.logger.Error("backup sweep failed", zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		s.logger.Info("pruned stale backup runs", zap.Int64("rows", res.RowsAffected))
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func terminal(status string) bool {
	return status == wire.StatusCompleted || status == wire.StatusFailed
}

// targetOf picks the repository identifier out of a response message.
func targetOf(variant string, msg map[string]any) string {
	if variant == db.VariantCloud {
		v, _ := msg["s3_url"].(string)
		return v
	}
	v, _ := msg["repo_path"].(string)
	return v
}

// initTarget resolves the repository for an init response, falling back to
// the tool summary's repository field when the message carries no target.
func initTarget(variant string, msg map[string]any) string {
	if t := targetOf(variant, msg); t != "" {
		return t
	}
	if summary, ok := msg["summary"].(map[string]any); ok {
		v, _ := summary["repository"].(string)
		return v
	}
	return ""
}

func typeOfMsg(msg map[string]any) string {
	v, _ := msg["type"].(string)
	return v
}

func jsonString(v any) string {
	s, _ := v.(string)
	return s
}

// jsonText serializes v, or returns fallback when v is absent.
func jsonText(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b string) bool {
	if a == b {
		return true
	}
	var av, bv any
	if json.Unmarshal([]byte(a), &av) != nil || json.Unmarshal([]byte(b), &bv) != nil {
		return false
	}
	ab, err1 := json.Marshal(av)
	bb, err2 := json.Marshal(bv)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}
