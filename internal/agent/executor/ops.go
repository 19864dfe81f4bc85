// Package executor implements the agent-side operation handlers that
// connect task messages to backup tool runs, ledger rows, and upstream
// responses.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/agent/ledger"
	"github.com/bhive-io/bhive/internal/restic"
	"github.com/bhive-io/bhive/internal/secrets"
	"github.com/bhive-io/bhive/internal/wire"
)

// Emitter delivers an upstream response message. The connection manager
// implements it: unscheduled responses go over the open control channel,
// everything else is deferred to the local ledger for the next flush.
type Emitter interface {
	Emit(scheduled bool, payload map[string]any) error
}

// Ops holds the agent-side operation handlers. One Ops instance serves both
// the inbox consumer and the scheduler; handlers only touch per-kind ledger
// rows, so interleaved invocation is safe.
type Ops struct {
	tool   *restic.Tool
	ledger *ledger.Ledger
	store  *secrets.Store
	emit   Emitter
	logger *zap.Logger
}

// NewOps wires the handlers to their collaborators.
func NewOps(tool *restic.Tool, led *ledger.Ledger, store *secrets.Store, emit Emitter, logger *zap.Logger) *Ops {
	return &Ops{
		tool:   tool,
		ledger: led,
		store:  store,
		emit:   emit,
		logger: logger.Named("ops"),
	}
}

// RegisterTasks installs the operation handlers in r. The scheduled
// variants are not registered here: the scheduler owns the schedule_
// prefixed types and calls back into these handlers when a trigger fires.
func (o *Ops) RegisterTasks(r *wire.TaskRegistry) {
	r.Register(wire.TypeInitLocalRepo, o.InitLocalRepo)
	r.Register(wire.TypeGetLocalRepoSnapshots, o.GetLocalRepoSnapshots)
	r.Register(wire.TypeDoLocalRepoBackup, o.DoLocalRepoBackup)
	r.Register(wire.TypeDoLocalRepoRestore, o.DoLocalRepoRestore)
	r.Register(wire.TypeDoS3RepoBackup, o.DoS3RepoBackup)
	r.Register(wire.TypeDoS3RepoRestore, o.DoS3RepoRestore)
}

// prepare computes the ledger key from the message as received (credentials
// still in ciphertext form), then decrypts the credential fields in place so
// the handler can hand them to the subprocess.
func (o *Ops) prepare(msg map[string]any) (normalized string, err error) {
	normalized, err = secrets.Normalize(msg)
	if err != nil {
		return "", err
	}
	if err := o.store.DecryptParams(msg); err != nil {
		return "", err
	}
	return normalized, nil
}

// record persists a history row when the message's command_history flag is
// not disabled. Ledger failures are logged and swallowed: history loss does
// not fail the operation.
func (o *Ops) record(kind, normalized string, response any) {
	if response == nil {
		return
	}
	data, err := json.Marshal(response)
	if err != nil {
		o.logger.Error("failed to marshal history response", zap.String("kind", kind), zap.Error(err))
		return
	}
	if _, err := o.ledger.RecordHistory(kind, normalized, data); err != nil {
		o.logger.Error("failed to record history row", zap.String("kind", kind), zap.Error(err))
	}
}

// InitLocalRepo initializes a local repository. Repeated init on an
// initialized repository is reported as the already-initialized outcome,
// never as a failure.
func (o *Ops) InitLocalRepo(ctx context.Context, msg map[string]any) error {
	repoPath := stringField(msg, "repo_path")
	if repoPath == "" {
		return fmt.Errorf("executor: init_local_repo requires repo_path")
	}
	scheduled := wire.IsScheduled(stringField(msg, "type"))

	normalized, err := o.prepare(msg)
	if err != nil {
		return err
	}
	password := stringField(msg, "password")

	o.logger.Info("initializing local repository", zap.String("repo_path", repoPath))

	out, err := o.tool.Run(ctx, []string{"-r", repoPath, "init", "--json"}, restic.RunOptions{Stdin: password})
	if err != nil {
		return err
	}

	var summary any
	if out.AlreadyInitialized {
		summary = map[string]any{
			"message_type": "already_initialized",
			"repository":   repoPath,
		}
	} else {
		if out.FirstJSON == nil {
			return fmt.Errorf("executor: init produced no JSON output for %s", repoPath)
		}
		summary = out.FirstJSON
	}

	if historyEnabled(msg) {
		o.record(wire.TypeInitLocalRepo, normalized, summary)
	}

	return o.emit.Emit(scheduled, map[string]any{
		"type":    wire.TypeRespInitLocalRepo,
		"summary": summary,
	})
}

// GetLocalRepoSnapshots lists the snapshots of a local repository.
func (o *Ops) GetLocalRepoSnapshots(ctx context.Context, msg map[string]any) error {
	repoPath := stringField(msg, "repo_path")
	if repoPath == "" {
		return fmt.Errorf("executor: get_local_repo_snapshots requires repo_path")
	}
	scheduled := wire.IsScheduled(stringField(msg, "type"))

	normalized, err := o.prepare(msg)
	if err != nil {
		return err
	}
	password := stringField(msg, "password")

	out, err := o.tool.Run(ctx, []string{"-r", repoPath, "snapshots", "--json"}, restic.RunOptions{Stdin: password})
	if err != nil {
		return err
	}
	if out.FirstJSON == nil {
		return fmt.Errorf("executor: snapshots produced no JSON output for %s", repoPath)
	}

	if historyEnabled(msg) {
		o.record(wire.TypeGetLocalRepoSnapshots, normalized, out.FirstJSON)
	}

	return o.emit.Emit(scheduled, map[string]any{
		"type":      wire.TypeRespLocalSnapshots,
		"repo_path": repoPath,
		"snapshots": out.FirstJSON,
	})
}

// DoLocalRepoBackup runs a backup against a local repository, emitting the
// processing event before the subprocess starts and the terminal event after
// it finishes. Both events reuse the same task_uuid.
func (o *Ops) DoLocalRepoBackup(ctx context.Context, msg map[string]any) error {
	repoPath := stringField(msg, "repo_path")
	if repoPath == "" {
		return fmt.Errorf("executor: do_local_repo_backup requires repo_path")
	}
	scheduled := wire.IsScheduled(stringField(msg, "type"))
	taskUUID := uuid.NewString()

	normalized, err := o.prepare(msg)
	if err != nil {
		return err
	}
	password := stringField(msg, "password")

	progress := func(status string, output any) error {
		return o.emit.Emit(scheduled, map[string]any{
			"task_uuid":     taskUUID,
			"type":          wire.TypeRespLocalRepoBackup,
			"repo_path":     repoPath,
			"backup_output": output,
			"task_status":   status,
		})
	}

	if err := progress(wire.StatusProcessing, ""); err != nil {
		o.logger.Warn("failed to emit processing event", zap.String("task_uuid", taskUUID), zap.Error(err))
	}

	args := localBackupArgs(repoPath, msg)
	o.logger.Info("running local backup",
		zap.String("repo_path", repoPath),
		zap.String("task_uuid", taskUUID),
	)

	out, err := o.tool.Run(ctx, args, restic.RunOptions{Stdin: password})
	if err != nil {
		if emitErr := progress(wire.StatusFailed, err.Error()); emitErr != nil {
			o.logger.Warn("failed to emit failure event", zap.Error(emitErr))
		}
		return err
	}
	if out.Summary == nil {
		err := fmt.Errorf("executor: backup produced no summary for %s", repoPath)
		if emitErr := progress(wire.StatusFailed, err.Error()); emitErr != nil {
			o.logger.Warn("failed to emit failure event", zap.Error(emitErr))
		}
		return err
	}

	if historyEnabled(msg) {
		o.record(wire.TypeDoLocalRepoBackup, normalized, out.Summary)
	}
	return progress(wire.StatusCompleted, out.Summary)
}

// DoLocalRepoRestore restores a snapshot from a local repository.
// snapshot_id defaults to "latest" and target_path to the current directory.
func (o *Ops) DoLocalRepoRestore(ctx context.Context, msg map[string]any) error {
	repoPath := stringField(msg, "repo_path")
	if repoPath == "" {
		return fmt.Errorf("executor: do_local_repo_restore requires repo_path")
	}
	scheduled := wire.IsScheduled(stringField(msg, "type"))
	taskUUID := uuid.NewString()

	normalized, err := o.prepare(msg)
	if err != nil {
		return err
	}
	password := stringField(msg, "password")

	progress := func(status string, output any) error {
		return o.emit.Emit(scheduled, map[string]any{
			"task_uuid":      taskUUID,
			"type":           wire.TypeRespLocalRepoRestore,
			"repo_path":      repoPath,
			"restore_output": output,
			"task_status":    status,
		})
	}

	if err := progress(wire.StatusProcessing, ""); err != nil {
		o.logger.Warn("failed to emit processing event", zap.String("task_uuid", taskUUID), zap.Error(err))
	}

	args := localRestoreArgs(repoPath, msg)
	o.logger.Info("running local restore",
		zap.String("repo_path", repoPath),
		zap.String("task_uuid", taskUUID),
	)

	out, err := o.tool.Run(ctx, args, restic.RunOptions{Stdin: password})
	if err != nil {
		if emitErr := progress(wire.StatusFailed, err.Error()); emitErr != nil {
			o.logger.Warn("failed to emit failure event", zap.Error(emitErr))
		}
		return err
	}
	if out.Summary == nil {
		err := fmt.Errorf("executor: restore produced no summary for %s", repoPath)
		if emitErr := progress(wire.StatusFailed, err.Error()); emitErr != nil {
			o.logger.Warn("failed to emit failure event", zap.Error(emitErr))
		}
		return err
	}

	if historyEnabled(msg) {
		o.record(wire.TypeDoLocalRepoRestore, normalized, out.Summary)
	}
	return progress(wire.StatusCompleted, out.Summary)
}

// DoS3RepoBackup runs a backup against a cloud object-store repository.
// Credentials travel to the subprocess via environment variables, never the
// command line.
func (o *Ops) DoS3RepoBackup(ctx context.Context, msg map[string]any) error {
	scheduled := wire.IsScheduled(stringField(msg, "type"))
	taskUUID := uuid.NewString()

	normalized, err := o.prepare(msg)
	if err != nil {
		return err
	}
	repoURL, env, err := s3Env(msg)
	if err != nil {
		return err
	}

	progress := func(status string, output any) error {
		return o.emit.Emit(scheduled, map[string]any{
			"task_uuid":     taskUUID,
			"type":          wire.TypeRespS3RepoBackup,
			"s3_url":        repoURL,
			"backup_output": output,
			"task_status":   status,
		})
	}

	if err := progress(wire.StatusProcessing, ""); err != nil {
		o.logger.Warn("failed to emit processing event", zap.String("task_uuid", taskUUID), zap.Error(err))
	}

	args := s3BackupArgs(msg)
	o.logger.Info("running s3 backup",
		zap.String("s3_url", repoURL),
		zap.String("task_uuid", taskUUID),
	)

	out, err := o.tool.Run(ctx, args, restic.RunOptions{Env: env})
	if err != nil {
		if emitErr := progress(wire.StatusFailed, err.Error()); emitErr != nil {
			o.logger.Warn("failed to emit failure event", zap.Error(emitErr))
		}
		return err
	}
	if out.Summary == nil {
		err := fmt.Errorf("executor: s3 backup produced no summary for %s", repoURL)
		if emitErr := progress(wire.StatusFailed, err.Error()); emitErr != nil {
			o.logger.Warn("failed to emit failure event", zap.Error(emitErr))
		}
		return err
	}

	if historyEnabled(msg) {
		o.record(wire.TypeDoS3RepoBackup, normalized, out.Summary)
	}
	return progress(wire.StatusCompleted, out.Summary)
}

// DoS3RepoRestore restores a snapshot from a cloud object-store repository.
func (o *Ops) DoS3RepoRestore(ctx context.Context, msg map[string]any) error {
	scheduled := wire.IsScheduled(stringField(msg, "type"))
	taskUUID := uuid.NewString()

	normalized, err := o.prepare(msg)
	if err != nil {
		return err
	}
	repoURL, env, err := s3Env(msg)
	if err != nil {
		return err
	}

	progress := func(status string, output any) error {
		return o.emit.Emit(scheduled, map[string]any{
			"task_uuid":      taskUUID,
			"type":           wire.TypeRespS3RepoRestore,
			"s3_url":         repoURL,
			"restore_output": output,
			"task_status":    status,
		})
	}

	if err := progress(wire.StatusProcessing, ""); err != nil {
		o.logger.Warn("failed to emit processing event", zap.String("task_uuid", taskUUID), zap.Error(err))
	}

	args := s3RestoreArgs(msg)
	o.logger.Info("running s3 restore",
		zap.String("s3_url", repoURL),
		zap.String("task_uuid", taskUUID),
	)

	out, err := o.tool.Run(ctx, args, restic.RunOptions{Env: env})
	if err != nil {
		if emitErr := progress(wire.StatusFailed, err.Error()); emitErr != nil {
			o.logger.Warn("failed to emit failure event", zap.Error(emitErr))
		}
		return err
	}
	if out.Summary == nil {
		err := fmt.Errorf("executor: s3 restore produced no summary for %s", repoURL)
		if emitErr := progress(wire.StatusFailed, err.Error()); emitErr != nil {
			o.logger.Warn("failed to emit failure event", zap.Error(emitErr))
		}
		return err
	}

	if historyEnabled(msg) {
		o.record(wire.TypeDoS3RepoRestore, normalized, out.Summary)
	}
	return progress(wire.StatusCompleted, out.Summary)
}
