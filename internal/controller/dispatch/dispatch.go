// Package dispatch turns controller mutations into durable task messages on
// agent inboxes. Every mutation follows the same shape: gate on the target
// agent's liveness, build the task message, validate and enrich scheduling
// inputs, encrypt credential fields, publish, and return a human-readable
// acknowledgement. Validation failures return their exact error string and
// publish nothing.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/controller/metrics"
	"github.com/bhive-io/bhive/internal/secrets"
	"github.com/bhive-io/bhive/internal/wire"
)

// Caller-facing error strings. These are part of the mutation contract and
// must not be reworded.
const (
	ErrNotConnected       = "Error: Client not connected"
	ErrRepeatsNotPositive = "Error: 'scheduler_repeats' must be a positive integer"
	ErrRepeatsMalformed   = "Error: 'scheduler_repeats' must be either 'once', 'infinite', or a positive integer"
	ErrPriorityNotWhole   = "Error: 'scheduler_priority' must be a whole number"
	ErrSchedulerUnknown   = "Error: 'scheduler' must be either 'interval' or 'timelapse'"
	ErrIntervalRequired   = "Error: 'interval' is required when scheduler is 'interval'"
	ErrTimelapseRequired  = "Error: 'timelapse' is required when scheduler is 'timelapse'"
)

// Liveness answers whether an agent currently holds an open control channel.
// Implemented by the channel hub.
type Liveness interface {
	IsConnected(systemUUID string) bool
}

// Publisher enqueues a task message on an agent's inbox. Implemented by the
// broker.
type Publisher interface {
	Publish(ctx context.Context, systemUUID string, msg map[string]any) error
}

// Dispatcher publishes task messages for connected agents.
type Dispatcher struct {
	liveness Liveness
	pub      Publisher
	secrets  *secrets.Store
	logger   *zap.Logger
}

// New wires a Dispatcher.
func New(liveness Liveness, pub Publisher, store *secrets.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		liveness: liveness,
		pub:      pub,
		secrets:  store,
		logger:   logger.Named("dispatch"),
	}
}

// SchedulerOpts carries the optional scheduling inputs shared by every
// schedulable mutation.
type SchedulerOpts struct {
	Scheduler string
	Repeats   string
	Priority  *int
	Interval  *wire.Interval
	Timelapse string
}

// Requested reports whether the caller asked for a scheduled variant.
func (o SchedulerOpts) Requested() bool {
	return o.Scheduler != ""
}

// InitLocalRepoRequest initializes a repository on the agent's filesystem.
// Init is a one-time configuration step, so it has no scheduled variant.
type InitLocalRepoRequest struct {
	SystemUUID     string
	RepoPath       string
	Password       string
	CommandHistory *bool
}

// InitLocalRepo dispatches a local repository initialization.
func (d *Dispatcher) InitLocalRepo(ctx context.Context, req InitLocalRepoRequest) (string, error) {
	msg := map[string]any{
		"type":      wire.TypeInitLocalRepo,
		"repo_path": req.RepoPath,
		"password":  req.Password,
	}
	setHistory(msg, req.CommandHistory)

	if ack, err := d.publish(ctx, req.SystemUUID, msg); ack != "" || err != nil {
		return ack, err
	}
	return fmt.Sprintf("Task allocated to initialize local repo: %s", req.RepoPath), nil
}

// LocalSnapshotsRequest lists snapshots of a local repository.
type LocalSnapshotsRequest struct {
	SystemUUID     string
	RepoPath       string
	Password       string
	CommandHistory *bool
	Sched          SchedulerOpts
}

// GetLocalRepoSnapshots dispatches a snapshot listing.
func (d *Dispatcher) GetLocalRepoSnapshots(ctx context.Context, req LocalSnapshotsRequest) (string, error) {
	msg := map[string]any{
		"type":      scheduledType(wire.TypeGetLocalRepoSnapshots, req.Sched),
		"repo_path": req.RepoPath,
		"password":  req.Password,
	}
	setHistory(msg, req.CommandHistory)

	if errStr := enrichScheduler(msg, req.Sched); errStr != "" {
		return errStr, nil
	}
	if ack, err := d.publish(ctx, req.SystemUUID, msg); ack != "" || err != nil {
		return ack, err
	}
	return fmt.Sprintf("Task allocated to retrieve snapshots for local repo: %s", req.RepoPath), nil
}

// LocalBackupRequest backs up paths into a local repository.
type LocalBackupRequest struct {
	SystemUUID     string
	RepoPath       string
	Password       string
	Paths          []string
	Exclude        []string
	Tags           []string
	CustomOptions  []string
	CommandHistory *bool
	Sched          SchedulerOpts
}

// DoLocalRepoBackup dispatches a local backup.
func (d *Dispatcher) DoLocalRepoBackup(ctx context.Context, req LocalBackupRequest) (string, error) {
	msg := map[string]any{
		"type":           scheduledType(wire.TypeDoLocalRepoBackup, req.Sched),
		"repo_path":      req.RepoPath,
		"password":       req.Password,
		"paths":          orEmpty(req.Paths),
		"exclude":        orEmpty(req.Exclude),
		"tags":           orEmpty(req.Tags),
		"custom_options": orEmpty(req.CustomOptions),
	}
	setHistory(msg, req.CommandHistory)

	if errStr := enrichScheduler(msg, req.Sched); errStr != "" {
		return errStr, nil
	}
	if ack, err := d.publish(ctx, req.SystemUUID, msg); ack != "" || err != nil {
		return ack, err
	}
	return fmt.Sprintf("Task allocated to backup to local repo: %s", req.RepoPath), nil
}

// LocalRestoreRequest restores a snapshot from a local repository.
type LocalRestoreRequest struct {
	SystemUUID     string
	RepoPath       string
	Password       string
	SnapshotID     string
	TargetPath     string
	Exclude        []string
	Include        []string
	CustomOptions  []string
	CommandHistory *bool
	Sched          SchedulerOpts
}

// DoLocalRepoRestore dispatches a local restore.
func (d *Dispatcher) DoLocalRepoRestore(ctx context.Context, req LocalRestoreRequest) (string, error) {
	msg := map[string]any{
		"type":           scheduledType(wire.TypeDoLocalRepoRestore, req.Sched),
		"repo_path":      req.RepoPath,
		"password":       req.Password,
		"snapshot_id":    req.SnapshotID,
		"target_path":    req.TargetPath,
		"exclude":        orEmpty(req.Exclude),
		"include":        orEmpty(req.Include),
		"custom_options": orEmpty(req.CustomOptions),
	}
	setHistory(msg, req.CommandHistory)

	if errStr := enrichScheduler(msg, req.Sched); errStr != "" {
		return errStr, nil
	}
	if ack, err := d.publish(ctx, req.SystemUUID, msg); ack != "" || err != nil {
		return ack, err
	}
	return fmt.Sprintf("Task allocated to restore from local repo: %s", req.RepoPath), nil
}

// S3Credentials are the cloud fields shared by bucket-backed operations.
type S3Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	BucketName      string
	Password        string
}

func (c S3Credentials) fill(msg map[string]any) {
	msg["aws_access_key_id"] = c.AccessKeyID
	msg["aws_secret_access_key"] = c.SecretAccessKey
	msg["aws_session_token"] = c.SessionToken
	msg["region"] = c.Region
	msg["bucket_name"] = c.BucketName
	msg["password"] = c.Password
}

// S3BackupRequest backs up paths into a bucket repository.
type S3BackupRequest struct {
	SystemUUID     string
	Creds          S3Credentials
	Paths          []string
	Exclude        []string
	Tags           []string
	CustomOptions  []string
	CommandHistory *bool
	Sched          SchedulerOpts
}

// DoS3RepoBackup dispatches a bucket backup.
func (d *Dispatcher) DoS3RepoBackup(ctx context.Context, req S3BackupRequest) (string, error) {
	msg := map[string]any{
		"type":           scheduledType(wire.TypeDoS3RepoBackup, req.Sched),
		"paths":          orEmpty(req.Paths),
		"exclude":        orEmpty(req.Exclude),
		"tags":           orEmpty(req.Tags),
		"custom_options": orEmpty(req.CustomOptions),
	}
	req.Creds.fill(msg)
	setHistory(msg, req.CommandHistory)

	if errStr := enrichScheduler(msg, req.Sched); errStr != "" {
		return errStr, nil
	}
	if ack, err := d.publish(ctx, req.SystemUUID, msg); ack != "" || err != nil {
		return ack, err
	}
	return fmt.Sprintf("Task allocated to backup to s3 repo: %s", req.Creds.BucketName), nil
}

// S3RestoreRequest restores a snapshot from a bucket repository.
type S3RestoreRequest struct {
	SystemUUID     string
	Creds          S3Credentials
	SnapshotID     string
	TargetPath     string
	Exclude        []string
	Include        []string
	CustomOptions  []string
	CommandHistory *bool
	Sched          SchedulerOpts
}

// DoS3RepoRestore dispatches a bucket restore.
func (d *Dispatcher) DoS3RepoRestore(ctx context.Context, req S3RestoreRequest) (string, error) {
	msg := map[string]any{
		"type":           scheduledType(wire.TypeDoS3RepoRestore, req.Sched),
		"snapshot_id":    req.SnapshotID,
		"target_path":    req.TargetPath,
		"exclude":        orEmpty(req.Exclude),
		"include":        orEmpty(req.Include),
		"custom_options": orEmpty(req.CustomOptions),
	}
	req.Creds.fill(msg)
	setHistory(msg, req.CommandHistory)

	if errStr := enrichScheduler(msg, req.Sched); errStr != "" {
		return errStr, nil
	}
	if ack, err := d.publish(ctx, req.SystemUUID, msg); ack != "" || err != nil {
		return ack, err
	}
	return fmt.Sprintf("Task allocated to restore from s3 repo: %s", req.Creds.BucketName), nil
}

// TriggerRestore is the DR monitor's entry point. restoreConfig is the
// policy's opaque restore bag; it must name the task type and target agent
// and carry the matching restore parameters.
func (d *Dispatcher) TriggerRestore(ctx context.Context, restoreConfig map[string]any) error {
	target, _ := restoreConfig["system_uuid"].(string)
	if target == "" {
		return fmt.Errorf("dispatch: restore_config has no system_uuid")
	}

	msg := make(map[string]any, len(restoreConfig))
	for k, v := range restoreConfig {
		if k == "system_uuid" {
			continue
		}
		msg[k] = v
	}
	if _, ok := msg["type"].(string); !ok {
		msg["type"] = wire.TypeDoLocalRepoRestore
	}

	ack, err := d.publish(ctx, target, msg)
	if err != nil {
		return err
	}
	if ack != "" {
		return fmt.Errorf("dispatch: %s", ack)
	}
	return nil
}

// publish gates on liveness, encrypts credential fields, and enqueues the
// message. A non-empty returned string is a caller-facing rejection.
func (d *Dispatcher) publish(ctx context.Context, systemUUID string, msg map[string]any) (string, error) {
	if !d.liveness.IsConnected(systemUUID) {
		return ErrNotConnected, nil
	}

	if err := d.secrets.EncryptParams(msg); err != nil {
		return "", fmt.Errorf("dispatch: failed to encrypt credentials: %w", err)
	}

	if err := d.pub.Publish(ctx, systemUUID, msg); err != nil {
		return "", err
	}

	msgType, _ := msg["type"].(string)
	metrics.TasksDispatched.WithLabelValues(msgType).Inc()
	d.logger.Info("task dispatched",
		zap.String("system_uuid", systemUUID),
		zap.String("type", msgType),
	)
	return "", nil
}

// scheduledType prefixes the task type when a scheduler was requested.
func scheduledType(base string, sched SchedulerOpts) string {
	if sched.Requested() {
		return wire.SchedulePrefix + base
	}
	return base
}

// enrichScheduler validates the scheduling inputs and folds them into the
// task message. It returns the exact caller-facing error string on invalid
// input, empty string on success.
func enrichScheduler(msg map[string]any, sched SchedulerOpts) string {
	if !sched.Requested() {
		return ""
	}

	repeats, errStr := validateRepeats(sched.Repeats)
	if errStr != "" {
		return errStr
	}

	msg["scheduler"] = sched.Scheduler
	if repeats != "" {
		msg["scheduler_repeats"] = repeats
	}
	if sched.Priority != nil {
		msg["scheduler_priority"] = *sched.Priority
	}

	// The trigger input matching the requested scheduler must be present;
	// the agent would reject the job otherwise.
	switch sched.Scheduler {
	case "interval":
		if sched.Interval == nil || sched.Interval.Zero() {
			return ErrIntervalRequired
		}
		msg["interval"] = map[string]any{
			"days":    sched.Interval.Days,
			"hours":   sched.Interval.Hours,
			"minutes": sched.Interval.Minutes,
			"seconds": sched.Interval.Seconds,
		}

	case "timelapse":
		if sched.Timelapse == "" {
			return ErrTimelapseRequired
		}
		at, errStr := parseTimelapse(sched.Timelapse)
		if errStr != "" {
			return errStr
		}
		msg["timelapse"] = at

	default:
		return ErrSchedulerUnknown
	}
	return ""
}

// parseTimelapse normalizes a timelapse instant to RFC 3339 UTC. Both the
// full RFC 3339 form and the offset-less date-time are accepted; the latter
// is read as UTC.
func parseTimelapse(s string) (string, string) {
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		at, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return "", fmt.Sprintf("Error: invalid timelapse %q, expected an ISO-8601 date-time", s)
		}
	}
	return at.UTC().Format(time.RFC3339), ""
}

// validateRepeats normalizes scheduler_repeats to "once", "infinite", or a
// positive integer string. Empty input passes through untouched.
func validateRepeats(repeats string) (string, string) {
	if repeats == "" || repeats == "once" || repeats == "infinite" {
		return repeats, ""
	}
	n, err := strconv.Atoi(repeats)
	if err != nil {
		return "", ErrRepeatsMalformed
	}
	if n <= 0 {
		return "", ErrRepeatsNotPositive
	}
	return strconv.Itoa(n), ""
}

func setHistory(msg map[string]any, history *bool) {
	if history != nil {
		msg["command_history"] = *history
	}
}

func orEmpty(vals []string) []string {
	if vals == nil {
		return []string{}
	}
	return vals
}
