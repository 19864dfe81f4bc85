package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"

	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/controller/dispatch"
	"github.com/bhive-io/bhive/internal/controller/s3repo"
	"github.com/bhive-io/bhive/internal/wire"
)

// TaskDispatcher publishes agent-bound tasks. Implemented by the dispatcher.
type TaskDispatcher interface {
	InitLocalRepo(ctx context.Context, req dispatch.InitLocalRepoRequest) (string, error)
	GetLocalRepoSnapshots(ctx context.Context, req dispatch.LocalSnapshotsRequest) (string, error)
	DoLocalRepoBackup(ctx context.Context, req dispatch.LocalBackupRequest) (string, error)
	DoLocalRepoRestore(ctx context.Context, req dispatch.LocalRestoreRequest) (string, error)
	DoS3RepoBackup(ctx context.Context, req dispatch.S3BackupRequest) (string, error)
	DoS3RepoRestore(ctx context.Context, req dispatch.S3RestoreRequest) (string, error)
}

// BucketService runs bucket repository operations from the controller.
type BucketService interface {
	InitRepo(ctx context.Context, req s3repo.Request) (string, error)
	Snapshots(ctx context.Context, req s3repo.Request) (string, error)
}

// TaskHandler maps operator task requests onto the dispatcher and the
// controller-side bucket service. Every endpoint returns the operation's
// acknowledgement string under "data"; caller-facing validation failures
// ("Error: ...") travel the same way with a 200 status.
type TaskHandler struct {
	dispatcher TaskDispatcher
	buckets    BucketService
	logger     *zap.Logger
}

// NewTaskHandler wires the task endpoints.
func NewTaskHandler(dispatcher TaskDispatcher, buckets BucketService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{dispatcher: dispatcher, buckets: buckets, logger: logger}
}

// wholeNumber decodes a JSON number that must be a whole value. A fractional
// or non-numeric value sets bad instead of failing the whole body decode, so
// the handler can answer with the operation's own error string.
type wholeNumber struct {
	val *int
	bad bool
}

func (n *wholeNumber) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		n.bad = true
		return nil
	}
	if f != math.Trunc(f) {
		n.bad = true
		return nil
	}
	v := int(f)
	n.val = &v
	return nil
}

// schedulerParams are the optional scheduling fields shared by every
// schedulable task body.
type schedulerParams struct {
	Scheduler string         `json:"scheduler,omitempty"`
	Repeats   string         `json:"scheduler_repeats,omitempty"`
	Priority  wholeNumber    `json:"scheduler_priority,omitempty"`
	Interval  *wire.Interval `json:"interval,omitempty"`
	Timelapse string         `json:"timelapse,omitempty"`
}

func (p schedulerParams) opts() dispatch.SchedulerOpts {
	return dispatch.SchedulerOpts{
		Scheduler: p.Scheduler,
		Repeats:   p.Repeats,
		Priority:  p.Priority.val,
		Interval:  p.Interval,
		Timelapse: p.Timelapse,
	}
}

// respond writes the operation outcome. Internal errors are hidden;
// everything else, including contract error strings, goes out under "data".
func (h *TaskHandler) respond(w http.ResponseWriter, ack string, err error) {
	if err != nil {
		h.logger.Error("task request failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, ack)
}

type initLocalRepoBody struct {
	SystemUUID     string `json:"system_uuid"`
	RepoPath       string `json:"repo_path"`
	Password       string `json:"password"`
	CommandHistory *bool  `json:"command_history,omitempty"`
}

func (h *TaskHandler) InitLocalRepo(w http.ResponseWriter, r *http.Request) {
	var body initLocalRepoBody
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := h.dispatcher.InitLocalRepo(r.Context(), dispatch.InitLocalRepoRequest{
		SystemUUID:     body.SystemUUID,
		RepoPath:       body.RepoPath,
		Password:       body.Password,
		CommandHistory: body.CommandHistory,
	})
	h.respond(w, res, err)
}

type localSnapshotsBody struct {
	SystemUUID     string `json:"system_uuid"`
	RepoPath       string `json:"repo_path"`
	Password       string `json:"password"`
	CommandHistory *bool  `json:"command_history,omitempty"`
	schedulerParams
}

func (h *TaskHandler) GetLocalRepoSnapshots(w http.ResponseWriter, r *http.Request) {
	var body localSnapshotsBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Priority.bad {
		Ok(w, dispatch.ErrPriorityNotWhole)
		return
	}
	res, err := h.dispatcher.GetLocalRepoSnapshots(r.Context(), dispatch.LocalSnapshotsRequest{
		SystemUUID:     body.SystemUUID,
		RepoPath:       body.RepoPath,
		Password:       body.Password,
		CommandHistory: body.CommandHistory,
		Sched:          body.opts(),
	})
	h.respond(w, res, err)
}

type localBackupBody struct {
	SystemUUID     string   `json:"system_uuid"`
	RepoPath       string   `json:"repo_path"`
	Password       string   `json:"password"`
	Paths          []string `json:"paths"`
	Exclude        []string `json:"exclude,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	CustomOptions  []string `json:"custom_options,omitempty"`
	CommandHistory *bool    `json:"command_history,omitempty"`
	schedulerParams
}

func (h *TaskHandler) DoLocalRepoBackup(w http.ResponseWriter, r *http.Request) {
	var body localBackupBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Priority.bad {
		Ok(w, dispatch.ErrPriorityNotWhole)
		return
	}
	res, err := h.dispatcher.DoLocalRepoBackup(r.Context(), dispatch.LocalBackupRequest{
		SystemUUID:     body.SystemUUID,
		RepoPath:       body.RepoPath,
		Password:       body.Password,
		Paths:          body.Paths,
		Exclude:        body.Exclude,
		Tags:           body.Tags,
		CustomOptions:  body.CustomOptions,
		CommandHistory: body.CommandHistory,
		Sched:          body.opts(),
	})
	h.respond(w, res, err)
}

type localRestoreBody struct {
	SystemUUID     string   `json:"system_uuid"`
	RepoPath       string   `json:"repo_path"`
	Password       string   `json:"password"`
	SnapshotID     string   `json:"snapshot_id"`
	TargetPath     string   `json:"target_path"`
	Exclude        []string `json:"exclude,omitempty"`
	Include        []string `json:"include,omitempty"`
	CustomOptions  []string `json:"custom_options,omitempty"`
	CommandHistory *bool    `json:"command_history,omitempty"`
	schedulerParams
}

func (h *TaskHandler) DoLocalRepoRestore(w http.ResponseWriter, r *http.Request) {
	var body localRestoreBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Priority.bad {
		Ok(w, dispatch.ErrPriorityNotWhole)
		return
	}
	res, err := h.dispatcher.DoLocalRepoRestore(r.Context(), dispatch.LocalRestoreRequest{
		SystemUUID:     body.SystemUUID,
		RepoPath:       body.RepoPath,
		Password:       body.Password,
		SnapshotID:     body.SnapshotID,
		TargetPath:     body.TargetPath,
		Exclude:        body.Exclude,
		Include:        body.Include,
		CustomOptions:  body.CustomOptions,
		CommandHistory: body.CommandHistory,
		Sched:          body.opts(),
	})
	h.respond(w, res, err)
}

type s3CredentialsBody struct {
	AccessKeyID     string `json:"aws_access_key_id"`
	SecretAccessKey string `json:"aws_secret_access_key"`
	SessionToken    string `json:"aws_session_token,omitempty"`
	Region          string `json:"region"`
	BucketName      string `json:"bucket_name"`
	Password        string `json:"password"`
}

func (c s3CredentialsBody) creds() dispatch.S3Credentials {
	return dispatch.S3Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Region:          c.Region,
		BucketName:      c.BucketName,
		Password:        c.Password,
	}
}

type s3RepoBody struct {
	Org string `json:"org"`
	s3CredentialsBody
}

func (b s3RepoBody) request() s3repo.Request {
	return s3repo.Request{
		Org:             b.Org,
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
		SessionToken:    b.SessionToken,
		Region:          b.Region,
		Bucket:          b.BucketName,
		Password:        b.Password,
	}
}

func (h *TaskHandler) InitS3Repo(w http.ResponseWriter, r *http.Request) {
	var body s3RepoBody
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := h.buckets.InitRepo(r.Context(), body.request())
	h.respond(w, res, err)
}

func (h *TaskHandler) GetS3RepoSnapshots(w http.ResponseWriter, r *http.Request) {
	var body s3RepoBody
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := h.buckets.Snapshots(r.Context(), body.request())
	h.respond(w, res, err)
}

type s3BackupBody struct {
	SystemUUID string `json:"system_uuid"`
	s3CredentialsBody
	Paths          []string `json:"paths"`
	Exclude        []string `json:"exclude,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	CustomOptions  []string `json:"custom_options,omitempty"`
	CommandHistory *bool    `json:"command_history,omitempty"`
	schedulerParams
}

func (h *TaskHandler) DoS3RepoBackup(w http.ResponseWriter, r *http.Request) {
	var body s3BackupBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Priority.bad {
		Ok(w, dispatch.ErrPriorityNotWhole)
		return
	}
	res, err := h.dispatcher.DoS3RepoBackup(r.Context(), dispatch.S3BackupRequest{
		SystemUUID:     body.SystemUUID,
		Creds:          body.creds(),
		Paths:          body.Paths,
		Exclude:        body.Exclude,
		Tags:           body.Tags,
		CustomOptions:  body.CustomOptions,
		CommandHistory: body.CommandHistory,
		Sched:          body.opts(),
	})
	h.respond(w, res, err)
}

type s3RestoreBody struct {
	SystemUUID string `json:"system_uuid"`
	s3CredentialsBody
	SnapshotID     string   `json:"snapshot_id"`
	TargetPath     string   `json:"target_path"`
	Exclude        []string `json:"exclude,omitempty"`
	Include        []string `json:"include,omitempty"`
	CustomOptions  []string `json:"custom_options,omitempty"`
	CommandHistory *bool    `json:"command_history,omitempty"`
	schedulerParams
}

func (h *TaskHandler) DoS3RepoRestore(w http.ResponseWriter, r *http.Request) {
	var body s3RestoreBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Priority.bad {
		Ok(w, dispatch.ErrPriorityNotWhole)
		return
	}
	res, err := h.dispatcher.DoS3RepoRestore(r.Context(), dispatch.S3RestoreRequest{
		SystemUUID:     body.SystemUUID,
		Creds:          body.creds(),
		SnapshotID:     body.SnapshotID,
		TargetPath:     body.TargetPath,
		Exclude:        body.Exclude,
		Include:        body.Include,
		CustomOptions:  body.CustomOptions,
		CommandHistory: body.CommandHistory,
		Sched:          body.opts(),
	})
	h.respond(w, res, err)
}
