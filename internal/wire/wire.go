// Package wire defines the JSON message schema spoken between the controller
// and its agents, plus the handler registries both sides dispatch on. It is
// deliberately dependency-free: the dispatcher, the channel manager, and the
// agent handlers all import wire, never each other, which keeps the dispatch
// graph acyclic.
//
// Every frame is a flat JSON object carrying a "type" field. Task messages
// flow downstream (controller → agent inbox), response messages flow upstream
// (agent → controller channel). Scheduled variants of a task type carry the
// "schedule_" prefix and are handled by the agent scheduler instead of being
// executed immediately.
package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Downstream task types. These are the values the controller dispatcher puts
// in the "type" field of messages published to an agent inbox.
const (
	TypeInitLocalRepo         = "init_local_repo"
	TypeGetLocalRepoSnapshots = "get_local_repo_snapshots"
	TypeDoLocalRepoBackup     = "do_local_repo_backup"
	TypeDoLocalRepoRestore    = "do_local_repo_restore"
	TypeDoS3RepoBackup        = "do_s3_repo_backup"
	TypeDoS3RepoRestore       = "do_s3_repo_restore"
)

// Upstream response types sent by agents over the control channel.
const (
	TypeRespInitLocalRepo     = "response_init_local_repo"
	TypeRespLocalSnapshots    = "response_local_repo_snapshots"
	TypeRespLocalRepoBackup   = "response_local_repo_backup"
	TypeRespLocalRepoRestore  = "response_local_repo_restore"
	TypeRespInitS3Repo        = "response_init_s3_repo"
	TypeRespS3Snapshots       = "response_s3_repo_snapshots"
	TypeRespS3RepoBackup      = "response_s3_repo_backup"
	TypeRespS3RepoRestore     = "response_s3_repo_restore"
)

// Task status values carried by backup and restore responses. A task opens
// with "processing" and converges to exactly one of the terminal states.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// SchedulePrefix marks the scheduled variant of a task type
// (e.g. "schedule_do_local_repo_backup").
const SchedulePrefix = "schedule_"

// Channel close codes. The controller rejects a channel open with one of
// these before any application traffic flows.
const (
	// CloseAuthFailure is sent when the bearer token is invalid or the org
	// parameter is missing. The agent must re-authenticate before retrying.
	CloseAuthFailure = 4001

	// CloseBrokerDown is sent when the durable inbox broker is unreachable.
	// The agent keeps its token and retries the connection.
	CloseBrokerDown = 4000
)

// IsScheduled reports whether msgType carries the schedule_ prefix.
func IsScheduled(msgType string) bool {
	return strings.HasPrefix(msgType, SchedulePrefix)
}

// Unscheduled strips the schedule_ prefix, returning the immediate task type
// the scheduler fires when the trigger elapses.
func Unscheduled(msgType string) string {
	return strings.TrimPrefix(msgType, SchedulePrefix)
}

// InboxName returns the durable inbox queue name for an agent. The name is
// deterministic so the controller and the agent independently arrive at the
// same queue.
func InboxName(systemUUID string) string {
	return "queue_" + systemUUID
}

// Interval is the repeat period of an interval-scheduled task. All fields are
// non-negative; at least one must be positive for the trigger to be valid.
type Interval struct {
	Days    int `json:"days"`
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// Zero reports whether the interval has no positive component.
func (iv Interval) Zero() bool {
	return iv.Days == 0 && iv.Hours == 0 && iv.Minutes == 0 && iv.Seconds == 0
}

// TypeOf extracts the "type" field from a raw JSON frame without decoding the
// rest of the payload.
func TypeOf(raw []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("wire: malformed frame: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("wire: frame has no type field")
	}
	return probe.Type, nil
}

// Decode parses a raw frame into the generic parameter map handlers consume.
func Decode(raw []byte) (map[string]any, error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	return msg, nil
}

// TaskHandler processes one downstream task message on the agent. The message
// map includes the "type" field alongside the operation parameters.
type TaskHandler func(ctx context.Context, msg map[string]any) error

// TaskRegistry maps downstream task types to their handlers. It is built once
// at agent startup and read-only afterwards, so no locking is needed.
type TaskRegistry struct {
	handlers map[string]TaskHandler
}

// NewTaskRegistry returns an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{handlers: make(map[string]TaskHandler)}
}

// Register binds a handler to a task type. Registering the same type twice
// panics: that is a wiring bug, not a runtime condition.
func (r *TaskRegistry) Register(msgType string, h TaskHandler) {
	if _, dup := r.handlers[msgType]; dup {
		panic(fmt.Sprintf("wire: duplicate handler registration for %q", msgType))
	}
	r.handlers[msgType] = h
}

// Lookup returns the handler for msgType, or nil if none is registered.
// Scheduled variants resolve through the same entry as their base type only
// when explicitly registered; the agent registers both spellings.
func (r *TaskRegistry) Lookup(msgType string) TaskHandler {
	return r.handlers[msgType]
}

// ResponseHandler processes one upstream response message on the controller.
// systemUUID and org come from the channel the frame arrived on, not from the
// frame itself, so an agent cannot impersonate another.
type ResponseHandler func(ctx context.Context, systemUUID string, msg map[string]any, org string) error

// ResponseRegistry maps upstream response types to their handlers.
type ResponseRegistry struct {
	handlers map[string]ResponseHandler
}

// NewResponseRegistry returns an empty registry.
func NewResponseRegistry() *ResponseRegistry {
	return &ResponseRegistry{handlers: make(map[string]ResponseHandler)}
}

// Register binds a handler to a response type.
func (r *ResponseRegistry) Register(msgType string, h ResponseHandler) {
	if _, dup := r.handlers[msgType]; dup {
		panic(fmt.Sprintf("wire: duplicate handler registration for %q", msgType))
	}
	r.handlers[msgType] = h
}

// Lookup returns the handler for msgType, or nil if none is registered.
func (r *ResponseRegistry) Lookup(msgType string) ResponseHandler {
	return r.handlers[msgType]
}
