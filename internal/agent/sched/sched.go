// Package sched runs the agent's scheduled task variants. A schedule_
// prefixed task message is not executed on arrival: it is parsed into a
// durable job record, registered with the in-process scheduler, and fired by
// trigger. Firings call the same operation handlers as immediate dispatch;
// because the stored message keeps its schedule_ prefix, every response the
// handler emits takes the deferred path.
//
// Two trigger shapes exist:
//
//   - interval: repeat every {days, hours, minutes, seconds}
//   - timelapse: one shot at an absolute UTC timestamp
//
// Jobs survive restarts: each job record is persisted in the ledger and
// reloaded on startup. A timelapse whose timestamp has passed while the
// agent was down fires once immediately.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/agent/ledger"
	"github.com/bhive-io/bhive/internal/wire"
)

// RepeatInfinite is the Repeats value of a job with no firing budget.
const RepeatInfinite = -1

// Scheduler owns the gocron instance and the durable job records.
type Scheduler struct {
	cron     gocron.Scheduler
	led      *ledger.Ledger
	registry *wire.TaskRegistry
	logger   *zap.Logger

	// ctx is the agent lifetime context handlers run under. Set by Start.
	ctx context.Context
}

// New creates a stopped Scheduler dispatching into registry.
func New(led *ledger.Ledger, registry *wire.TaskRegistry, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sched: failed to create scheduler: %w", err)
	}
	return &Scheduler{
		cron:     cron,
		led:      led,
		registry: registry,
		logger:   logger.Named("sched"),
	}, nil
}

// Start reloads persisted jobs and begins firing triggers. ctx bounds every
// handler invocation; in-flight handlers run to completion on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	recs, err := s.led.Jobs()
	if err != nil {
		return fmt.Errorf("sched: failed to reload jobs: %w", err)
	}
	for _, rec := range recs {
		if err := s.register(rec); err != nil {
			s.logger.Error("failed to re-register persisted job",
				zap.String("job_id", rec.ID),
				zap.String("type", rec.Type),
				zap.Error(err),
			)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("reloaded_jobs", len(recs)))
	return nil
}

// Shutdown stops firing new triggers. Handlers already running continue to
// completion.
func (s *Scheduler) Shutdown() error {
	return s.cron.Shutdown()
}

// Schedule is the task handler for every schedule_-prefixed message type.
// It persists the job and registers its trigger; nothing executes until the
// trigger fires.
func (s *Scheduler) Schedule(_ context.Context, msg map[string]any) error {
	msgType := stringField(msg, "type")
	if !wire.IsScheduled(msgType) {
		return fmt.Errorf("sched: %q is not a scheduled task type", msgType)
	}
	if s.registry.Lookup(wire.Unscheduled(msgType)) == nil {
		return fmt.Errorf("sched: no handler for scheduled base type %q", wire.Unscheduled(msgType))
	}

	rec, err := s.parseJob(msg)
	if err != nil {
		return err
	}

	params, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sched: failed to serialize task params: %w", err)
	}
	rec.Params = params

	rowID, err := s.led.AppendSchedule(params)
	if err != nil {
		// Losing the ledger row is survivable; the job still runs.
		s.logger.Error("failed to append schedule ledger row", zap.Error(err))
	}
	rec.LedgerRow = rowID

	if err := s.led.SaveJob(rec); err != nil {
		return fmt.Errorf("sched: failed to persist job: %w", err)
	}
	if err := s.register(rec); err != nil {
		return err
	}

	s.logger.Info("task scheduled",
		zap.String("job_id", rec.ID),
		zap.String("type", rec.Type),
		zap.String("trigger", rec.Trigger),
		zap.Int("repeats", rec.Repeats),
		zap.Int("priority", rec.Priority),
	)
	return nil
}

// parseJob extracts the scheduling fields from a task message. The
// controller validated them before dispatch; parsing here is defensive
// against hand-crafted queue messages.
func (s *Scheduler) parseJob(msg map[string]any) (ledger.JobRecord, error) {
	rec := ledger.JobRecord{
		ID:   uuid.NewString(),
		Type: stringField(msg, "type"),
	}

	repeats, err := parseRepeats(msg["scheduler_repeats"])
	if err != nil {
		return rec, err
	}
	rec.Repeats = repeats
	rec.Priority = intField(msg, "scheduler_priority")

	switch trigger := stringField(msg, "scheduler"); trigger {
	case "interval":
		iv, err := parseInterval(msg["interval"])
		if err != nil {
			return rec, err
		}
		rec.Trigger = "interval"
		rec.Interval = iv

	case "timelapse":
		ts := stringField(msg, "timelapse")
		at, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return rec, fmt.Errorf("sched: invalid timelapse %q: %w", ts, err)
		}
		rec.Trigger = "timelapse"
		rec.Timelapse = at.UTC()
		rec.Repeats = 1

	default:
		return rec, fmt.Errorf("sched: unknown scheduler trigger %q", trigger)
	}

	return rec, nil
}

// register attaches a job record to the gocron scheduler.
func (s *Scheduler) register(rec ledger.JobRecord) error {
	task := gocron.NewTask(func() { s.fire(rec.ID) })

	var def gocron.JobDefinition
	switch rec.Trigger {
	case "interval":
		d := intervalDuration(rec.Interval)
		if d <= 0 {
			return fmt.Errorf("sched: job %s has an empty interval", rec.ID)
		}
		def = gocron.DurationJob(d)

	case "timelapse":
		if !rec.Timelapse.After(time.Now()) {
			// Missed while the agent was down: fire once, immediately.
			go s.fire(rec.ID)
			return nil
		}
		def = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(rec.Timelapse))

	default:
		return fmt.Errorf("sched: job %s has unknown trigger %q", rec.ID, rec.Trigger)
	}

	opts := []gocron.JobOption{
		gocron.WithTags(rec.Type, rec.ID),
		gocron.WithSingletonMode(gocron.LimitModeWait),
	}
	if rec.Repeats > 0 {
		opts = append(opts, gocron.WithLimitedRuns(uint(rec.Repeats)))
	}

	if _, err := s.cron.NewJob(def, task, opts...); err != nil {
		return fmt.Errorf("sched: failed to register job %s: %w", rec.ID, err)
	}
	return nil
}

// fire runs one trigger: reload the record, call the base handler, then
// account for the spent repeat.
func (s *Scheduler) fire(jobID string) {
	rec, ok := s.lookupJob(jobID)
	if !ok {
		s.logger.Warn("fired job has no persisted record", zap.String("job_id", jobID))
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(rec.Params, &msg); err != nil {
		s.logger.Error("corrupted job params", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	handler := s.registry.Lookup(wire.Unscheduled(rec.Type))
	if handler == nil {
		s.logger.Error("no handler for fired job", zap.String("type", rec.Type))
		return
	}

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Info("firing scheduled task",
		zap.String("job_id", jobID),
		zap.String("type", rec.Type),
	)

	runErr := handler(ctx, msg)
	if runErr != nil {
		s.logger.Error("scheduled task failed",
			zap.String("job_id", jobID),
			zap.String("type", rec.Type),
			zap.Error(runErr),
		)
	}

	s.settle(rec, runErr)
}

// settle updates the job record and schedule ledger row after a firing.
func (s *Scheduler) settle(rec ledger.JobRecord, runErr error) {
	if rec.Repeats == RepeatInfinite {
		return
	}

	rec.Repeats--
	if rec.Repeats > 0 {
		if err := s.led.SaveJob(rec); err != nil {
			s.logger.Error("failed to persist remaining repeats", zap.String("job_id", rec.ID), zap.Error(err))
		}
		return
	}

	if err := s.led.DeleteJob(rec.ID); err != nil {
		s.logger.Error("failed to delete exhausted job", zap.String("job_id", rec.ID), zap.Error(err))
	}
	status := ledger.ScheduleDone
	if runErr != nil {
		status = ledger.ScheduleFailed
	}
	if rec.LedgerRow != 0 {
		if err := s.led.SetScheduleStatus(rec.LedgerRow, status); err != nil {
			s.logger.Error("failed to finalize schedule ledger row", zap.Uint64("row", rec.LedgerRow), zap.Error(err))
		}
	}
}

func (s *Scheduler) lookupJob(jobID string) (ledger.JobRecord, bool) {
	recs, err := s.led.Jobs()
	if err != nil {
		s.logger.Error("failed to load job records", zap.Error(err))
		return ledger.JobRecord{}, false
	}
	for _, rec := range recs {
		if rec.ID == jobID {
			return rec, true
		}
	}
	return ledger.JobRecord{}, false
}

// parseRepeats normalizes scheduler_repeats: "once" fires one time,
// "infinite" has no budget, and a positive integer (number or numeric
// string) fires that many times. Absent defaults to once.
func parseRepeats(v any) (int, error) {
	switch val := v.(type) {
	case nil:
		return 1, nil
	case string:
		switch val {
		case "once":
			return 1, nil
		case "infinite":
			return RepeatInfinite, nil
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("sched: invalid scheduler_repeats %q", val)
		}
		if n <= 0 {
			return 0, fmt.Errorf("sched: scheduler_repeats must be positive, got %d", n)
		}
		return n, nil
	case float64:
		n := int(val)
		if n <= 0 {
			return 0, fmt.Errorf("sched: scheduler_repeats must be positive, got %d", n)
		}
		return n, nil
	case int:
		if val <= 0 {
			return 0, fmt.Errorf("sched: scheduler_repeats must be positive, got %d", val)
		}
		return val, nil
	default:
		return 0, fmt.Errorf("sched: invalid scheduler_repeats of type %T", v)
	}
}

// parseInterval decodes the interval record from its JSON map form.
func parseInterval(v any) (wire.Interval, error) {
	var iv wire.Interval
	obj, ok := v.(map[string]any)
	if !ok {
		return iv, fmt.Errorf("sched: interval record is required for interval scheduling")
	}
	iv.Days = intOf(obj["days"])
	iv.Hours = intOf(obj["hours"])
	iv.Minutes = intOf(obj["minutes"])
	iv.Seconds = intOf(obj["seconds"])
	if iv.Zero() {
		return iv, fmt.Errorf("sched: interval record has no positive component")
	}
	return iv, nil
}

// intervalDuration flattens an interval record to a time.Duration.
func intervalDuration(iv wire.Interval) time.Duration {
	return time.Duration(iv.Days)*24*time.Hour +
		time.Duration(iv.Hours)*time.Hour +
		time.Duration(iv.Minutes)*time.Minute +
		time.Duration(iv.Seconds)*time.Second
}

func stringField(msg map[string]any, key string) string {
	v, _ := msg[key].(string)
	return v
}

func intField(msg map[string]any, key string) int {
	return intOf(msg[key])
}

func intOf(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}
