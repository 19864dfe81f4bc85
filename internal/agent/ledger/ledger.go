// Package ledger is the agent's durable local store, backed by a single bbolt
// file. It holds four kinds of state:
//
//   - one history bucket per operation kind, keyed by the normalized
//     parameter string, storing the operation response and its timestamp
//   - the append-only schedule ledger of scheduled-task rows
//   - the deferred-response queue, drained upstream on the next reconnect
//   - the scheduler job records reloaded on restart
//
// All writes are single-row bbolt transactions. A write failure surfaces as
// an error the caller logs and survives: losing a ledger row is never fatal
// to the enclosing operation.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/wire"
)

// Schedule ledger row states.
const (
	SchedulePending = "pending"
	ScheduleDone    = "done"
	ScheduleFailed  = "failed"
)

var (
	bucketScheduleLedger = []byte("schedule_ledger")
	bucketDeferred       = []byte("deferred_responses")
	bucketJobs           = []byte("schedule_jobs")

	// historyKinds enumerates the per-operation history buckets. Created
	// eagerly on Open so handlers never race on bucket creation.
	historyKinds = []string{
		wire.TypeInitLocalRepo,
		wire.TypeGetLocalRepoSnapshots,
		wire.TypeDoLocalRepoBackup,
		wire.TypeDoLocalRepoRestore,
		wire.TypeDoS3RepoBackup,
		wire.TypeDoS3RepoRestore,
	}
)

// HistoryRow is one persisted (params, response, timestamp) record.
type HistoryRow struct {
	Params    string          `json:"params"`
	Response  json.RawMessage `json:"response"`
	Timestamp time.Time       `json:"response_timestamp"`
}

// ScheduleRow is one entry in the append-only schedule ledger.
type ScheduleRow struct {
	ID        uint64          `json:"id"`
	Params    json.RawMessage `json:"params"`
	CreatedAt time.Time       `json:"created_at"`
	Status    string          `json:"status"`
}

// JobRecord is the durable form of a scheduled task. The scheduler reloads
// all records on startup and re-registers the surviving triggers.
type JobRecord struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"` // schedule_-prefixed task type
	Params    json.RawMessage `json:"params"`
	Trigger   string          `json:"trigger"` // "interval" or "timelapse"
	Interval  wire.Interval   `json:"interval,omitempty"`
	Timelapse time.Time       `json:"timelapse,omitempty"`
	// Repeats is the remaining firing budget: -1 means infinite.
	Repeats  int `json:"repeats"`
	Priority int `json:"priority"`
	// LedgerRow links the job to its schedule_ledger entry so the row's
	// status can be finalized when the job completes or fails.
	LedgerRow uint64 `json:"ledger_row"`
}

// Ledger wraps the bbolt database. Safe for concurrent use; bbolt serializes
// write transactions internally.
type Ledger struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open creates or opens the ledger file and ensures every bucket exists.
// Opening is idempotent.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, kind := range historyKinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return err
			}
		}
		for _, b := range [][]byte{bucketScheduleLedger, bucketDeferred, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to create buckets: %w", err)
	}

	return &Ledger{db: db, logger: logger.Named("ledger")}, nil
}

// Close releases the underlying database file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordHistory inserts a history row for kind keyed by normalizedParams.
// If a row with the same key already exists the insert is a no-op and
// inserted is false. This is what makes redelivered task messages idempotent.
func (l *Ledger) RecordHistory(kind, normalizedParams string, response json.RawMessage) (inserted bool, err error) {
	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("ledger: unknown operation kind %q", kind)
		}
		key := []byte(normalizedParams)
		if b.Get(key) != nil {
			return nil
		}

		row := HistoryRow{
			Params:    normalizedParams,
			Response:  response,
			Timestamp: time.Now().UTC(),
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("ledger: failed to marshal history row: %w", err)
		}
		inserted = true
		return b.Put(key, data)
	})
	return inserted, err
}

// History returns all rows recorded for kind, in key order.
func (l *Ledger) History(kind string) ([]HistoryRow, error) {
	var rows []HistoryRow
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("ledger: unknown operation kind %q", kind)
		}
		return b.ForEach(func(_, v []byte) error {
			var row HistoryRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("ledger: corrupted history row: %w", err)
			}
			rows = append(rows, row)
			return nil
		})
	})
	return rows, err
}

// AppendSchedule appends a pending row to the schedule ledger and returns its
// sequence ID.
func (l *Ledger) AppendSchedule(params json.RawMessage) (uint64, error) {
	var id uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduleLedger)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq

		row := ScheduleRow{
			ID:        seq,
			Params:    params,
			CreatedAt: time.Now().UTC(),
			Status:    SchedulePending,
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("ledger: failed to marshal schedule row: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: failed to append schedule row: %w", err)
	}
	return id, nil
}

// SetScheduleStatus moves a schedule ledger row to a new status. The ledger
// is append-only in content: only the status field changes.
func (l *Ledger) SetScheduleStatus(id uint64, status string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduleLedger)
		data := b.Get(seqKey(id))
		if data == nil {
			return fmt.Errorf("ledger: schedule row %d not found", id)
		}
		var row ScheduleRow
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("ledger: corrupted schedule row %d: %w", id, err)
		}
		row.Status = status
		updated, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(seqKey(id), updated)
	})
}

// Schedules returns every schedule ledger row in insertion order.
func (l *Ledger) Schedules() ([]ScheduleRow, error) {
	var rows []ScheduleRow
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScheduleLedger).ForEach(func(_, v []byte) error {
			var row ScheduleRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("ledger: corrupted schedule row: %w", err)
			}
			rows = append(rows, row)
			return nil
		})
	})
	return rows, err
}

// DeferResponse stores an upstream response produced while the control
// channel was closed (or by a scheduled firing). Rows are keyed by sequence
// so DrainDeferred replays them in production order.
func (l *Ledger) DeferResponse(payload json.RawMessage) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeferred)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), payload)
	})
}

// DrainDeferred replays deferred responses oldest-first through send,
// deleting each row only after send succeeds. On the first send failure it
// stops and returns the count flushed so far; the remaining rows stay queued
// for the next reconnect.
func (l *Ledger) DrainDeferred(send func(payload json.RawMessage) error) (int, error) {
	flushed := 0
	for {
		var key, payload []byte
		err := l.db.View(func(tx *bolt.Tx) error {
			k, v := tx.Bucket(bucketDeferred).Cursor().First()
			if k != nil {
				key = append([]byte(nil), k...)
				payload = append([]byte(nil), v...)
			}
			return nil
		})
		if err != nil {
			return flushed, err
		}
		if key == nil {
			return flushed, nil
		}

		if err := send(payload); err != nil {
			return flushed, fmt.Errorf("ledger: deferred flush interrupted: %w", err)
		}

		err = l.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketDeferred).Delete(key)
		})
		if err != nil {
			return flushed, err
		}
		flushed++
	}
}

// DeferredCount returns the number of queued deferred responses.
func (l *Ledger) DeferredCount() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDeferred).Stats().KeyN
		return nil
	})
	return n, err
}

// SaveJob persists a scheduler job record, overwriting any record with the
// same ID.
func (l *Ledger) SaveJob(rec JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: failed to marshal job record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(rec.ID), data)
	})
}

// DeleteJob removes a scheduler job record. Deleting a missing record is not
// an error.
func (l *Ledger) DeleteJob(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Jobs returns every persisted scheduler job record.
func (l *Ledger) Jobs() ([]JobRecord, error) {
	var recs []JobRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("ledger: corrupted job record: %w", err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// seqKey encodes a bucket sequence number as a big-endian key so bbolt's
// byte-order iteration matches insertion order.
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
