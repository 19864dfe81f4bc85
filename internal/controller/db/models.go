package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository variants.
const (
	VariantLocal = "local"
	VariantCloud = "cloud"
)

// Agent presence states.
const (
	AgentConnected    = "connected"
	AgentDisconnected = "disconnected"
)

// base holds the fields shared by all models. ID is a UUID v7, time-ordered
// so B-tree inserts stay append-mostly and chronological listing needs no
// separate sort column.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate fills in a UUID v7 when the ID is unset.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// AgentPresence tracks one agent's connection state on the control channel.
// LastDisconnectedAt feeds the disaster-recovery monitor: it is set when the
// channel closes and kept across reconnects, so every distinct outage carries
// a distinct timestamp the monitor can key on.
type AgentPresence struct {
	base
	SystemUUID         string `gorm:"uniqueIndex;not null"`
	Org                string `gorm:"index;not null;default:''"`
	Status             string `gorm:"not null;default:'disconnected'"`
	ConnectedAt        *time.Time
	LastDisconnectedAt *time.Time
}

// RepoInit records a repository initialization reported by an agent. Summary
// is the tool's summary document (or the already-initialized marker) as JSON.
type RepoInit struct {
	base
	SystemUUID string    `gorm:"index;not null"`
	Variant    string    `gorm:"not null"` // "local" or "cloud"
	Target     string    `gorm:"index;not null"` // repo path or bucket URL
	Summary    string    `gorm:"type:text;not null;default:'{}'"`
	ResponseAt time.Time `gorm:"not null;index"`
}

// SnapshotRecord caches one snapshot listing reported for a repository.
// Snapshots is the JSON array exactly as the tool produced it.
type SnapshotRecord struct {
	base
	SystemUUID string    `gorm:"index;not null"`
	Variant    string    `gorm:"not null"`
	Target     string    `gorm:"index;not null"`
	Snapshots  string    `gorm:"type:text;not null;default:'[]'"`
	ResponseAt time.Time `gorm:"not null;index"`
}

// BackupRun tracks one backup task through its status transitions. TaskUUID
// is minted by the agent; processing and completed/failed reports for the
// same task converge on one row.
type BackupRun struct {
	base
	TaskUUID   string    `gorm:"uniqueIndex;not null"`
	SystemUUID string    `gorm:"index;not null"`
	Variant    string    `gorm:"not null"`
	Target     string    `gorm:"index;not null"`
	Status     string    `gorm:"not null"` // "processing", "completed", "failed"
	Output     string    `gorm:"type:text;not null;default:'{}'"`
	ResponseAt time.Time `gorm:"not null;index"`
}

// RestoreRun tracks one restore task, same lifecycle as BackupRun.
type RestoreRun struct {
	base
	TaskUUID   string    `gorm:"uniqueIndex;not null"`
	SystemUUID string    `gorm:"index;not null"`
	Variant    string    `gorm:"not null"`
	Target     string    `gorm:"index;not null"`
	Status     string    `gorm:"not null"`
	Output     string    `gorm:"type:text;not null;default:'{}'"`
	ResponseAt time.Time `gorm:"not null;index"`
}
