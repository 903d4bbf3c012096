package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const JobKindOcrProcessing = "ocr_processing"

type Job struct {
	ID             uuid.UUID  `gorm:"primaryKey;column:id;type:VARCHAR(36);"`
	DocumentID     uuid.UUID  `gorm:"not null;type:VARCHAR(36);index:jobs_document_id_idx"`
	Kind           string     `gorm:"not null;type:VARCHAR(64)"`
	State          JobState   `gorm:"not null;type:VARCHAR(16);index:jobs_state_idx"`
	Attempt        int        `gorm:"not null"`
	MaxAttempts    int        `gorm:"not null"`
	LastError      string     `gorm:"type:TEXT"`
	ErrorType      string     `gorm:"type:VARCHAR(64)"`
	RetriedFrom    *uuid.UUID `gorm:"type:VARCHAR(36)"`
	LeaseOwner     string     `gorm:"type:VARCHAR(255)"`
	LeaseExpiresAt *time.Time
	EnqueuedAt     time.Time `gorm:"not null"`
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type JobList []Job

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

const DefaultQueueName = "ocr"

// QueueSetting is the persisted configuration row of a named queue.
type QueueSetting struct {
	Name      string    `gorm:"primaryKey;column:name;type:VARCHAR(64);"`
	Paused    bool      `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
