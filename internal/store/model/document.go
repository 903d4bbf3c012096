package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Document struct {
	ID                    uuid.UUID              `gorm:"primaryKey;column:id;type:VARCHAR(36);"`
	OwnerID               string                 `gorm:"not null;type:VARCHAR(255);index:documents_owner_id_idx"`
	BatchID               *string                `gorm:"type:VARCHAR(255);index:documents_batch_id_idx"`
	Filename              string                 `gorm:"not null"`
	StorageKey            string                 `gorm:"not null"`
	SizeBytes             int64                  `gorm:"not null"`
	MediaType             string                 `gorm:"type:VARCHAR(255)"`
	Category              Category               `gorm:"not null;type:VARCHAR(32)"`
	Status                DocumentStatus         `gorm:"not null;type:VARCHAR(32);index:documents_status_idx"`
	ProcessingStage       string                 `gorm:"type:VARCHAR(64)"`
	ProcessingProgress    int                    `gorm:"not null"`
	ProcessingMessage     string                 `gorm:"type:TEXT"`
	QueueStatus           string                 `gorm:"type:VARCHAR(32)"`
	JobID                 *uuid.UUID             `gorm:"type:VARCHAR(36)"`
	OcrResult             *JSONField[OcrResult]  `gorm:"type:jsonb"`
	ErrorType             string                 `gorm:"type:VARCHAR(64)"`
	RetryCount            int                    `gorm:"not null"`
	CreatedAt             time.Time              `gorm:"not null"`
	UpdatedAt             time.Time              `gorm:"not null"`
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
}

type DocumentList []Document

func (d Document) String() string {
	val, _ := json.Marshal(d)
	return string(val)
}

func (d Document) HasLiveJob() bool {
	return d.JobID != nil
}

// OcrStep is one entry of the extraction provenance.
type OcrStep struct {
	Kind       StepKind `json:"kind"`
	Provider   string   `json:"provider"`
	Confidence float64  `json:"confidence"`
	LatencyMs  int64    `json:"latencyMs"`
	ErrorKind  string   `json:"errorKind,omitempty"`
	Error      string   `json:"error,omitempty"`
	Used       bool     `json:"used"`
}

// OcrResult is the extraction payload embedded in a document.
type OcrResult struct {
	Steps        []OcrStep         `json:"steps"`
	Fields       map[string]string `json:"fields,omitempty"`
	Text         string            `json:"text,omitempty"`
	Confidence   float64           `json:"confidence"`
	Completeness float64           `json:"completeness"`
	Method       string            `json:"method,omitempty"`
	DurationMs   int64             `json:"durationMs"`
	ErrorType    string            `json:"errorType,omitempty"`
	Message      string            `json:"message,omitempty"`
}
