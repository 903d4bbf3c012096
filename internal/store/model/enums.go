package model

import "fmt"

// DocumentStatus is the authoritative processing status of a document.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "UPLOADED"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusProcessed  DocumentStatus = "PROCESSED"
	StatusFailed     DocumentStatus = "FAILED"
	StatusQuarantine DocumentStatus = "QUARANTINE"
)

var documentStatuses = []DocumentStatus{
	StatusUploaded,
	StatusProcessing,
	StatusProcessed,
	StatusFailed,
	StatusQuarantine,
}

func DocumentStatuses() []DocumentStatus {
	return append([]DocumentStatus{}, documentStatuses...)
}

// IsTerminal reports whether no further automatic transition happens from s.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case StatusProcessed, StatusFailed:
		return true
	case StatusUploaded, StatusProcessing, StatusQuarantine:
		return false
	}
	return false
}

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusProcessed, StatusFailed, StatusQuarantine:
		return true
	}
	return false
}

func ParseDocumentStatus(s string) (DocumentStatus, error) {
	status := DocumentStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown document status %q", s)
	}
	return status, nil
}

// Category is the emissions domain a document belongs to.
type Category string

const (
	CategoryProduction Category = "production"
	CategoryTransport  Category = "transport"
	CategoryEnergy     Category = "energy"
	CategoryWaste      Category = "waste"
	CategorySupplier   Category = "supplier"
	CategoryOther      Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryProduction, CategoryTransport, CategoryEnergy, CategoryWaste, CategorySupplier, CategoryOther:
		return true
	}
	return false
}

// ParseCategory maps an empty value to CategoryOther.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryOther, nil
	}
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// JobState is the lifecycle of a queued job.
type JobState string

const (
	JobCreated   JobState = "created"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	case JobCreated, JobActive:
		return false
	}
	return false
}

// LiveJobStates are the states of a job that still owns its document.
var LiveJobStates = []JobState{JobCreated, JobActive}

// StepKind identifies an escalation level of the extraction chain.
type StepKind string

const (
	StepStructural     StepKind = "structural"
	StepCloudOcr       StepKind = "cloud_ocr"
	StepLocalOcr       StepKind = "local_ocr"
	StepPostProcessing StepKind = "post_processing"
)

// Processing stage labels written to documents.processing_stage.
const (
	StageQueued         = "queued"
	StageStarted        = "started"
	StageParsing        = "parsing"
	StageCloudOcr       = "cloud_ocr"
	StageLocalOcr       = "local_ocr"
	StagePostProcessing = "post_processing"
	StageCompleted      = "completed"
	StageFailed         = "failed"
	StageCancelled      = "cancelled"
	StageQuarantined    = "quarantined"
	StageReleased       = "released"
)
