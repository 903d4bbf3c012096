package stream

import (
	"time"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventUpdate   EventType = "update"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Status is the view of one document pushed to clients.
type Status struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	Stage       string    `json:"stage,omitempty"`
	Message     string    `json:"message,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	JobID       string    `json:"jobId,omitempty"`
	QueueStatus string    `json:"queueStatus,omitempty"`
}

type Event struct {
	Type      EventType `json:"type"`
	Documents []Status  `json:"documents,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func NewStatus(doc model.Document) Status {
	s := Status{
		ID:          doc.ID.String(),
		Status:      string(doc.Status),
		Progress:    doc.ProcessingProgress,
		Stage:       doc.ProcessingStage,
		Message:     doc.ProcessingMessage,
		UpdatedAt:   doc.UpdatedAt.UTC(),
		QueueStatus: doc.QueueStatus,
	}
	if doc.JobID != nil {
		s.JobID = doc.JobID.String()
	}
	return s
}

func (s Status) Terminal() bool {
	return model.DocumentStatus(s.Status).IsTerminal()
}

// changed compares the fields clients render. The timestamp alone moving
// does not count as a change.
func (s Status) changed(prev Status) bool {
	return s.Status != prev.Status ||
		s.Progress != prev.Progress ||
		s.Stage != prev.Stage ||
		s.Message != prev.Message ||
		s.JobID != prev.JobID ||
		s.QueueStatus != prev.QueueStatus
}
