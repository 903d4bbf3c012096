package events

import "time"

// DocumentEvent is published whenever a document changes status or
// processing stage. The notification collaborator consumes these.
type DocumentEvent struct {
	DocumentID  string    `json:"document_id"`
	OwnerID     string    `json:"owner_id,omitempty"`
	BatchID     string    `json:"batch_id,omitempty"`
	Status      string    `json:"status"`
	Stage       string    `json:"stage,omitempty"`
	Progress    int       `json:"progress"`
	JobID       string    `json:"job_id,omitempty"`
	QueueStatus string    `json:"queue_status,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

type JobEvent struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	ErrorType  string `json:"error_type,omitempty"`
}
