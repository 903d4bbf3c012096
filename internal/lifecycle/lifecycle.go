// Package lifecycle owns the document status state machine. Every status
// change goes through Plan, which validates it against the adjacency table
// and produces the column updates the entry rules require.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
)

var transitions = map[model.DocumentStatus][]model.DocumentStatus{
	model.StatusUploaded:   {model.StatusProcessing, model.StatusFailed, model.StatusQuarantine},
	model.StatusProcessing: {model.StatusProcessed, model.StatusFailed},
	model.StatusProcessed:  {model.StatusProcessing},
	model.StatusFailed:     {model.StatusProcessing, model.StatusQuarantine},
	model.StatusQuarantine: {model.StatusUploaded},
}

func CanTransition(from, to model.DocumentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Targets returns the statuses reachable from s.
func Targets(s model.DocumentStatus) []model.DocumentStatus {
	return append([]model.DocumentStatus{}, transitions[s]...)
}

// Change carries the data a transition writes besides the status itself.
type Change struct {
	Stage     string
	Message   string
	ErrorType string
	Result    *model.OcrResult
	// ReleaseJob clears the document ownership token in the same write.
	ReleaseJob  bool
	QueueStatus string
	Now         time.Time
}

type Updates map[string]any

// Plan validates the transition of doc to the target status and returns the
// updates implementing the entry rules. It never mutates doc.
func Plan(doc *model.Document, to model.DocumentStatus, change Change) (Updates, error) {
	if !CanTransition(doc.Status, to) {
		return nil, NewErrInvalidTransition(doc.Status, to)
	}

	now := change.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	u := Updates{
		"status":     to,
		"updated_at": now,
	}

	switch to {
	case model.StatusProcessing:
		u["processing_progress"] = 0
		u["processing_started_at"] = now
		u["processing_completed_at"] = nil
		u["processing_stage"] = orDefault(change.Stage, model.StageStarted)
		u["processing_message"] = change.Message
		u["error_type"] = ""
	case model.StatusProcessed:
		u["processing_progress"] = 100
		u["processing_completed_at"] = now
		u["processing_stage"] = orDefault(change.Stage, model.StageCompleted)
		u["processing_message"] = change.Message
		u["error_type"] = ""
		if change.Result != nil {
			u["ocr_result"] = model.MakeJSONField(*change.Result)
		}
	case model.StatusFailed:
		if strings.TrimSpace(change.Message) == "" {
			return nil, NewErrInvalidChange(to, "a failure message is required")
		}
		u["processing_progress"] = 0
		u["processing_completed_at"] = now
		u["processing_stage"] = orDefault(change.Stage, model.StageFailed)
		u["processing_message"] = change.Message
		u["error_type"] = change.ErrorType
		if change.Result != nil {
			u["ocr_result"] = model.MakeJSONField(*change.Result)
		}
	case model.StatusQuarantine:
		if strings.TrimSpace(change.Message) == "" {
			return nil, NewErrInvalidChange(to, "a quarantine reason is required")
		}
		u["processing_progress"] = 0
		u["processing_stage"] = orDefault(change.Stage, model.StageQuarantined)
		u["processing_message"] = change.Message
	case model.StatusUploaded:
		u["processing_progress"] = 0
		u["processing_stage"] = orDefault(change.Stage, model.StageReleased)
		u["processing_message"] = change.Message
		u["error_type"] = ""
	}

	if change.ReleaseJob {
		u["job_id"] = nil
	}
	if change.QueueStatus != "" {
		u["queue_status"] = change.QueueStatus
	}

	return u, nil
}

// Transition plans the change and writes it guarded by the status and the
// ownership token doc was read with. A concurrent writer makes it fail with
// store.ErrStaleWrite and nothing is written.
func Transition(ctx context.Context, docs store.Document, doc *model.Document, to model.DocumentStatus, change Change) error {
	updates, err := Plan(doc, to, change)
	if err != nil {
		return err
	}

	filter := store.NewDocumentQueryFilter().ByID(doc.ID).ByStatus(doc.Status)
	if doc.JobID != nil {
		filter = filter.OwnedBy(*doc.JobID)
	} else {
		filter = filter.WithoutJob()
	}

	return docs.Update(ctx, filter, updates)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
