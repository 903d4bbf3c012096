package mappers

import (
	"time"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

type Document struct {
	ID                    string           `json:"id"`
	OwnerID               string           `json:"ownerId"`
	BatchID               string           `json:"batchId,omitempty"`
	Filename              string           `json:"filename"`
	SizeBytes             int64            `json:"sizeBytes"`
	MediaType             string           `json:"mediaType,omitempty"`
	Category              string           `json:"category"`
	Status                string           `json:"status"`
	ProcessingStage       string           `json:"processingStage,omitempty"`
	ProcessingProgress    int              `json:"processingProgress"`
	ProcessingMessage     string           `json:"processingMessage,omitempty"`
	QueueStatus           string           `json:"queueStatus,omitempty"`
	JobID                 string           `json:"jobId,omitempty"`
	ErrorType             string           `json:"errorType,omitempty"`
	RetryCount            int              `json:"retryCount"`
	OcrResult             *model.OcrResult `json:"ocrResult,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
	ProcessingStartedAt   *time.Time       `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time       `json:"processingCompletedAt,omitempty"`
}

func DocumentToApi(doc model.Document) Document {
	d := Document{
		ID:                    doc.ID.String(),
		OwnerID:               doc.OwnerID,
		Filename:              doc.Filename,
		SizeBytes:             doc.SizeBytes,
		MediaType:             doc.MediaType,
		Category:              string(doc.Category),
		Status:                string(doc.Status),
		ProcessingStage:       doc.ProcessingStage,
		ProcessingProgress:    doc.ProcessingProgress,
		ProcessingMessage:     doc.ProcessingMessage,
		QueueStatus:           doc.QueueStatus,
		ErrorType:             doc.ErrorType,
		RetryCount:            doc.RetryCount,
		CreatedAt:             doc.CreatedAt.UTC(),
		UpdatedAt:             doc.UpdatedAt.UTC(),
		ProcessingStartedAt:   doc.ProcessingStartedAt,
		ProcessingCompletedAt: doc.ProcessingCompletedAt,
	}
	if doc.BatchID != nil {
		d.BatchID = *doc.BatchID
	}
	if doc.JobID != nil {
		d.JobID = doc.JobID.String()
	}
	if doc.OcrResult != nil {
		result := doc.OcrResult.Data
		d.OcrResult = &result
	}
	return d
}

func DocumentListToApi(docs model.DocumentList) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, DocumentToApi(d))
	}
	return out
}
