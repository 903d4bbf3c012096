// Package pipeline is the body of the worker loop: it loads the document a
// job refers to, runs the extraction chain on its bytes and records the
// outcome through the document state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/carbontrack/docpipeline/internal/filestore"
	"github.com/carbontrack/docpipeline/internal/lifecycle"
	"github.com/carbontrack/docpipeline/internal/ocr"
	"github.com/carbontrack/docpipeline/internal/queue"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/log"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ErrorTypeFileUnavailable = "file_unavailable"
	ErrorTypeStale           = "stale"
)

var errCancelled = errors.New("job cancelled")

// Extractor runs the extraction chain.
type Extractor interface {
	Process(ctx context.Context, in ocr.Input) *ocr.Result
}

type Processor struct {
	store     store.Store
	files     filestore.FileStore
	extractor Extractor
	publisher queue.Publisher
	logger    *log.StructuredLogger
	log       *zap.SugaredLogger
}

var _ queue.Handler = (*Processor)(nil)

type ProcessorOption func(p *Processor)

func WithPublisher(pub queue.Publisher) ProcessorOption {
	return func(p *Processor) {
		p.publisher = pub
	}
}

func NewProcessor(s store.Store, files filestore.FileStore, extractor Extractor, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:     s,
		files:     files,
		extractor: extractor,
		logger:    log.NewDebugLogger("processor"),
		log:       zap.S().Named("processor"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) Handle(ctx context.Context, task queue.Task) queue.Outcome {
	job := task.Job
	tracer := p.logger.Operation("process_document").
		WithUUID("job_id", job.ID).
		WithUUID("document_id", job.DocumentID).
		WithInt("attempt", job.Attempt).
		Build()

	doc, err := p.start(ctx, job)
	if err != nil {
		tracer.Error(err).Log()
		errorType := queue.ErrorTypeInternal
		if errors.Is(err, store.ErrStaleWrite) {
			errorType = ErrorTypeStale
		}
		return queue.Outcome{Err: err, ErrorType: errorType}
	}
	p.notify(ctx, doc.ID)

	data, err := p.files.Get(ctx, doc.StorageKey)
	if err != nil {
		tracer.Error(err).Log()
		message := "stored file unavailable, retry later"
		if errors.Is(err, filestore.ErrNotFound) {
			message = "stored file missing"
		}
		return p.fail(doc, job.ID, ErrorTypeFileUnavailable, message, nil, err)
	}
	tracer.Step("file_loaded").WithInt("size", len(data)).Log()

	res := p.extractor.Process(ctx, ocr.Input{
		Bytes:     data,
		MediaType: doc.MediaType,
		Filename:  doc.Filename,
		Category:  doc.Category,
		Cancelled: task.Cancelled,
		Observer: func(stage string, progress int) {
			p.progress(ctx, doc.ID, job.ID, stage, progress)
		},
	})

	if res.Cancelled {
		tracer.Step("cancelled").Log()
		return queue.Outcome{Err: errCancelled, ErrorType: string(model.JobCancelled)}
	}

	result := res.ToModel()
	if res.Failed() {
		tracer.Step("extraction_failed").WithString("error_type", string(res.ErrorKind)).WithString("message", res.Message).Log()
		return p.fail(doc, job.ID, string(res.ErrorKind), res.Message, &result, errors.New(res.Message))
	}

	tracer.Success().
		WithString("method", res.Method).
		WithParam("confidence", res.Confidence).
		WithParam("completeness", res.Completeness).
		Log()

	processing := p.processing(doc, job.ID)
	message := fmt.Sprintf("extracted via %s, confidence %.2f", res.Method, res.Confidence)
	return queue.Outcome{Commit: func(ctx context.Context) error {
		return lifecycle.Transition(ctx, p.store.Document(), processing, model.StatusProcessed, lifecycle.Change{
			Message:     message,
			Result:      &result,
			ReleaseJob:  true,
			QueueStatus: string(model.JobCompleted),
		})
	}}
}

// start moves the document owned by job to PROCESSING. A document already
// PROCESSING under the same job is a redelivery after a lease expiry and
// only has its progress reset.
func (p *Processor) start(ctx context.Context, job model.Job) (*model.Document, error) {
	doc, err := p.store.Document().Get(ctx, job.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.JobID == nil || *doc.JobID != job.ID {
		return nil, fmt.Errorf("document %s is not owned by job %s: %w", doc.ID, job.ID, store.ErrStaleWrite)
	}

	if doc.Status == model.StatusProcessing {
		err = p.store.Document().Update(ctx, store.NewDocumentQueryFilter().ByID(doc.ID).OwnedBy(job.ID), map[string]any{
			"processing_progress": 0,
			"processing_stage":    model.StageStarted,
			"queue_status":        string(model.JobActive),
		})
	} else {
		err = lifecycle.Transition(ctx, p.store.Document(), doc, model.StatusProcessing, lifecycle.Change{
			Stage:       model.StageStarted,
			QueueStatus: string(model.JobActive),
		})
	}
	if err != nil {
		return nil, err
	}

	return p.processing(doc, job.ID), nil
}

// processing is doc as the job left it after start.
func (p *Processor) processing(doc *model.Document, jobID uuid.UUID) *model.Document {
	d := *doc
	d.Status = model.StatusProcessing
	d.JobID = &jobID
	return &d
}

// progress records the level being entered. The write is guarded so that
// progress never goes backwards and only the owning job can write it.
func (p *Processor) progress(ctx context.Context, documentID, jobID uuid.UUID, stage string, progress int) {
	err := p.store.Document().Update(ctx,
		store.NewDocumentQueryFilter().ByID(documentID).OwnedBy(jobID).ProgressAtMost(progress),
		map[string]any{
			"processing_stage":    stage,
			"processing_progress": progress,
		})
	if err != nil {
		if !errors.Is(err, store.ErrStaleWrite) {
			p.log.Warnw("failed to record progress", "document_id", documentID, "stage", stage, "error", err)
		}
		return
	}
	p.notify(ctx, documentID)
}

func (p *Processor) fail(doc *model.Document, jobID uuid.UUID, errorType, message string, result *model.OcrResult, cause error) queue.Outcome {
	processing := p.processing(doc, jobID)
	return queue.Outcome{
		Err:       cause,
		ErrorType: errorType,
		Commit: func(ctx context.Context) error {
			return lifecycle.Transition(ctx, p.store.Document(), processing, model.StatusFailed, lifecycle.Change{
				Message:     message,
				ErrorType:   errorType,
				Result:      result,
				ReleaseJob:  true,
				QueueStatus: string(model.JobFailed),
			})
		},
	}
}

func (p *Processor) notify(ctx context.Context, documentID uuid.UUID) {
	if p.publisher == nil {
		return
	}
	doc, err := p.store.Document().Get(ctx, documentID)
	if err != nil {
		return
	}
	if err := p.publisher.PublishDocument(ctx, queue.DocumentEvent(doc)); err != nil {
		p.log.Debugw("failed to publish document event", "document_id", documentID, "error", err)
	}
}
