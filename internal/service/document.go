package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carbontrack/docpipeline/internal/filestore"
	"github.com/carbontrack/docpipeline/internal/lifecycle"
	"github.com/carbontrack/docpipeline/internal/queue"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/log"
)

// Queue is the part of the queue manager documents depend on.
type Queue interface {
	Enqueue(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error)
	CancelByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
}

type DocumentService struct {
	store       store.Store
	files       filestore.FileStore
	queue       Queue
	publisher   queue.Publisher
	maxFileSize int64
	logger      *log.StructuredLogger
}

type DocumentServiceOption func(s *DocumentService)

func WithPublisher(p queue.Publisher) DocumentServiceOption {
	return func(s *DocumentService) {
		s.publisher = p
	}
}

func WithMaxFileSize(size int64) DocumentServiceOption {
	return func(s *DocumentService) {
		s.maxFileSize = size
	}
}

func NewDocumentService(s store.Store, files filestore.FileStore, q Queue, opts ...DocumentServiceOption) *DocumentService {
	srv := &DocumentService{
		store:  s,
		files:  files,
		queue:  q,
		logger: log.NewDebugLogger("document_service"),
	}
	for _, o := range opts {
		o(srv)
	}
	return srv
}

type RegisterRequest struct {
	OwnerID   string
	BatchID   string
	Filename  string
	MediaType string
	Category  model.Category
	Size      int64
	Content   io.Reader
	Enqueue   bool
}

// Register stores the uploaded bytes, creates the document in UPLOADED and
// optionally enqueues it. The returned job id is nil when nothing was
// enqueued.
func (s *DocumentService) Register(ctx context.Context, req RegisterRequest) (*model.Document, *uuid.UUID, error) {
	tracer := s.logger.WithContext(ctx).Operation("register_document").
		WithString("owner_id", req.OwnerID).
		WithString("filename", req.Filename).
		WithString("category", string(req.Category)).
		Build()

	if req.OwnerID == "" {
		return nil, nil, NewErrInvalidUpload("owner is required")
	}
	if !req.Category.Valid() {
		return nil, nil, NewErrInvalidUpload(fmt.Sprintf("unknown category %q", req.Category))
	}
	if req.Content == nil {
		return nil, nil, NewErrInvalidUpload("file is required")
	}
	if s.maxFileSize > 0 && req.Size > s.maxFileSize {
		return nil, nil, NewErrFileTooLarge(req.Size, s.maxFileSize)
	}

	content := req.Content
	if s.maxFileSize > 0 {
		// sizes declared by the client are not trusted
		content = io.LimitReader(req.Content, s.maxFileSize+1)
	}
	data, err := io.ReadAll(content)
	if err != nil {
		tracer.Error(err).Log()
		return nil, nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, nil, NewErrInvalidUpload("file is empty")
	}
	if s.maxFileSize > 0 && int64(len(data)) > s.maxFileSize {
		return nil, nil, NewErrFileTooLarge(int64(len(data)), s.maxFileSize)
	}

	id := uuid.New()
	key := storageKey(req.OwnerID, id, req.Filename)
	if err := s.files.Put(ctx, key, bytes.NewReader(data), int64(len(data)), req.MediaType); err != nil {
		tracer.Error(err).Log()
		return nil, nil, fmt.Errorf("store file: %w", err)
	}
	tracer.Step("file_stored").WithString("key", key).WithInt("size", len(data)).Log()

	doc := model.Document{
		ID:         id,
		OwnerID:    req.OwnerID,
		Filename:   req.Filename,
		StorageKey: key,
		SizeBytes:  int64(len(data)),
		MediaType:  req.MediaType,
		Category:   req.Category,
		Status:     model.StatusUploaded,
	}
	if req.BatchID != "" {
		doc.BatchID = &req.BatchID
	}

	created, err := s.store.Document().Create(ctx, doc)
	if err != nil {
		tracer.Error(err).Log()
		if derr := s.files.Delete(ctx, key); derr != nil {
			zap.S().Named("document_service").Warnw("failed to remove orphaned file", "key", key, "error", derr)
		}
		return nil, nil, err
	}

	if !req.Enqueue {
		tracer.Success().WithUUID("document_id", created.ID).Log()
		return created, nil, nil
	}

	jobID, err := s.queue.Enqueue(ctx, created.ID)
	if err != nil {
		tracer.Error(err).WithUUID("document_id", created.ID).Log()
		return created, nil, err
	}

	tracer.Success().WithUUID("document_id", created.ID).WithUUID("job_id", jobID).Log()
	created, err = s.store.Document().Get(ctx, created.ID)
	if err != nil {
		return nil, &jobID, err
	}
	return created, &jobID, nil
}

func (s *DocumentService) Get(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	doc, err := s.store.Document().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrDocumentNotFound(id)
		}
		return nil, err
	}
	return doc, nil
}

func (s *DocumentService) ListBatch(ctx context.Context, batchID string) (model.DocumentList, error) {
	return s.store.Document().List(ctx, store.NewDocumentQueryFilter().ByBatchID(batchID))
}

// Quarantine sets the document aside. Any live job is cancelled first so it
// can no longer write to the document. The transition is checked against the
// status the cancellation leaves behind, and a rejected call changes nothing.
func (s *DocumentService) Quarantine(ctx context.Context, id uuid.UUID, reason string) (*model.Document, error) {
	tracer := s.logger.WithContext(ctx).Operation("quarantine_document").WithUUID("document_id", id).Build()

	if strings.TrimSpace(reason) == "" {
		reason = "quarantined by operator"
	}

	var (
		doc       *model.Document
		cancelled int
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		d, err := s.store.Document().GetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return NewErrDocumentNotFound(id)
			}
			return err
		}
		if from := statusAfterCancel(d); !lifecycle.CanTransition(from, model.StatusQuarantine) {
			return lifecycle.NewErrInvalidTransition(d.Status, model.StatusQuarantine)
		}

		if d.HasLiveJob() {
			if cancelled, err = s.queue.CancelByDocument(ctx, id); err != nil {
				return err
			}
			if d, err = s.store.Document().GetForUpdate(ctx, id); err != nil {
				return err
			}
		}
		if err := lifecycle.Transition(ctx, s.store.Document(), d, model.StatusQuarantine, lifecycle.Change{Message: reason}); err != nil {
			return err
		}
		doc, err = s.store.Document().Get(ctx, id)
		return err
	})
	if err != nil {
		tracer.Error(err).WithInt("cancelled_jobs", cancelled).Log()
		return nil, err
	}

	s.publish(ctx, doc)
	tracer.Success().WithInt("cancelled_jobs", cancelled).Log()
	return doc, nil
}

// statusAfterCancel is the status doc is left in once its live job, if any,
// is cancelled.
func statusAfterCancel(doc *model.Document) model.DocumentStatus {
	if doc.HasLiveJob() && doc.Status != model.StatusProcessed {
		return model.StatusUploaded
	}
	return doc.Status
}

// Release returns a quarantined document to UPLOADED.
func (s *DocumentService) Release(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	tracer := s.logger.WithContext(ctx).Operation("release_document").WithUUID("document_id", id).Build()

	doc, err := s.transition(ctx, id, model.StatusUploaded, lifecycle.Change{Message: "released by operator"})
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	tracer.Success().Log()
	return doc, nil
}

// Delete cancels the jobs of the document before removing it so that no
// worker writes to a deleted row.
func (s *DocumentService) Delete(ctx context.Context, id uuid.UUID) error {
	tracer := s.logger.WithContext(ctx).Operation("delete_document").WithUUID("document_id", id).Build()

	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	cancelled, err := s.queue.CancelByDocument(ctx, id)
	if err != nil {
		tracer.Error(err).Log()
		return err
	}

	if err := s.store.Document().Delete(ctx, id); err != nil {
		tracer.Error(err).Log()
		return err
	}

	if err := s.files.Delete(ctx, doc.StorageKey); err != nil && !errors.Is(err, filestore.ErrNotFound) {
		tracer.Step("file_delete_failed").WithString("key", doc.StorageKey).WithString("error", err.Error()).Log()
	}

	tracer.Success().WithInt("cancelled_jobs", cancelled).Log()
	return nil
}

func (s *DocumentService) transition(ctx context.Context, id uuid.UUID, to model.DocumentStatus, change lifecycle.Change) (*model.Document, error) {
	var doc *model.Document
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		d, err := s.store.Document().GetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return NewErrDocumentNotFound(id)
			}
			return err
		}
		if err := lifecycle.Transition(ctx, s.store.Document(), d, to, change); err != nil {
			return err
		}
		doc, err = s.store.Document().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, doc)
	return doc, nil
}

func (s *DocumentService) publish(ctx context.Context, doc *model.Document) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishDocument(ctx, queue.DocumentEvent(doc)); err != nil {
		zap.S().Named("document_service").Debugw("failed to publish document event", "document_id", doc.ID, "error", err)
	}
}

func storageKey(owner string, id uuid.UUID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return path.Join(owner, id.String(), name)
}
