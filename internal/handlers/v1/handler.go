// Package v1 serves the document pipeline REST API.
package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/carbontrack/docpipeline/internal/handlers/validator"
	"github.com/carbontrack/docpipeline/internal/lifecycle"
	"github.com/carbontrack/docpipeline/internal/queue"
	"github.com/carbontrack/docpipeline/internal/service"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/stream"
	"github.com/carbontrack/docpipeline/pkg/requestid"
)

// Queue is the operator API of the job queue.
type Queue interface {
	Enqueue(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error)
	Cancel(ctx context.Context, jobID uuid.UUID) (int, error)
	CancelByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
	Retry(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error)
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
	GetStatus(ctx context.Context, jobID uuid.UUID) (*queue.JobStatus, error)
	ListActive(ctx context.Context, limit int) ([]queue.JobStatus, error)
	ListFailed(ctx context.Context, limit int) ([]queue.JobStatus, error)
	Stats(ctx context.Context) (map[string]int64, bool, error)
}

type ServiceHandler struct {
	docSrv      *service.DocumentService
	queue       Queue
	streamSrv   *stream.Service
	maxFileSize int64
	validator   *validator.Validator
}

func NewServiceHandler(docSrv *service.DocumentService, q Queue, streamSrv *stream.Service, maxFileSize int64) *ServiceHandler {
	v := validator.NewValidator()
	v.Register(validator.NewDocumentValidationRules()...)
	v.Register(validator.NewJobValidationRules()...)

	return &ServiceHandler{
		docSrv:      docSrv,
		queue:       q,
		streamSrv:   streamSrv,
		maxFileSize: maxFileSize,
		validator:   v,
	}
}

// Routes mounts the API on r.
func (h *ServiceHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", h.UploadDocument)
			r.Get("/", h.ListDocuments)
			r.Get("/{id}", h.GetDocument)
			r.Delete("/{id}", h.DeleteDocument)
			r.Post("/{id}/quarantine", h.QuarantineDocument)
			r.Post("/{id}/release", h.ReleaseDocument)
			r.Post("/{id}/jobs/cancel", h.CancelDocumentJobs)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.EnqueueJob)
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Post("/{id}/cancel", h.CancelJob)
			r.Post("/{id}/retry", h.RetryJob)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.GetQueue)
			r.Post("/pause", h.PauseQueue)
			r.Post("/resume", h.ResumeQueue)
		})

		r.Get("/status", h.PollStatus)
		r.Get("/status/stream", h.StreamStatus)
	})
}

func (h *ServiceHandler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (h *ServiceHandler) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func (h *ServiceHandler) fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.respond(w, r, status, errorResponse{Message: message, RequestID: requestid.FromRequest(r)})
}

func (h *ServiceHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.fail(w, r, statusFor(err), err.Error())
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		alreadyQueued *queue.ErrAlreadyQueued
		invalidState  *queue.ErrInvalidState
		jobNotFound   *queue.ErrJobNotFound
		docNotFound   *queue.ErrDocumentNotFound
		transition    *lifecycle.ErrInvalidTransition
		change        *lifecycle.ErrInvalidChange
		notFound      *service.ErrResourceNotFound
		tooLarge      *service.ErrFileTooLarge
		invalidUpload *service.ErrInvalidUpload
		invalidField  *validator.ErrInvalidField
	)
	switch {
	case errors.As(err, &alreadyQueued), errors.As(err, &invalidState), errors.As(err, &transition),
		errors.Is(err, store.ErrStaleWrite):
		return http.StatusConflict
	case errors.As(err, &jobNotFound), errors.As(err, &docNotFound), errors.As(err, &notFound),
		errors.Is(err, store.ErrRecordNotFound), errors.Is(err, stream.ErrNoDocuments):
		return http.StatusNotFound
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &invalidUpload), errors.As(err, &invalidField), errors.As(err, &change),
		errors.Is(err, stream.ErrEmptyRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, validator.NewErrInvalidField("id", "not a uuid")
	}
	return id, nil
}
