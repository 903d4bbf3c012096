package v1

import (
	"net/http"
	"strconv"

	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/carbontrack/docpipeline/internal/handlers/validator"
	"github.com/carbontrack/docpipeline/internal/queue"
	"github.com/carbontrack/docpipeline/pkg/log"
)

type enqueueRequest struct {
	DocumentID uuid.UUID `json:"documentId" validate:"documentId"`
}

type jobListQuery struct {
	State string `validate:"required,job_list_state"`
	Limit int    `validate:"gte=0,lte=500"`
}

type jobIDResponse struct {
	JobID string `json:"jobId"`
}

type cancelResponse struct {
	Cancelled int `json:"cancelled"`
}

type queueResponse struct {
	Paused bool             `json:"paused"`
	Jobs   map[string]int64 `json:"jobs"`
}

func (h *ServiceHandler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("enqueue").Build()

	var req enqueueRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.fail(w, r, http.StatusBadRequest, validator.Message(err))
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), req.DocumentID)
	if err != nil {
		logger.Error(err).WithUUID("document_id", req.DocumentID).Log()
		h.writeError(w, r, err)
		return
	}

	logger.Success().WithUUID("document_id", req.DocumentID).WithUUID("job_id", jobID).Log()
	h.respond(w, r, http.StatusCreated, jobIDResponse{JobID: jobID.String()})
}

func (h *ServiceHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.queue.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, status)
}

func (h *ServiceHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := jobListQuery{State: r.URL.Query().Get("state")}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.fail(w, r, http.StatusBadRequest, "limit must be a number")
			return
		}
		q.Limit = limit
	}
	if err := h.validator.Struct(q); err != nil {
		h.fail(w, r, http.StatusBadRequest, validator.Message(err))
		return
	}

	var (
		jobs []queue.JobStatus
		err  error
	)
	if q.State == "failed" {
		jobs, err = h.queue.ListFailed(r.Context(), q.Limit)
	} else {
		jobs, err = h.queue.ListActive(r.Context(), q.Limit)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []queue.JobStatus{}
	}
	render.JSON(w, r, jobs)
}

func (h *ServiceHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("cancel").Build()

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		logger.Error(err).WithUUID("job_id", id).Log()
		h.writeError(w, r, err)
		return
	}
	logger.Success().WithUUID("job_id", id).WithInt("cancelled", n).Log()
	render.JSON(w, r, cancelResponse{Cancelled: n})
}

func (h *ServiceHandler) CancelDocumentJobs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := h.queue.CancelByDocument(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, cancelResponse{Cancelled: n})
}

func (h *ServiceHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("retry").Build()

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	newID, err := h.queue.Retry(r.Context(), id)
	if err != nil {
		logger.Error(err).WithUUID("job_id", id).Log()
		h.writeError(w, r, err)
		return
	}
	logger.Success().WithUUID("job_id", id).WithUUID("new_job_id", newID).Log()
	h.respond(w, r, http.StatusCreated, jobIDResponse{JobID: newID.String()})
}

func (h *ServiceHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	stats, paused, err := h.queue.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, queueResponse{Paused: paused, Jobs: stats})
}

func (h *ServiceHandler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.PauseAll(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetQueue(w, r)
}

func (h *ServiceHandler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.ResumeAll(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetQueue(w, r)
}
