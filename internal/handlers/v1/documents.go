package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/carbontrack/docpipeline/internal/handlers/v1/mappers"
	"github.com/carbontrack/docpipeline/internal/handlers/validator"
	"github.com/carbontrack/docpipeline/internal/service"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/log"
)

const multipartMemory = 8 << 20

type uploadForm struct {
	OwnerID   string `validate:"required,owner"`
	BatchID   string `validate:"batch_token"`
	Category  string `validate:"required,category"`
	Filename  string `validate:"required,max=255"`
	MediaType string `validate:"max=255"`
}

type uploadResponse struct {
	Document mappers.Document `json:"document"`
	JobID    string           `json:"jobId,omitempty"`
}

type quarantineRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

func (h *ServiceHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("document_handler").WithContext(r.Context()).Operation("upload_document").Build()

	if h.maxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, service.NewErrFileTooLarge(r.ContentLength, h.maxFileSize))
			return
		}
		logger.Error(err).Log()
		h.fail(w, r, http.StatusBadRequest, "failed to read multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	form := uploadForm{
		OwnerID:   r.FormValue("ownerId"),
		BatchID:   r.FormValue("batchId"),
		Category:  r.FormValue("category"),
		Filename:  header.Filename,
		MediaType: header.Header.Get("Content-Type"),
	}
	if mt := r.FormValue("mediaType"); mt != "" {
		form.MediaType = mt
	}
	if err := h.validator.Struct(form); err != nil {
		h.fail(w, r, http.StatusBadRequest, validator.Message(err))
		return
	}

	enqueue := true
	if v := r.FormValue("enqueue"); v != "" {
		enqueue, err = strconv.ParseBool(v)
		if err != nil {
			h.fail(w, r, http.StatusBadRequest, "enqueue must be a boolean")
			return
		}
	}

	doc, jobID, err := h.docSrv.Register(r.Context(), service.RegisterRequest{
		OwnerID:   form.OwnerID,
		BatchID:   form.BatchID,
		Filename:  form.Filename,
		MediaType: form.MediaType,
		Category:  model.Category(form.Category),
		Size:      header.Size,
		Content:   file,
		Enqueue:   enqueue,
	})
	if err != nil {
		logger.Error(err).Log()
		if doc != nil {
			// the document exists, only enqueueing failed
			h.respond(w, r, statusFor(err), uploadResponse{Document: mappers.DocumentToApi(*doc)})
			return
		}
		h.writeError(w, r, err)
		return
	}

	resp := uploadResponse{Document: mappers.DocumentToApi(*doc)}
	if jobID != nil {
		resp.JobID = jobID.String()
	}
	logger.Success().WithUUID("document_id", doc.ID).WithUUIDPtr("job_id", jobID).Log()
	h.respond(w, r, http.StatusCreated, resp)
}

func (h *ServiceHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	batch := r.URL.Query().Get("batch")
	if batch == "" {
		h.fail(w, r, http.StatusBadRequest, "batch is required")
		return
	}
	docs, err := h.docSrv.ListBatch(r.Context(), batch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, mappers.DocumentListToApi(docs))
}

func (h *ServiceHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc, err := h.docSrv.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, mappers.DocumentToApi(*doc))
}

func (h *ServiceHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("document_handler").WithContext(r.Context()).Operation("delete_document").Build()

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.docSrv.Delete(r.Context(), id); err != nil {
		logger.Error(err).Log()
		h.writeError(w, r, err)
		return
	}
	logger.Success().WithUUID("document_id", id).Log()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ServiceHandler) QuarantineDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req quarantineRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			h.fail(w, r, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		h.fail(w, r, http.StatusBadRequest, validator.Message(err))
		return
	}

	doc, err := h.docSrv.Quarantine(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, mappers.DocumentToApi(*doc))
}

func (h *ServiceHandler) ReleaseDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc, err := h.docSrv.Release(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, mappers.DocumentToApi(*doc))
}
