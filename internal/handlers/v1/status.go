package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/carbontrack/docpipeline/internal/handlers/validator"
	"github.com/carbontrack/docpipeline/internal/stream"
)

type pollResponse struct {
	Documents    []stream.Status `json:"documents"`
	Done         bool            `json:"done"`
	RetryAfterMs int64           `json:"retryAfterMs"`
}

// streamRequest reads ids (comma separated or repeated) and batch from the
// query string.
func streamRequest(r *http.Request) (stream.Request, error) {
	var req stream.Request
	for _, v := range r.URL.Query()["ids"] {
		for _, raw := range strings.Split(v, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				return req, validator.NewErrInvalidField("ids", "%q is not a uuid", raw)
			}
			req.IDs = append(req.IDs, id)
		}
	}
	req.BatchToken = r.URL.Query().Get("batch")
	return req, nil
}

// PollStatus is the fallback for clients that cannot hold a stream open.
func (h *ServiceHandler) PollStatus(w http.ResponseWriter, r *http.Request) {
	req, err := streamRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	statuses, err := h.streamSrv.Snapshot(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	done := true
	for _, s := range statuses {
		if !s.Terminal() {
			done = false
			break
		}
	}
	render.JSON(w, r, pollResponse{
		Documents:    statuses,
		Done:         done,
		RetryAfterMs: h.streamSrv.RetryAfter().Milliseconds(),
	})
}

// StreamStatus pushes status events as server-sent events when the client
// accepts them and as newline delimited JSON otherwise.
func (h *ServiceHandler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	req, err := streamRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, r, http.StatusNotImplemented, "streaming unsupported, poll /api/v1/status instead")
		return
	}

	events, err := h.streamSrv.Subscribe(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sse := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return
		}
		if sse {
			_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, b)
		} else {
			_, err = fmt.Fprintf(w, "%s\n", b)
		}
		if err != nil {
			// client gone; the request context ends the subscription
			return
		}
		flusher.Flush()
	}
}
