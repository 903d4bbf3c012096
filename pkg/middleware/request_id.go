package middleware

import (
	"net/http"

	"github.com/carbontrack/docpipeline/pkg/requestid"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestID propagates the caller's X-Request-Id (or chi's generated id, or a
// fresh uuid) into the request context and echoes it on the response so that
// stream clients can correlate reconnects.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestid.Header)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		if id == "" {
			id = requestid.Generate()
		}

		w.Header().Set(requestid.Header, id)
		next.ServeHTTP(w, r.WithContext(requestid.ToContext(r.Context(), id)))
	})
}
