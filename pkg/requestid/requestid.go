package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	Key    contextKey = "request_id"
	Header string     = "X-Request-Id"
)

func Generate() string {
	return uuid.NewString()
}

func ToContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, Key, requestID)
}

// FromContext returns an empty string when ctx carries no request id.
func FromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(Key).(string); ok {
		return requestID
	}
	return ""
}

func FromRequest(r *http.Request) string {
	return FromContext(r.Context())
}
