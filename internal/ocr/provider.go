package ocr

import (
	"context"
	"time"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

// Document is what a provider receives.
type Document struct {
	Bytes     []byte
	MediaType string
	Filename  string
	Category  model.Category
}

// Extraction is the text a provider recovered and how sure it is about it.
type Extraction struct {
	Text       string
	Confidence float64
	Pages      int
}

// Provider is one OCR level of the escalation chain. Attempt must honour ctx
// and classify failures with a *ProviderError.
type Provider interface {
	Name() string
	Kind() model.StepKind
	Supports(mediaType string) bool
	Attempt(ctx context.Context, doc Document) (*Extraction, error)
}

// PostProcessor reconciles structured fields from noisy text.
type PostProcessor interface {
	Name() string
	Reconcile(ctx context.Context, req PostProcessRequest) (*PostProcessResult, error)
}

type PostProcessRequest struct {
	Category model.Category
	Text     string
	Fields   map[string]string
	Missing  []string
}

type PostProcessResult struct {
	Fields     map[string]string
	Confidence float64
}

// timeoutProvider lets a provider override the default attempt timeout.
type timeoutProvider interface {
	Timeout() time.Duration
}
