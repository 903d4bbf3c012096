// Package vision adapts the Google Cloud Vision REST API as the primary
// cloud OCR level.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carbontrack/docpipeline/internal/ocr"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"go.uber.org/zap"
)

const (
	featureDocumentText = "DOCUMENT_TEXT_DETECTION"
	// files:annotate accepts at most five pages per synchronous request.
	maxSyncPages = 5
	// used when the api returns text without page confidences
	defaultConfidence = 0.7
	maxErrorBody      = 4 << 10
)

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/webp": true,
}

var fileTypes = map[string]bool{
	"application/pdf": true,
	"image/tiff":      true,
}

type Provider struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	log        *zap.SugaredLogger
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

func New(endpoint, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		log:        zap.S().Named("vision"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "vision" }

func (p *Provider) Kind() model.StepKind { return model.StepCloudOcr }

func (p *Provider) Timeout() time.Duration { return p.timeout }

func (p *Provider) Supports(mediaType string) bool {
	return imageTypes[mediaType] || fileTypes[mediaType]
}

func (p *Provider) Attempt(ctx context.Context, doc ocr.Document) (*ocr.Extraction, error) {
	if p.apiKey == "" {
		return nil, ocr.NewErrUnavailable(errors.New("vision api key not configured"))
	}

	content := base64.StdEncoding.EncodeToString(doc.Bytes)
	if fileTypes[doc.MediaType] {
		return p.annotateFile(ctx, content, doc.MediaType)
	}
	return p.annotateImage(ctx, content)
}

type feature struct {
	Type string `json:"type"`
}

type imageRequest struct {
	Requests []struct {
		Image struct {
			Content string `json:"content"`
		} `json:"image"`
		Features []feature `json:"features"`
	} `json:"requests"`
}

type fileRequest struct {
	Requests []fileAnnotateRequest `json:"requests"`
}

type fileAnnotateRequest struct {
	InputConfig struct {
		Content  string `json:"content"`
		MimeType string `json:"mimeType"`
	} `json:"inputConfig"`
	Features []feature `json:"features"`
	Pages    []int     `json:"pages"`
}

type statusError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type annotateResponse struct {
	FullTextAnnotation *struct {
		Text  string `json:"text"`
		Pages []struct {
			Confidence float64 `json:"confidence"`
		} `json:"pages"`
	} `json:"fullTextAnnotation"`
	Error *statusError `json:"error"`
}

func (p *Provider) annotateImage(ctx context.Context, content string) (*ocr.Extraction, error) {
	var body imageRequest
	body.Requests = make([]struct {
		Image struct {
			Content string `json:"content"`
		} `json:"image"`
		Features []feature `json:"features"`
	}, 1)
	body.Requests[0].Image.Content = content
	body.Requests[0].Features = []feature{{Type: featureDocumentText}}

	var out struct {
		Responses []annotateResponse `json:"responses"`
	}
	if err := p.post(ctx, "/images:annotate", body, &out); err != nil {
		return nil, err
	}
	if len(out.Responses) == 0 {
		return nil, ocr.NewErrUnavailable(errors.New("empty vision response"))
	}
	return toExtraction(out.Responses)
}

func (p *Provider) annotateFile(ctx context.Context, content, mediaType string) (*ocr.Extraction, error) {
	req := fileAnnotateRequest{Features: []feature{{Type: featureDocumentText}}}
	req.InputConfig.Content = content
	req.InputConfig.MimeType = mediaType
	for i := 1; i <= maxSyncPages; i++ {
		req.Pages = append(req.Pages, i)
	}

	var out struct {
		Responses []struct {
			Responses []annotateResponse `json:"responses"`
			Error     *statusError       `json:"error"`
		} `json:"responses"`
	}
	if err := p.post(ctx, "/files:annotate", fileRequest{Requests: []fileAnnotateRequest{req}}, &out); err != nil {
		return nil, err
	}
	if len(out.Responses) == 0 {
		return nil, ocr.NewErrUnavailable(errors.New("empty vision response"))
	}
	if e := out.Responses[0].Error; e != nil {
		return nil, classifyStatus(e)
	}
	return toExtraction(out.Responses[0].Responses)
}

func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(b))
	if err != nil {
		return ocr.NewErrUnavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", p.apiKey)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ocr.NewErrTimeout(err)
		}
		return ocr.NewErrUnavailable(fmt.Errorf("vision http error: %w", err))
	}
	defer resp.Body.Close()

	p.log.Debugw("vision response", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyHTTP(resp.StatusCode, raw)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ocr.NewErrTimeout(err)
		}
		return ocr.NewErrUnavailable(fmt.Errorf("decode vision response: %w", err))
	}
	return nil
}

func toExtraction(responses []annotateResponse) (*ocr.Extraction, error) {
	var (
		texts       []string
		confidences []float64
	)
	for _, r := range responses {
		if r.Error != nil {
			return nil, classifyStatus(r.Error)
		}
		if r.FullTextAnnotation == nil {
			continue
		}
		texts = append(texts, r.FullTextAnnotation.Text)
		for _, page := range r.FullTextAnnotation.Pages {
			confidences = append(confidences, page.Confidence)
		}
	}

	text := strings.TrimSpace(strings.Join(texts, "\n\f\n"))
	if text == "" {
		return &ocr.Extraction{Pages: len(responses)}, nil
	}

	confidence := defaultConfidence
	if len(confidences) > 0 {
		sum := 0.0
		for _, c := range confidences {
			sum += c
		}
		confidence = sum / float64(len(confidences))
	}
	return &ocr.Extraction{Text: text, Confidence: confidence, Pages: len(responses)}, nil
}

// classifyHTTP maps transport level failures. Only a rejected payload says
// anything about the file; everything else is an outage.
func classifyHTTP(status int, body []byte) error {
	err := fmt.Errorf("vision status %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusBadRequest && isBadImage(string(body)) {
		return ocr.NewErrCorrupted(err)
	}
	if status == http.StatusRequestEntityTooLarge {
		return ocr.NewErrUnsupported(err)
	}
	return ocr.NewErrUnavailable(err)
}

// classifyStatus maps a per request google.rpc.Status.
func classifyStatus(s *statusError) error {
	err := fmt.Errorf("vision error %d: %s", s.Code, s.Message)
	switch s.Code {
	case 3: // INVALID_ARGUMENT
		if isBadImage(s.Message) {
			return ocr.NewErrCorrupted(err)
		}
		return ocr.NewErrUnsupported(err)
	case 4: // DEADLINE_EXCEEDED
		return ocr.NewErrTimeout(err)
	}
	return ocr.NewErrUnavailable(err)
}

func isBadImage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "bad image") || strings.Contains(msg, "corrupt") || strings.Contains(msg, "invalid pdf")
}
