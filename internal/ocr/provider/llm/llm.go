// Package llm reconciles structured emission fields from noisy OCR text with
// an OpenAI compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carbontrack/docpipeline/internal/extraction"
	"github.com/carbontrack/docpipeline/internal/ocr"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultConfidence = 0.6
	// prompts carry at most this many characters of document text
	maxPromptText = 12000
	maxErrorBody  = 4 << 10
)

type Client struct {
	endpoint   string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	log        *zap.SugaredLogger
}

type Option func(*Client)

func WithModel(m string) Option {
	return func(c *Client) {
		if m != "" {
			c.model = m
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

func New(endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{},
		log:        zap.S().Named("llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "llm" }

func (c *Client) Timeout() time.Duration { return c.timeout }

func (c *Client) Reconcile(ctx context.Context, req ocr.PostProcessRequest) (*ocr.PostProcessResult, error) {
	if c.apiKey == "" {
		return nil, ocr.NewErrUnavailable(errors.New("llm api key not configured"))
	}

	schema, err := compileSchema(req.Category)
	if err != nil {
		return nil, err
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	clean, dropped, err := sanitize([]byte(content), req.Category)
	if err != nil {
		return nil, ocr.NewErrUnavailable(err)
	}
	if len(dropped) > 0 {
		c.log.Debugw("sanitized llm answer", "category", req.Category, "dropped", dropped)
	}
	if err := validate(schema, clean); err != nil {
		return nil, ocr.NewErrUnavailable(err)
	}

	var answer struct {
		Fields     map[string]*string `json:"fields"`
		Confidence *float64           `json:"confidence"`
	}
	if err := json.Unmarshal(clean, &answer); err != nil {
		return nil, ocr.NewErrUnavailable(fmt.Errorf("decode answer: %w", err))
	}

	res := &ocr.PostProcessResult{Fields: map[string]string{}, Confidence: defaultConfidence}
	for k, v := range answer.Fields {
		if v != nil && *v != "" {
			res.Fields[k] = *v
		}
	}
	if answer.Confidence != nil {
		res.Confidence = *answer.Confidence
	}
	return res, nil
}

func (c *Client) complete(ctx context.Context, req ocr.PostProcessRequest) (string, error) {
	body := map[string]any{
		"model":       c.model,
		"temperature": 0,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt(req.Category)},
			{"role": "user", "content": userPrompt(req)},
		},
		"response_format": map[string]any{"type": "json_object"},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", ocr.NewErrUnavailable(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ocr.NewErrTimeout(err)
		}
		return "", ocr.NewErrUnavailable(fmt.Errorf("llm http error: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", ocr.NewErrUnavailable(fmt.Errorf("llm status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ocr.NewErrTimeout(err)
		}
		return "", ocr.NewErrUnavailable(fmt.Errorf("decode llm response: %w", err))
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ocr.NewErrUnavailable(errors.New("llm returned no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

func compileSchema(category model.Category) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(extraction.JSONSchema(category))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal answer: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("answer does not match schema: %w", err)
	}
	return nil
}

func systemPrompt(category model.Category) string {
	var b strings.Builder
	b.WriteString("You extract emission activity data from documents. ")
	b.WriteString("Answer with a JSON object {\"fields\": {...}, \"confidence\": number between 0 and 1}. ")
	b.WriteString("Use only these field names, with string values or null when unknown: ")
	b.WriteString(strings.Join(extraction.FieldNames(category), ", "))
	b.WriteString(". Numbers use a dot as decimal separator and no thousands separator. Dates use YYYY-MM-DD.")
	return b.String()
}

func userPrompt(req ocr.PostProcessRequest) string {
	text := req.Text
	if len(text) > maxPromptText {
		text = text[:maxPromptText]
	}
	known, _ := json.Marshal(req.Fields)

	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", req.Category)
	fmt.Fprintf(&b, "Already extracted: %s\n", known)
	if len(req.Missing) > 0 {
		fmt.Fprintf(&b, "Missing: %s\n", strings.Join(req.Missing, ", "))
	}
	b.WriteString("Document text:\n")
	b.WriteString(text)
	return b.String()
}
