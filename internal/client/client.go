// Package client is a thin HTTP client for the docpipe REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carbontrack/docpipeline/internal/handlers/v1/mappers"
	"github.com/carbontrack/docpipeline/internal/queue"
	"github.com/carbontrack/docpipeline/internal/stream"
	"github.com/carbontrack/docpipeline/pkg/requestid"
)

// ErrStreamClosed is returned by Watch when the server ends the stream
// without a done event, including when the stream reached its lifetime.
var ErrStreamClosed = errors.New("status stream closed by server")

// APIError is a non 2xx answer of the server.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
	RequestID  string `json:"requestId"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type QueueState struct {
	Paused bool             `json:"paused"`
	Jobs   map[string]int64 `json:"jobs"`
}

type Upload struct {
	OwnerID   string
	BatchID   string
	Category  string
	Filename  string
	MediaType string
	Content   io.Reader
	// NoEnqueue registers the document without queueing it.
	NoEnqueue bool
}

type UploadResult struct {
	Document mappers.Document `json:"document"`
	JobID    string           `json:"jobId,omitempty"`
}

type PollResult struct {
	Documents    []stream.Status `json:"documents"`
	Done         bool            `json:"done"`
	RetryAfterMs int64           `json:"retryAfterMs"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func New(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, timeout: timeout}
}

func (c *Client) GetDocument(ctx context.Context, id uuid.UUID) (*mappers.Document, error) {
	var doc mappers.Document
	if err := c.do(ctx, http.MethodGet, "/api/v1/documents/"+id.String(), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) ListDocuments(ctx context.Context, batch string) ([]mappers.Document, error) {
	var docs []mappers.Document
	if err := c.do(ctx, http.MethodGet, "/api/v1/documents?batch="+url.QueryEscape(batch), nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) UploadDocument(ctx context.Context, u Upload) (*UploadResult, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	fields := map[string]string{
		"ownerId":   u.OwnerID,
		"batchId":   u.BatchID,
		"category":  u.Category,
		"mediaType": u.MediaType,
		"enqueue":   strconv.FormatBool(!u.NoEnqueue),
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}

	part, err := mw.CreateFormFile("file", u.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, u.Content); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var result UploadResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/documents", mw.FormDataContentType(), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/documents/"+id.String(), nil, nil)
}

func (c *Client) QuarantineDocument(ctx context.Context, id uuid.UUID, reason string) (*mappers.Document, error) {
	var doc mappers.Document
	if err := c.do(ctx, http.MethodPost, "/api/v1/documents/"+id.String()+"/quarantine", map[string]string{"reason": reason}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) ReleaseDocument(ctx context.Context, id uuid.UUID) (*mappers.Document, error) {
	var doc mappers.Document
	if err := c.do(ctx, http.MethodPost, "/api/v1/documents/"+id.String()+"/release", nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) CancelDocumentJobs(ctx context.Context, documentID uuid.UUID) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/documents/"+documentID.String()+"/jobs/cancel", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cancelled, nil
}

func (c *Client) EnqueueJob(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error) {
	return c.jobID(ctx, "/api/v1/jobs", map[string]string{"documentId": documentID.String()})
}

func (c *Client) RetryJob(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	return c.jobID(ctx, "/api/v1/jobs/"+jobID.String()+"/retry", nil)
}

func (c *Client) jobID(ctx context.Context, path string, in any) (uuid.UUID, error) {
	var resp struct {
		JobID uuid.UUID `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, path, in, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.JobID, nil
}

func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (*queue.JobStatus, error) {
	var status queue.JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListJobs lists jobs in state "active" or "failed".
func (c *Client) ListJobs(ctx context.Context, state string, limit int) ([]queue.JobStatus, error) {
	q := url.Values{"state": []string{state}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var jobs []queue.JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs?"+q.Encode(), nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/cancel", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cancelled, nil
}

func (c *Client) GetQueue(ctx context.Context) (*QueueState, error) {
	return c.queue(ctx, http.MethodGet, "/api/v1/queue")
}

func (c *Client) PauseQueue(ctx context.Context) (*QueueState, error) {
	return c.queue(ctx, http.MethodPost, "/api/v1/queue/pause")
}

func (c *Client) ResumeQueue(ctx context.Context) (*QueueState, error) {
	return c.queue(ctx, http.MethodPost, "/api/v1/queue/resume")
}

func (c *Client) queue(ctx context.Context, method, path string) (*QueueState, error) {
	var state QueueState
	if err := c.do(ctx, method, path, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) PollStatus(ctx context.Context, ids []uuid.UUID, batch string) (*PollResult, error) {
	var result PollResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/status?"+statusQuery(ids, batch), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Watch follows the newline delimited status stream and calls fn for every
// event until a done or error event arrives, fn returns an error, or ctx ends.
func (c *Client) Watch(ctx context.Context, ids []uuid.UUID, batch string, fn func(stream.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status/stream?"+statusQuery(ids, batch), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set(requestid.Header, requestid.Generate())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call docpipe api: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var e stream.Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
		switch e.Type {
		case stream.EventDone:
			return nil
		case stream.EventError:
			if e.Error == stream.LifetimeExceeded {
				return ErrStreamClosed
			}
			return fmt.Errorf("status stream ended: %s", e.Error)
		}
	}
}

func statusQuery(ids []uuid.UUID, batch string) string {
	q := url.Values{}
	if len(ids) > 0 {
		raw := make([]string, 0, len(ids))
		for _, id := range ids {
			raw = append(raw, id.String())
		}
		q.Set("ids", strings.Join(raw, ","))
	}
	if batch != "" {
		q.Set("batch", batch)
	}
	return q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, contentType, body, out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestid.Header, requestid.Generate())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call docpipe api: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(b) > 0 {
		if json.Unmarshal(b, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(b))
		}
	}
	return apiErr
}
