// Package queue is the durable OCR job queue. Jobs live in the store; the
// Manager exposes the operator API and runs the dispatcher workers that feed
// claimed jobs to a Handler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/events"
	"github.com/carbontrack/docpipeline/internal/lifecycle"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/log"
	"github.com/carbontrack/docpipeline/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type JobStatus struct {
	ID             uuid.UUID            `json:"id"`
	DocumentID     uuid.UUID            `json:"documentId"`
	State          model.JobState       `json:"state"`
	Attempt        int                  `json:"attempt"`
	MaxAttempts    int                  `json:"maxAttempts"`
	ErrorType      string               `json:"errorType,omitempty"`
	LastError      string               `json:"lastError,omitempty"`
	RetriedFrom    *uuid.UUID           `json:"retriedFrom,omitempty"`
	DocumentStatus model.DocumentStatus `json:"documentStatus,omitempty"`
	Stage          string               `json:"stage,omitempty"`
	Progress       int                  `json:"progress"`
	EnqueuedAt     time.Time            `json:"enqueuedAt"`
	StartedAt      *time.Time           `json:"startedAt,omitempty"`
	FinishedAt     *time.Time           `json:"finishedAt,omitempty"`
}

type Manager struct {
	store     store.Store
	cfg       *config.QueueConfig
	handler   Handler
	publisher Publisher
	owner     string
	logger    *log.StructuredLogger
	log       *zap.SugaredLogger

	wake *signal

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	jobsCtx  context.Context
	abortJob context.CancelFunc
	wg       sync.WaitGroup
}

func NewManager(s store.Store, cfg *config.QueueConfig, opts ...Option) *Manager {
	hostname, _ := os.Hostname()
	m := &Manager{
		store:  s,
		cfg:    cfg,
		owner:  fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		logger: log.NewDebugLogger("queue_manager"),
		log:    zap.S().Named("queue"),
		wake:   newSignal(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open makes sure the queue settings row exists and starts the workers when
// a handler is configured.
func (m *Manager) Open(ctx context.Context) error {
	setting, err := m.store.QueueSetting().Ensure(ctx, model.DefaultQueueName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.jobsCtx, m.abortJob = context.WithCancel(context.Background())

	if m.handler != nil {
		for i := 0; i < max(m.cfg.Workers, 1); i++ {
			m.wg.Add(1)
			go m.worker(i)
		}
		m.wg.Add(1)
		go m.reaper()
	}

	m.log.Infow("queue opened", "owner", m.owner, "paused", setting.Paused, "workers", m.cfg.Workers, "dispatching", m.handler != nil)
	return nil
}

// Close stops claiming jobs and waits for in-flight ones. When ctx expires
// first the in-flight jobs are cancelled.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.abortJob()
		m.log.Info("queue closed")
		return nil
	case <-ctx.Done():
		m.abortJob()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) Enqueue(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error) {
	tracer := m.logger.WithContext(ctx).Operation("enqueue").WithUUID("document_id", documentID).Build()

	var jobID uuid.UUID
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		id, err := m.enqueue(ctx, documentID, nil)
		jobID = id
		return err
	})
	if err != nil {
		tracer.Error(err).Log()
		return uuid.Nil, err
	}

	metrics.IncreaseJobEventMetric(metrics.JobEnqueued)
	m.wake.broadcast()
	m.notify(ctx, documentID)

	tracer.Success().WithUUID("job_id", jobID).Log()
	return jobID, nil
}

// enqueue must run inside a transaction. The document row is locked and the
// ownership token is set with a compare-and-set so that two concurrent
// callers cannot both succeed.
func (m *Manager) enqueue(ctx context.Context, documentID uuid.UUID, retriedFrom *uuid.UUID) (uuid.UUID, error) {
	doc, err := m.store.Document().GetForUpdate(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return uuid.Nil, NewErrDocumentNotFound(documentID)
		}
		return uuid.Nil, err
	}
	if doc.HasLiveJob() {
		return uuid.Nil, NewErrAlreadyQueued(documentID, *doc.JobID)
	}
	if doc.Status != model.StatusProcessing && !lifecycle.CanTransition(doc.Status, model.StatusProcessing) {
		return uuid.Nil, lifecycle.NewErrInvalidTransition(doc.Status, model.StatusProcessing)
	}

	job, err := m.store.Job().Create(ctx, model.Job{
		DocumentID:  documentID,
		State:       model.JobCreated,
		MaxAttempts: max(m.cfg.MaxAttempts, 1),
		RetriedFrom: retriedFrom,
	})
	if err != nil {
		return uuid.Nil, err
	}

	updates := map[string]any{
		"job_id":       job.ID,
		"queue_status": string(model.JobCreated),
	}
	if doc.Status != model.StatusProcessed {
		updates["processing_stage"] = model.StageQueued
		updates["processing_message"] = ""
	}
	if retriedFrom != nil {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	if err := m.store.Document().Update(ctx, store.NewDocumentQueryFilter().ByID(documentID).WithoutJob(), updates); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return uuid.Nil, NewErrAlreadyQueued(documentID, job.ID)
		}
		return uuid.Nil, err
	}
	return job.ID, nil
}

// Cancel cancels a created or active job. It returns 0 when the job already
// reached a terminal state.
func (m *Manager) Cancel(ctx context.Context, jobID uuid.UUID) (int, error) {
	tracer := m.logger.WithContext(ctx).Operation("cancel").WithUUID("job_id", jobID).Build()

	var (
		cancelled  int
		documentID uuid.UUID
	)
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		job, err := m.store.Job().Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return NewErrJobNotFound(jobID)
			}
			return err
		}
		documentID = job.DocumentID
		if job.State.IsTerminal() {
			return nil
		}
		n, err := m.cancel(ctx, job)
		cancelled = n
		return err
	})
	if err != nil {
		tracer.Error(err).Log()
		return 0, err
	}

	if cancelled > 0 {
		metrics.IncreaseJobEventMetric(metrics.JobCancelled)
		m.notify(ctx, documentID)
	}
	tracer.Success().WithInt("cancelled", cancelled).Log()
	return cancelled, nil
}

// cancel must run inside a transaction.
func (m *Manager) cancel(ctx context.Context, job *model.Job) (int, error) {
	now := time.Now().UTC()
	rows, err := m.store.Job().Transition(ctx, store.NewJobQueryFilter().ByID(job.ID).ByState(model.LiveJobStates...), map[string]any{
		"state":            model.JobCancelled,
		"finished_at":      now,
		"lease_owner":      "",
		"lease_expires_at": nil,
	})
	if err != nil || rows == 0 {
		return 0, err
	}

	doc, err := m.store.Document().Get(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return 1, nil
		}
		return 0, err
	}

	updates := map[string]any{
		"job_id":       nil,
		"queue_status": string(model.JobCancelled),
	}
	// A processed document keeps its result, progress and stage.
	if doc.Status != model.StatusProcessed {
		updates["status"] = model.StatusUploaded
		updates["processing_stage"] = model.StageCancelled
		updates["processing_progress"] = 0
		updates["processing_message"] = "cancelled"
	}
	err = m.store.Document().Update(ctx, store.NewDocumentQueryFilter().ByID(doc.ID).OwnedBy(job.ID), updates)
	if err != nil && !errors.Is(err, store.ErrStaleWrite) {
		return 0, err
	}
	return 1, nil
}

// CancelByDocument cancels every live job of the document.
func (m *Manager) CancelByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	tracer := m.logger.WithContext(ctx).Operation("cancel_by_document").WithUUID("document_id", documentID).Build()

	var cancelled int
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := m.store.Document().Get(ctx, documentID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return NewErrDocumentNotFound(documentID)
			}
			return err
		}

		jobs, err := m.store.Job().List(ctx, store.NewJobQueryFilter().ByDocumentID(documentID).ByState(model.LiveJobStates...), nil)
		if err != nil {
			return err
		}
		for i := range jobs {
			n, err := m.cancel(ctx, &jobs[i])
			if err != nil {
				return err
			}
			cancelled += n
		}
		return nil
	})
	if err != nil {
		tracer.Error(err).Log()
		return 0, err
	}

	for i := 0; i < cancelled; i++ {
		metrics.IncreaseJobEventMetric(metrics.JobCancelled)
	}
	if cancelled > 0 {
		m.notify(ctx, documentID)
	}
	tracer.Success().WithInt("cancelled", cancelled).Log()
	return cancelled, nil
}

// Retry enqueues a fresh job for the document of a failed job.
func (m *Manager) Retry(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	tracer := m.logger.WithContext(ctx).Operation("retry").WithUUID("job_id", jobID).Build()

	var (
		newID      uuid.UUID
		documentID uuid.UUID
	)
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		job, err := m.store.Job().Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return NewErrJobNotFound(jobID)
			}
			return err
		}
		if job.State != model.JobFailed {
			return NewErrInvalidState(jobID, job.State, "retry")
		}
		documentID = job.DocumentID
		newID, err = m.enqueue(ctx, job.DocumentID, &job.ID)
		return err
	})
	if err != nil {
		tracer.Error(err).Log()
		return uuid.Nil, err
	}

	metrics.IncreaseJobEventMetric(metrics.JobRetried)
	m.wake.broadcast()
	m.notify(ctx, documentID)

	tracer.Success().WithUUID("new_job_id", newID).Log()
	return newID, nil
}

func (m *Manager) PauseAll(ctx context.Context) error {
	return m.setPaused(ctx, true)
}

func (m *Manager) ResumeAll(ctx context.Context) error {
	if err := m.setPaused(ctx, false); err != nil {
		return err
	}
	m.wake.broadcast()
	return nil
}

func (m *Manager) setPaused(ctx context.Context, paused bool) error {
	tracer := m.logger.WithContext(ctx).Operation("set_paused").WithBool("paused", paused).Build()

	err := m.store.QueueSetting().SetPaused(ctx, model.DefaultQueueName, paused)
	if errors.Is(err, store.ErrRecordNotFound) {
		if _, err = m.store.QueueSetting().Ensure(ctx, model.DefaultQueueName); err == nil {
			err = m.store.QueueSetting().SetPaused(ctx, model.DefaultQueueName, paused)
		}
	}
	if err != nil {
		tracer.Error(err).Log()
		return err
	}

	tracer.Success().Log()
	return nil
}

func (m *Manager) IsPaused(ctx context.Context) (bool, error) {
	setting, err := m.store.QueueSetting().Get(ctx, model.DefaultQueueName)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return setting.Paused, nil
}

func (m *Manager) GetStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, err := m.store.Job().Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(jobID)
		}
		return nil, err
	}

	status := newJobStatus(job)
	doc, err := m.store.Document().Get(ctx, job.DocumentID)
	switch {
	case err == nil:
		status.DocumentStatus = doc.Status
		if doc.JobID != nil && *doc.JobID == job.ID {
			status.Stage = doc.ProcessingStage
			status.Progress = doc.ProcessingProgress
		}
	case !errors.Is(err, store.ErrRecordNotFound):
		return nil, err
	}
	return status, nil
}

// ListActive returns created and active jobs, oldest first.
func (m *Manager) ListActive(ctx context.Context, limit int) ([]JobStatus, error) {
	jobs, err := m.store.Job().List(ctx,
		store.NewJobQueryFilter().ByState(model.LiveJobStates...),
		store.NewJobQueryOptions().WithSortOrder(store.SortByEnqueuedTime).WithLimit(clampLimit(limit)))
	if err != nil {
		return nil, err
	}
	return toStatuses(jobs), nil
}

// ListFailed returns failed jobs, most recent first.
func (m *Manager) ListFailed(ctx context.Context, limit int) ([]JobStatus, error) {
	jobs, err := m.store.Job().List(ctx,
		store.NewJobQueryFilter().ByState(model.JobFailed),
		store.NewJobQueryOptions().WithSortOrder(store.SortByUpdatedTime).WithLimit(clampLimit(limit)))
	if err != nil {
		return nil, err
	}
	return toStatuses(jobs), nil
}

func (m *Manager) Stats(ctx context.Context) (map[string]int64, bool, error) {
	return m.store.QueueStats(ctx)
}

// notify publishes the current state of the document. Failures are logged
// only: notifications are best effort.
func (m *Manager) notify(ctx context.Context, documentID uuid.UUID) {
	if m.publisher == nil {
		return
	}
	doc, err := m.store.Document().Get(ctx, documentID)
	if err != nil {
		m.log.Debugw("skip notification", "document_id", documentID, "error", err)
		return
	}
	if err := m.publisher.PublishDocument(ctx, DocumentEvent(doc)); err != nil {
		m.log.Warnw("failed to publish document event", "document_id", documentID, "error", err)
	}
}

// DocumentEvent maps a document row to its notification payload.
func DocumentEvent(doc *model.Document) events.DocumentEvent {
	e := events.DocumentEvent{
		DocumentID:  doc.ID.String(),
		OwnerID:     doc.OwnerID,
		Status:      string(doc.Status),
		Stage:       doc.ProcessingStage,
		Progress:    doc.ProcessingProgress,
		QueueStatus: doc.QueueStatus,
		ErrorType:   doc.ErrorType,
		Message:     doc.ProcessingMessage,
		At:          doc.UpdatedAt,
	}
	if doc.BatchID != nil {
		e.BatchID = *doc.BatchID
	}
	if doc.JobID != nil {
		e.JobID = doc.JobID.String()
	}
	return e
}

func newJobStatus(job *model.Job) *JobStatus {
	return &JobStatus{
		ID:          job.ID,
		DocumentID:  job.DocumentID,
		State:       job.State,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		ErrorType:   job.ErrorType,
		LastError:   job.LastError,
		RetriedFrom: job.RetriedFrom,
		EnqueuedAt:  job.EnqueuedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	}
}

func toStatuses(jobs model.JobList) []JobStatus {
	out := make([]JobStatus, 0, len(jobs))
	for i := range jobs {
		out = append(out, *newJobStatus(&jobs[i]))
	}
	return out
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}
