package queue

import (
	"context"
	"errors"
	"time"

	"github.com/carbontrack/docpipeline/internal/lifecycle"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/metrics"
	"github.com/lthibault/jitterbug/v2"
)

const (
	reapBatch          = 100
	leaseExpiredReason = "worker lease expired"
	timeoutMessage     = "processing timed out, retry later"
)

func (m *Manager) reaper() {
	defer m.wg.Done()

	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		if _, err := m.Reap(m.jobsCtx, time.Now()); err != nil && m.jobsCtx.Err() == nil {
			m.log.Errorw("lease reaper failed", "error", err)
		}
	}
}

// Reap recovers active jobs whose lease expired before now, typically
// because their worker died. Jobs with attempts left go back to created,
// the others fail with a timeout. It returns how many jobs it touched.
func (m *Manager) Reap(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.store.Job().List(ctx,
		store.NewJobQueryFilter().ByState(model.JobActive).LeaseExpiredBefore(now),
		store.NewJobQueryOptions().WithSortOrder(store.SortByEnqueuedTime).WithLimit(reapBatch))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range expired {
		job := expired[i]
		requeued, touched, err := m.reapOne(ctx, &job, now)
		if err != nil {
			return reaped, err
		}
		if !touched {
			continue
		}
		reaped++
		if requeued {
			metrics.IncreaseJobEventMetric(metrics.JobRequeued)
			m.log.Infow("requeued job with expired lease", "job_id", job.ID, "attempt", job.Attempt, "lease_owner", job.LeaseOwner)
		} else {
			metrics.IncreaseJobEventMetric(metrics.JobFailed)
			m.log.Warnw("failed job with expired lease", "job_id", job.ID, "attempt", job.Attempt, "lease_owner", job.LeaseOwner)
		}
		m.notify(ctx, job.DocumentID)
	}
	if reaped > 0 {
		m.wake.broadcast()
	}
	return reaped, nil
}

func (m *Manager) reapOne(ctx context.Context, job *model.Job, now time.Time) (requeued, touched bool, err error) {
	guard := func() *store.JobQueryFilter {
		return store.NewJobQueryFilter().ByID(job.ID).ByState(model.JobActive).LeaseExpiredBefore(now)
	}

	err = m.store.WithinTx(ctx, func(ctx context.Context) error {
		if job.Attempt < job.MaxAttempts {
			rows, err := m.store.Job().Transition(ctx, guard(), map[string]any{
				"state":            model.JobCreated,
				"lease_owner":      "",
				"lease_expires_at": nil,
				"last_error":       leaseExpiredReason,
			})
			if err != nil || rows == 0 {
				return err
			}
			requeued, touched = true, true

			err = m.store.Document().Update(ctx, store.NewDocumentQueryFilter().ByID(job.DocumentID).OwnedBy(job.ID), map[string]any{
				"queue_status":     string(model.JobCreated),
				"processing_stage": model.StageQueued,
			})
			if errors.Is(err, store.ErrStaleWrite) {
				return nil
			}
			return err
		}

		rows, err := m.store.Job().Transition(ctx, guard(), map[string]any{
			"state":            model.JobFailed,
			"finished_at":      now.UTC(),
			"lease_expires_at": nil,
			"last_error":       leaseExpiredReason,
			"error_type":       ErrorTypeJobTimeout,
		})
		if err != nil || rows == 0 {
			return err
		}
		touched = true
		return m.failDocument(ctx, job, ErrorTypeJobTimeout, timeoutMessage)
	})
	return requeued, touched, err
}

// failDocument releases the document of a job that failed outside of its
// handler. The document goes to FAILED when the state machine allows it.
func (m *Manager) failDocument(ctx context.Context, job *model.Job, errorType, message string) error {
	doc, err := m.store.Document().Get(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if doc.JobID == nil || *doc.JobID != job.ID {
		return nil
	}

	change := lifecycle.Change{
		Message:     message,
		ErrorType:   errorType,
		ReleaseJob:  true,
		QueueStatus: string(model.JobFailed),
	}
	if lifecycle.CanTransition(doc.Status, model.StatusFailed) {
		err = lifecycle.Transition(ctx, m.store.Document(), doc, model.StatusFailed, change)
	} else {
		err = m.store.Document().Update(ctx, store.NewDocumentQueryFilter().ByID(doc.ID).OwnedBy(job.ID), map[string]any{
			"job_id":       nil,
			"queue_status": string(model.JobFailed),
		})
	}
	if errors.Is(err, store.ErrStaleWrite) {
		return nil
	}
	return err
}
