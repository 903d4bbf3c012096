package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/carbontrack/docpipeline/pkg/metrics"
	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
)

const (
	// ErrorTypeJobTimeout classifies jobs that exceeded the per-job timeout
	// or whose lease expired too many times.
	ErrorTypeJobTimeout = "provider_timeout"
	ErrorTypeInternal   = "internal"

	finalizeTimeout = 10 * time.Second
	cancelCheckTime = 5 * time.Second
)

// signal is a broadcast wake-up: every waiter returns when it fires.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

func (m *Manager) worker(n int) {
	defer m.wg.Done()

	poll := m.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := jitterbug.New(poll, &jitterbug.Norm{Stdev: poll / 10, Mean: 0})
	defer ticker.Stop()

	log := m.log.With("worker", n)
	for {
		// grab the wake channel before claiming so that a broadcast
		// happening during the claim is not lost
		wake := m.wake.wait()

		for m.dispatchOne() {
			select {
			case <-m.stopCh:
				return
			default:
			}
		}

		select {
		case <-m.stopCh:
			log.Debug("worker stopped")
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// dispatchOne claims and runs at most one job. It reports whether a job ran.
func (m *Manager) dispatchOne() bool {
	ctx := m.jobsCtx

	paused, err := m.IsPaused(ctx)
	if err != nil {
		m.log.Warnw("failed to read pause flag", "error", err)
		return false
	}
	if paused {
		return false
	}

	job, err := m.store.Job().ClaimNext(ctx, m.owner, time.Now().Add(m.leaseDuration()))
	if err != nil {
		if ctx.Err() == nil {
			m.log.Errorw("failed to claim job", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}

	m.execute(job)
	return true
}

// leaseDuration is never shorter than the job timeout so that a healthy
// worker is not reaped.
func (m *Manager) leaseDuration() time.Duration {
	return max(m.cfg.LeaseDuration, m.cfg.JobTimeout+finalizeTimeout)
}

func (m *Manager) execute(job *model.Job) {
	start := time.Now()
	log := m.log.With("job_id", job.ID, "document_id", job.DocumentID, "attempt", job.Attempt)
	log.Debug("job claimed")

	timeout := m.cfg.JobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(m.jobsCtx, timeout)
	defer cancel()

	outcome := m.run(ctx, job)
	if outcome.Err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && outcome.ErrorType == "" {
		outcome.ErrorType = ErrorTypeJobTimeout
	}

	finalized, err := m.finalize(job, outcome)
	switch {
	case err != nil:
		log.Errorw("failed to finalize job", "error", err)
		return
	case !finalized:
		log.Infow("job result discarded", "reason", "job no longer active")
		return
	}

	if outcome.Err != nil {
		metrics.IncreaseJobEventMetric(metrics.JobFailed)
		metrics.ObserveJobDuration(metrics.JobFailed, time.Since(start))
		log.Infow("job failed", "error_type", outcome.ErrorType, "error", outcome.Err, "duration", time.Since(start))
	} else {
		metrics.IncreaseJobEventMetric(metrics.JobCompleted)
		metrics.ObserveJobDuration(metrics.JobCompleted, time.Since(start))
		log.Infow("job completed", "duration", time.Since(start))
	}
	m.notify(context.Background(), job.DocumentID)
}

func (m *Manager) run(ctx context.Context, job *model.Job) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Errorw("job handler panicked", "job_id", job.ID, "panic", p, "stack", string(debug.Stack()))
			outcome = Outcome{Err: fmt.Errorf("handler panic: %v", p), ErrorType: ErrorTypeInternal}
		}
	}()

	task := Task{
		Job:       *job,
		Cancelled: func() bool { return m.cancelled(job.ID) },
	}
	return m.handler.Handle(ctx, task)
}

func (m *Manager) cancelled(jobID uuid.UUID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cancelCheckTime)
	defer cancel()

	job, err := m.store.Job().Get(ctx, jobID)
	if err != nil {
		return errors.Is(err, store.ErrRecordNotFound)
	}
	return job.State != model.JobActive || job.LeaseOwner != m.owner
}

// finalize moves the job to its terminal state and applies the document
// side of the outcome in one transaction. It returns false when the job was
// cancelled or reaped meanwhile, in which case nothing is written.
func (m *Manager) finalize(job *model.Job, outcome Outcome) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	updates := map[string]any{
		"state":            model.JobCompleted,
		"finished_at":      time.Now().UTC(),
		"lease_expires_at": nil,
	}
	if outcome.Err != nil {
		updates["state"] = model.JobFailed
		updates["last_error"] = outcome.Err.Error()
		updates["error_type"] = outcome.ErrorType
	}

	finalized := false
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		rows, err := m.store.Job().Transition(ctx,
			store.NewJobQueryFilter().ByID(job.ID).ByState(model.JobActive).LeasedBy(m.owner), updates)
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		finalized = true

		if outcome.Commit == nil {
			if outcome.Err != nil && outcome.ErrorType != string(model.JobCancelled) {
				return m.failDocument(ctx, job, outcome.ErrorType, failureMessage(outcome))
			}
			return nil
		}
		if err := outcome.Commit(ctx); err != nil {
			if errors.Is(err, store.ErrStaleWrite) {
				m.log.Infow("document changed under the job, result not written", "job_id", job.ID)
				return nil
			}
			return err
		}
		return nil
	})
	return finalized, err
}

func failureMessage(outcome Outcome) string {
	if outcome.ErrorType == ErrorTypeJobTimeout {
		return timeoutMessage
	}
	return "processing failed, retry later"
}
