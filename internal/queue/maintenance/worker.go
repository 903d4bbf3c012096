// Package maintenance runs periodic housekeeping of the job table through
// River on PostgreSQL deployments.
package maintenance

import (
	"context"
	"time"

	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/pkg/log"
	"github.com/riverqueue/river"
)

const (
	QueueName  = "maintenance"
	PruneKind  = "docpipeline_prune_jobs"
	JobTimeout = 5 * time.Minute
)

type PruneArgs struct{}

func (PruneArgs) Kind() string {
	return PruneKind
}

func (PruneArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueName,
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Minute},
	}
}

type PruneWorker struct {
	river.WorkerDefaults[PruneArgs]
	store     store.Store
	retention Retention
	logger    *log.StructuredLogger
}

func NewPruneWorker(s store.Store, retention Retention) *PruneWorker {
	return &PruneWorker{store: s, retention: retention, logger: log.NewInfoLogger("job_pruner")}
}

func (w *PruneWorker) Timeout(job *river.Job[PruneArgs]) time.Duration {
	return JobTimeout
}

func (w *PruneWorker) Work(ctx context.Context, job *river.Job[PruneArgs]) error {
	tracer := w.logger.Operation("prune_jobs").WithParam("river_job_id", job.ID).Build()

	n, err := Prune(ctx, w.store, time.Now(), w.retention)
	if err != nil {
		tracer.Error(err).Log()
		return err
	}

	tracer.Success().WithParam("deleted", n).Log()
	return nil
}
