package maintenance

import (
	"context"
	"time"

	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/store/model"
)

// Retention is how long terminal jobs are kept after they finished.
type Retention struct {
	Completed time.Duration
	Failed    time.Duration
}

// Prune deletes terminal jobs older than their retention. Cancelled jobs
// share the completed retention. A zero retention keeps jobs forever.
func Prune(ctx context.Context, s store.Store, now time.Time, r Retention) (int64, error) {
	var total int64

	if r.Completed > 0 {
		n, err := s.Job().Delete(ctx, store.NewJobQueryFilter().
			ByState(model.JobCompleted, model.JobCancelled).
			FinishedBefore(now.Add(-r.Completed)))
		if err != nil {
			return total, err
		}
		total += n
	}

	if r.Failed > 0 {
		n, err := s.Job().Delete(ctx, store.NewJobQueryFilter().
			ByState(model.JobFailed).
			FinishedBefore(now.Add(-r.Failed)))
		if err != nil {
			return total, err
		}
		total += n
	}

	return total, nil
}
