package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Job interface for job-related database operations
type Job interface {
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error)
	// Transition updates the jobs matched by filter and returns how many
	// rows changed. Callers encode the expected current state in filter.
	Transition(ctx context.Context, filter *JobQueryFilter, updates map[string]any) (int64, error)
	// ClaimNext moves the oldest created job to active under a lease held by
	// owner. It returns nil when there is nothing to claim.
	ClaimNext(ctx context.Context, owner string, leaseUntil time.Time) (*model.Job, error)
	Delete(ctx context.Context, filter *JobQueryFilter) (int64, error)
	CountByState(ctx context.Context) (map[model.JobState]int64, error)
}

// JobStore implements the Job interface
type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job model.Job) (*model.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Kind == "" {
		job.Kind = model.JobKindOcrProcessing
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	job.EnqueuedAt = job.EnqueuedAt.UTC()

	if err := s.getDB(ctx).Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var job model.Job
	if err := s.getDB(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error) {
	var jobs model.JobList
	tx := s.getDB(ctx).Model(&jobs)
	if filter != nil {
		tx = BaseQuerier(*filter).apply(tx)
	}
	if opts != nil {
		tx = BaseQuerier(*opts).apply(tx)
	}
	if err := tx.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) Transition(ctx context.Context, filter *JobQueryFilter, updates map[string]any) (int64, error) {
	if filter == nil || len(filter.QueryFn) == 0 {
		return 0, errors.New("job transition requires a filter")
	}
	values := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = time.Now().UTC()
	}

	result := BaseQuerier(*filter).apply(s.getDB(ctx).Model(&model.Job{})).Updates(values)
	if result.Error != nil {
		return 0, fmt.Errorf("updating job: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *JobStore) ClaimNext(ctx context.Context, owner string, leaseUntil time.Time) (*model.Job, error) {
	var claimed *model.Job

	err := withinTx(ctx, s.db, func(ctx context.Context) error {
		tx := s.getDB(ctx).Model(&model.Job{}).
			Where("state = ?", model.JobCreated).
			Order("enqueued_at").Order("id").
			Limit(1)
		if isPostgres(tx) {
			tx = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidate model.Job
		if err := tx.Take(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("selecting job to claim: %w", err)
		}

		now := time.Now().UTC()
		rows, err := s.Transition(ctx, NewJobQueryFilter().ByID(candidate.ID).ByState(model.JobCreated), map[string]any{
			"state":            model.JobActive,
			"attempt":          gorm.Expr("attempt + 1"),
			"lease_owner":      owner,
			"lease_expires_at": leaseUntil.UTC(),
			"started_at":       now,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			// another worker won the race
			return nil
		}

		job, err := s.Get(ctx, candidate.ID)
		if err != nil {
			return err
		}
		claimed = job
		return nil
	})

	return claimed, err
}

func (s *JobStore) Delete(ctx context.Context, filter *JobQueryFilter) (int64, error) {
	if filter == nil || len(filter.QueryFn) == 0 {
		return 0, errors.New("job delete requires a filter")
	}
	result := BaseQuerier(*filter).apply(s.getDB(ctx)).Delete(&model.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *JobStore) CountByState(ctx context.Context) (map[model.JobState]int64, error) {
	var rows []struct {
		State model.JobState
		Total int64
	}
	if err := s.getDB(ctx).Model(&model.Job{}).Select("state, count(*) as total").Group("state").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	counts := make(map[model.JobState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Total
	}
	return counts, nil
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
