package store

import (
	"time"

	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

func (b BaseQuerier) apply(tx *gorm.DB) *gorm.DB {
	for _, fn := range b.QueryFn {
		tx = fn(tx)
	}
	return tx
}

// DocumentQueryFilter selects documents. Used both for listing and as the
// guard of conditional updates.
type DocumentQueryFilter BaseQuerier

func NewDocumentQueryFilter() *DocumentQueryFilter {
	return &DocumentQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *DocumentQueryFilter) ByID(id uuid.UUID) *DocumentQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id = ?", id)
	})
	return qf
}

func (qf *DocumentQueryFilter) ByIDs(ids []uuid.UUID) *DocumentQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", ids)
	})
	return qf
}

func (qf *DocumentQueryFilter) ByBatchID(batchID string) *DocumentQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("batch_id = ?", batchID)
	})
	return qf
}

func (qf *DocumentQueryFilter) ByOwnerID(ownerID string) *DocumentQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("owner_id = ?", ownerID)
	})
	return qf
}

func (qf *DocumentQueryFilter) ByStatus(status model.DocumentStatus) *DocumentQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

// OwnedBy matches documents whose ownership token is jobID.
func (qf *DocumentQueryFilter) OwnedBy(jobID uuid.UUID) *DocumentQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("job_id = ?", jobID)
	})
	return qf
}

func (qf *DocumentQueryFilter) WithoutJob() *DocumentQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("job_id IS NULL")
	})
	return qf
}

func (qf *DocumentQueryFilter) ProgressAtMost(progress int) *DocumentQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("processing_progress <= ?", progress)
	})
	return qf
}

type JobQueryFilter BaseQuerier

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *JobQueryFilter) ByID(id uuid.UUID) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id = ?", id)
	})
	return qf
}

func (qf *JobQueryFilter) ByDocumentID(id uuid.UUID) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("document_id = ?", id)
	})
	return qf
}

func (qf *JobQueryFilter) ByState(states ...model.JobState) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("state IN ?", states)
	})
	return qf
}

func (qf *JobQueryFilter) LeasedBy(owner string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("lease_owner = ?", owner)
	})
	return qf
}

func (qf *JobQueryFilter) LeaseExpiredBefore(t time.Time) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("lease_expires_at < ?", t.UTC())
	})
	return qf
}

func (qf *JobQueryFilter) FinishedBefore(t time.Time) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("finished_at < ?", t.UTC())
	})
	return qf
}

type SortOrder int

const (
	Unsorted SortOrder = iota
	SortByEnqueuedTime
	SortByUpdatedTime
	SortByCreatedTime
)

type JobQueryOptions BaseQuerier

func NewJobQueryOptions() *JobQueryOptions {
	return &JobQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *JobQueryOptions) WithSortOrder(sort SortOrder) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByEnqueuedTime:
			return tx.Order("enqueued_at").Order("id")
		case SortByUpdatedTime:
			return tx.Order("updated_at DESC")
		case SortByCreatedTime:
			return tx.Order("created_at")
		default:
			return tx
		}
	})
	return o
}

func (o *JobQueryOptions) WithLimit(limit int) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}
