package store

import (
	"context"

	"github.com/carbontrack/docpipeline/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	// WithinTx runs fn in the transaction carried by ctx or in a new one.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Document() Document
	Job() Job
	QueueSetting() QueueSetting
	QueueStats(ctx context.Context) (map[string]int64, bool, error)
	InitialMigration(ctx context.Context) error
	Dialect() string
	Close() error
}

type DataStore struct {
	db           *gorm.DB
	document     Document
	job          Job
	queueSetting QueueSetting
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:           db,
		document:     NewDocumentStore(db),
		job:          NewJobStore(db),
		queueSetting: NewQueueSettingStore(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withinTx(ctx, s.db, fn)
}

func (s *DataStore) Document() Document {
	return s.document
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) QueueSetting() QueueSetting {
	return s.queueSetting
}

func (s *DataStore) QueueStats(ctx context.Context) (map[string]int64, bool, error) {
	counts, err := s.job.CountByState(ctx)
	if err != nil {
		return nil, false, err
	}

	stats := make(map[string]int64, len(counts))
	for state, total := range counts {
		stats[string(state)] = total
	}

	setting, err := s.queueSetting.Get(ctx, model.DefaultQueueName)
	if err != nil {
		if err == ErrRecordNotFound {
			return stats, false, nil
		}
		return nil, false, err
	}
	return stats, setting.Paused, nil
}

// InitialMigration creates the schema from the models. Deployments use the
// versioned sql migrations instead.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Document{}, &model.Job{}, &model.QueueSetting{})
}

func (s *DataStore) Dialect() string {
	return s.db.Dialector.Name()
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
