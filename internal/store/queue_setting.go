package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carbontrack/docpipeline/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QueueSetting interface {
	// Ensure creates the settings row of the named queue if missing.
	Ensure(ctx context.Context, name string) (*model.QueueSetting, error)
	Get(ctx context.Context, name string) (*model.QueueSetting, error)
	SetPaused(ctx context.Context, name string, paused bool) error
}

type QueueSettingStore struct {
	db *gorm.DB
}

var _ QueueSetting = (*QueueSettingStore)(nil)

func NewQueueSettingStore(db *gorm.DB) QueueSetting {
	return &QueueSettingStore{db: db}
}

func (q *QueueSettingStore) Ensure(ctx context.Context, name string) (*model.QueueSetting, error) {
	setting := model.QueueSetting{Name: name, UpdatedAt: time.Now().UTC()}
	if err := q.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&setting).Error; err != nil {
		return nil, fmt.Errorf("creating queue settings: %w", err)
	}
	return q.Get(ctx, name)
}

func (q *QueueSettingStore) Get(ctx context.Context, name string) (*model.QueueSetting, error) {
	var setting model.QueueSetting
	if err := q.getDB(ctx).First(&setting, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying queue settings: %w", err)
	}
	return &setting, nil
}

func (q *QueueSettingStore) SetPaused(ctx context.Context, name string, paused bool) error {
	result := q.getDB(ctx).Model(&model.QueueSetting{}).Where("name = ?", name).
		Updates(map[string]any{"paused": paused, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("updating queue settings: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (q *QueueSettingStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return q.db.WithContext(ctx)
}
