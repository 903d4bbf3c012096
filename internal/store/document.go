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

type Document interface {
	Create(ctx context.Context, doc model.Document) (*model.Document, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Document, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	// The lock is only taken on PostgreSQL.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Document, error)
	List(ctx context.Context, filter *DocumentQueryFilter) (model.DocumentList, error)
	// Update applies updates to the rows matched by filter and fails with
	// ErrStaleWrite when nothing matched.
	Update(ctx context.Context, filter *DocumentQueryFilter, updates map[string]any) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type DocumentStore struct {
	db *gorm.DB
}

// Make sure we conform to Document interface
var _ Document = (*DocumentStore)(nil)

func NewDocumentStore(db *gorm.DB) Document {
	return &DocumentStore{db: db}
}

func (d *DocumentStore) Create(ctx context.Context, doc model.Document) (*model.Document, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = model.StatusUploaded
	}

	if err := d.getDB(ctx).Create(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating document: %w", err)
	}
	return &doc, nil
}

func (d *DocumentStore) Get(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	return d.get(d.getDB(ctx), id)
}

func (d *DocumentStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	tx := d.getDB(ctx)
	if isPostgres(tx) {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return d.get(tx, id)
}

func (d *DocumentStore) get(tx *gorm.DB, id uuid.UUID) (*model.Document, error) {
	var doc model.Document
	if err := tx.First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying document: %w", err)
	}
	return &doc, nil
}

func (d *DocumentStore) List(ctx context.Context, filter *DocumentQueryFilter) (model.DocumentList, error) {
	var docs model.DocumentList
	tx := d.getDB(ctx).Model(&docs).Order("created_at").Order("id")
	if filter != nil {
		tx = BaseQuerier(*filter).apply(tx)
	}
	if err := tx.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

func (d *DocumentStore) Update(ctx context.Context, filter *DocumentQueryFilter, updates map[string]any) error {
	if filter == nil || len(filter.QueryFn) == 0 {
		return errors.New("guarded document update requires a filter")
	}
	values := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = time.Now().UTC()
	}

	tx := BaseQuerier(*filter).apply(d.getDB(ctx).Model(&model.Document{}))
	result := tx.Updates(values)
	if result.Error != nil {
		return fmt.Errorf("updating document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleWrite
	}
	return nil
}

func (d *DocumentStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := d.getDB(ctx).Unscoped().Delete(&model.Document{}, "id = ?", id)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}
	return nil
}

func (d *DocumentStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return d.db.WithContext(ctx)
}
