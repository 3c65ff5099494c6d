// Package entry is the durable source of truth for model slots. The
// repository stores rows keyed by (bot, language, status); the Ready and
// NotReady services fix the status so callers cannot cross slots.
package entry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/nlu"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Key addresses one row.
type Key struct {
	BotID    string
	Language string
	Status   models.Status
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	BotID    string
	Language string
	Status   models.Status
}

// RowStore is the minimal key/value contract the services need. Every
// method is all-or-nothing for its own row.
type RowStore interface {
	Get(ctx context.Context, key Key) (*models.ModelEntry, error)
	Set(ctx context.Context, row models.ModelEntry) error
	Has(ctx context.Context, key Key) (bool, error)
	Del(ctx context.Context, key Key) error
	DelIfModel(ctx context.Context, key Key, modelID string) (bool, error)
	List(ctx context.Context, f Filter) ([]models.ModelEntry, error)
}

// Repository is the gorm-backed RowStore.
type Repository struct {
	db *gorm.DB
}

var _ RowStore = (*Repository)(nil)

// NewRepository wraps an open connection.
func NewRepository(gdb *gorm.DB) *Repository {
	return &Repository{db: gdb}
}

// Initialize creates the backing table if absent.
func (r *Repository) Initialize(ctx context.Context) error {
	if err := db.AutoMigrate(r.db.WithContext(ctx)); err != nil {
		return nlu.Storage("entry: initialize", err)
	}
	return nil
}

func validateKey(key Key) error {
	if key.BotID == "" {
		return fmt.Errorf("entry: bot id is required")
	}
	if key.Language == "" {
		return fmt.Errorf("entry: language is required")
	}
	if !key.Status.Valid() {
		return fmt.Errorf("entry: invalid status %v", key.Status)
	}
	return nil
}

func (r *Repository) where(ctx context.Context, key Key) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.ModelEntry{}).
		Where("bot_id = ? AND language = ? AND status = ?", key.BotID, key.Language, key.Status)
}

// Get returns the row for key, or nil when absent.
func (r *Repository) Get(ctx context.Context, key Key) (*models.ModelEntry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var row models.ModelEntry
	if err := r.where(ctx, key).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, nlu.Storage(fmt.Sprintf("entry: get %s/%s/%s", key.BotID, key.Language, key.Status), err)
	}
	return &row, nil
}

// Set upserts row. Last write wins.
func (r *Repository) Set(ctx context.Context, row models.ModelEntry) error {
	key := Key{BotID: row.BotID, Language: row.Language, Status: row.Status}
	if err := validateKey(key); err != nil {
		return err
	}
	if row.ModelID == "" {
		return fmt.Errorf("entry: model id is required")
	}
	row.UpdatedAt = time.Now()

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bot_id"}, {Name: "language"}, {Name: "status"}},
		DoUpdates: clause.AssignmentColumns([]string{"model_id", "definition_hash", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return nlu.Storage(fmt.Sprintf("entry: set %s/%s/%s", row.BotID, row.Language, row.Status), result.Error)
	}
	return nil
}

// Has reports whether a row exists for key.
func (r *Repository) Has(ctx context.Context, key Key) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	var count int64
	if err := r.where(ctx, key).Count(&count).Error; err != nil {
		return false, nlu.Storage(fmt.Sprintf("entry: has %s/%s/%s", key.BotID, key.Language, key.Status), err)
	}
	return count > 0, nil
}

// Del removes the row for key; absent rows are not an error.
func (r *Repository) Del(ctx context.Context, key Key) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := r.where(ctx, key).Delete(&models.ModelEntry{}).Error; err != nil {
		return nlu.Storage(fmt.Sprintf("entry: del %s/%s/%s", key.BotID, key.Language, key.Status), err)
	}
	return nil
}

// DelIfModel removes the row for key only while it still points at
// modelID. It reports whether a row was removed.
func (r *Repository) DelIfModel(ctx context.Context, key Key, modelID string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	result := r.where(ctx, key).Where("model_id = ?", modelID).Delete(&models.ModelEntry{})
	if result.Error != nil {
		return false, nlu.Storage(fmt.Sprintf("entry: del %s/%s/%s", key.BotID, key.Language, key.Status), result.Error)
	}
	return result.RowsAffected > 0, nil
}

// List returns rows matching f, ordered by bot then language.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.ModelEntry, error) {
	q := r.db.WithContext(ctx).Model(&models.ModelEntry{})
	if f.BotID != "" {
		q = q.Where("bot_id = ?", f.BotID)
	}
	if f.Language != "" {
		q = q.Where("language = ?", f.Language)
	}
	if f.Status != 0 {
		if !f.Status.Valid() {
			return nil, fmt.Errorf("entry: invalid status %v", f.Status)
		}
		q = q.Where("status = ?", f.Status)
	}
	var rows []models.ModelEntry
	if err := q.Order("bot_id ASC, language ASC").Find(&rows).Error; err != nil {
		return nil, nlu.Storage("entry: list", err)
	}
	return rows, nil
}
