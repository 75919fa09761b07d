// Package history persists the outcome of every playback session.
package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/playarr/internal/models"
)

// Query filters a history listing. Zero values match everything.
type Query struct {
	SourceURL  string
	FinalState string
	Offset     int
	Limit      int
}

// DefaultLimit caps listings that do not set one.
const DefaultLimit = 50

// Store reads and writes playback records.
type Store interface {
	// Create inserts a record, assigning its ID.
	Create(ctx context.Context, rec *models.PlaybackRecord) error
	// List returns matching records, most recently ended first, and the
	// total number of matches.
	List(ctx context.Context, q Query) ([]*models.PlaybackRecord, int64, error)
	// Prune deletes records that ended before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, rec *models.PlaybackRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("creating playback record: %w", err)
	}
	return nil
}

func (s *gormStore) List(ctx context.Context, q Query) ([]*models.PlaybackRecord, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.PlaybackRecord{})
	if q.SourceURL != "" {
		query = query.Where("source_url = ?", q.SourceURL)
	}
	if q.FinalState != "" {
		query = query.Where("final_state = ?", q.FinalState)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting playback records: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	var recs []*models.PlaybackRecord
	if err := query.Order("ended_at DESC").Order("id DESC").Offset(q.Offset).Limit(limit).Find(&recs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing playback records: %w", err)
	}
	return recs, total, nil
}

func (s *gormStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("ended_at < ?", before).Delete(&models.PlaybackRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning playback records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ Store = (*gormStore)(nil)
