// Package sql is a Postgres-backed TopicStore built on gorm.
package sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

type topicRow struct {
	ID        uint      `gorm:"primaryKey"`
	TopicName string    `gorm:"column:topic_name;uniqueIndex"`
	IsDeleted bool      `gorm:"column:is_deleted"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (topicRow) TableName() string { return "firebase_topics" }

type TopicStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to Postgres and applies the embedded migrations.
func Open(dsn string, logger *slog.Logger) (*TopicStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain sql.DB: %w", err)
	}
	if err := ApplyMigrations(sqlDB); err != nil {
		return nil, err
	}
	return NewTopicStore(db, logger), nil
}

func NewTopicStore(db *gorm.DB, logger *slog.Logger) *TopicStore {
	return &TopicStore{db: db, logger: logger.With("component", "SQLTopicStore")}
}

// Close releases the underlying connection pool.
func (s *TopicStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureActive is a single upsert keyed on topic_name.
func (s *TopicStore) EnsureActive(ctx context.Context, name string) error {
	now := time.Now().UTC()
	row := topicRow{TopicName: name, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "topic_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"is_deleted": false,
			"updated_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		s.logger.Error("Failed to upsert topic", "topic", name, "err", err)
		return fmt.Errorf("failed to ensure topic %q is active: %w", name, err)
	}
	return nil
}

func (s *TopicStore) IsActive(ctx context.Context, name string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&topicRow{}).
		Where("topic_name = ? AND is_deleted = ?", name, false).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check topic %q: %w", name, err)
	}
	return count > 0, nil
}

func (s *TopicStore) MarkDeleted(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Model(&topicRow{}).
		Where("topic_name = ?", name).
		Updates(map[string]any{"is_deleted": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to delete topic %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return dispatch.ErrTopicNotFound
	}
	return nil
}

func (s *TopicStore) Get(ctx context.Context, name string) (dispatch.TopicRecord, error) {
	var row topicRow
	err := s.db.WithContext(ctx).Where("topic_name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dispatch.TopicRecord{}, dispatch.ErrTopicNotFound
	}
	if err != nil {
		return dispatch.TopicRecord{}, fmt.Errorf("failed to read topic %q: %w", name, err)
	}
	return dispatch.TopicRecord{
		Name:      row.TopicName,
		IsDeleted: row.IsDeleted,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}
