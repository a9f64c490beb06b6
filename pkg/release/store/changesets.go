package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateChangeset inserts a new changeset with status detected.
func (s *Store) CreateChangeset(ctx context.Context, record *ChangesetRecord) error {
	record.ID = uuid.New().String()
	record.Namespace = s.namespace
	if record.Status == "" {
		record.Status = ChangesetDetected
	}
	if err := s.with(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create changeset: %w", err)
	}
	return nil
}

// GetChangeset retrieves a changeset by ID.
// Returns nil, nil if no record exists.
func (s *Store) GetChangeset(ctx context.Context, id string) (*ChangesetRecord, error) {
	var record ChangesetRecord
	err := s.with(ctx).Where("namespace = ? AND id = ?", s.namespace, id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get changeset: %w", err)
	}
	return &record, nil
}

// FinishChangeset records the final status of a changeset and, when a
// release was created, its identifier and version.
func (s *Store) FinishChangeset(ctx context.Context, id, status, releaseID, appliedVersion string) error {
	result := s.with(ctx).Model(&ChangesetRecord{}).Where("id = ?", id).Updates(map[string]any{
		"status":          status,
		"release_id":      releaseID,
		"applied_version": appliedVersion,
	})
	if result.Error != nil {
		return fmt.Errorf("finish changeset: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("finish changeset %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateChangesetItem records a component's revision transition within a
// changeset. Re-recording the same component replaces the transition.
func (s *Store) CreateChangesetItem(ctx context.Context, record *ChangesetItemRecord) error {
	record.ID = uuid.New().String()
	err := s.with(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "changeset_id"}, {Name: "component_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"previous_revision_id", "next_revision_id", "change_kind", "content_hash",
		}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("create changeset item: %w", err)
	}
	return nil
}

// ListChangesetItems returns the items of a changeset.
func (s *Store) ListChangesetItems(ctx context.Context, changesetID string) ([]ChangesetItemRecord, error) {
	var records []ChangesetItemRecord
	if err := s.with(ctx).Where("changeset_id = ?", changesetID).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list changeset items: %w", err)
	}
	return records, nil
}
