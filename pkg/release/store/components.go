package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertComponent creates the component identified by (product, key) or
// refreshes its mutable attributes. Identity and type are never changed.
func (s *Store) UpsertComponent(ctx context.Context, record *ComponentRecord) (*ComponentRecord, error) {
	record.ID = uuid.New().String()
	record.Namespace = s.namespace
	err := s.with(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "namespace"}, {Name: "product_id"}, {Name: "component_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "path", "is_active", "updated_at",
		}),
	}).Create(record).Error
	if err != nil {
		return nil, fmt.Errorf("upsert component %s: %w", record.ComponentKey, err)
	}
	component, err := s.GetComponent(ctx, record.ProductID, record.ComponentKey)
	if err != nil {
		return nil, err
	}
	if component == nil {
		return nil, fmt.Errorf("upsert component %s: %w", record.ComponentKey, ErrNotFound)
	}
	return component, nil
}

// GetComponent retrieves a component by product and key.
// Returns nil, nil if no record exists.
func (s *Store) GetComponent(ctx context.Context, productID, componentKey string) (*ComponentRecord, error) {
	var record ComponentRecord
	err := s.with(ctx).Where(
		"namespace = ? AND product_id = ? AND component_key = ?",
		s.namespace, productID, componentKey,
	).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get component %s: %w", componentKey, err)
	}
	return &record, nil
}

// ListActiveComponents returns the active components of a product ordered by key.
func (s *Store) ListActiveComponents(ctx context.Context, productID string) ([]ComponentRecord, error) {
	var records []ComponentRecord
	err := s.with(ctx).
		Where("namespace = ? AND product_id = ? AND is_active = ?", s.namespace, productID, true).
		Order("component_key ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list active components: %w", err)
	}
	return records, nil
}

// LatestRevision returns the highest-numbered revision of a component.
// Returns nil, nil if the component has no revision.
func (s *Store) LatestRevision(ctx context.Context, componentID string) (*ComponentRevisionRecord, error) {
	var record ComponentRevisionRecord
	err := s.with(ctx).Where("component_id = ?", componentID).Order("revision_no DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest revision: %w", err)
	}
	return &record, nil
}

// LatestRevisions returns the latest revision of every component of a
// product that has one, keyed by component ID.
func (s *Store) LatestRevisions(ctx context.Context, productID string) (map[string]ComponentRevisionRecord, error) {
	db := s.with(ctx)
	latest := db.Model(&ComponentRevisionRecord{}).
		Select("component_revisions.component_id, MAX(component_revisions.revision_no) AS revision_no").
		Joins("JOIN components ON components.id = component_revisions.component_id").
		Where("components.namespace = ? AND components.product_id = ?", s.namespace, productID).
		Group("component_revisions.component_id")

	var records []ComponentRevisionRecord
	err := db.Model(&ComponentRevisionRecord{}).
		Joins("JOIN (?) AS latest ON latest.component_id = component_revisions.component_id AND latest.revision_no = component_revisions.revision_no", latest).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list latest revisions: %w", err)
	}
	out := make(map[string]ComponentRevisionRecord, len(records))
	for _, r := range records {
		out[r.ComponentID] = r
	}
	return out, nil
}

// CreateRevision inserts record as the next revision of its component.
// RevisionNo and ID are assigned here.
func (s *Store) CreateRevision(ctx context.Context, record *ComponentRevisionRecord) error {
	return s.Transaction(ctx, func(tx *Store) error {
		var maxNo int
		err := tx.db.Model(&ComponentRevisionRecord{}).
			Where("component_id = ?", record.ComponentID).
			Select("COALESCE(MAX(revision_no), 0)").
			Scan(&maxNo).Error
		if err != nil {
			return fmt.Errorf("create revision: next revision number: %w", err)
		}
		record.ID = uuid.New().String()
		record.RevisionNo = maxNo + 1
		if err := tx.db.Create(record).Error; err != nil {
			return fmt.Errorf("create revision: %w", err)
		}
		return nil
	})
}
