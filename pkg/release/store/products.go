package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertProduct creates the product if needed and refreshes its display name.
func (s *Store) UpsertProduct(ctx context.Context, productKey, displayName string) (*ProductRecord, error) {
	record := &ProductRecord{
		ID:          uuid.New().String(),
		Namespace:   s.namespace,
		ProductKey:  productKey,
		DisplayName: displayName,
		Metadata:    datatypes.NewJSONType(ProductMetadata{}),
	}
	err := s.with(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "product_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return nil, fmt.Errorf("upsert product %s: %w", productKey, err)
	}
	product, err := s.GetProduct(ctx, productKey)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, fmt.Errorf("upsert product %s: %w", productKey, ErrNotFound)
	}
	return product, nil
}

// GetProduct retrieves a product by key.
// Returns nil, nil if no record exists.
func (s *Store) GetProduct(ctx context.Context, productKey string) (*ProductRecord, error) {
	var record ProductRecord
	err := s.with(ctx).Where("namespace = ? AND product_key = ?", s.namespace, productKey).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product %s: %w", productKey, err)
	}
	return &record, nil
}

// SaveProductMetadata replaces the metadata of a product.
func (s *Store) SaveProductMetadata(ctx context.Context, productID string, md ProductMetadata) error {
	result := s.with(ctx).Model(&ProductRecord{}).
		Where("id = ?", productID).
		Update("metadata", datatypes.NewJSONType(md))
	if result.Error != nil {
		return fmt.Errorf("save product metadata: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("save product metadata %s: %w", productID, ErrNotFound)
	}
	return nil
}

// EnsureEnvironment creates the environment if needed and sets its rank.
func (s *Store) EnsureEnvironment(ctx context.Context, envKey string, rank int) (*EnvironmentRecord, error) {
	record := &EnvironmentRecord{
		ID:        uuid.New().String(),
		Namespace: s.namespace,
		EnvKey:    envKey,
		Rank:      rank,
	}
	err := s.with(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "env_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier_rank"}),
	}).Create(record).Error
	if err != nil {
		return nil, fmt.Errorf("ensure environment %s: %w", envKey, err)
	}
	env, err := s.GetEnvironment(ctx, envKey)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("ensure environment %s: %w", envKey, ErrNotFound)
	}
	return env, nil
}

// EnsureEnvironments ranks envKeys in order, lowest tier first.
func (s *Store) EnsureEnvironments(ctx context.Context, envKeys []string) ([]EnvironmentRecord, error) {
	out := make([]EnvironmentRecord, 0, len(envKeys))
	for i, key := range envKeys {
		env, err := s.EnsureEnvironment(ctx, key, i)
		if err != nil {
			return nil, err
		}
		out = append(out, *env)
	}
	return out, nil
}

// GetEnvironment retrieves an environment by key.
// Returns nil, nil if no record exists.
func (s *Store) GetEnvironment(ctx context.Context, envKey string) (*EnvironmentRecord, error) {
	var record EnvironmentRecord
	err := s.with(ctx).Where("namespace = ? AND env_key = ?", s.namespace, envKey).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get environment %s: %w", envKey, err)
	}
	return &record, nil
}

// LowestEnvironment returns the lowest-ranked environment.
// Returns nil, nil if no environment exists.
func (s *Store) LowestEnvironment(ctx context.Context) (*EnvironmentRecord, error) {
	var record EnvironmentRecord
	err := s.with(ctx).Where("namespace = ?", s.namespace).Order("tier_rank ASC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lowest environment: %w", err)
	}
	return &record, nil
}

// ListEnvironments returns every environment, lowest tier first.
func (s *Store) ListEnvironments(ctx context.Context) ([]EnvironmentRecord, error) {
	var records []EnvironmentRecord
	if err := s.with(ctx).Where("namespace = ?", s.namespace).Order("tier_rank ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	return records, nil
}
