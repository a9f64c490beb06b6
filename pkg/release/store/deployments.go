package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit event types.
const (
	EventReleasePromoted    = "release.promoted"
	EventDeploymentRecorded = "deployment.recorded"
	EventBaselineCompleted  = "baseline.completed"
	EventReleaseCreated     = "release.created"
)

// CreateDeployment inserts a deployment outcome.
func (s *Store) CreateDeployment(ctx context.Context, record *DeploymentRecord) error {
	record.ID = uuid.New().String()
	record.Namespace = s.namespace
	if err := s.with(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

// ListDeployments returns the deployments of a release, oldest first.
func (s *Store) ListDeployments(ctx context.Context, releaseID string) ([]DeploymentRecord, error) {
	var records []DeploymentRecord
	err := s.with(ctx).Where("namespace = ? AND release_id = ?", s.namespace, releaseID).
		Order("created_at ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return records, nil
}

// MarkReleaseDeployed sets a release's status to deployed.
func (s *Store) MarkReleaseDeployed(ctx context.Context, releaseID string) error {
	result := s.with(ctx).Model(&ReleaseRecord{}).Where("id = ?", releaseID).Update("status", ReleaseDeployed)
	if result.Error != nil {
		return fmt.Errorf("mark release deployed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mark release deployed %s: %w", releaseID, ErrNotFound)
	}
	return nil
}

// AppendAudit creates a new immutable audit event record.
func (s *Store) AppendAudit(ctx context.Context, event *AuditEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.New().String()
	}
	event.Namespace = s.namespace
	if err := s.with(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAudit returns audit events newest first, optionally filtered by
// product. limit <= 0 defaults to 20 and is capped at 100.
func (s *Store) ListAudit(ctx context.Context, productKey string, limit int) ([]AuditEventRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	query := s.with(ctx).Where("namespace = ?", s.namespace)
	if productKey != "" {
		query = query.Where("product_key = ?", productKey)
	}
	var records []AuditEventRecord
	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return records, nil
}

// DeleteAuditOlderThan deletes audit events created before cutoff and
// returns the number of deleted records.
func (s *Store) DeleteAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.with(ctx).Where("namespace = ? AND created_at < ?", s.namespace, cutoff).Delete(&AuditEventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old audit events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
