package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kubeflow/component-release/pkg/release/semver"
)

const snapshotBatchSize = 200

// LatestRelease returns the highest-versioned release of a product in an
// environment. Returns nil, nil if the lineage is empty.
func (s *Store) LatestRelease(ctx context.Context, productID, environmentID string) (*ReleaseRecord, error) {
	var record ReleaseRecord
	err := s.with(ctx).
		Where("namespace = ? AND product_id = ? AND environment_id = ?", s.namespace, productID, environmentID).
		Order("semver_major DESC").Order("semver_minor DESC").Order("semver_patch DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest release: %w", err)
	}
	return &record, nil
}

// FindRelease returns the release with exactly version v.
// Returns nil, nil if no record exists.
func (s *Store) FindRelease(ctx context.Context, productID, environmentID string, v semver.Version) (*ReleaseRecord, error) {
	var record ReleaseRecord
	err := s.with(ctx).Where(
		"namespace = ? AND product_id = ? AND environment_id = ? AND semver_major = ? AND semver_minor = ? AND semver_patch = ?",
		s.namespace, productID, environmentID, v.Major, v.Minor, v.Patch,
	).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find release %s: %w", v, err)
	}
	return &record, nil
}

// ListReleases returns the releases of a product, newest version first. An
// empty environmentID lists every environment.
func (s *Store) ListReleases(ctx context.Context, productID, environmentID string) ([]ReleaseRecord, error) {
	query := s.with(ctx).Where("namespace = ? AND product_id = ?", s.namespace, productID)
	if environmentID != "" {
		query = query.Where("environment_id = ?", environmentID)
	}
	var records []ReleaseRecord
	err := query.
		Order("semver_major DESC").Order("semver_minor DESC").Order("semver_patch DESC").Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	return records, nil
}

// CreateReleaseWithSnapshot inserts a release and its full snapshot in one
// transaction. snapshot maps component IDs to revision IDs. The release must
// be strictly newer than the lineage's latest release.
func (s *Store) CreateReleaseWithSnapshot(ctx context.Context, release *ReleaseRecord, snapshot map[string]string) error {
	return s.Transaction(ctx, func(tx *Store) error {
		return tx.createReleaseWithSnapshot(ctx, release, snapshot)
	})
}

func (s *Store) createReleaseWithSnapshot(ctx context.Context, release *ReleaseRecord, snapshot map[string]string) error {
	latest, err := s.LatestRelease(ctx, release.ProductID, release.EnvironmentID)
	if err != nil {
		return err
	}
	if latest != nil && !latest.Version().Less(release.Version()) {
		return fmt.Errorf("create release %s: %w: latest is %s", release.Version(), ErrSemverRegression, latest.Version())
	}

	release.ID = uuid.New().String()
	release.Namespace = s.namespace
	if release.Status == "" {
		release.Status = ReleaseValidated
	}
	if err := s.db.Create(release).Error; err != nil {
		return fmt.Errorf("create release %s: %w", release.Version(), err)
	}

	componentIDs := make([]string, 0, len(snapshot))
	for id := range snapshot {
		componentIDs = append(componentIDs, id)
	}
	slices.Sort(componentIDs)
	rows := make([]ReleaseComponentRecord, 0, len(componentIDs))
	for _, id := range componentIDs {
		rows = append(rows, ReleaseComponentRecord{
			ID:          uuid.New().String(),
			ReleaseID:   release.ID,
			ComponentID: id,
			RevisionID:  snapshot[id],
		})
	}
	if len(rows) > 0 {
		if err := s.db.CreateInBatches(rows, snapshotBatchSize).Error; err != nil {
			return fmt.Errorf("create release snapshot: %w", err)
		}
	}
	return nil
}

// SnapshotRevisions returns a release's snapshot as component ID to revision ID.
func (s *Store) SnapshotRevisions(ctx context.Context, releaseID string) (map[string]string, error) {
	var rows []ReleaseComponentRecord
	if err := s.with(ctx).Where("release_id = ?", releaseID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load release snapshot: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ComponentID] = r.RevisionID
	}
	return out, nil
}

// ReleaseSnapshot returns the resolved snapshot of a release ordered by
// component key.
func (s *Store) ReleaseSnapshot(ctx context.Context, releaseID string) ([]SnapshotEntry, error) {
	var entries []SnapshotEntry
	err := s.with(ctx).Table("release_components AS rc").
		Select("rc.component_id, c.component_key, c.component_type, c.is_active, rc.revision_id, r.revision_no, r.content_hash").
		Joins("JOIN components c ON c.id = rc.component_id").
		Joins("JOIN component_revisions r ON r.id = rc.revision_id").
		Where("rc.release_id = ?", releaseID).
		Order("c.component_key ASC").
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("resolve release snapshot: %w", err)
	}
	return entries, nil
}

// PromoteParams identifies a release to copy between environments.
type PromoteParams struct {
	ProductKey string
	FromEnv    string
	ToEnv      string
	Version    semver.Version
	Actor      string
	Notes      string
}

// PromoteResult is the outcome of PromoteRelease.
type PromoteResult struct {
	Source  *ReleaseRecord
	Release *ReleaseRecord
	// Created is false when the target already held the version.
	Created bool
}

// PromoteRelease copies a release and its snapshot from one environment to
// another and records an audit event, all in one transaction. Promoting a
// version the target already holds returns the existing release.
func (s *Store) PromoteRelease(ctx context.Context, p PromoteParams) (*PromoteResult, error) {
	var result *PromoteResult
	err := s.Transaction(ctx, func(tx *Store) error {
		var err error
		result, err = tx.promoteRelease(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) promoteRelease(ctx context.Context, p PromoteParams) (*PromoteResult, error) {
	product, err := s.GetProduct(ctx, p.ProductKey)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, fmt.Errorf("promote: product %s: %w", p.ProductKey, ErrNotFound)
	}
	from, err := s.GetEnvironment(ctx, p.FromEnv)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, fmt.Errorf("promote: environment %s: %w", p.FromEnv, ErrNotFound)
	}
	to, err := s.GetEnvironment(ctx, p.ToEnv)
	if err != nil {
		return nil, err
	}
	if to == nil {
		return nil, fmt.Errorf("promote: environment %s: %w", p.ToEnv, ErrNotFound)
	}

	source, err := s.FindRelease(ctx, product.ID, from.ID, p.Version)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("promote: release %s@%s in %s: %w", p.ProductKey, p.Version, p.FromEnv, ErrNotFound)
	}

	existing, err := s.FindRelease(ctx, product.ID, to.ID, p.Version)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &PromoteResult{Source: source, Release: existing}, nil
	}

	latest, err := s.LatestRelease(ctx, product.ID, to.ID)
	if err != nil {
		return nil, err
	}
	previous := ""
	if latest != nil {
		previous = latest.Version().String()
	}

	snapshot, err := s.SnapshotRevisions(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	md := source.Metadata.Data()
	promoted := &ReleaseRecord{
		ProductID:     product.ID,
		EnvironmentID: to.ID,
		Status:        ReleaseValidated,
		ChangesetID:   source.ChangesetID,
		Metadata: datatypes.NewJSONType(ReleaseMetadata{
			Origin:          OriginPromotion,
			BumpLevel:       md.BumpLevel,
			PromotedFrom:    p.FromEnv,
			PromotedBy:      p.Actor,
			SourceReleaseID: source.ID,
			Notes:           p.Notes,
		}),
	}
	promoted.SetVersion(p.Version)
	if err := s.createReleaseWithSnapshot(ctx, promoted, snapshot); err != nil {
		return nil, fmt.Errorf("promote: %w", err)
	}

	if err := s.AppendAudit(ctx, &AuditEventRecord{
		EventType:   EventReleasePromoted,
		Actor:       p.Actor,
		ProductKey:  p.ProductKey,
		Environment: p.ToEnv,
		Semver:      p.Version.String(),
		Action:      "promote",
		OldValue:    previous,
		NewValue:    p.Version.String(),
		Notes:       p.Notes,
	}); err != nil {
		return nil, fmt.Errorf("promote: %w", err)
	}
	return &PromoteResult{Source: source, Release: promoted, Created: true}, nil
}
