// Package promotion moves validated releases between environments and
// records deployment outcomes against them.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/store"
)

var (
	// ErrReleaseNotFound means no release matches product, environment and version.
	ErrReleaseNotFound = errors.New("release not found")
	// ErrLowestTier rejects deployments recorded against the lowest environment.
	ErrLowestTier = errors.New("deployments cannot be recorded against the lowest environment tier")
)

// Deployment statuses.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusInProgress = "in_progress"
)

// PromoteRequest identifies a release to promote.
type PromoteRequest struct {
	Product string
	FromEnv string
	ToEnv   string
	Semver  string
	Actor   string
	Notes   string
}

// PromoteResult is the outcome of a promotion.
type PromoteResult struct {
	Product   string `json:"product"`
	FromEnv   string `json:"fromEnv"`
	ToEnv     string `json:"toEnv"`
	Semver    string `json:"semver"`
	ReleaseID string `json:"releaseId"`
	Created   bool   `json:"created"`
}

// DeploymentRequest describes a deployment outcome.
type DeploymentRequest struct {
	Product      string
	Environment  string
	Semver       string
	DeploymentID string
	Status       string
	LogsURL      string
	Actor        string
}

// DeploymentResult is the outcome of RecordDeployment.
type DeploymentResult struct {
	ReleaseID     string `json:"releaseId"`
	DeploymentID  string `json:"deploymentId"`
	Status        string `json:"status"`
	ReleaseStatus string `json:"releaseStatus"`
}

// Recorder performs promotions and records deployments.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a Recorder.
func New(st *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// Promote copies a release from one environment to another.
func (r *Recorder) Promote(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	if req.Product == "" || req.FromEnv == "" || req.ToEnv == "" {
		return nil, fmt.Errorf("product, source environment and target environment are required")
	}
	if req.FromEnv == req.ToEnv {
		return nil, fmt.Errorf("source and target environment must differ (both %q)", req.FromEnv)
	}
	if req.Actor == "" {
		return nil, fmt.Errorf("actor is required")
	}
	v, err := semver.Parse(req.Semver)
	if err != nil {
		return nil, fmt.Errorf("invalid semver: %w", err)
	}

	res, err := r.store.PromoteRelease(ctx, store.PromoteParams{
		ProductKey: req.Product,
		FromEnv:    req.FromEnv,
		ToEnv:      req.ToEnv,
		Version:    v,
		Actor:      req.Actor,
		Notes:      req.Notes,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrReleaseNotFound, err)
		}
		return nil, err
	}

	r.logger.Info("release promoted",
		"product", req.Product,
		"operation", "promote",
		"environment", req.ToEnv,
		"semver", v.String(),
		"created", res.Created,
	)
	return &PromoteResult{
		Product:   req.Product,
		FromEnv:   req.FromEnv,
		ToEnv:     req.ToEnv,
		Semver:    v.String(),
		ReleaseID: res.Release.ID,
		Created:   res.Created,
	}, nil
}

// RecordDeployment attaches a deployment outcome to an existing release. A
// successful deployment marks the release deployed.
func (r *Recorder) RecordDeployment(ctx context.Context, req DeploymentRequest) (*DeploymentResult, error) {
	if req.Product == "" || req.Environment == "" || req.DeploymentID == "" {
		return nil, fmt.Errorf("product, environment and deployment id are required")
	}
	switch req.Status {
	case StatusSuccess, StatusFailed, StatusInProgress:
	default:
		return nil, fmt.Errorf("invalid deployment status %q (expected %s, %s, or %s)",
			req.Status, StatusSuccess, StatusFailed, StatusInProgress)
	}
	v, err := semver.Parse(req.Semver)
	if err != nil {
		return nil, fmt.Errorf("invalid semver: %w", err)
	}

	env, err := r.store.GetEnvironment(ctx, req.Environment)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("environment %q is not registered", req.Environment)
	}
	lowest, err := r.store.LowestEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	if lowest != nil && lowest.ID == env.ID {
		return nil, fmt.Errorf("%w: %s", ErrLowestTier, env.EnvKey)
	}

	product, err := r.store.GetProduct(ctx, req.Product)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, fmt.Errorf("%w: unknown product %s", ErrReleaseNotFound, req.Product)
	}
	release, err := r.store.FindRelease(ctx, product.ID, env.ID, v)
	if err != nil {
		return nil, err
	}
	if release == nil {
		return nil, fmt.Errorf("%w: %s@%s in %s", ErrReleaseNotFound, req.Product, v, req.Environment)
	}

	err = r.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateDeployment(ctx, &store.DeploymentRecord{
			ReleaseID:     release.ID,
			EnvironmentID: env.ID,
			DeploymentID:  req.DeploymentID,
			Status:        req.Status,
			LogsURL:       req.LogsURL,
			Actor:         req.Actor,
		}); err != nil {
			return err
		}
		if req.Status == StatusSuccess {
			if err := tx.MarkReleaseDeployed(ctx, release.ID); err != nil {
				return err
			}
			release.Status = store.ReleaseDeployed
		}
		return tx.AppendAudit(ctx, &store.AuditEventRecord{
			EventType:   store.EventDeploymentRecorded,
			Actor:       req.Actor,
			ProductKey:  req.Product,
			Environment: req.Environment,
			Semver:      v.String(),
			Action:      "deploy",
			NewValue:    req.Status,
			Notes:       req.DeploymentID,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record deployment: %w", err)
	}

	r.logger.Info("deployment recorded",
		"product", req.Product,
		"operation", "record-deployment",
		"environment", req.Environment,
		"semver", v.String(),
		"status", req.Status,
	)
	return &DeploymentResult{
		ReleaseID:     release.ID,
		DeploymentID:  req.DeploymentID,
		Status:        req.Status,
		ReleaseStatus: release.Status,
	}, nil
}
