// Package baseline performs the one-time initialization that lets an
// existing product join release tracking without a synthetic first changeset.
package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kubeflow/component-release/pkg/release/componentmap"
	"github.com/kubeflow/component-release/pkg/release/content"
	"github.com/kubeflow/component-release/pkg/release/inventory"
	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/store"
)

// Options controls a bootstrap run.
type Options struct {
	Products        []string
	BaselineVersion string
	Environments    []string
	Actor           string
}

// ProductSummary reports what bootstrap did for one product.
type ProductSummary struct {
	ProductKey       string `json:"productKey"`
	Skipped          bool   `json:"skipped"`
	Components       int    `json:"components"`
	RevisionsCreated int    `json:"revisionsCreated"`
	BaselineVersion  string `json:"baselineVersion"`
}

// Bootstrapper records the current tree of each product as revision 1 of
// its components.
type Bootstrapper struct {
	store    *store.Store
	cmap     *componentmap.Map
	repoRoot string
	logger   *slog.Logger
}

// New creates a Bootstrapper.
func New(st *store.Store, cmap *componentmap.Map, repoRoot string, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{store: st, cmap: cmap, repoRoot: repoRoot, logger: logger}
}

// Run bootstraps every selected product that has not been initialized yet.
func (b *Bootstrapper) Run(ctx context.Context, opts Options) ([]ProductSummary, error) {
	version, err := semver.Parse(opts.BaselineVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid baseline version: %w", err)
	}
	products, err := b.cmap.Select(opts.Products)
	if err != nil {
		return nil, err
	}
	if len(opts.Environments) > 0 {
		if _, err := b.store.EnsureEnvironments(ctx, opts.Environments); err != nil {
			return nil, err
		}
	}

	summaries := make([]ProductSummary, 0, len(products))
	for _, p := range products {
		summary, err := b.bootstrapProduct(ctx, p, version, opts.Actor)
		if err != nil {
			return summaries, fmt.Errorf("bootstrap product %s: %w", p.ProductKey, err)
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

func (b *Bootstrapper) bootstrapProduct(ctx context.Context, p *componentmap.Product, version semver.Version, actor string) (*ProductSummary, error) {
	logger := b.logger.With("product", p.ProductKey, "operation", "bootstrap")
	summary := &ProductSummary{ProductKey: p.ProductKey, BaselineVersion: version.String()}

	product, err := b.store.UpsertProduct(ctx, p.ProductKey, p.Name())
	if err != nil {
		return nil, err
	}
	md := product.Metadata.Data()
	if md.BaselineInitialized {
		logger.Info("product already initialized", "baselineVersion", md.BaselineVersion)
		summary.Skipped = true
		summary.BaselineVersion = md.BaselineVersion
		return summary, nil
	}

	ignore := b.cmap.IgnoreGlobs(p)
	files, err := inventory.ListFilesFromRoots(b.repoRoot, p.Roots, ignore)
	if err != nil {
		return nil, err
	}
	sourceRef := "baseline@" + version.String()

	if p.TracksFiles() {
		for _, path := range files {
			created, err := b.seed(ctx, &store.ComponentRecord{
				ProductID:     product.ID,
				ComponentKey:  componentmap.FileComponentKey(p.ProductKey, path),
				ComponentType: componentmap.TypeFile,
				DisplayName:   path,
				Path:          path,
				IsActive:      true,
			}, []string{path}, sourceRef)
			if err != nil {
				return nil, err
			}
			summary.Components++
			if created {
				summary.RevisionsCreated++
			}
		}
	}

	for _, lc := range p.Components {
		globs, err := content.CompileGlobs(lc.Globs)
		if err != nil {
			return nil, err
		}
		var members []string
		for _, path := range files {
			if globs.MatchAny(path) {
				members = append(members, path)
			}
		}
		if len(members) == 0 {
			logger.Warn("logical component has no files, not seeding", "component", lc.ComponentKey)
			continue
		}
		created, err := b.seed(ctx, &store.ComponentRecord{
			ProductID:     product.ID,
			ComponentKey:  lc.ComponentKey,
			ComponentType: lc.ComponentType,
			DisplayName:   lc.DisplayName,
			IsActive:      true,
		}, members, sourceRef)
		if err != nil {
			return nil, err
		}
		summary.Components++
		if created {
			summary.RevisionsCreated++
		}
	}

	now := time.Now().UTC()
	err = b.store.SaveProductMetadata(ctx, product.ID, store.ProductMetadata{
		BaselineInitialized: true,
		BaselineVersion:     version.String(),
		BaselineAt:          &now,
		Roots:               p.Roots,
	})
	if err != nil {
		return nil, err
	}
	if err := b.store.AppendAudit(ctx, &store.AuditEventRecord{
		EventType:  store.EventBaselineCompleted,
		Actor:      actor,
		ProductKey: p.ProductKey,
		Semver:     version.String(),
		Action:     "bootstrap",
		NewValue:   fmt.Sprintf("%d components", summary.Components),
	}); err != nil {
		return nil, err
	}

	logger.Info("product bootstrapped",
		"components", summary.Components,
		"revisions", summary.RevisionsCreated,
		"semver", version.String(),
	)
	return summary, nil
}

// seed upserts a component and creates its first revision when it has none.
func (b *Bootstrapper) seed(ctx context.Context, record *store.ComponentRecord, members []string, sourceRef string) (bool, error) {
	component, err := b.store.UpsertComponent(ctx, record)
	if err != nil {
		return false, err
	}
	latest, err := b.store.LatestRevision(ctx, component.ID)
	if err != nil {
		return false, err
	}
	if latest != nil {
		return false, nil
	}
	hash, err := content.HashFiles(b.repoRoot, members)
	if err != nil {
		return false, err
	}
	err = b.store.CreateRevision(ctx, &store.ComponentRevisionRecord{
		ComponentID:     component.ID,
		ContentHash:     hash,
		LifecycleAction: store.LifecycleCreated,
		Source:          store.SourceBaseline,
		SourceRef:       sourceRef,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
