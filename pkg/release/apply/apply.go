// Package apply turns changeset payloads into component revisions and
// releases with full snapshots.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"gorm.io/datatypes"

	"github.com/kubeflow/component-release/pkg/release/changeset"
	"github.com/kubeflow/component-release/pkg/release/content"
	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/store"
)

// ErrOverrideNotGreater rejects an override version that does not exceed the
// lineage's current version.
var ErrOverrideNotGreater = errors.New("override version must be strictly greater than the current version")

// ProductError isolates a failure to one product of a changeset.
type ProductError struct {
	Product   string
	Operation string
	Err       error
}

func (e *ProductError) Error() string {
	return fmt.Sprintf("product %s: %s: %v", e.Product, e.Operation, e.Err)
}

func (e *ProductError) Unwrap() error { return e.Err }

// Options controls an apply run.
type Options struct {
	Environment     string
	BaselineVersion string
	CreateRelease   bool
	ReleaseStatus   string
	Products        []string
	OverrideSemver  string
	Notes           string
	Actor           string
}

// ProductResult summarizes what apply did for one product.
type ProductResult struct {
	ProductKey       string           `json:"productKey"`
	ChangesetID      string           `json:"changesetId"`
	Status           string           `json:"status"`
	BumpLevel        semver.BumpLevel `json:"bumpLevel"`
	Components       int              `json:"components"`
	RevisionsCreated int              `json:"revisionsCreated"`
	ReleaseID        string           `json:"releaseId,omitempty"`
	Semver           string           `json:"semver,omitempty"`
	PreviousSemver   string           `json:"previousSemver,omitempty"`
	InitialRelease   bool             `json:"initialRelease,omitempty"`
	SnapshotSize     int              `json:"snapshotSize,omitempty"`
}

// Summary renders the result as one line.
func (r ProductResult) Summary() string {
	line := fmt.Sprintf("%s: changeset %s %s (bump %s, %d components, %d new revisions)",
		r.ProductKey, r.ChangesetID, r.Status, r.BumpLevel, r.Components, r.RevisionsCreated)
	switch {
	case r.ReleaseID == "":
		return line + ", no release"
	case r.InitialRelease:
		return line + fmt.Sprintf(", initial release %s with %d components", r.Semver, r.SnapshotSize)
	default:
		return line + fmt.Sprintf(", release %s -> %s with %d components", r.PreviousSemver, r.Semver, r.SnapshotSize)
	}
}

// Applier applies changeset payloads to the store.
type Applier struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates an Applier.
func New(st *store.Store, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: st, logger: logger}
}

type plan struct {
	env      *store.EnvironmentRecord
	baseline semver.Version
	override *semver.Version
	status   string
}

// Apply processes every selected product of payload. Products named in
// opts.Products but absent from payload are skipped. A failure stops the
// affected product only; the returned error joins every *ProductError.
func (a *Applier) Apply(ctx context.Context, payload *changeset.Payload, opts Options) ([]ProductResult, error) {
	p, err := a.plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	var (
		results []ProductResult
		errs    []error
	)
	for i := range payload.Products {
		pr := &payload.Products[i]
		if len(opts.Products) > 0 && !slices.Contains(opts.Products, pr.ProductKey) {
			continue
		}
		res, err := a.applyProduct(ctx, payload, pr, p, opts)
		if err != nil {
			var perr *ProductError
			if !errors.As(err, &perr) {
				perr = &ProductError{Product: pr.ProductKey, Operation: "apply", Err: err}
			}
			a.logger.Error("apply failed", "product", perr.Product, "operation", perr.Operation, "error", perr.Err)
			errs = append(errs, perr)
			continue
		}
		a.logger.Info("changeset applied",
			"product", res.ProductKey,
			"changeset", res.ChangesetID,
			"environment", p.env.EnvKey,
			"status", res.Status,
			"semver", res.Semver,
		)
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}

func (a *Applier) plan(ctx context.Context, opts Options) (*plan, error) {
	if opts.Environment == "" {
		return nil, fmt.Errorf("environment is required")
	}
	baseline, err := semver.Parse(opts.BaselineVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid baseline version: %w", err)
	}
	p := &plan{baseline: baseline, status: opts.ReleaseStatus}
	switch p.status {
	case "":
		p.status = store.ReleaseValidated
	case store.ReleaseValidated, store.ReleaseDeployed:
	default:
		return nil, fmt.Errorf("invalid release status %q (expected %s or %s)", p.status, store.ReleaseValidated, store.ReleaseDeployed)
	}
	if opts.OverrideSemver != "" {
		v, err := semver.Parse(opts.OverrideSemver)
		if err != nil {
			return nil, fmt.Errorf("invalid override version: %w", err)
		}
		p.override = &v
	}
	env, err := a.store.GetEnvironment(ctx, opts.Environment)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("environment %q is not registered", opts.Environment)
	}
	p.env = env
	return p, nil
}

func (a *Applier) applyProduct(ctx context.Context, payload *changeset.Payload, pr *changeset.ProductResult, p *plan, opts Options) (*ProductResult, error) {
	fail := func(op string, err error) (*ProductResult, error) {
		return nil, &ProductError{Product: pr.ProductKey, Operation: op, Err: err}
	}

	// The override is checked against the current lineage before any write.
	var latest *store.ReleaseRecord
	existing, err := a.store.GetProduct(ctx, pr.ProductKey)
	if err != nil {
		return fail("get product", err)
	}
	if existing != nil {
		latest, err = a.store.LatestRelease(ctx, existing.ID, p.env.ID)
		if err != nil {
			return fail("get latest release", err)
		}
	}
	if latest != nil && p.override != nil && !latest.Version().Less(*p.override) {
		return fail("validate override", fmt.Errorf("%w: %s <= %s", ErrOverrideNotGreater, *p.override, latest.Version()))
	}

	product, err := a.store.UpsertProduct(ctx, pr.ProductKey, pr.DisplayName)
	if err != nil {
		return fail("upsert product", err)
	}

	cs := &store.ChangesetRecord{
		ProductID:        product.ID,
		BumpLevel:        string(pr.BumpLevel),
		BumpSource:       string(pr.BumpSource),
		RequiresMajorAck: pr.RequiresMajorAck,
		BaseRef:          payload.BaseRef,
		HeadRef:          payload.HeadRef,
		BaseCommit:       payload.BaseCommit,
		HeadCommit:       payload.HeadCommit,
		Branch:           payload.Branch,
		Labels:           store.JSONStringSlice(payload.Labels),
	}
	if err := a.store.CreateChangeset(ctx, cs); err != nil {
		return fail("create changeset", err)
	}

	result := &ProductResult{
		ProductKey:  pr.ProductKey,
		ChangesetID: cs.ID,
		BumpLevel:   pr.BumpLevel,
		Components:  len(pr.Components),
	}

	sourceRef := payload.HeadCommit
	if sourceRef == "" {
		sourceRef = payload.HeadRef
	}
	changed := map[string]string{}
	for _, cand := range pr.Components {
		revID, err := a.applyCandidate(ctx, product.ID, cs.ID, sourceRef, cand)
		if err != nil {
			return fail("record component "+cand.ComponentKey, err)
		}
		if revID != "" {
			changed[cand.ComponentKey] = revID
		}
	}
	result.RevisionsCreated = len(changed)

	initial := latest == nil
	var next semver.Version
	switch {
	case p.override != nil:
		next = *p.override
	case initial:
		next = p.baseline
	default:
		next = semver.Bump(latest.Version(), pr.BumpLevel)
	}
	release := opts.CreateRelease &&
		(initial || (len(changed) > 0 && (pr.BumpLevel != semver.BumpNone || p.override != nil)))

	if !release {
		if err := a.store.FinishChangeset(ctx, cs.ID, store.ChangesetValidated, "", ""); err != nil {
			return fail("finish changeset", err)
		}
		result.Status = store.ChangesetValidated
		return result, nil
	}

	snapshot, err := a.buildSnapshot(ctx, product.ID, latest, changed)
	if err != nil {
		return fail("build snapshot", err)
	}
	origin := store.OriginChangeset
	if initial {
		origin = store.OriginInitial
	}
	rel := &store.ReleaseRecord{
		ProductID:     product.ID,
		EnvironmentID: p.env.ID,
		Status:        p.status,
		ChangesetID:   cs.ID,
		Metadata: datatypes.NewJSONType(store.ReleaseMetadata{
			Origin:    origin,
			BumpLevel: string(pr.BumpLevel),
			Override:  p.override != nil,
			CreatedBy: opts.Actor,
			Notes:     opts.Notes,
		}),
	}
	rel.SetVersion(next)
	if err := a.store.CreateReleaseWithSnapshot(ctx, rel, snapshot); err != nil {
		return fail("create release", err)
	}
	if err := a.store.FinishChangeset(ctx, cs.ID, store.ChangesetApplied, rel.ID, next.String()); err != nil {
		return fail("finish changeset", err)
	}
	event := &store.AuditEventRecord{
		EventType:   store.EventReleaseCreated,
		Actor:       opts.Actor,
		ProductKey:  pr.ProductKey,
		Environment: p.env.EnvKey,
		Semver:      next.String(),
		Action:      "apply",
		NewValue:    string(pr.BumpLevel),
		Notes:       cs.ID,
	}
	if latest != nil {
		event.OldValue = latest.Version().String()
	}
	if err := a.store.AppendAudit(ctx, event); err != nil {
		return fail("append audit", err)
	}

	result.Status = store.ChangesetApplied
	result.ReleaseID = rel.ID
	result.Semver = next.String()
	result.InitialRelease = initial
	result.SnapshotSize = len(snapshot)
	if latest != nil {
		result.PreviousSemver = latest.Version().String()
	}
	return result, nil
}

// applyCandidate records one candidate and returns the ID of the revision it
// created, or "" when the content was unchanged.
func (a *Applier) applyCandidate(ctx context.Context, productID, changesetID, sourceRef string, cand changeset.Candidate) (string, error) {
	// Only an empty member set retires a component. A logical component
	// that lost some of its files stays active with the remaining ones.
	component, err := a.store.UpsertComponent(ctx, &store.ComponentRecord{
		ProductID:     productID,
		ComponentKey:  cand.ComponentKey,
		ComponentType: cand.ComponentType,
		DisplayName:   cand.DisplayName,
		Path:          cand.Path,
		IsActive:      cand.ContentHash != content.EmptyHash,
	})
	if err != nil {
		return "", err
	}
	prev, err := a.store.LatestRevision(ctx, component.ID)
	if err != nil {
		return "", err
	}
	if prev != nil && prev.ContentHash == cand.ContentHash {
		return "", nil
	}

	rev := &store.ComponentRevisionRecord{
		ComponentID:     component.ID,
		ContentHash:     cand.ContentHash,
		LifecycleAction: lifecycleAction(prev, cand),
		Source:          store.SourceChangeset,
		SourceRef:       sourceRef,
		ChangesetID:     changesetID,
	}
	if err := a.store.CreateRevision(ctx, rev); err != nil {
		return "", err
	}
	item := &store.ChangesetItemRecord{
		ChangesetID:    changesetID,
		ComponentID:    component.ID,
		NextRevisionID: rev.ID,
		ChangeKind:     string(cand.ChangeKind),
		ContentHash:    cand.ContentHash,
	}
	if prev != nil {
		item.PreviousRevisionID = prev.ID
	}
	if err := a.store.CreateChangesetItem(ctx, item); err != nil {
		return "", err
	}
	return rev.ID, nil
}

func lifecycleAction(prev *store.ComponentRevisionRecord, cand changeset.Candidate) string {
	switch {
	case prev == nil:
		return store.LifecycleCreated
	case cand.ChangeKind == changeset.ChangeDeleted || cand.ContentHash == content.EmptyHash:
		return store.LifecycleDeleted
	case cand.ChangeKind == changeset.ChangeAdded:
		return store.LifecycleCreated
	default:
		return store.LifecycleUpdated
	}
}

// buildSnapshot returns the component ID to revision ID map of a new
// release: the previous release's snapshot (or every component's latest
// revision) restricted to active components, overlaid with changed entries.
func (a *Applier) buildSnapshot(ctx context.Context, productID string, previous *store.ReleaseRecord, changed map[string]string) (map[string]string, error) {
	active, err := a.store.ListActiveComponents(ctx, productID)
	if err != nil {
		return nil, err
	}
	latest, err := a.store.LatestRevisions(ctx, productID)
	if err != nil {
		return nil, err
	}
	base := map[string]string{}
	if previous != nil {
		base, err = a.store.SnapshotRevisions(ctx, previous.ID)
		if err != nil {
			return nil, err
		}
	}

	byKey := make(map[string]string, len(active))
	snapshot := make(map[string]string, len(active))
	for _, c := range active {
		byKey[c.ComponentKey] = c.ID
		if revID, ok := base[c.ID]; ok {
			snapshot[c.ID] = revID
		} else if rev, ok := latest[c.ID]; ok {
			snapshot[c.ID] = rev.ID
		}
	}
	for key, revID := range changed {
		if id, ok := byKey[key]; ok {
			snapshot[id] = revID
		}
	}
	return snapshot, nil
}
