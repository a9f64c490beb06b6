package apply

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/component-release/pkg/release/baseline"
	"github.com/kubeflow/component-release/pkg/release/changeset"
	"github.com/kubeflow/component-release/pkg/release/classify"
	"github.com/kubeflow/component-release/pkg/release/componentmap"
	"github.com/kubeflow/component-release/pkg/release/content"
	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/store"
	"github.com/kubeflow/component-release/pkg/release/vcs"
)

const testMapYAML = `products:
  - productKey: app
    roots: ["src/app"]
    contractGlobs: ["src/app/api/**"]
    minorGlobs: ["src/app/features/**"]
    docOnlyGlobs: ["src/app/**.md"]
    components:
      - componentKey: app-core
        globs: ["src/app/core/**"]
  - productKey: worker
    roots: ["src/worker"]
`

type harness struct {
	t     *testing.T
	ctx   context.Context
	root  string
	cmap  *componentmap.Map
	store *store.Store
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	st := store.New(db, "")
	require.NoError(t, st.AutoMigrate())

	m, err := componentmap.Parse([]byte(testMapYAML))
	require.NoError(t, err)

	h := &harness{t: t, ctx: context.Background(), root: t.TempDir(), cmap: m, store: st}
	for rel, data := range files {
		h.write(rel, data)
	}
	_, err = baseline.New(st, m, h.root, nil).Run(h.ctx, baseline.Options{
		BaselineVersion: "0.1.0",
		Environments:    []string{"dev", "staging", "prod"},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) write(rel, data string) {
	h.t.Helper()
	full := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(h.t, os.WriteFile(full, []byte(data), 0o644))
}

func (h *harness) remove(rel string) {
	h.t.Helper()
	require.NoError(h.t, os.Remove(filepath.Join(h.root, filepath.FromSlash(rel))))
}

func (h *harness) detect(changes ...vcs.FileChange) *changeset.Payload {
	h.t.Helper()
	res, err := classify.New(h.cmap, h.root, nil).Classify(h.ctx, classify.Input{Changes: changes},
		classify.Options{StrictUnmapped: true, StrictMajorAck: true})
	require.NoError(h.t, err)
	return res.Payload(changeset.Payload{BaseRef: "main", HeadRef: "feature", HeadCommit: "abc1234"})
}

func (h *harness) apply(payload *changeset.Payload, opts Options) []ProductResult {
	h.t.Helper()
	if opts.Environment == "" {
		opts.Environment = "dev"
	}
	if opts.BaselineVersion == "" {
		opts.BaselineVersion = "0.3.2"
	}
	opts.CreateRelease = true
	results, err := New(h.store, nil).Apply(h.ctx, payload, opts)
	require.NoError(h.t, err)
	return results
}

func (h *harness) product(key string) *store.ProductRecord {
	h.t.Helper()
	p, err := h.store.GetProduct(h.ctx, key)
	require.NoError(h.t, err)
	require.NotNil(h.t, p)
	return p
}

func (h *harness) env(key string) *store.EnvironmentRecord {
	h.t.Helper()
	e, err := h.store.GetEnvironment(h.ctx, key)
	require.NoError(h.t, err)
	require.NotNil(h.t, e)
	return e
}

func (h *harness) snapshotByKey(releaseID string) map[string]store.SnapshotEntry {
	h.t.Helper()
	entries, err := h.store.ReleaseSnapshot(h.ctx, releaseID)
	require.NoError(h.t, err)
	out := make(map[string]store.SnapshotEntry, len(entries))
	for _, e := range entries {
		out[e.ComponentKey] = e
	}
	return out
}

func modified(path string) vcs.FileChange { return vcs.FileChange{Path: path, Status: vcs.StatusModified} }

var appFiles = map[string]string{
	"src/app/features/x.js": "x1",
	"src/app/main.js":       "main",
	"src/app/core/a.js":     "a",
	"src/app/README.md":     "readme",
}

func TestApply_MinorAreaEndToEnd(t *testing.T) {
	h := newHarness(t, appFiles)

	initial := h.apply(h.detect(modified("src/app/main.js")), Options{Products: []string{"app"}})
	require.Len(t, initial, 1)
	assert.True(t, initial[0].InitialRelease)
	assert.Equal(t, "0.3.2", initial[0].Semver, "initial release uses the baseline version verbatim")
	assert.Equal(t, 0, initial[0].RevisionsCreated)
	assert.Equal(t, 5, initial[0].SnapshotSize)
	before := h.snapshotByKey(initial[0].ReleaseID)

	h.write("src/app/features/x.js", "x2")
	payload := h.detect(modified("src/app/features/x.js"))
	app := payload.Product("app")
	require.NotNil(t, app)
	assert.Equal(t, semver.BumpMinor, app.BumpLevel)
	assert.Equal(t, changeset.SourceMinorArea, app.BumpSource)

	results := h.apply(payload, Options{})
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, store.ChangesetApplied, res.Status)
	assert.Equal(t, "0.3.3", res.Semver)
	assert.Equal(t, "0.3.2", res.PreviousSemver)
	assert.Equal(t, 1, res.RevisionsCreated)
	assert.Equal(t, 5, res.SnapshotSize)

	after := h.snapshotByKey(res.ReleaseID)
	require.Len(t, after, len(before))
	for key, entry := range after {
		if key == "app:file:src/app/features/x.js" {
			assert.NotEqual(t, before[key].RevisionID, entry.RevisionID)
			assert.Equal(t, 2, entry.RevisionNo)
			continue
		}
		assert.Equal(t, before[key].RevisionID, entry.RevisionID, "component %s inherited unchanged", key)
	}

	cs, err := h.store.GetChangeset(h.ctx, res.ChangesetID)
	require.NoError(t, err)
	assert.Equal(t, store.ChangesetApplied, cs.Status)
	assert.Equal(t, res.ReleaseID, cs.ReleaseID)
	assert.Equal(t, "0.3.3", cs.AppliedVersion)
	items, err := h.store.ListChangesetItems(h.ctx, cs.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotEmpty(t, items[0].PreviousRevisionID)
}

func TestApply_Idempotent(t *testing.T) {
	h := newHarness(t, appFiles)
	h.apply(h.detect(modified("src/app/main.js")), Options{Products: []string{"app"}})

	h.write("src/app/core/a.js", "a2")
	first := h.apply(h.detect(modified("src/app/core/a.js")), Options{})
	require.Len(t, first, 1)
	assert.Equal(t, 2, first[0].RevisionsCreated, "file component and logical component")
	assert.Equal(t, "0.3.3", first[0].Semver)

	second := h.apply(h.detect(modified("src/app/core/a.js")), Options{})
	require.Len(t, second, 1)
	assert.Equal(t, 0, second[0].RevisionsCreated)
	assert.Empty(t, second[0].ReleaseID)
	assert.Equal(t, store.ChangesetValidated, second[0].Status)

	releases, err := h.store.ListReleases(h.ctx, h.product("app").ID, h.env("dev").ID)
	require.NoError(t, err)
	assert.Len(t, releases, 2)
}

func TestApply_NoReleaseForNoneBump(t *testing.T) {
	h := newHarness(t, appFiles)
	h.apply(h.detect(modified("src/app/main.js")), Options{Products: []string{"app"}})

	h.write("src/app/README.md", "new readme")
	payload := h.detect(modified("src/app/README.md"))
	require.Equal(t, semver.BumpNone, payload.Product("app").BumpLevel)

	results := h.apply(payload, Options{})
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].RevisionsCreated)
	assert.Empty(t, results[0].ReleaseID)
	assert.Contains(t, results[0].Summary(), "no release")
}

func TestApply_DeletedComponentLeavesSnapshot(t *testing.T) {
	h := newHarness(t, appFiles)
	first := h.apply(h.detect(modified("src/app/main.js")), Options{Products: []string{"app"}})
	require.Equal(t, 5, first[0].SnapshotSize)

	h.remove("src/app/core/a.js")
	payload := h.detect(vcs.FileChange{Path: "src/app/core/a.js", Status: vcs.StatusDeleted})
	for _, c := range payload.Product("app").Components {
		assert.Equal(t, content.EmptyHash, c.ContentHash)
	}

	results := h.apply(payload, Options{})
	require.Len(t, results, 1)
	assert.Equal(t, "0.3.3", results[0].Semver)
	assert.Equal(t, 3, results[0].SnapshotSize)

	snap := h.snapshotByKey(results[0].ReleaseID)
	assert.NotContains(t, snap, "app-core")
	assert.NotContains(t, snap, "app:file:src/app/core/a.js")

	core, err := h.store.GetComponent(h.ctx, h.product("app").ID, "app-core")
	require.NoError(t, err)
	assert.False(t, core.IsActive)
	rev, err := h.store.LatestRevision(h.ctx, core.ID)
	require.NoError(t, err)
	assert.Equal(t, store.LifecycleDeleted, rev.LifecycleAction)

	active, err := h.store.ListActiveComponents(h.ctx, h.product("app").ID)
	require.NoError(t, err)
	assert.Len(t, active, results[0].SnapshotSize)
}

func TestApply_RecordsActor(t *testing.T) {
	h := newHarness(t, appFiles)
	h.apply(h.detect(modified("src/app/main.js")), Options{Products: []string{"app"}, Actor: "ci-bot"})

	h.write("src/app/main.js", "main v2")
	results := h.apply(h.detect(modified("src/app/main.js")), Options{Actor: "alice", Notes: "hotfix"})
	require.Len(t, results, 1)

	releases, err := h.store.ListReleases(h.ctx, h.product("app").ID, h.env("dev").ID)
	require.NoError(t, err)
	require.Len(t, releases, 2)
	byVersion := map[string]string{}
	for _, r := range releases {
		byVersion[r.Version().String()] = r.Metadata.Data().CreatedBy
	}
	assert.Equal(t, map[string]string{"0.3.2": "ci-bot", "0.3.3": "alice"}, byVersion)

	events, err := h.store.ListAudit(h.ctx, "app", 0)
	require.NoError(t, err)
	var created []store.AuditEventRecord
	for _, e := range events {
		if e.EventType == store.EventReleaseCreated {
			created = append(created, e)
		}
	}
	require.Len(t, created, 2)
	for _, e := range created {
		if e.Semver == "0.3.3" {
			assert.Equal(t, "alice", e.Actor)
			assert.Equal(t, "0.3.2", e.OldValue)
			assert.Equal(t, "dev", e.Environment)
			assert.Equal(t, results[0].ChangesetID, e.Notes)
		} else {
			assert.Equal(t, "ci-bot", e.Actor)
			assert.Empty(t, e.OldValue)
		}
	}
}

func TestApply_PartialGroupDeletionKeepsComponent(t *testing.T) {
	files := map[string]string{"src/app/core/b.js": "b"}
	for k, v := range appFiles {
		files[k] = v
	}
	h := newHarness(t, files)
	first := h.apply(h.detect(modified("src/app/main.js")), Options{Products: []string{"app"}})
	require.Equal(t, 6, first[0].SnapshotSize)
	before := h.snapshotByKey(first[0].ReleaseID)

	h.remove("src/app/core/a.js")
	payload := h.detect(vcs.FileChange{Path: "src/app/core/a.js", Status: vcs.StatusDeleted})
	results := h.apply(payload, Options{})
	require.Len(t, results, 1)
	assert.Equal(t, "0.3.3", results[0].Semver)
	assert.Equal(t, 5, results[0].SnapshotSize)

	snap := h.snapshotByKey(results[0].ReleaseID)
	assert.NotContains(t, snap, "app:file:src/app/core/a.js")
	require.Contains(t, snap, "app-core", "group keeps its remaining member")
	assert.NotEqual(t, before["app-core"].RevisionID, snap["app-core"].RevisionID)
	assert.Equal(t, before["app:file:src/app/core/b.js"].RevisionID, snap["app:file:src/app/core/b.js"].RevisionID)

	core, err := h.store.GetComponent(h.ctx, h.product("app").ID, "app-core")
	require.NoError(t, err)
	assert.True(t, core.IsActive)
	file, err := h.store.GetComponent(h.ctx, h.product("app").ID, "app:file:src/app/core/a.js")
	require.NoError(t, err)
	assert.False(t, file.IsActive)
}

func TestApply_OverrideIsolatedPerProduct(t *testing.T) {
	h := newHarness(t, map[string]string{
		"src/app/main.js":    "main",
		"src/worker/main.go": "package main",
	})
	h.apply(h.detect(modified("src/app/main.js")), Options{Products: []string{"app"}, BaselineVersion: "0.5.0"})

	h.write("src/app/main.js", "main2")
	h.write("src/worker/main.go", "package main // v2")
	payload := h.detect(modified("src/app/main.js"), modified("src/worker/main.go"))

	results, err := New(h.store, nil).Apply(h.ctx, payload, Options{
		Environment:     "dev",
		BaselineVersion: "0.1.0",
		CreateRelease:   true,
		OverrideSemver:  "0.4.0",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverrideNotGreater)
	var perr *ProductError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "app", perr.Product)
	assert.Equal(t, "validate override", perr.Operation)

	require.Len(t, results, 1)
	assert.Equal(t, "worker", results[0].ProductKey)
	assert.Equal(t, "0.4.0", results[0].Semver, "override wins over baseline for an initial release")

	appReleases, err := h.store.ListReleases(h.ctx, h.product("app").ID, "")
	require.NoError(t, err)
	assert.Len(t, appReleases, 1, "rejected override writes nothing")

	ok, err := New(h.store, nil).Apply(h.ctx, h.detect(modified("src/app/main.js")), Options{
		Environment:     "dev",
		BaselineVersion: "0.1.0",
		CreateRelease:   true,
		OverrideSemver:  "1.0.0",
		Products:        []string{"app"},
		ReleaseStatus:   store.ReleaseDeployed,
	})
	require.NoError(t, err)
	require.Len(t, ok, 1)
	assert.Equal(t, "1.0.0", ok[0].Semver)
	latest, err := h.store.LatestRelease(h.ctx, h.product("app").ID, h.env("dev").ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReleaseDeployed, latest.Status)
	assert.True(t, latest.Metadata.Data().Override)
}

func TestApply_CreateReleaseDisabled(t *testing.T) {
	h := newHarness(t, appFiles)
	results, err := New(h.store, nil).Apply(h.ctx, h.detect(modified("src/app/main.js")), Options{
		Environment:     "dev",
		BaselineVersion: "0.1.0",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.ChangesetValidated, results[0].Status)
	assert.Empty(t, results[0].ReleaseID)
}

func TestApply_InvalidOptions(t *testing.T) {
	h := newHarness(t, appFiles)
	payload := h.detect(modified("src/app/main.js"))
	a := New(h.store, nil)

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"missing environment", Options{BaselineVersion: "0.1.0"}, "environment is required"},
		{"unknown environment", Options{Environment: "moon", BaselineVersion: "0.1.0"}, "not registered"},
		{"bad baseline", Options{Environment: "dev", BaselineVersion: "x"}, "invalid baseline version"},
		{"bad override", Options{Environment: "dev", BaselineVersion: "0.1.0", OverrideSemver: "1.x"}, "invalid override version"},
		{"bad status", Options{Environment: "dev", BaselineVersion: "0.1.0", ReleaseStatus: "shipped"}, "invalid release status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Apply(h.ctx, payload, tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLifecycleAction(t *testing.T) {
	prev := &store.ComponentRevisionRecord{ContentHash: "old"}
	tests := []struct {
		name string
		prev *store.ComponentRevisionRecord
		cand changeset.Candidate
		want string
	}{
		{"first revision", nil, changeset.Candidate{ChangeKind: changeset.ChangeModified, ContentHash: "h"}, store.LifecycleCreated},
		{"first revision of deleted", nil, changeset.Candidate{ChangeKind: changeset.ChangeDeleted, ContentHash: content.EmptyHash}, store.LifecycleCreated},
		{"deleted kind", prev, changeset.Candidate{ChangeKind: changeset.ChangeDeleted, ContentHash: "h"}, store.LifecycleDeleted},
		{"empty hash", prev, changeset.Candidate{ChangeKind: changeset.ChangeModified, ContentHash: content.EmptyHash}, store.LifecycleDeleted},
		{"re-added", prev, changeset.Candidate{ChangeKind: changeset.ChangeAdded, ContentHash: "h"}, store.LifecycleCreated},
		{"modified", prev, changeset.Candidate{ChangeKind: changeset.ChangeModified, ContentHash: "h"}, store.LifecycleUpdated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lifecycleAction(tt.prev, tt.cand))
		})
	}
}

func TestProductResult_Summary(t *testing.T) {
	r := ProductResult{
		ProductKey:       "app",
		ChangesetID:      "cs-1",
		Status:           store.ChangesetApplied,
		BumpLevel:        semver.BumpMinor,
		Components:       1,
		RevisionsCreated: 1,
		ReleaseID:        "rel-1",
		Semver:           "0.3.3",
		PreviousSemver:   "0.3.2",
		SnapshotSize:     12,
	}
	line := r.Summary()
	assert.True(t, strings.HasPrefix(line, "app: changeset cs-1 applied"))
	assert.Contains(t, line, "release 0.3.2 -> 0.3.3 with 12 components")
}
