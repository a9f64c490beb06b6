package classify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/component-release/pkg/release/changeset"
	"github.com/kubeflow/component-release/pkg/release/componentmap"
	"github.com/kubeflow/component-release/pkg/release/content"
	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/vcs"
)

const testMapYAML = `globalIgnore:
  - "**/node_modules/**"
docOnlyGlobs:
  - "**/*.md"
products:
  - productKey: app
    roots: ["src/app"]
    contractGlobs: ["src/app/api/**"]
    minorGlobs: ["src/app/features/**"]
    components:
      - componentKey: app-core
        displayName: Core
        globs: ["src/app/core/**"]
  - productKey: worker
    roots: ["src/worker"]
    fileComponents: false
    components:
      - componentKey: worker-jobs
        globs: ["src/worker/jobs/**"]
`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, data := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(data), 0o644))
	}
	return root
}

func newTestClassifier(t *testing.T, files map[string]string) (*Classifier, string) {
	t.Helper()
	m, err := componentmap.Parse([]byte(testMapYAML))
	require.NoError(t, err)
	root := writeTree(t, files)
	return New(m, root, nil), root
}

func strict() Options {
	return Options{StrictUnmapped: true, StrictMajorAck: true}
}

func modified(path string) vcs.FileChange { return vcs.FileChange{Path: path, Status: vcs.StatusModified} }
func added(path string) vcs.FileChange    { return vcs.FileChange{Path: path, Status: vcs.StatusAdded} }
func deleted(path string) vcs.FileChange  { return vcs.FileChange{Path: path, Status: vcs.StatusDeleted} }

func TestClassify_MinorArea(t *testing.T) {
	c, root := newTestClassifier(t, map[string]string{
		"src/app/features/x.js": "export const x = 1\n",
		"src/app/main.js":       "main\n",
	})

	res, err := c.Classify(context.Background(), Input{
		Changes:        []vcs.FileChange{modified("src/app/features/x.js")},
		CommitMessages: []string{"update feature x"},
	}, strict())
	require.NoError(t, err)
	require.Len(t, res.Products, 1)

	app := res.Products[0]
	assert.Equal(t, "app", app.ProductKey)
	assert.Equal(t, semver.BumpMinor, app.BumpLevel)
	assert.Equal(t, changeset.SourceMinorArea, app.BumpSource)
	assert.False(t, app.RequiresMajorAck)
	assert.Empty(t, res.UnmappedFiles)

	require.Len(t, app.Components, 1)
	cand := app.Components[0]
	assert.Equal(t, "app:file:src/app/features/x.js", cand.ComponentKey)
	assert.Equal(t, componentmap.TypeFile, cand.ComponentType)
	assert.Equal(t, changeset.ChangeModified, cand.ChangeKind)
	assert.Equal(t, []string{"src/app/features/x.js"}, cand.ChangedPaths)

	want, err := content.HashFiles(root, []string{"src/app/features/x.js"})
	require.NoError(t, err)
	assert.Equal(t, want, cand.ContentHash)
}

func TestClassify_MinorAreaMergesCommitMajor(t *testing.T) {
	c, _ := newTestClassifier(t, map[string]string{"src/app/features/x.js": "x"})
	res, err := c.Classify(context.Background(), Input{
		Changes:        []vcs.FileChange{modified("src/app/features/x.js")},
		CommitMessages: []string{"refactor!: drop legacy flag"},
	}, strict())
	require.NoError(t, err)
	require.Len(t, res.Products, 1)
	assert.Equal(t, semver.BumpMajor, res.Products[0].BumpLevel)
	assert.Equal(t, changeset.SourceMinorArea, res.Products[0].BumpSource)
}

func TestClassify_BumpPrecedence(t *testing.T) {
	files := map[string]string{
		"src/app/api/openapi.yaml": "openapi: 3.0.0\n",
		"src/app/main.js":          "main\n",
		"src/app/README.md":        "# app\n",
		"src/app/features/f.js":    "f\n",
	}

	tests := []struct {
		name       string
		changes    []vcs.FileChange
		commits    []string
		labels     []string
		opts       Options
		wantLevel  semver.BumpLevel
		wantSource changeset.BumpSource
		wantAck    bool
		wantGate   bool
	}{
		{
			name:       "label is authoritative",
			changes:    []vcs.FileChange{modified("src/app/api/openapi.yaml")},
			labels:     []string{"semver:patch"},
			opts:       strict(),
			wantLevel:  semver.BumpPatch,
			wantSource: changeset.SourceLabel,
		},
		{
			name:       "highest label wins",
			changes:    []vcs.FileChange{modified("src/app/main.js")},
			labels:     []string{"semver:none", "semver:minor", "area/app"},
			opts:       strict(),
			wantLevel:  semver.BumpMinor,
			wantSource: changeset.SourceLabel,
		},
		{
			name:       "contract without breaking commit requires ack",
			changes:    []vcs.FileChange{modified("src/app/api/openapi.yaml")},
			commits:    []string{"fix: typo in schema"},
			opts:       strict(),
			wantLevel:  semver.BumpMajor,
			wantSource: changeset.SourceContract,
			wantAck:    true,
			wantGate:   true,
		},
		{
			name:       "contract ack gate can be disabled",
			changes:    []vcs.FileChange{modified("src/app/api/openapi.yaml")},
			opts:       Options{StrictUnmapped: true},
			wantLevel:  semver.BumpMajor,
			wantSource: changeset.SourceContract,
			wantAck:    true,
		},
		{
			name:       "contract with major label is acknowledged",
			changes:    []vcs.FileChange{modified("src/app/api/openapi.yaml")},
			labels:     []string{MajorAckLabel},
			opts:       strict(),
			wantLevel:  semver.BumpMajor,
			wantSource: changeset.SourceLabel,
		},
		{
			name:       "contract with breaking commit",
			changes:    []vcs.FileChange{modified("src/app/api/openapi.yaml")},
			commits:    []string{"feat: new endpoint\n\nBREAKING CHANGE: removes /v1"},
			opts:       strict(),
			wantLevel:  semver.BumpMajor,
			wantSource: changeset.SourceCommit,
		},
		{
			name:       "doc only",
			changes:    []vcs.FileChange{modified("src/app/README.md")},
			commits:    []string{"feat: document things"},
			opts:       strict(),
			wantLevel:  semver.BumpNone,
			wantSource: changeset.SourceDocOnly,
		},
		{
			name:       "docs mixed with code is not doc only",
			changes:    []vcs.FileChange{modified("src/app/README.md"), modified("src/app/main.js")},
			opts:       strict(),
			wantLevel:  semver.BumpPatch,
			wantSource: changeset.SourceDefaultPatch,
		},
		{
			name:       "commit feat raises default",
			changes:    []vcs.FileChange{modified("src/app/main.js")},
			commits:    []string{"feat(core): add flag"},
			opts:       strict(),
			wantLevel:  semver.BumpMinor,
			wantSource: changeset.SourceCommit,
		},
		{
			name:       "default patch",
			changes:    []vcs.FileChange{modified("src/app/main.js")},
			commits:    []string{"tidy up"},
			opts:       strict(),
			wantLevel:  semver.BumpPatch,
			wantSource: changeset.SourceDefaultPatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClassifier(t, files)
			res, err := c.Classify(context.Background(), Input{
				Changes:        tt.changes,
				CommitMessages: tt.commits,
				Labels:         tt.labels,
			}, tt.opts)

			if tt.wantGate {
				var gate *GateError
				require.ErrorAs(t, err, &gate)
				assert.Equal(t, []string{"app"}, gate.MissingMajorAck)
				assert.Contains(t, err.Error(), MajorAckLabel)
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, res)
			require.Len(t, res.Products, 1)
			pr := res.Products[0]
			assert.Equal(t, tt.wantLevel, pr.BumpLevel)
			assert.Equal(t, tt.wantSource, pr.BumpSource)
			assert.Equal(t, tt.wantAck, pr.RequiresMajorAck)
		})
	}
}

func TestClassify_LogicalComponentHashesFullMembership(t *testing.T) {
	c, root := newTestClassifier(t, map[string]string{
		"src/app/core/a.js":              "a2",
		"src/app/core/b.js":              "b1",
		"src/app/core/node_modules/x.js": "ignored",
		"src/app/other.js":               "o",
	})

	res, err := c.Classify(context.Background(), Input{
		Changes: []vcs.FileChange{modified("src/app/core/a.js")},
	}, strict())
	require.NoError(t, err)
	require.Len(t, res.Products, 1)

	comps := res.Products[0].Components
	require.Len(t, comps, 2)
	assert.Equal(t, "app:file:src/app/core/a.js", comps[0].ComponentKey)

	core := comps[1]
	assert.Equal(t, "app-core", core.ComponentKey)
	assert.Equal(t, componentmap.TypeSystem, core.ComponentType)
	assert.Equal(t, "Core", core.DisplayName)
	assert.Equal(t, []string{"src/app/core/a.js"}, core.ChangedPaths)

	want, err := content.HashFiles(root, []string{"src/app/core/a.js", "src/app/core/b.js"})
	require.NoError(t, err)
	assert.Equal(t, want, core.ContentHash)
}

func TestClassify_DeletedComponentHashesEmpty(t *testing.T) {
	c, _ := newTestClassifier(t, map[string]string{"src/app/main.js": "m"})

	res, err := c.Classify(context.Background(), Input{
		Changes: []vcs.FileChange{deleted("src/app/core/a.js"), deleted("src/app/core/b.js")},
	}, strict())
	require.NoError(t, err)
	require.Len(t, res.Products, 1)

	comps := res.Products[0].Components
	require.Len(t, comps, 3)
	for _, cand := range comps {
		assert.Equal(t, changeset.ChangeDeleted, cand.ChangeKind, cand.ComponentKey)
		assert.Equal(t, content.EmptyHash, cand.ContentHash, cand.ComponentKey)
	}
}

func TestClassify_UnmappedGate(t *testing.T) {
	c, _ := newTestClassifier(t, map[string]string{
		"src/worker/jobs/run.go": "package jobs",
		"src/worker/main.go":     "package main",
		"src/worker/NOTES.md":    "notes",
	})
	in := Input{Changes: []vcs.FileChange{
		modified("src/worker/jobs/run.go"),
		modified("src/worker/main.go"),
		modified("src/worker/NOTES.md"),
	}}

	res, err := c.Classify(context.Background(), in, strict())
	var gate *GateError
	require.ErrorAs(t, err, &gate)
	assert.Equal(t, []string{"src/worker/main.go"}, gate.UnmappedFiles)
	assert.Empty(t, gate.MissingMajorAck)
	assert.Contains(t, err.Error(), "src/worker/main.go")
	require.NotNil(t, res)
	assert.Equal(t, []string{"src/worker/main.go"}, res.UnmappedFiles)

	res, err = c.Classify(context.Background(), in, Options{StrictMajorAck: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/worker/main.go"}, res.UnmappedFiles)
	require.Len(t, res.Products, 1)
	require.Len(t, res.Products[0].Components, 1)
	assert.Equal(t, "worker-jobs", res.Products[0].Components[0].ComponentKey)
}

func TestClassify_ProductScopingAndIgnore(t *testing.T) {
	c, _ := newTestClassifier(t, map[string]string{
		"src/app/main.js":   "m",
		"src/worker/jobs/a": "a",
		"docs/guide.txt":    "g",
	})

	res, err := c.Classify(context.Background(), Input{Changes: []vcs.FileChange{
		modified("src/app/node_modules/lib/index.js"),
		modified("docs/guide.txt"),
	}}, strict())
	require.NoError(t, err)
	assert.Empty(t, res.Products)
	assert.Len(t, res.ChangedFiles, 2)

	res, err = c.Classify(context.Background(), Input{Changes: []vcs.FileChange{
		modified("src/app/main.js"),
		added("src/worker/jobs/a"),
	}}, Options{Products: []string{"worker"}, StrictUnmapped: true, StrictMajorAck: true})
	require.NoError(t, err)
	require.Len(t, res.Products, 1)
	assert.Equal(t, "worker", res.Products[0].ProductKey)
	assert.Equal(t, changeset.ChangeAdded, res.Products[0].Components[0].ChangeKind)

	_, err = c.Classify(context.Background(), Input{}, Options{Products: []string{"nope"}})
	require.Error(t, err)
	var gate *GateError
	assert.False(t, errors.As(err, &gate))
}

func TestResult_Payload(t *testing.T) {
	c, _ := newTestClassifier(t, map[string]string{"src/app/main.js": "m"})
	res, err := c.Classify(context.Background(), Input{
		Changes: []vcs.FileChange{modified("src/app/main.js")},
	}, strict())
	require.NoError(t, err)

	payload := res.Payload(changeset.Payload{BaseRef: "main", HeadRef: "HEAD"})
	assert.Equal(t, changeset.SchemaVersion, payload.SchemaVersion)
	assert.Equal(t, "main", payload.BaseRef)
	assert.Equal(t, []string{}, payload.Labels)
	assert.Equal(t, []string{}, payload.UnmappedFiles)
	require.Len(t, payload.Products, 1)
	require.NoError(t, payload.Validate())
}

func TestGroupKind(t *testing.T) {
	assert.Equal(t, changeset.ChangeDeleted, groupKind([]vcs.FileChange{deleted("a"), deleted("b")}))
	assert.Equal(t, changeset.ChangeAdded, groupKind([]vcs.FileChange{added("a"), added("b")}))
	assert.Equal(t, changeset.ChangeAdded, groupKind([]vcs.FileChange{added("a"), deleted("b")}))
	assert.Equal(t, changeset.ChangeModified, groupKind([]vcs.FileChange{added("a"), modified("b")}))
	assert.Equal(t, changeset.ChangeModified, groupKind([]vcs.FileChange{modified("a")}))
}

func TestCommitBump(t *testing.T) {
	tests := []struct {
		messages []string
		want     semver.BumpLevel
	}{
		{nil, semver.BumpNone},
		{[]string{"chore: bump deps", "docs: readme"}, semver.BumpNone},
		{[]string{"fix: nil check"}, semver.BumpPatch},
		{[]string{"perf(db): index"}, semver.BumpPatch},
		{[]string{"refactor: split file", "feat: add thing"}, semver.BumpMinor},
		{[]string{"feat(api)!: drop v1"}, semver.BumpMajor},
		{[]string{"chore: x\n\nBreaking-change: config renamed"}, semver.BumpMajor},
		{[]string{"feature: not conventional"}, semver.BumpNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CommitBump(tt.messages), "%q", tt.messages)
	}
}

func TestLabelBump(t *testing.T) {
	level, ok := LabelBump([]string{"bug", "semver:bogus"})
	assert.False(t, ok)
	assert.Equal(t, semver.BumpNone, level)

	level, ok = LabelBump([]string{"semver:none"})
	assert.True(t, ok)
	assert.Equal(t, semver.BumpNone, level)

	level, ok = LabelBump([]string{"semver:patch", "semver:major"})
	assert.True(t, ok)
	assert.Equal(t, semver.BumpMajor, level)
}
