// Package classify turns a diff between two references into per-product
// changeset results: which components changed, how, and how far each
// product's version should move.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kubeflow/component-release/pkg/release/changeset"
	"github.com/kubeflow/component-release/pkg/release/componentmap"
	"github.com/kubeflow/component-release/pkg/release/content"
	"github.com/kubeflow/component-release/pkg/release/inventory"
	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/vcs"
)

// LabelPrefix prefixes authoritative bump labels, e.g. "semver:minor".
const LabelPrefix = "semver:"

// MajorAckLabel acknowledges a contract-driven major bump.
const MajorAckLabel = LabelPrefix + string(semver.BumpMajor)

// Input is the raw material of one detection run.
type Input struct {
	Changes        []vcs.FileChange
	CommitMessages []string
	Labels         []string
}

// Options controls product selection and the safety gates.
type Options struct {
	Products       []string
	StrictUnmapped bool
	StrictMajorAck bool
}

// Result is the outcome of Classify.
type Result struct {
	ChangedFiles  []vcs.FileChange
	UnmappedFiles []string
	Products      []changeset.ProductResult
}

// Payload builds the changeset payload for this result.
func (r *Result) Payload(meta changeset.Payload) *changeset.Payload {
	out := meta
	out.SchemaVersion = changeset.SchemaVersion
	if out.Labels == nil {
		out.Labels = []string{}
	}
	out.ChangedFiles = r.ChangedFiles
	if out.ChangedFiles == nil {
		out.ChangedFiles = []vcs.FileChange{}
	}
	out.UnmappedFiles = r.UnmappedFiles
	out.Products = r.Products
	if out.Products == nil {
		out.Products = []changeset.ProductResult{}
	}
	return &out
}

// GateError reports safety-gate violations. Nothing derived from a run that
// fails a gate may be applied.
type GateError struct {
	UnmappedFiles   []string
	MissingMajorAck []string
}

func (e *GateError) Error() string {
	var parts []string
	if len(e.UnmappedFiles) > 0 {
		parts = append(parts, fmt.Sprintf("unmapped files: %s", strings.Join(e.UnmappedFiles, ", ")))
	}
	if len(e.MissingMajorAck) > 0 {
		parts = append(parts, fmt.Sprintf("major bump requires %q label for products: %s",
			MajorAckLabel, strings.Join(e.MissingMajorAck, ", ")))
	}
	return "safety gate failed: " + strings.Join(parts, "; ")
}

// Classifier classifies diffs against a component map.
type Classifier struct {
	cmap     *componentmap.Map
	repoRoot string
	logger   *slog.Logger
}

// New creates a Classifier. repoRoot is the working tree the diff paths are
// relative to; content hashes are computed from it.
func New(cmap *componentmap.Map, repoRoot string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{cmap: cmap, repoRoot: repoRoot, logger: logger}
}

var (
	breakingPhrase = regexp.MustCompile(`(?i)breaking[ -]change`)
	bangPrefix     = regexp.MustCompile(`^[A-Za-z]+(\([^)]*\))?!:`)
	featPrefix     = regexp.MustCompile(`^feat(\([^)]*\))?:`)
	patchPrefix    = regexp.MustCompile(`^(fix|perf|refactor)(\([^)]*\))?:`)
)

// CommitBump derives a bump level from commit messages, taking the highest
// level signalled by any line.
func CommitBump(messages []string) semver.BumpLevel {
	level := semver.BumpNone
	for _, msg := range messages {
		for _, line := range strings.Split(msg, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case breakingPhrase.MatchString(line), bangPrefix.MatchString(line):
				return semver.BumpMajor
			case featPrefix.MatchString(line):
				level = semver.Max(level, semver.BumpMinor)
			case patchPrefix.MatchString(line):
				level = semver.Max(level, semver.BumpPatch)
			}
		}
	}
	return level
}

// LabelBump returns the highest bump level among "semver:<level>" labels.
func LabelBump(labels []string) (semver.BumpLevel, bool) {
	found := false
	level := semver.BumpNone
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if !strings.HasPrefix(l, LabelPrefix) {
			continue
		}
		parsed, err := semver.ParseBumpLevel(strings.TrimPrefix(l, LabelPrefix))
		if err != nil {
			continue
		}
		found = true
		level = semver.Max(level, parsed)
	}
	return level, found
}

// Classify runs detection for every selected product. The returned result is
// complete even when a gate fails; the error is then a *GateError.
func (c *Classifier) Classify(ctx context.Context, in Input, opts Options) (*Result, error) {
	products, err := c.cmap.Select(opts.Products)
	if err != nil {
		return nil, err
	}

	commitLevel := CommitBump(in.CommitMessages)
	labelLevel, hasLabel := LabelBump(in.Labels)
	acked := slices.Contains(in.Labels, MajorAckLabel)

	result := &Result{
		ChangedFiles:  slices.Clone(in.Changes),
		UnmappedFiles: []string{},
	}
	gate := &GateError{}

	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pr, unmapped, err := c.classifyProduct(p, in.Changes, commitLevel, labelLevel, hasLabel)
		if err != nil {
			return nil, fmt.Errorf("classify product %s: %w", p.ProductKey, err)
		}
		if pr == nil {
			continue
		}
		c.logger.Debug("classified product",
			"product", p.ProductKey,
			"bump", pr.BumpLevel,
			"source", pr.BumpSource,
			"files", len(pr.ChangedFiles),
			"components", len(pr.Components),
		)
		result.Products = append(result.Products, *pr)

		if len(unmapped) > 0 {
			result.UnmappedFiles = append(result.UnmappedFiles, unmapped...)
			if opts.StrictUnmapped {
				gate.UnmappedFiles = append(gate.UnmappedFiles, unmapped...)
			}
		}
		if pr.RequiresMajorAck && !acked && opts.StrictMajorAck {
			gate.MissingMajorAck = append(gate.MissingMajorAck, p.ProductKey)
		}
	}

	if len(gate.UnmappedFiles) > 0 || len(gate.MissingMajorAck) > 0 {
		return result, gate
	}
	return result, nil
}

func (c *Classifier) classifyProduct(p *componentmap.Product, changes []vcs.FileChange, commitLevel, labelLevel semver.BumpLevel, hasLabel bool) (*changeset.ProductResult, []string, error) {
	ignoreGlobs := c.cmap.IgnoreGlobs(p)
	ignore, err := content.CompileGlobs(ignoreGlobs)
	if err != nil {
		return nil, nil, err
	}
	var files []vcs.FileChange
	for _, ch := range changes {
		if p.Owns(ch.Path) && !ignore.MatchAny(ch.Path) {
			files = append(files, ch)
		}
	}
	if len(files) == 0 {
		return nil, nil, nil
	}

	contract, err := content.CompileGlobs(p.ContractGlobs)
	if err != nil {
		return nil, nil, err
	}
	minor, err := content.CompileGlobs(p.MinorGlobs)
	if err != nil {
		return nil, nil, err
	}
	docOnly, err := content.CompileGlobs(c.cmap.DocOnly(p))
	if err != nil {
		return nil, nil, err
	}

	pr := &changeset.ProductResult{
		ProductKey:   p.ProductKey,
		DisplayName:  p.Name(),
		ChangedFiles: files,
	}

	anyContract, anyMinor, allDoc := false, false, docOnly.Len() > 0
	for _, f := range files {
		anyContract = anyContract || contract.MatchAny(f.Path)
		anyMinor = anyMinor || minor.MatchAny(f.Path)
		allDoc = allDoc && docOnly.MatchAny(f.Path)
	}

	switch {
	case hasLabel:
		pr.BumpLevel, pr.BumpSource = labelLevel, changeset.SourceLabel
	case anyContract:
		pr.BumpLevel = semver.BumpMajor
		if commitLevel == semver.BumpMajor {
			pr.BumpSource = changeset.SourceCommit
		} else {
			pr.BumpSource = changeset.SourceContract
			pr.RequiresMajorAck = true
		}
	case allDoc:
		pr.BumpLevel, pr.BumpSource = semver.BumpNone, changeset.SourceDocOnly
	case anyMinor:
		pr.BumpLevel, pr.BumpSource = semver.Max(semver.BumpMinor, commitLevel), changeset.SourceMinorArea
	default:
		pr.BumpLevel = semver.Max(semver.BumpPatch, commitLevel)
		if commitLevel != semver.BumpNone {
			pr.BumpSource = changeset.SourceCommit
		} else {
			pr.BumpSource = changeset.SourceDefaultPatch
		}
	}

	candidates, err := c.buildCandidates(p, files, ignoreGlobs)
	if err != nil {
		return nil, nil, err
	}
	pr.Components = candidates

	owned := mapset.NewThreadUnsafeSet[string]()
	for _, cand := range candidates {
		owned.Append(cand.ChangedPaths...)
	}
	var unmapped []string
	for _, f := range files {
		if !owned.Contains(f.Path) && !docOnly.MatchAny(f.Path) {
			unmapped = append(unmapped, f.Path)
		}
	}
	return pr, unmapped, nil
}

func (c *Classifier) buildCandidates(p *componentmap.Product, files []vcs.FileChange, ignoreGlobs []string) ([]changeset.Candidate, error) {
	var candidates []changeset.Candidate
	index := map[string]int{}

	add := func(cand changeset.Candidate) {
		if i, ok := index[cand.ComponentKey]; ok {
			merged := mapset.NewThreadUnsafeSet(candidates[i].ChangedPaths...)
			merged.Append(cand.ChangedPaths...)
			paths := merged.ToSlice()
			slices.Sort(paths)
			candidates[i].ChangedPaths = paths
			return
		}
		index[cand.ComponentKey] = len(candidates)
		candidates = append(candidates, cand)
	}

	if p.TracksFiles() {
		for _, f := range files {
			hash, err := content.HashFiles(c.repoRoot, []string{f.Path})
			if err != nil {
				return nil, err
			}
			add(changeset.Candidate{
				ComponentKey:  componentmap.FileComponentKey(p.ProductKey, f.Path),
				ComponentType: componentmap.TypeFile,
				DisplayName:   f.Path,
				Path:          f.Path,
				ChangeKind:    changeset.KindForStatus(f.Status),
				ChangedPaths:  []string{f.Path},
				ContentHash:   hash,
			})
		}
	}

	if len(p.Components) == 0 {
		return candidates, nil
	}

	var current []string
	inventoryLoaded := false
	for _, lc := range p.Components {
		globs, err := content.CompileGlobs(lc.Globs)
		if err != nil {
			return nil, err
		}
		var touched []vcs.FileChange
		for _, f := range files {
			if globs.MatchAny(f.Path) {
				touched = append(touched, f)
			}
		}
		if len(touched) == 0 {
			continue
		}
		if !inventoryLoaded {
			current, err = inventory.ListFilesFromRoots(c.repoRoot, p.Roots, ignoreGlobs)
			if err != nil {
				return nil, err
			}
			inventoryLoaded = true
		}

		members := mapset.NewThreadUnsafeSet[string]()
		for _, path := range current {
			if globs.MatchAny(path) {
				members.Add(path)
			}
		}
		changed := make([]string, 0, len(touched))
		for _, f := range touched {
			members.Add(f.Path)
			changed = append(changed, f.Path)
		}
		hash, err := content.HashFiles(c.repoRoot, members.ToSlice())
		if err != nil {
			return nil, err
		}
		slices.Sort(changed)
		add(changeset.Candidate{
			ComponentKey:  lc.ComponentKey,
			ComponentType: lc.ComponentType,
			DisplayName:   lc.DisplayName,
			ChangeKind:    groupKind(touched),
			ChangedPaths:  changed,
			ContentHash:   hash,
		})
	}
	return candidates, nil
}

// groupKind derives a logical component's change kind from its touched files:
// all deleted is deleted, added without any modification is added, anything
// else is modified.
func groupKind(touched []vcs.FileChange) changeset.ChangeKind {
	allDeleted, anyAdded, anyModified := true, false, false
	for _, f := range touched {
		switch f.Status {
		case vcs.StatusAdded:
			anyAdded = true
			allDeleted = false
		case vcs.StatusModified:
			anyModified = true
			allDeleted = false
		}
	}
	switch {
	case allDeleted:
		return changeset.ChangeDeleted
	case anyAdded && !anyModified:
		return changeset.ChangeAdded
	default:
		return changeset.ChangeModified
	}
}
