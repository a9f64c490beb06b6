// Package changeset defines the durable payload produced by change detection
// and consumed by the applier. Detection and application are decoupled so a
// payload can be inspected or approved before it mutates any state.
package changeset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/vcs"
)

// SchemaVersion is the payload format version written by this package.
const SchemaVersion = 1

// ChangeKind is how a component changed within one detection run.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// KindForStatus maps a diff status to a change kind.
func KindForStatus(s vcs.FileStatus) ChangeKind {
	switch s {
	case vcs.StatusAdded:
		return ChangeAdded
	case vcs.StatusDeleted:
		return ChangeDeleted
	default:
		return ChangeModified
	}
}

// BumpSource records which rule decided a product's bump level.
type BumpSource string

const (
	SourceLabel        BumpSource = "label"
	SourceContract     BumpSource = "contract"
	SourceCommit       BumpSource = "commit"
	SourceDocOnly      BumpSource = "doc-only"
	SourceMinorArea    BumpSource = "minor-area"
	SourceDefaultPatch BumpSource = "default-patch"
)

// Candidate is a component touched by the diff, with the content hash of all
// of its current member files.
type Candidate struct {
	ComponentKey  string     `json:"componentKey"`
	ComponentType string     `json:"componentType"`
	DisplayName   string     `json:"displayName,omitempty"`
	Path          string     `json:"path,omitempty"`
	ChangeKind    ChangeKind `json:"changeKind"`
	ChangedPaths  []string   `json:"changedPaths"`
	ContentHash   string     `json:"contentHash"`
}

// ProductResult is the classification outcome for one product.
type ProductResult struct {
	ProductKey       string           `json:"productKey"`
	DisplayName      string           `json:"displayName,omitempty"`
	BumpLevel        semver.BumpLevel `json:"bumpLevel"`
	BumpSource       BumpSource       `json:"bumpSource"`
	RequiresMajorAck bool             `json:"requiresMajorAck"`
	ChangedFiles     []vcs.FileChange `json:"changedFiles"`
	Components       []Candidate      `json:"components"`
}

// Payload is the serialized output of one detection run.
type Payload struct {
	SchemaVersion int              `json:"schemaVersion"`
	GeneratedAt   time.Time        `json:"generatedAt"`
	BaseRef       string           `json:"baseRef"`
	HeadRef       string           `json:"headRef"`
	BaseCommit    string           `json:"baseCommit,omitempty"`
	HeadCommit    string           `json:"headCommit,omitempty"`
	Branch        string           `json:"branch,omitempty"`
	Labels        []string         `json:"labels"`
	ChangedFiles  []vcs.FileChange `json:"changedFiles"`
	UnmappedFiles []string         `json:"unmappedFiles"`
	Products      []ProductResult  `json:"products"`
}

// Product returns the result for productKey, or nil.
func (p *Payload) Product(productKey string) *ProductResult {
	for i := range p.Products {
		if p.Products[i].ProductKey == productKey {
			return &p.Products[i]
		}
	}
	return nil
}

// Validate checks that the payload can be applied. Unmapped files are
// informational; the detect gate decides whether they block a run.
func (p *Payload) Validate() error {
	if p.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported changeset schema version %d (expected %d)", p.SchemaVersion, SchemaVersion)
	}
	var errs []error
	for i, pr := range p.Products {
		if pr.ProductKey == "" {
			errs = append(errs, fmt.Errorf("products[%d]: productKey is required", i))
			continue
		}
		if _, err := semver.ParseBumpLevel(string(pr.BumpLevel)); err != nil {
			errs = append(errs, fmt.Errorf("product %q: %w", pr.ProductKey, err))
		}
		for j, c := range pr.Components {
			if c.ComponentKey == "" || c.ContentHash == "" {
				errs = append(errs, fmt.Errorf("product %q: components[%d]: componentKey and contentHash are required", pr.ProductKey, j))
			}
		}
	}
	return errors.Join(errs...)
}

// Write serializes payload to path. The file is written to a temporary
// sibling first and renamed into place, so readers never see a partial file.
func Write(path string, payload *Payload) error {
	if payload.SchemaVersion == 0 {
		payload.SchemaVersion = SchemaVersion
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal changeset: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create changeset dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".changeset-*.json")
	if err != nil {
		return fmt.Errorf("create temp changeset: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write changeset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close changeset: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename changeset: %w", err)
	}
	return nil
}

// Read loads and validates a payload from path.
func Read(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read changeset %s: %w", path, err)
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse changeset %s: %w", path, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid changeset %s: %w", path, err)
	}
	return &payload, nil
}
