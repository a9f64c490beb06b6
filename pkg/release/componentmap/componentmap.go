// Package componentmap loads the static declaration of releasable products:
// their root directories, logical (glob-grouped) components and the
// classification globs that drive bump detection.
package componentmap

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kubeflow/component-release/pkg/release/content"
)

// ErrEmptyMap is returned when the component map declares nothing.
var ErrEmptyMap = errors.New("component map is empty")

// Component types.
const (
	TypeFile   = "file"
	TypeSystem = "system"
)

// LogicalComponent is a named group of files selected by globs.
type LogicalComponent struct {
	ComponentKey  string   `yaml:"componentKey" json:"componentKey"`
	ComponentType string   `yaml:"componentType,omitempty" json:"componentType,omitempty"`
	DisplayName   string   `yaml:"displayName,omitempty" json:"displayName,omitempty"`
	Globs         []string `yaml:"globs" json:"globs"`
}

// Product is a unit of release.
type Product struct {
	ProductKey    string             `yaml:"productKey" json:"productKey"`
	DisplayName   string             `yaml:"displayName,omitempty" json:"displayName,omitempty"`
	Roots         []string           `yaml:"roots" json:"roots"`
	Ignore        []string           `yaml:"ignore,omitempty" json:"ignore,omitempty"`
	ContractGlobs []string           `yaml:"contractGlobs,omitempty" json:"contractGlobs,omitempty"`
	MinorGlobs    []string           `yaml:"minorGlobs,omitempty" json:"minorGlobs,omitempty"`
	DocOnlyGlobs  []string           `yaml:"docOnlyGlobs,omitempty" json:"docOnlyGlobs,omitempty"`
	Components    []LogicalComponent `yaml:"components,omitempty" json:"components,omitempty"`

	// FileComponents controls per-file component tracking. Defaults to true.
	// When disabled, logical components must own every changed file.
	FileComponents *bool `yaml:"fileComponents,omitempty" json:"fileComponents,omitempty"`
}

// TracksFiles reports whether the product keeps one component per file.
func (p *Product) TracksFiles() bool {
	return p.FileComponents == nil || *p.FileComponents
}

// Name returns the display name, falling back to the product key.
func (p *Product) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ProductKey
}

// Owns reports whether path lies under one of the product roots.
func (p *Product) Owns(path string) bool {
	for _, root := range p.Roots {
		root = strings.TrimSuffix(root, "/")
		if root == "" || root == "." {
			return true
		}
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// Map is the full component map document.
type Map struct {
	GlobalIgnore []string  `yaml:"globalIgnore,omitempty" json:"globalIgnore,omitempty"`
	DocOnlyGlobs []string  `yaml:"docOnlyGlobs,omitempty" json:"docOnlyGlobs,omitempty"`
	Products     []Product `yaml:"products" json:"products"`
}

// IgnoreGlobs returns the global and per-product ignore globs for p.
func (m *Map) IgnoreGlobs(p *Product) []string {
	out := make([]string, 0, len(m.GlobalIgnore)+len(p.Ignore))
	out = append(out, m.GlobalIgnore...)
	return append(out, p.Ignore...)
}

// DocOnly returns the global and per-product doc-only globs for p.
func (m *Map) DocOnly(p *Product) []string {
	out := make([]string, 0, len(m.DocOnlyGlobs)+len(p.DocOnlyGlobs))
	out = append(out, m.DocOnlyGlobs...)
	return append(out, p.DocOnlyGlobs...)
}

// Product returns the product with the given key, or nil.
func (m *Map) Product(key string) *Product {
	for i := range m.Products {
		if m.Products[i].ProductKey == key {
			return &m.Products[i]
		}
	}
	return nil
}

// Select returns the products named in filter, in map order. An empty filter
// selects every product. Unknown keys are an error.
func (m *Map) Select(filter []string) ([]*Product, error) {
	if len(filter) == 0 {
		out := make([]*Product, 0, len(m.Products))
		for i := range m.Products {
			out = append(out, &m.Products[i])
		}
		return out, nil
	}
	wanted := make(map[string]bool, len(filter))
	for _, key := range filter {
		if m.Product(key) == nil {
			return nil, fmt.Errorf("unknown product %q", key)
		}
		wanted[key] = true
	}
	var out []*Product
	for i := range m.Products {
		if wanted[m.Products[i].ProductKey] {
			out = append(out, &m.Products[i])
		}
	}
	return out, nil
}

// Load reads and validates the component map at path. YAML and JSON are both
// accepted.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read component map %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid component map %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a component map document.
func Parse(data []byte) (*Map, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyMap
	}
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse component map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural invariants of the map.
func (m *Map) Validate() error {
	if len(m.Products) == 0 {
		return ErrEmptyMap
	}
	seen := make(map[string]bool, len(m.Products))
	for i := range m.Products {
		p := &m.Products[i]
		if p.ProductKey == "" {
			return fmt.Errorf("products[%d]: productKey is required", i)
		}
		if seen[p.ProductKey] {
			return fmt.Errorf("duplicate product %q", p.ProductKey)
		}
		seen[p.ProductKey] = true
		if len(p.Roots) == 0 {
			return fmt.Errorf("product %q: at least one root is required", p.ProductKey)
		}
		compSeen := make(map[string]bool, len(p.Components))
		for j := range p.Components {
			c := &p.Components[j]
			if c.ComponentKey == "" {
				return fmt.Errorf("product %q: components[%d]: componentKey is required", p.ProductKey, j)
			}
			if compSeen[c.ComponentKey] {
				return fmt.Errorf("product %q: duplicate component %q", p.ProductKey, c.ComponentKey)
			}
			compSeen[c.ComponentKey] = true
			if len(c.Globs) == 0 {
				return fmt.Errorf("product %q: component %q: at least one glob is required", p.ProductKey, c.ComponentKey)
			}
			if c.ComponentType == "" {
				c.ComponentType = TypeSystem
			}
			if c.ComponentType == TypeFile {
				return fmt.Errorf("product %q: component %q: logical components cannot use type %q", p.ProductKey, c.ComponentKey, TypeFile)
			}
		}
		globLists := [][]string{p.Ignore, p.ContractGlobs, p.MinorGlobs, p.DocOnlyGlobs}
		for _, c := range p.Components {
			globLists = append(globLists, c.Globs)
		}
		if _, err := content.CompileGlobs(globLists...); err != nil {
			return fmt.Errorf("product %q: %w", p.ProductKey, err)
		}
	}
	if _, err := content.CompileGlobs(m.GlobalIgnore, m.DocOnlyGlobs); err != nil {
		return err
	}
	return nil
}

// FileComponentKey returns the component key of the per-file component that
// tracks path inside product.
func FileComponentKey(productKey, path string) string {
	return productKey + ":file:" + path
}
