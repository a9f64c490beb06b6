// Package artifacts keeps a disk-backed registry of locally archived release
// bundles. It is independent of the relational store and is meant for
// offline workflows.
package artifacts

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kubeflow/component-release/pkg/release/inventory"
	"github.com/kubeflow/component-release/pkg/release/semver"
)

// SchemaVersion is the registry document version.
const SchemaVersion = 1

const bundlesDir = "bundles"

// EnvironmentStatus is the state of a record in one environment.
type EnvironmentStatus struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	Notes     string    `json:"notes,omitempty"`
}

// Record is one archived product version.
type Record struct {
	Key          string                       `json:"key"`
	Product      string                       `json:"product"`
	Semver       string                       `json:"semver"`
	Commit       string                       `json:"commit"`
	BundlePath   string                       `json:"bundlePath,omitempty"`
	FileCount    int                          `json:"fileCount,omitempty"`
	Environments map[string]EnvironmentStatus `json:"environments,omitempty"`
	CreatedAt    time.Time                    `json:"createdAt"`
	UpdatedAt    time.Time                    `json:"updatedAt"`
}

type document struct {
	SchemaVersion int      `json:"schemaVersion"`
	Records       []Record `json:"records"`
}

// ArchiveRequest asks for a source directory to be bundled.
type ArchiveRequest struct {
	Product   string
	Semver    string
	Commit    string
	SourceDir string
}

// MarkRequest sets the status of a record in an environment.
type MarkRequest struct {
	Product     string
	Semver      string
	Commit      string
	Environment string
	Status      string
	Notes       string
}

// Registry reads and writes the registry file. Bundles are stored next to
// it under bundles/.
type Registry struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewRegistry returns a registry backed by the JSON file at path. The file is
// created on first write.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, now: time.Now}
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// RecordKey builds the product@semver+shortCommit key.
func RecordKey(product, version, commit string) string {
	return fmt.Sprintf("%s@%s+%s", product, version, shortCommit(commit))
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

func normalize(product, version, commit string) (string, error) {
	if product == "" {
		return "", errors.New("product is required")
	}
	if commit == "" {
		return "", errors.New("commit is required")
	}
	v, err := semver.Parse(version)
	if err != nil {
		return "", fmt.Errorf("invalid semver: %w", err)
	}
	return v.String(), nil
}

// Archive writes a tar+zstd bundle of req.SourceDir and upserts its record.
func (r *Registry) Archive(req ArchiveRequest) (*Record, error) {
	version, err := normalize(req.Product, req.Semver, req.Commit)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(req.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", req.SourceDir)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := RecordKey(req.Product, version, req.Commit)
	bundleName := strings.NewReplacer("@", "-", "+", "-").Replace(key) + ".tar.zst"
	bundlePath := filepath.Join(filepath.Dir(r.path), bundlesDir, bundleName)
	count, err := writeBundle(bundlePath, req.SourceDir)
	if err != nil {
		return nil, err
	}

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	rec := doc.find(key)
	if rec == nil {
		doc.Records = append(doc.Records, Record{
			Key:       key,
			Product:   req.Product,
			Semver:    version,
			Commit:    req.Commit,
			CreatedAt: now,
		})
		rec = &doc.Records[len(doc.Records)-1]
	}
	rec.BundlePath = bundlePath
	rec.FileCount = count
	rec.UpdatedAt = now
	out := *rec
	if err := r.save(doc); err != nil {
		return nil, err
	}
	return &out, nil
}

// Mark sets an environment status on a record, creating the record if it
// does not exist yet.
func (r *Registry) Mark(req MarkRequest) (*Record, error) {
	version, err := normalize(req.Product, req.Semver, req.Commit)
	if err != nil {
		return nil, err
	}
	if req.Environment == "" || req.Status == "" {
		return nil, errors.New("environment and status are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	key := RecordKey(req.Product, version, req.Commit)
	now := r.now().UTC()
	rec := doc.find(key)
	if rec == nil {
		doc.Records = append(doc.Records, Record{
			Key:       key,
			Product:   req.Product,
			Semver:    version,
			Commit:    req.Commit,
			CreatedAt: now,
		})
		rec = &doc.Records[len(doc.Records)-1]
	}
	if rec.Environments == nil {
		rec.Environments = map[string]EnvironmentStatus{}
	}
	rec.Environments[req.Environment] = EnvironmentStatus{Status: req.Status, UpdatedAt: now, Notes: req.Notes}
	rec.UpdatedAt = now
	out := *rec
	if err := r.save(doc); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the record for key. Returns nil, nil if no record exists.
func (r *Registry) Get(key string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	rec := doc.find(key)
	if rec == nil {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// List returns the records of product, or all records when product is empty,
// ordered by key.
func (r *Registry) List(product string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range doc.Records {
		if product == "" || rec.Product == product {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (d *document) find(key string) *Record {
	for i := range d.Records {
		if d.Records[i].Key == key {
			return &d.Records[i]
		}
	}
	return nil
}

func (r *Registry) load() (*document, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &document{SchemaVersion: SchemaVersion}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("registry %s: unsupported schema version %d", r.path, doc.SchemaVersion)
	}
	return &doc, nil
}

func (r *Registry) save(doc *document) error {
	doc.SchemaVersion = SchemaVersion
	if doc.Records == nil {
		doc.Records = []Record{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	data = append(data, '\n')
	return writeAtomic(r.path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}

// writeBundle streams every regular file under sourceDir, in sorted order,
// into a zstd-compressed tar at bundlePath and returns the file count.
func writeBundle(bundlePath, sourceDir string) (int, error) {
	files, err := inventory.ListFilesFromRoots(sourceDir, []string{"."}, nil)
	if err != nil {
		return 0, fmt.Errorf("list bundle files: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(bundlePath), 0o755); err != nil {
		return 0, fmt.Errorf("create bundle dir: %w", err)
	}
	f, err := os.Create(bundlePath)
	if err != nil {
		return 0, fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	for _, rel := range files {
		if err := addFile(tw, sourceDir, rel); err != nil {
			zw.Close()
			return 0, err
		}
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	return len(files), f.Close()
}

func addFile(tw *tar.Writer, sourceDir, rel string) error {
	full := filepath.Join(sourceDir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", rel, err)
	}
	hdr.Name = rel
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", rel, err)
	}
	src, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer src.Close()
	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	return nil
}

// ReadBundle lists the entry names of a bundle written by Archive.
func ReadBundle(bundlePath string) ([]string, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	var names []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle: %w", err)
		}
		names = append(names, hdr.Name)
	}
	return names, nil
}
