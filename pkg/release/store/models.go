package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/kubeflow/component-release/pkg/release/semver"
)

// DefaultNamespace is the tenant used when none is configured.
const DefaultNamespace = "default"

// Lifecycle actions recorded on component revisions.
const (
	LifecycleCreated = "created"
	LifecycleUpdated = "updated"
	LifecycleDeleted = "deleted"
)

// Revision sources.
const (
	SourceBaseline  = "baseline"
	SourceChangeset = "changeset"
)

// Changeset statuses.
const (
	ChangesetDetected  = "detected"
	ChangesetApplied   = "applied"
	ChangesetValidated = "validated"
)

// Release statuses.
const (
	ReleaseValidated = "validated"
	ReleaseDeployed  = "deployed"
)

// Release origins.
const (
	OriginInitial   = "initial"
	OriginChangeset = "changeset"
	OriginPromotion = "promotion"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONStringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// ProductMetadata is the structured metadata kept on a product.
type ProductMetadata struct {
	BaselineInitialized bool       `json:"baselineInitialized"`
	BaselineVersion     string     `json:"baselineVersion,omitempty"`
	BaselineAt          *time.Time `json:"baselineAt,omitempty"`
	Roots               []string   `json:"roots,omitempty"`
}

// ProductRecord is a unit of release.
type ProductRecord struct {
	ID          string                              `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace   string                              `gorm:"column:namespace;uniqueIndex:idx_product_ns_key,priority:1;default:default;not null"`
	ProductKey  string                              `gorm:"column:product_key;uniqueIndex:idx_product_ns_key,priority:2;not null"`
	DisplayName string                              `gorm:"column:display_name"`
	Metadata    datatypes.JSONType[ProductMetadata] `gorm:"column:metadata"`
	CreatedAt   time.Time                           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time                           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (ProductRecord) TableName() string { return "products" }

// EnvironmentRecord is a deployment tier. Rank 0 is the lowest tier.
type EnvironmentRecord struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace string    `gorm:"column:namespace;uniqueIndex:idx_env_ns_key,priority:1;default:default;not null"`
	EnvKey    string    `gorm:"column:env_key;uniqueIndex:idx_env_ns_key,priority:2;not null"`
	Rank      int       `gorm:"column:tier_rank;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (EnvironmentRecord) TableName() string { return "environments" }

// ComponentRecord is an addressable unit inside a product.
type ComponentRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace     string    `gorm:"column:namespace;uniqueIndex:idx_component_key,priority:1;default:default;not null"`
	ProductID     string    `gorm:"column:product_id;uniqueIndex:idx_component_key,priority:2;type:varchar(36);not null"`
	ComponentKey  string    `gorm:"column:component_key;uniqueIndex:idx_component_key,priority:3;not null"`
	ComponentType string    `gorm:"column:component_type;not null"`
	DisplayName   string    `gorm:"column:display_name"`
	Path          string    `gorm:"column:path"`
	IsActive      bool      `gorm:"column:is_active;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (ComponentRecord) TableName() string { return "components" }

// ComponentRevisionRecord is an immutable content snapshot of a component.
type ComponentRevisionRecord struct {
	ID              string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ComponentID     string    `gorm:"column:component_id;uniqueIndex:idx_revision_no,priority:1;type:varchar(36);not null"`
	RevisionNo      int       `gorm:"column:revision_no;uniqueIndex:idx_revision_no,priority:2;not null"`
	ContentHash     string    `gorm:"column:content_hash;not null"`
	LifecycleAction string    `gorm:"column:lifecycle_action;not null"`
	Source          string    `gorm:"column:source;not null"`
	SourceRef       string    `gorm:"column:source_ref"`
	ChangesetID     string    `gorm:"column:changeset_id;type:varchar(36);index"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ComponentRevisionRecord) TableName() string { return "component_revisions" }

// ChangesetRecord records one detection run applied to one product.
type ChangesetRecord struct {
	ID               string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace        string          `gorm:"column:namespace;default:default;not null"`
	ProductID        string          `gorm:"column:product_id;type:varchar(36);index;not null"`
	BumpLevel        string          `gorm:"column:bump_level;not null"`
	BumpSource       string          `gorm:"column:bump_source;not null"`
	RequiresMajorAck bool            `gorm:"column:requires_major_ack;not null"`
	BaseRef          string          `gorm:"column:base_ref"`
	HeadRef          string          `gorm:"column:head_ref"`
	BaseCommit       string          `gorm:"column:base_commit"`
	HeadCommit       string          `gorm:"column:head_commit"`
	Branch           string          `gorm:"column:branch"`
	Labels           JSONStringSlice `gorm:"column:labels;type:text"`
	Status           string          `gorm:"column:status;not null"`
	ReleaseID        string          `gorm:"column:release_id;type:varchar(36)"`
	AppliedVersion   string          `gorm:"column:applied_version"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (ChangesetRecord) TableName() string { return "changesets" }

// ChangesetItemRecord binds a component to its previous and next revision
// within one changeset.
type ChangesetItemRecord struct {
	ID                 string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ChangesetID        string    `gorm:"column:changeset_id;uniqueIndex:idx_changeset_item,priority:1;type:varchar(36);not null"`
	ComponentID        string    `gorm:"column:component_id;uniqueIndex:idx_changeset_item,priority:2;type:varchar(36);not null"`
	PreviousRevisionID string    `gorm:"column:previous_revision_id;type:varchar(36)"`
	NextRevisionID     string    `gorm:"column:next_revision_id;type:varchar(36)"`
	ChangeKind         string    `gorm:"column:change_kind;not null"`
	ContentHash        string    `gorm:"column:content_hash;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ChangesetItemRecord) TableName() string { return "changeset_items" }

// ReleaseMetadata is the structured metadata kept on a release.
type ReleaseMetadata struct {
	Origin          string `json:"origin"`
	BumpLevel       string `json:"bumpLevel,omitempty"`
	Override        bool   `json:"override,omitempty"`
	CreatedBy       string `json:"createdBy,omitempty"`
	PromotedFrom    string `json:"promotedFrom,omitempty"`
	PromotedBy      string `json:"promotedBy,omitempty"`
	SourceReleaseID string `json:"sourceReleaseId,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// ReleaseRecord is an immutable version of a product in one environment.
type ReleaseRecord struct {
	ID            string                              `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace     string                              `gorm:"column:namespace;uniqueIndex:idx_release_semver,priority:1;default:default;not null"`
	ProductID     string                              `gorm:"column:product_id;uniqueIndex:idx_release_semver,priority:2;type:varchar(36);not null"`
	EnvironmentID string                              `gorm:"column:environment_id;uniqueIndex:idx_release_semver,priority:3;type:varchar(36);not null"`
	SemverMajor   int                                 `gorm:"column:semver_major;uniqueIndex:idx_release_semver,priority:4;not null"`
	SemverMinor   int                                 `gorm:"column:semver_minor;uniqueIndex:idx_release_semver,priority:5;not null"`
	SemverPatch   int                                 `gorm:"column:semver_patch;uniqueIndex:idx_release_semver,priority:6;not null"`
	Status        string                              `gorm:"column:status;not null"`
	ChangesetID   string                              `gorm:"column:changeset_id;type:varchar(36)"`
	Metadata      datatypes.JSONType[ReleaseMetadata] `gorm:"column:metadata"`
	CreatedAt     time.Time                           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (ReleaseRecord) TableName() string { return "releases" }

// Version returns the release's semantic version.
func (r *ReleaseRecord) Version() semver.Version {
	return semver.Version{Major: r.SemverMajor, Minor: r.SemverMinor, Patch: r.SemverPatch}
}

// SetVersion sets the release's semantic version columns.
func (r *ReleaseRecord) SetVersion(v semver.Version) {
	r.SemverMajor, r.SemverMinor, r.SemverPatch = v.Major, v.Minor, v.Patch
}

// ReleaseComponentRecord is one entry of a release snapshot.
type ReleaseComponentRecord struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ReleaseID   string    `gorm:"column:release_id;uniqueIndex:idx_release_component,priority:1;type:varchar(36);not null"`
	ComponentID string    `gorm:"column:component_id;uniqueIndex:idx_release_component,priority:2;type:varchar(36);not null"`
	RevisionID  string    `gorm:"column:revision_id;type:varchar(36);not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ReleaseComponentRecord) TableName() string { return "release_components" }

// DeploymentRecord binds a release to a deployment outcome.
type DeploymentRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace     string    `gorm:"column:namespace;default:default;not null"`
	ReleaseID     string    `gorm:"column:release_id;type:varchar(36);index;not null"`
	EnvironmentID string    `gorm:"column:environment_id;type:varchar(36);not null"`
	DeploymentID  string    `gorm:"column:deployment_id;not null"`
	Status        string    `gorm:"column:status;not null"`
	LogsURL       string    `gorm:"column:logs_url"`
	Actor         string    `gorm:"column:actor"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (DeploymentRecord) TableName() string { return "deployments" }

// AuditEventRecord is an immutable audit log entry.
type AuditEventRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Namespace     string    `gorm:"column:namespace;index:idx_audit_ns_time,priority:1;default:default;not null"`
	CorrelationID string    `gorm:"column:correlation_id;index"`
	EventType     string    `gorm:"column:event_type;index;not null"`
	Actor         string    `gorm:"column:actor;not null"`
	ProductKey    string    `gorm:"column:product_key;index:idx_audit_product_time,priority:1"`
	Environment   string    `gorm:"column:environment"`
	Semver        string    `gorm:"column:semver"`
	Action        string    `gorm:"column:action"`
	OldValue      string    `gorm:"column:old_value"`
	NewValue      string    `gorm:"column:new_value"`
	Notes         string    `gorm:"column:notes"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime;index:idx_audit_ns_time,priority:2;index:idx_audit_product_time,priority:2"`
}

// TableName returns the GORM table name.
func (AuditEventRecord) TableName() string { return "audit_events" }

// SnapshotEntry is a resolved snapshot row.
type SnapshotEntry struct {
	ComponentID   string `json:"componentId"`
	ComponentKey  string `json:"componentKey"`
	ComponentType string `json:"componentType"`
	IsActive      bool   `json:"isActive"`
	RevisionID    string `json:"revisionId"`
	RevisionNo    int    `json:"revisionNo"`
	ContentHash   string `json:"contentHash"`
}
