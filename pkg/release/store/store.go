// Package store is the relational persistence layer for products,
// components, revisions, changesets, releases and deployments.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by operations that require an existing row.
var ErrNotFound = errors.New("not found")

// ErrSemverRegression is returned when a release would not move its
// product/environment lineage forward.
var ErrSemverRegression = errors.New("semver regression")

// Supported database types.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

// Open connects to the database of the given type.
func Open(dbType, dsn string, gormLogger logger.Interface) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	var dialector gorm.Dialector
	switch dbType {
	case TypeSQLite, "":
		dialector = sqlite.Open(dsn)
	case TypePostgres:
		dialector = postgres.Open(dsn)
	case TypeMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected sqlite, postgres, or mysql)", dbType)
	}
	if gormLogger == nil {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dbType, err)
	}
	if dbType == TypeSQLite || dbType == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		// A single writer keeps in-memory databases on one connection.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store provides the persistence operations of one namespace.
type Store struct {
	db        *gorm.DB
	namespace string
}

// New creates a Store scoped to namespace.
func New(db *gorm.DB, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{db: db, namespace: namespace}
}

// Namespace returns the tenant the store is scoped to.
func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) with(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transaction runs fn with a Store bound to a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, namespace: s.namespace})
	})
}

// AutoMigrate creates or updates every table.
func (s *Store) AutoMigrate() error {
	models := []struct {
		table string
		model any
	}{
		{"products", &ProductRecord{}},
		{"environments", &EnvironmentRecord{}},
		{"components", &ComponentRecord{}},
		{"component_revisions", &ComponentRevisionRecord{}},
		{"changesets", &ChangesetRecord{}},
		{"changeset_items", &ChangesetItemRecord{}},
		{"releases", &ReleaseRecord{}},
		{"release_components", &ReleaseComponentRecord{}},
		{"deployments", &DeploymentRecord{}},
		{"audit_events", &AuditEventRecord{}},
	}
	for _, m := range models {
		if err := s.db.AutoMigrate(m.model); err != nil {
			return fmt.Errorf("auto-migrate %s: %w", m.table, err)
		}
	}
	return nil
}
