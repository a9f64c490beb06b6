// Package config loads releasectl settings from defaults, an optional YAML
// file and RELEASE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/store"
)

// Environment variable prefix for release configuration.
const envPrefix = "RELEASE"

// Default values.
const (
	DefaultDatabaseType    = store.TypeSQLite
	DefaultDatabaseDSN     = ".release/release.db"
	DefaultBaselineVersion = "0.1.0"
	DefaultComponentMap    = "release/component-map.yaml"
	DefaultRegistryPath    = ".release/artifacts/registry.json"
)

// maxNamespaceLen is the maximum namespace length (DNS label).
const maxNamespaceLen = 63

// namespaceRe matches lowercase alphanumerics and hyphens that start and end
// with an alphanumeric character.
var namespaceRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// DefaultEnvironments are the environment tiers, lowest first.
var DefaultEnvironments = []string{"dev", "staging", "prod"}

// Database selects the relational backend.
type Database struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// Config is the resolved configuration.
type Config struct {
	Database        Database `mapstructure:"database"`
	Namespace       string   `mapstructure:"namespace"`
	Environments    []string `mapstructure:"environments"`
	BaselineVersion string   `mapstructure:"baselineVersion"`
	ComponentMap    string   `mapstructure:"componentMap"`
	RepoRoot        string   `mapstructure:"repoRoot"`
	RegistryPath    string   `mapstructure:"registryPath"`
}

// Loader handles loading and merging configuration from multiple sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and environment bindings.
func NewLoader() *Loader {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.type", DefaultDatabaseType)
	v.SetDefault("database.dsn", DefaultDatabaseDSN)
	v.SetDefault("namespace", store.DefaultNamespace)
	v.SetDefault("environments", DefaultEnvironments)
	v.SetDefault("baselineVersion", DefaultBaselineVersion)
	v.SetDefault("componentMap", DefaultComponentMap)
	v.SetDefault("repoRoot", ".")
	v.SetDefault("registryPath", DefaultRegistryPath)

	return &Loader{v: v}
}

// Viper exposes the underlying instance so CLI flags can be bound to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads configFile if given (a missing file is not an error) and
// returns the validated configuration. Environment variables take
// precedence over file values.
func (l *Loader) Load(configFile string) (*Config, error) {
	if configFile != "" {
		l.v.SetConfigFile(configFile)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that would fail later.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case store.TypeSQLite, store.TypePostgres, store.TypeMySQL:
	default:
		errs = append(errs, fmt.Errorf("database.type must be one of %s, %s, %s (got %q)",
			store.TypeSQLite, store.TypePostgres, store.TypeMySQL, c.Database.Type))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if err := validateNamespace(c.Namespace); err != nil {
		errs = append(errs, err)
	}
	if len(c.Environments) == 0 {
		errs = append(errs, errors.New("at least one environment is required"))
	}
	for i, env := range c.Environments {
		if env == "" {
			errs = append(errs, fmt.Errorf("environments[%d] is empty", i))
		} else if slices.Index(c.Environments, env) != i {
			errs = append(errs, fmt.Errorf("environment %q is listed twice", env))
		}
	}
	if _, err := semver.Parse(c.BaselineVersion); err != nil {
		errs = append(errs, fmt.Errorf("baselineVersion: %w", err))
	}
	return errors.Join(errs...)
}

func validateNamespace(ns string) error {
	if len(ns) > maxNamespaceLen {
		return fmt.Errorf("namespace %q exceeds maximum length of %d characters", ns, maxNamespaceLen)
	}
	if !namespaceRe.MatchString(ns) {
		return fmt.Errorf("namespace %q is invalid: must consist of lowercase alphanumeric characters or hyphens, and must start and end with an alphanumeric character", ns)
	}
	return nil
}

// LowestEnvironment returns the first (lowest) tier.
func (c *Config) LowestEnvironment() string {
	if len(c.Environments) == 0 {
		return ""
	}
	return c.Environments[0]
}
