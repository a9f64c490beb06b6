package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kubeflow/component-release/pkg/release/componentmap"
	"github.com/kubeflow/component-release/pkg/release/config"
	"github.com/kubeflow/component-release/pkg/release/store"
)

var version = "dev"

// app carries the state shared by every subcommand.
type app struct {
	configFile string
	outputFmt  string
	verbose    bool
	debugSQL   bool

	loader *config.Loader
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{loader: config.NewLoader()}

	rootCmd := &cobra.Command{
		Use:   "releasectl",
		Short: "Component versioning and release orchestration",
		Long: `releasectl classifies repository changes into per-product version bumps,
applies them as immutable component revisions and releases with full
snapshots, and records promotions and deployments across environment tiers.

Typical flow:
  releasectl bootstrap                       # once per product
  releasectl detect --base origin/main       # writes the changeset payload
  releasectl apply --env dev                 # creates revisions and a release
  releasectl promote --product app --from dev --to staging --semver 0.3.3`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Path to a YAML config file")
	pf.StringVarP(&a.outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&a.debugSQL, "debug-sql", false, "Trace SQL statements to stderr")
	pf.String("db-type", "", "Database type: sqlite, postgres, mysql (default from config)")
	pf.String("db-dsn", "", "Database DSN (default from config)")
	pf.StringP("namespace", "n", "", "Tenant namespace (default from config)")
	pf.String("repo-root", "", "Repository root (default from config)")
	pf.String("component-map", "", "Component map file (default from config)")
	pf.String("registry", "", "Local artifact registry file (default from config)")

	v := a.loader.Viper()
	for key, name := range map[string]string{
		"database.type": "db-type",
		"database.dsn":  "db-dsn",
		"namespace":     "namespace",
		"repoRoot":      "repo-root",
		"componentMap":  "component-map",
		"registryPath":  "registry",
	} {
		_ = v.BindPFlag(key, pf.Lookup(name))
	}

	rootCmd.AddCommand(newDetectCmd(a))
	rootCmd.AddCommand(newApplyCmd(a))
	rootCmd.AddCommand(newBootstrapCmd(a))
	rootCmd.AddCommand(newPromoteCmd(a))
	rootCmd.AddCommand(newRecordDeploymentCmd(a))
	rootCmd.AddCommand(newArchiveArtifactCmd(a))
	rootCmd.AddCommand(newReleasesCmd(a))
	rootCmd.AddCommand(newSnapshotCmd(a))
	rootCmd.AddCommand(newAuditCmd(a))

	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	switch a.outputFmt {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q (use table, json, or yaml)", a.outputFmt)
	}

	cfg, err := a.loader.Load(a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	a.logger = newLogger(a.errOut, a.verbose)
	slog.SetDefault(a.logger)
	return nil
}

// openStore connects to the configured database and migrates the schema.
// The returned function closes the connection.
func (a *app) openStore() (*store.Store, func(), error) {
	gl := gormlogger.Default.LogMode(gormlogger.Silent)
	if a.debugSQL {
		_ = flag.Set("logtostderr", "true")
		gl = newSQLTraceLogger(200 * time.Millisecond)
	}

	dsn := a.cfg.Database.DSN
	if a.cfg.Database.Type == store.TypeSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := store.Open(a.cfg.Database.Type, dsn, gl)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	st := store.New(db, a.cfg.Namespace)
	if err := st.Migrate(context.Background()); err != nil {
		closeFn()
		return nil, nil, err
	}
	a.logger.Debug("connected to database", "type", a.cfg.Database.Type, "namespace", st.Namespace())
	return st, closeFn, nil
}

func (a *app) loadComponentMap() (*componentmap.Map, error) {
	path := a.cfg.ComponentMap
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.cfg.RepoRoot, path)
	}
	return componentmap.Load(path)
}

// actorOrDefault falls back to the invoking user.
func actorOrDefault(actor string) string {
	if actor != "" {
		return actor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "releasectl"
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// newLogger returns a slog logger writing human-readable lines to w.
// Verbose mode lowers the level to debug and adds timestamps.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
		Level:           level,
		ReportTimestamp: verbose,
	}))
}
