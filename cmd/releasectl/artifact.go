package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubeflow/component-release/pkg/release/artifacts"
)

func newArchiveArtifactCmd(a *app) *cobra.Command {
	var (
		action    string
		product   string
		version   string
		commit    string
		sourceDir string
		env       string
		status    string
		notes     string
	)

	cmd := &cobra.Command{
		Use:   "archive-artifact",
		Short: "Archive a bundle or mark its status in the local artifact registry",
		Long: `Maintain the local artifact registry, a JSON file independent of the
database. --action archive bundles --source-dir as tar+zstd; --action mark sets
the status of a record in an environment; --action list prints the records.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			registry := artifacts.NewRegistry(a.cfg.RegistryPath)

			var (
				rec *artifacts.Record
				err error
			)
			switch action {
			case "archive":
				rec, err = registry.Archive(artifacts.ArchiveRequest{
					Product:   product,
					Semver:    version,
					Commit:    commit,
					SourceDir: sourceDir,
				})
			case "mark":
				rec, err = registry.Mark(artifacts.MarkRequest{
					Product:     product,
					Semver:      version,
					Commit:      commit,
					Environment: env,
					Status:      status,
					Notes:       notes,
				})
			case "list":
				records, err := registry.List(product)
				if err != nil {
					return err
				}
				return a.render(records, func(w io.Writer) {
					rows := make([][]string, 0, len(records))
					for _, r := range records {
						rows = append(rows, []string{r.Key, strconv.Itoa(r.FileCount), envSummary(r)})
					}
					printTable(w, []string{"key", "files", "environments"}, rows)
				})
			default:
				return fmt.Errorf("unknown action %q (expected archive, mark, or list)", action)
			}
			if err != nil {
				return err
			}
			a.logger.Info("updated artifact registry", "action", action, "key", rec.Key, "path", registry.Path())
			return a.render(rec, func(w io.Writer) {
				printTable(w, []string{"key", "bundle", "files", "environments"}, [][]string{{
					rec.Key, truncate(rec.BundlePath, 60), strconv.Itoa(rec.FileCount), envSummary(*rec),
				}})
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "archive", "Action: archive, mark, list")
	cmd.Flags().StringVar(&product, "product", "", "Product key")
	cmd.Flags().StringVar(&version, "semver", "", "Release version")
	cmd.Flags().StringVar(&commit, "commit", "", "Source commit")
	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "Directory to bundle (archive)")
	cmd.Flags().StringVar(&env, "env", "", "Environment (mark)")
	cmd.Flags().StringVar(&status, "status", "", "Environment status (mark)")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes (mark)")

	return cmd
}

func envSummary(r artifacts.Record) string {
	if len(r.Environments) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(r.Environments))
	for k := range r.Environments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+r.Environments[k].Status)
	}
	return strings.Join(parts, ",")
}
