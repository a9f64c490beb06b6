package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kubeflow/component-release/pkg/release/apply"
	"github.com/kubeflow/component-release/pkg/release/changeset"
	"github.com/kubeflow/component-release/pkg/release/store"
)

func newApplyCmd(a *app) *cobra.Command {
	var (
		inPath          string
		env             string
		baselineVersion string
		createRelease   bool
		releaseStatus   string
		products        []string
		override        string
		notes           string
		actor           string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a changeset payload: revisions, release and snapshot",
		Long: `Apply reads a changeset payload written by detect and, per product,
upserts components, creates revisions for changed content and, when the bump
warrants it, creates the next release in the environment with a full snapshot.

A failure in one product does not stop the others; the command exits non-zero
if any product failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			payload, err := changeset.Read(inPath)
			if err != nil {
				return err
			}
			if len(products) > 0 {
				// Filter keys must name mapped products; a mapped product
				// absent from the payload had no changes and is skipped.
				cmap, err := a.loadComponentMap()
				if err != nil {
					return err
				}
				if _, err := cmap.Select(products); err != nil {
					return err
				}
			}
			if env == "" {
				env = a.cfg.LowestEnvironment()
			}
			if baselineVersion == "" {
				baselineVersion = a.cfg.BaselineVersion
			}

			st, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			results, applyErr := apply.New(st, a.logger).Apply(ctx, payload, apply.Options{
				Environment:     env,
				BaselineVersion: baselineVersion,
				CreateRelease:   createRelease,
				ReleaseStatus:   releaseStatus,
				Products:        products,
				OverrideSemver:  override,
				Notes:           notes,
				Actor:           actorOrDefault(actor),
			})
			if err := a.render(results, func(w io.Writer) {
				for _, r := range results {
					fmt.Fprintln(w, r.Summary())
				}
			}); err != nil {
				return err
			}
			return applyErr
		},
	}

	cmd.Flags().StringVar(&inPath, "in", ".release/changeset.json", "Changeset payload to apply")
	cmd.Flags().StringVar(&env, "env", "", "Target environment (default: lowest configured tier)")
	cmd.Flags().StringVar(&baselineVersion, "baseline-version", "", "Version of the first release (default from config)")
	cmd.Flags().BoolVar(&createRelease, "create-release", true, "Create a release when the bump warrants one")
	cmd.Flags().StringVar(&releaseStatus, "release-status", store.ReleaseValidated, "Status of created releases: validated or deployed")
	cmd.Flags().StringSliceVar(&products, "products", nil, "Limit apply to these product keys")
	cmd.Flags().StringVar(&override, "override-semver", "", "Explicit version for the new release; must exceed the current one")
	cmd.Flags().StringVar(&notes, "notes", "", "Release notes")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded on the run (default: $USER)")

	return cmd
}
