package main

import (
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kubeflow/component-release/pkg/release/baseline"
)

func newBootstrapCmd(a *app) *cobra.Command {
	var (
		baselineVersion string
		environments    []string
		products        []string
		actor           string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Record the current tree as revision 1 of every component",
		Long: `Bootstrap hashes the full current inventory of each product and records
revision 1 for every component. Products that were already bootstrapped are
skipped, so the command is safe to re-run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			cmap, err := a.loadComponentMap()
			if err != nil {
				return err
			}
			if baselineVersion == "" {
				baselineVersion = a.cfg.BaselineVersion
			}
			if len(environments) == 0 {
				environments = a.cfg.Environments
			}

			st, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			summaries, err := baseline.New(st, cmap, a.cfg.RepoRoot, a.logger).Run(ctx, baseline.Options{
				Products:        products,
				BaselineVersion: baselineVersion,
				Environments:    environments,
				Actor:           actorOrDefault(actor),
			})
			if err != nil {
				return err
			}
			return a.render(summaries, func(w io.Writer) {
				rows := make([][]string, 0, len(summaries))
				for _, s := range summaries {
					rows = append(rows, []string{
						s.ProductKey,
						s.BaselineVersion,
						strconv.Itoa(s.Components),
						strconv.Itoa(s.RevisionsCreated),
						strconv.FormatBool(s.Skipped),
					})
				}
				printTable(w, []string{"product", "baseline", "components", "revisions", "skipped"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&baselineVersion, "baseline-version", "", "Baseline version recorded on the product (default from config)")
	cmd.Flags().StringSliceVar(&environments, "environments", nil, "Environment tiers, lowest first (default from config)")
	cmd.Flags().StringSliceVar(&products, "products", nil, "Limit bootstrap to these product keys")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded in the audit log (default: $USER)")

	return cmd
}
