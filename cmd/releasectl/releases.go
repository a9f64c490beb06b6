package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/store"
)

type releaseView struct {
	ID          string `json:"id"`
	Semver      string `json:"semver"`
	Environment string `json:"environment"`
	Status      string `json:"status"`
	Origin      string `json:"origin"`
	ChangesetID string `json:"changesetId,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type snapshotView struct {
	Release    string                `json:"release"`
	Components []store.SnapshotEntry `json:"components"`
}

func newReleasesCmd(a *app) *cobra.Command {
	var product, env string

	cmd := &cobra.Command{
		Use:   "releases",
		Short: "List the releases of a product, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			st, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			p, err := st.GetProduct(ctx, product)
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("unknown product %q", product)
			}
			envs, err := st.ListEnvironments(ctx)
			if err != nil {
				return err
			}
			envNames := make(map[string]string, len(envs))
			envID := ""
			for _, e := range envs {
				envNames[e.ID] = e.EnvKey
				if e.EnvKey == env {
					envID = e.ID
				}
			}
			if env != "" && envID == "" {
				return fmt.Errorf("environment %q is not registered", env)
			}

			records, err := st.ListReleases(ctx, p.ID, envID)
			if err != nil {
				return err
			}
			views := make([]releaseView, 0, len(records))
			for _, r := range records {
				views = append(views, releaseView{
					ID:          r.ID,
					Semver:      r.Version().String(),
					Environment: envNames[r.EnvironmentID],
					Status:      r.Status,
					Origin:      r.Metadata.Data().Origin,
					ChangesetID: r.ChangesetID,
					CreatedAt:   r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
				})
			}
			return a.render(views, func(w io.Writer) {
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{v.Semver, v.Environment, v.Status, v.Origin, v.CreatedAt})
				}
				printTable(w, []string{"semver", "environment", "status", "origin", "created"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&product, "product", "", "Product key (required)")
	cmd.Flags().StringVar(&env, "env", "", "Limit to one environment")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func newSnapshotCmd(a *app) *cobra.Command {
	var product, env, version string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show which revision of every component a release contains",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			v, err := semver.Parse(version)
			if err != nil {
				return fmt.Errorf("invalid semver: %w", err)
			}
			st, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			p, err := st.GetProduct(ctx, product)
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("unknown product %q", product)
			}
			e, err := st.GetEnvironment(ctx, env)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("environment %q is not registered", env)
			}
			rel, err := st.FindRelease(ctx, p.ID, e.ID, v)
			if err != nil {
				return err
			}
			if rel == nil {
				return fmt.Errorf("no release %s@%s in %s", product, v, env)
			}
			entries, err := st.ReleaseSnapshot(ctx, rel.ID)
			if err != nil {
				return err
			}

			view := snapshotView{Release: fmt.Sprintf("%s@%s", product, v), Components: entries}
			return a.render(view, func(w io.Writer) {
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.ComponentKey,
						e.ComponentType,
						strconv.Itoa(e.RevisionNo),
						truncate(e.ContentHash, 15),
					})
				}
				printTable(w, []string{"component", "type", "revision", "hash"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&product, "product", "", "Product key (required)")
	cmd.Flags().StringVar(&env, "env", "", "Environment (required)")
	cmd.Flags().StringVar(&version, "semver", "", "Release version (required)")
	for _, name := range []string{"product", "env", "semver"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
