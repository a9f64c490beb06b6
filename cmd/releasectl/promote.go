package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kubeflow/component-release/pkg/release/promotion"
)

func newPromoteCmd(a *app) *cobra.Command {
	var req promotion.PromoteRequest

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Copy a release and its snapshot to another environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			req.Actor = actorOrDefault(req.Actor)
			res, err := promotion.New(st, a.logger).Promote(commandContext(cmd), req)
			if err != nil {
				return err
			}
			return a.render(res, func(w io.Writer) {
				if res.Created {
					fmt.Fprintf(w, "promoted %s %s from %s to %s (release %s)\n", res.Product, res.Semver, res.FromEnv, res.ToEnv, res.ReleaseID)
					return
				}
				fmt.Fprintf(w, "%s %s already present in %s (release %s)\n", res.Product, res.Semver, res.ToEnv, res.ReleaseID)
			})
		},
	}

	cmd.Flags().StringVar(&req.Product, "product", "", "Product key (required)")
	cmd.Flags().StringVar(&req.FromEnv, "from", "", "Source environment (required)")
	cmd.Flags().StringVar(&req.ToEnv, "to", "", "Target environment (required)")
	cmd.Flags().StringVar(&req.Semver, "semver", "", "Release version to promote (required)")
	cmd.Flags().StringVar(&req.Actor, "actor", "", "Actor recorded in the audit log (default: $USER)")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "Promotion notes")
	for _, name := range []string{"product", "from", "to", "semver"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newRecordDeploymentCmd(a *app) *cobra.Command {
	var req promotion.DeploymentRequest

	cmd := &cobra.Command{
		Use:   "record-deployment",
		Short: "Record a deployment outcome against a release",
		Long: `Record the outcome of deploying a release to an environment. A successful
deployment marks the release deployed. Deployments are not tracked for the
lowest environment tier.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			req.Actor = actorOrDefault(req.Actor)
			res, err := promotion.New(st, a.logger).RecordDeployment(commandContext(cmd), req)
			if err != nil {
				return err
			}
			return a.render(res, func(w io.Writer) {
				fmt.Fprintf(w, "recorded deployment %s (%s) for %s %s in %s; release is %s\n",
					res.DeploymentID, res.Status, req.Product, req.Semver, req.Environment, res.ReleaseStatus)
			})
		},
	}

	cmd.Flags().StringVar(&req.Product, "product", "", "Product key (required)")
	cmd.Flags().StringVar(&req.Environment, "env", "", "Environment (required)")
	cmd.Flags().StringVar(&req.Semver, "semver", "", "Release version (required)")
	cmd.Flags().StringVar(&req.DeploymentID, "deployment-id", "", "External deployment identifier (required)")
	cmd.Flags().StringVar(&req.Status, "status", promotion.StatusSuccess, "Deployment status: success, failed, in_progress")
	cmd.Flags().StringVar(&req.LogsURL, "logs-url", "", "Link to deployment logs")
	cmd.Flags().StringVar(&req.Actor, "actor", "", "Actor recorded in the audit log (default: $USER)")
	for _, name := range []string{"product", "env", "semver", "deployment-id"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}
