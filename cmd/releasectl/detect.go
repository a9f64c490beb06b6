package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubeflow/component-release/pkg/release/changeset"
	"github.com/kubeflow/component-release/pkg/release/classify"
	"github.com/kubeflow/component-release/pkg/release/vcs"
)

func newDetectCmd(a *app) *cobra.Command {
	var (
		baseRef        string
		headRef        string
		outPath        string
		products       []string
		labels         []string
		strictUnmapped bool
		strictMajorAck bool
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Classify the changes between two refs and write a changeset payload",
		Long: `Diff base against head, map every changed file to its product components,
compute a bump level per product and write the changeset payload.

No payload is written when a safety gate fails: changed files that no component
owns, or a contract change without a breaking-change commit or the
` + classify.MajorAckLabel + ` label.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			cmap, err := a.loadComponentMap()
			if err != nil {
				return err
			}
			src, err := vcs.OpenGitSource(a.cfg.RepoRoot)
			if err != nil {
				return err
			}

			baseCommit, err := src.ResolveCommit(ctx, baseRef)
			if err != nil {
				return err
			}
			headCommit, err := src.ResolveCommit(ctx, headRef)
			if err != nil {
				return err
			}
			branch, err := src.CurrentBranch(ctx)
			if err != nil {
				return err
			}
			changes, err := src.Diff(ctx, baseRef, headRef)
			if err != nil {
				return err
			}
			messages, err := src.CommitMessages(ctx, baseRef, headRef)
			if err != nil {
				return err
			}
			a.logger.Debug("collected diff", "base", baseCommit, "head", headCommit, "files", len(changes), "commits", len(messages))

			result, err := classify.New(cmap, a.cfg.RepoRoot, a.logger).Classify(ctx, classify.Input{
				Changes:        changes,
				CommitMessages: messages,
				Labels:         labels,
			}, classify.Options{
				Products:       products,
				StrictUnmapped: strictUnmapped,
				StrictMajorAck: strictMajorAck,
			})
			if err != nil {
				var gateErr *classify.GateError
				if errors.As(err, &gateErr) {
					printGate(a.errOut, gateErr)
				}
				return err
			}

			payload := result.Payload(changeset.Payload{
				GeneratedAt: time.Now().UTC(),
				BaseRef:     baseRef,
				HeadRef:     headRef,
				BaseCommit:  baseCommit,
				HeadCommit:  headCommit,
				Branch:      branch,
				Labels:      labels,
			})
			if err := changeset.Write(outPath, payload); err != nil {
				return err
			}
			a.logger.Info("wrote changeset", "path", outPath, "products", len(payload.Products))

			return a.render(payload, func(w io.Writer) {
				rows := make([][]string, 0, len(payload.Products))
				for _, p := range payload.Products {
					rows = append(rows, []string{
						p.ProductKey,
						string(p.BumpLevel),
						string(p.BumpSource),
						strconv.FormatBool(p.RequiresMajorAck),
						strconv.Itoa(len(p.ChangedFiles)),
						strconv.Itoa(len(p.Components)),
					})
				}
				printTable(w, []string{"product", "bump", "source", "major-ack", "files", "components"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&baseRef, "base", "", "Base git ref (required)")
	cmd.Flags().StringVar(&headRef, "head", "HEAD", "Head git ref")
	cmd.Flags().StringVar(&outPath, "out", ".release/changeset.json", "Changeset payload output path")
	cmd.Flags().StringSliceVar(&products, "products", nil, "Limit detection to these product keys")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "Pull request labels, e.g. semver:minor (repeatable)")
	cmd.Flags().BoolVar(&strictUnmapped, "strict-unmapped", true, "Fail when a changed file has no owning component")
	cmd.Flags().BoolVar(&strictMajorAck, "strict-major-ack", true, "Fail on unacknowledged contract changes")
	_ = cmd.MarkFlagRequired("base")

	return cmd
}

func printGate(w io.Writer, gateErr *classify.GateError) {
	for _, path := range gateErr.UnmappedFiles {
		fmt.Fprintf(w, "unmapped file: %s\n", path)
	}
	for _, product := range gateErr.MissingMajorAck {
		fmt.Fprintf(w, "major bump needs acknowledgment (%s label): %s\n", classify.MajorAckLabel, product)
	}
}
