package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCmd(a *app) *cobra.Command {
	var (
		product       string
		limit         int
		retentionDays int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit events or prune old ones",
		Long: `List promotion, deployment and bootstrap audit events, newest first.
With --prune-days, delete events older than that many days instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			st, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			if retentionDays > 0 {
				cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
				deleted, err := st.DeleteAuditOlderThan(ctx, cutoff)
				if err != nil {
					return err
				}
				a.logger.Info("audit retention cleanup completed",
					"deleted", deleted,
					"cutoff", cutoff.Format(time.RFC3339))
				fmt.Fprintf(a.out, "deleted %d audit events older than %s\n", deleted, cutoff.Format(time.RFC3339))
				return nil
			}

			events, err := st.ListAudit(ctx, product, limit)
			if err != nil {
				return err
			}
			return a.render(events, func(w io.Writer) {
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{
						e.CreatedAt.UTC().Format(time.RFC3339),
						e.EventType,
						e.Actor,
						e.ProductKey,
						e.Environment,
						e.Semver,
						truncate(e.NewValue, 30),
					})
				}
				printTable(w, []string{"time", "event", "actor", "product", "environment", "semver", "value"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&product, "product", "", "Limit to one product")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum events to list (at most 100)")
	cmd.Flags().IntVar(&retentionDays, "prune-days", 0, "Delete events older than this many days")
	return cmd
}
