package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"roam/internal/storage"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue health and sync bookkeeping",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, _, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			metadata, err := store.Metadata(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Queue")
			fmt.Fprintf(out, "  Pending:    %d\n", stats.Pending)
			fmt.Fprintf(out, "  Processing: %d\n", stats.Processing)
			fmt.Fprintf(out, "  Completed:  %d\n", stats.Completed)
			fmt.Fprintf(out, "  Failed:     %d\n", stats.Failed)
			fmt.Fprintf(out, "  Cancelled:  %d\n", stats.Cancelled)

			fmt.Fprintln(out, "History")
			fmt.Fprintf(out, "  Delivered:  %d of %d attempts\n", metadata.TotalSucceeded, metadata.TotalProcessed)
			if metadata.TotalProcessed > 0 {
				fmt.Fprintf(out, "  Avg time:   %.0f ms\n", metadata.AvgProcessingMs)
			}
			if metadata.LastProcessedAt != nil {
				fmt.Fprintf(out, "  Last item:  %s\n", metadata.LastProcessedAt.Local().Format(time.DateTime))
			}

			fmt.Fprintln(out, "Sync")
			fmt.Fprintf(out, "  Last pass:  %s\n", metaTime(cmd.Context(), db, "last_sync_at"))
			fmt.Fprintf(out, "  Next pass:  %s\n", metaTime(cmd.Context(), db, "next_sync_at"))
			return nil
		},
	}
}

func metaTime(ctx context.Context, db *storage.DB, key string) string {
	value, ok, err := db.GetMeta(ctx, key)
	if err != nil || !ok {
		return "never"
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return value
	}
	return parsed.Local().Format(time.DateTime)
}
