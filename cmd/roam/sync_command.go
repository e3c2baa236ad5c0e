package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"roam/internal/logging"
	"roam/internal/netmon"
	"roam/internal/sync"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			db, queueStore, cacheStore, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			// One-shot invocations skip the probe loop; an unreachable
			// backend surfaces as per-item and per-domain failures.
			engine, err := sync.New(sync.Options{
				Config:  cfg,
				Logger:  logging.NewNop(),
				DB:      db,
				Queue:   queueStore,
				Cache:   cacheStore,
				Monitor: netmon.NewManualMonitor(true),
			})
			if err != nil {
				return err
			}

			result, err := engine.SyncAll(cmd.Context(), force)
			if errors.Is(err, sync.ErrOffline) {
				fmt.Fprintln(cmd.OutOrStdout(), "Offline; queued operations preserved")
				return nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queue: %d processed, %d succeeded, %d failed, %d deferred\n",
				result.Processed, result.Succeeded, result.Failed, result.Deferred)
			if len(result.RefreshedDomains) > 0 {
				fmt.Fprintf(out, "Refreshed domains: %s\n", strings.Join(result.RefreshedDomains, ", "))
			}
			for _, domainErr := range result.DomainErrors {
				fmt.Fprintf(out, "Domain %s failed: %s (retryable: %s)\n",
					domainErr.Domain, domainErr.Message, yesNo(domainErr.Retryable))
			}
			if result.ReclaimedCompleted > 0 || result.ReclaimedFailed > 0 {
				fmt.Fprintf(out, "Reclaimed %d completed and %d expired failed items\n",
					result.ReclaimedCompleted, result.ReclaimedFailed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Refresh every domain even if its cache is still fresh")
	return cmd
}
