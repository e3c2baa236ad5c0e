package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"roam/internal/logging"
	"roam/internal/netmon"
	"roam/internal/sync"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			lock := flock.New(cfg.LockPath())
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return errors.New("another roam instance is already running")
			}
			defer func() { _ = lock.Unlock() }()

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			db, queueStore, cacheStore, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			monitor := netmon.NewProbeMonitor(cfg, logger)
			engine, err := sync.New(sync.Options{
				Config:  cfg,
				Logger:  logger,
				DB:      db,
				Queue:   queueStore,
				Cache:   cacheStore,
				Monitor: monitor,
			})
			if err != nil {
				return err
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := engine.Start(runCtx); err != nil {
				return err
			}
			defer engine.Stop()
			defer monitor.Stop()

			fmt.Fprintln(cmd.OutOrStdout(), "roam engine running; press Ctrl-C to stop")
			<-runCtx.Done()
			return nil
		},
	}
}
