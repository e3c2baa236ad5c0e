package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage cached domain data",
	}

	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCacheRemoveCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))

	return cacheCmd
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			keys, err := store.Keys(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "Cache is empty")
				return nil
			}

			now := time.Now().UTC()
			rows := make([][]string, 0, len(keys))
			for _, key := range keys {
				item, err := store.GetItem(cmd.Context(), key)
				if err != nil {
					return err
				}
				if item == nil {
					// Expired between Keys and GetItem; the read evicted it.
					continue
				}
				expiry := "never"
				if item.ExpiresAt != nil {
					remaining := item.ExpiresAt.Sub(now).Round(time.Second)
					expiry = fmt.Sprintf("%s (%s)", item.ExpiresAt.Local().Format(time.DateTime), remaining)
				}
				rows = append(rows, []string{
					item.Key,
					fmt.Sprintf("%d", item.Version),
					fmt.Sprintf("%d B", len(item.Payload)),
					item.CachedAt.Local().Format(time.DateTime),
					expiry,
				})
			}
			fmt.Fprintln(out, renderTable(out,
				[]string{"Key", "Version", "Size", "Cached", "Expires"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newCacheRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove one cached domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed cached domain %s\n", args[0])
			return nil
		},
	}
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to clear the cache without --yes")
			}
			_, _, store, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			count, err := store.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached domain(s)\n", count)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&confirmed, "yes", "y", false, "Confirm clearing the cache")
	return cmd
}
