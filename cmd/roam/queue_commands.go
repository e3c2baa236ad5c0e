package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"roam/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued operations",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueueRemoveCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			var statuses []queue.Status
			if trimmed := strings.TrimSpace(statusFlag); trimmed != "" {
				status, ok := queue.ParseStatus(trimmed)
				if !ok {
					return fmt.Errorf("unknown status %q", trimmed)
				}
				statuses = append(statuses, status)
			}

			items, err := store.List(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}

			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{
					shortID(item.ID),
					item.Action,
					item.Endpoint,
					string(item.Priority),
					string(item.Status),
					fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries),
					item.CreatedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Fprintln(out, renderTable(out,
				[]string{"ID", "Action", "Endpoint", "Priority", "Status", "Retries", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Only show items with this status")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queued operation in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			item, err := store.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if item == nil {
				return fmt.Errorf("no queue item with id %s", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:         %s\n", item.ID)
			fmt.Fprintf(out, "Action:     %s\n", item.Action)
			fmt.Fprintf(out, "Request:    %s %s\n", item.Method, item.Endpoint)
			fmt.Fprintf(out, "Priority:   %s\n", item.Priority)
			fmt.Fprintf(out, "Status:     %s\n", item.Status)
			fmt.Fprintf(out, "Retries:    %d/%d\n", item.RetryCount, item.MaxRetries)
			fmt.Fprintf(out, "Timeout:    %s\n", item.Timeout)
			fmt.Fprintf(out, "Created:    %s\n", item.CreatedAt.Local().Format(time.DateTime))
			fmt.Fprintf(out, "Updated:    %s\n", item.UpdatedAt.Local().Format(time.DateTime))
			if len(item.DependsOn) > 0 {
				fmt.Fprintf(out, "Depends on: %s\n", strings.Join(item.DependsOn, ", "))
			}
			if item.LastError != "" {
				fmt.Fprintf(out, "Last error: %s\n", item.LastError)
			}
			if len(item.Body) > 0 {
				fmt.Fprintf(out, "Body:       %s\n", item.Body)
			}
			return nil
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Reset failed operations to pending",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			out := cmd.OutOrStdout()
			if all {
				count, err := store.RetryAllFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Reset %d failed operations\n", count)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("provide an id or --all")
			}
			if err := store.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Operation %s reset to pending\n", shortID(args[0]))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Retry every failed operation")
	return cmd
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an operation and everything depending on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			count, err := store.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d operation(s)\n", count)
			return nil
		},
	}
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete one operation from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed operation %s\n", shortID(args[0]))
			return nil
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every operation from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			_, store, _, closer, err := ctx.stores()
			if err != nil {
				return err
			}
			defer closer()

			count, err := store.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d operation(s)\n", count)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&confirmed, "yes", "y", false, "Confirm clearing the queue")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
