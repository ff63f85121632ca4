package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/schema"
)

func newDLQCmd() *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead letter queue operations"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				letters, err := e.manager().ListDLQ(ctx, limit)
				if err != nil {
					return err
				}
				printDeadLetters(cmd.OutOrStdout(), letters)
				return nil
			})
		},
	}
	listCmd.Flags().IntP("limit", "l", 100, "maximum number of entries")

	retryCmd := &cobra.Command{
		Use:   "retry <taskId>",
		Short: "Move a dead letter back to the task stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				if err := e.manager().RetryFromDLQ(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried task %s\n", args[0])
				return nil
			})
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters older than an age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hours, _ := cmd.Flags().GetFloat64("age-hours")
			if hours <= 0 {
				return errors.Validation("age-hours", "age must be positive")
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				n, err := e.manager().PurgeDLQ(ctx, time.Duration(hours*float64(time.Hour)))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d entries from DLQ\n", n)
				return nil
			})
		},
	}
	purgeCmd.Flags().Float64("age-hours", 24, "delete entries older than this many hours")

	dlqCmd.AddCommand(listCmd, retryCmd, purgeCmd)
	return dlqCmd
}

func printDeadLetters(w io.Writer, letters []schema.DeadLetter) {
	if len(letters) == 0 {
		fmt.Fprintln(w, "DLQ is empty.")
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-22s %-36s %-8s %5s  %s\n", "Stream ID", "Task ID", "Type", "Tries", "Error")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 100))
	for _, dl := range letters {
		fmt.Fprintf(w, "  %-22s %-36s %-8s %5d  %s\n",
			dl.EntryID, dl.Task.ID, dl.Task.Type, dl.Task.RetryCount, dl.Failure.Result.Error)
	}
	fmt.Fprintln(w)
}
