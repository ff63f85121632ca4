package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentqueue/archive"
	"github.com/vinayprograms/agentqueue/errors"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy results into a SQLite archive",
		Long: `Copy every entry of the result stream into a SQLite database, oldest
first. Re-running is safe: entries already archived are skipped. With
--trim, archived entries are deleted from the stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("db")
			trim, _ := cmd.Flags().GetBool("trim")
			batch, _ := cmd.Flags().GetInt("batch")
			if path == "" {
				return errors.Validation("db", "archive database path is required")
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				store, db, err := archive.Open(ctx, path)
				if err != nil {
					return err
				}
				defer db.Close()

				a := archive.NewArchiver(e.log, store, e.cfg.Streams, e.logger.WithComponent("archive"))
				n, err := a.Run(ctx, batch, trim)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Archived %d results to %s\n", n, path)
				return nil
			})
		},
	}
	cmd.Flags().String("db", "agentqueue-archive.db", "SQLite database path")
	cmd.Flags().Bool("trim", false, "delete archived entries from the result stream")
	cmd.Flags().Int("batch", archive.DefaultBatch, "entries read per round")
	return cmd
}
