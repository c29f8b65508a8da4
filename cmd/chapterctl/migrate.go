package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chapterhub/internal/storage"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applied, err := storage.MigrateDSN(cmd.Context(), opts.dsn(), storage.WithPostgresApplicationName("chapterctl"))
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}
}
