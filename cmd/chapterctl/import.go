package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chapterhub/internal/ingest"
)

func newImportCmd(opts *options) *cobra.Command {
	var failOnRejected bool
	cmd := &cobra.Command{
		Use:   "import [file.json]",
		Short: "Import a chapter file through the ingestion pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			ctx := cmd.Context()
			logger := opts.logger(cmd)
			store, closeStore, err := opts.openStore()
			if err != nil {
				return fmt.Errorf("open datastore: %w", err)
			}
			defer func() { _ = closeStore(ctx) }()

			c := opts.openCache(ctx, logger)
			defer func() { _ = c.Close() }()

			pipeline, err := ingest.NewPipeline(ingest.Config{
				Repository: store,
				Cache:      c,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			summary, err := pipeline.ProcessDocument(ctx, data)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
			if failOnRejected && summary.FailureCount > 0 {
				return fmt.Errorf("%d chapters rejected", summary.FailureCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnRejected, "strict", false, "exit non-zero when any chapter is rejected")
	return cmd
}
