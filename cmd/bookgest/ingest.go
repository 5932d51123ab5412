package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgallion1/bookgest/internal/observability"
	"github.com/dgallion1/bookgest/internal/pipeline"
)

var resume bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a document from the data directory",
	Long: `Ingest chunks, summarizes and embeds a document from the data directory.
With --resume the run continues after the last committed batch; without a
checkpoint it starts over.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		ctx := cmd.Context()

		shutdown, err := observability.Setup(ctx, observability.Config{
			ServiceName: "bookgest",
			Version:     version,
			Exporter:    cfg.TraceExporter,
			Endpoint:    cfg.OTLPEndpoint,
			Writer:      cmd.ErrOrStderr(),
		}, logger)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer shutdown(ctx)

		ing, backend := newIngestor()
		defer backend.Close()

		name := args[0]
		res, err := ing.Run(ctx, pipeline.Request{Filename: name, Resume: resume},
			progressPrinter(cmd.OutOrStdout(), name))
		if errors.Is(err, pipeline.ErrNoOutline) {
			return fmt.Errorf("%s has no usable table of contents", name)
		}
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("interrupted; rerun with --resume to continue"))
			}
			return fmt.Errorf("ingest %s: %w", name, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatResult(res))
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVarP(&resume, "resume", "r", false, "continue from the last checkpoint")
}
