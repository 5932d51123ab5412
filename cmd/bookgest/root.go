package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dgallion1/bookgest/internal/config"
	"github.com/dgallion1/bookgest/internal/home"
	"github.com/dgallion1/bookgest/internal/inference"
	"github.com/dgallion1/bookgest/internal/pipeline"
)

var version = "dev"

var (
	cfgFile string
	dataDir string
	outDir  string
	verbose bool

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bookgest",
	Short: "Resumable, structure-aware document ingestion",
	Long: `Bookgest splits a document along its table of contents, embeds every
chunk into a per-document vector collection and builds a hierarchical topic
index. Interrupted runs resume from the last committed batch.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dataDir != "" {
			loaded.DataDir = dataDir
		}
		if outDir != "" {
			loaded.OutputDir = outDir
		}
		cfg = loaded

		level, err := config.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.bookgest/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding source documents")
	rootCmd.PersistentFlags().StringVar(&outDir, "output-dir", "", "directory for per-document output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(ingestCmd, indexCmd, chaptersCmd, configCmd, versionCmd)
}

// newIngestor wires an Ingestor from the loaded configuration. The returned
// client must be closed by the caller.
func newIngestor() (*pipeline.Ingestor, *inference.Client) {
	backend := inference.NewClient(cfg.InferenceConfig())
	ing := pipeline.NewIngestor(home.New(cfg.DataDir, cfg.OutputDir), backend, backend, cfg.PipelineSettings(), logger)
	return ing, backend
}
