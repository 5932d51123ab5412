package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/dgallion1/bookgest/internal/home"
	"github.com/dgallion1/bookgest/internal/index"
)

var indexJSON bool

var indexCmd = &cobra.Command{
	Use:   "index <file>",
	Short: "Print the topic index of an ingested document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := home.New(cfg.DataDir, cfg.OutputDir)
		f, err := index.ReadFile(dir.IndexJSONPath(args[0]))
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s has not been ingested", args[0])
		}
		if err != nil {
			return fmt.Errorf("read index: %w", err)
		}
		if indexJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(f)
		}
		fmt.Fprint(cmd.OutOrStdout(), index.RenderText(f))
		return nil
	},
}

var chaptersCmd = &cobra.Command{
	Use:   "chapters <file>",
	Short: "Print the resolved chapter ranges of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ing, backend := newIngestor()
		defer backend.Close()

		ranges, err := ing.Chapters(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), formatChapters(ranges))
		return nil
	},
}

func init() {
	indexCmd.Flags().BoolVar(&indexJSON, "json", false, "print the JSON index")
}
