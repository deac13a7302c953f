package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cap-immersion/sourcing-cli/internal/importer"
)

var (
	importFile      string
	importSource    string
	importDelimiter string
	importBatchSize int
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-load a registry stock file into the establishment store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		f, err := os.Open(importFile)
		if err != nil {
			return eris.Wrap(err, "open stock file")
		}
		defer f.Close()

		opts := []importer.Option{importer.WithBatchSize(importBatchSize)}
		if importDelimiter != "" {
			opts = append(opts, importer.WithDelimiter(rune(importDelimiter[0])))
		}

		stats, err := importer.New(st, importSource, opts...).ImportCSV(ctx, f)
		if err != nil {
			return eris.Wrap(err, "import stock file")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to the stock CSV file (required)")
	importCmd.Flags().StringVar(&importSource, "source", "api_sirene", "data source tag for imported rows")
	importCmd.Flags().StringVar(&importDelimiter, "delimiter", ",", "field delimiter")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", importer.DefaultBatchSize, "rows per store transaction")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
