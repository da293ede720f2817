package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/treeserve/internal/dataset"
)

type prepareFlags struct {
	data string
}

// NewPrepareCommand creates the "prepare" command.
func NewPrepareCommand() *cobra.Command {
	flags := &prepareFlags{}

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Impute, encode and split the training data",
		Long: `Read the raw CSV, fill missing values, label-encode categorical columns and
split the rows into train and test sets.

The fitted schema and both encoded splits are written to the work directory,
where train, infer and perf pick them up.

Examples:
  treeserve prepare
  treeserve prepare --data data/transactions.csv --work-dir build`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrepare(flags)
		},
	}

	cmd.Flags().StringVar(&flags.data, "data", "", "Raw CSV file (default: data.path from the configuration)")
	return cmd
}

func runPrepare(flags *prepareFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flags.data != "" {
		cfg.Data.Path = flags.data
	}

	pd, err := prepareData(cfg)
	if err != nil {
		return err
	}
	if err := savePrepared(workDir, cfg.Data.Target, pd); err != nil {
		return err
	}

	printPrepareResult(pd)
	return nil
}

type prepareColumnJSON struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Categories int    `json:"categories,omitempty"`
}

func printPrepareResult(pd *preparedData) {
	if IsJSONOutput() {
		cols := make([]prepareColumnJSON, 0, len(pd.Schema.Columns))
		for _, c := range pd.Schema.Columns {
			cols = append(cols, prepareColumnJSON{Name: c.Name, Kind: string(c.Kind), Categories: len(c.Categories)})
		}
		printJSON(map[string]interface{}{
			"workDir":        workDir,
			"target":         pd.Schema.Target,
			"columns":        cols,
			"trainRows":      pd.Train.Len(),
			"testRows":       pd.Test.Len(),
			"trainPositives": pd.Train.Positives(),
			"testPositives":  pd.Test.Positives(),
		})
		return
	}

	categorical := 0
	for _, c := range pd.Schema.Columns {
		if c.Kind == dataset.KindCategorical {
			categorical++
		}
	}
	fmt.Printf("Prepared %d features (%d categorical) into %s\n", pd.Schema.NumFeatures(), categorical, workDir)
	fmt.Printf("  Train: %d rows (%d positive)\n", pd.Train.Len(), pd.Train.Positives())
	fmt.Printf("  Test:  %d rows (%d positive)\n", pd.Test.Len(), pd.Test.Positives())
}
