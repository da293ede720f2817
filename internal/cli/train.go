package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/report"
	"github.com/shinji-kodama/treeserve/internal/trainer"
)

type trainFlags struct {
	data     string
	profiles []string
	trainer  string
	noExport bool
	noReport bool
}

// NewTrainCommand creates the "train" command.
func NewTrainCommand() *cobra.Command {
	flags := &trainFlags{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one model per hyperparameter profile and write them to the repository",
		Long: `Prepare the data, train a gradient-boosted tree classifier for every
configured profile (small and large by default) and write each model with its
config.pbtxt into the model repository as <prefix>-<profile>.

A ROC curve of every model on the test split is written to the report
directory.

Examples:
  treeserve train
  treeserve train --profile small
  treeserve train --trainer xgboost-cli`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := runTrain(cmd.Context(), cfg, flags)
			if err != nil {
				return err
			}
			printTrainResult(cfg, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.data, "data", "", "Raw CSV file (default: data.path from the configuration)")
	cmd.Flags().StringSliceVar(&flags.profiles, "profile", nil, "Train only these profiles (repeatable)")
	cmd.Flags().StringVar(&flags.trainer, "trainer", "", "Trainer: native or xgboost-cli (default: train.trainer)")
	cmd.Flags().BoolVar(&flags.noExport, "no-export", false, "Train and evaluate without writing the repository")
	cmd.Flags().BoolVar(&flags.noReport, "no-report", false, "Skip the ROC curve")
	return cmd
}

type trainOutcome struct {
	Results  []*trainer.Result
	Exported []exported
	ROCPath  string
}

func runTrain(ctx context.Context, cfg *config.Config, flags *trainFlags) (*trainOutcome, error) {
	if flags.data != "" {
		cfg.Data.Path = flags.data
	}
	if flags.trainer != "" {
		cfg.Train.Trainer = flags.trainer
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	pd, err := prepareData(cfg)
	if err != nil {
		return nil, err
	}
	if err := savePrepared(workDir, cfg.Data.Target, pd); err != nil {
		return nil, err
	}

	results, err := trainModels(ctx, cfg, pd, flags.profiles)
	if err != nil {
		return nil, err
	}
	out := &trainOutcome{Results: results}

	st := openStore(cfg)
	if st != nil {
		defer func() { _ = st.Close() }()
	}
	recordTraining(ctx, st, cfg, pd, results)

	if !flags.noExport {
		s, err := resolveSettings(cfg)
		if err != nil {
			return nil, err
		}
		if out.Exported, err = exportResults(cfg, results, s); err != nil {
			return nil, err
		}
	}

	if !flags.noReport {
		path, err := writeROC(cfg, pd, results)
		if err != nil {
			logger.Warn("failed to write ROC curve", zap.Error(err))
		}
		out.ROCPath = path
	}

	return out, nil
}

// writeROC plots the test-split ROC curve of every result. It returns ""
// when the test split has a single class.
func writeROC(cfg *config.Config, pd *preparedData, results []*trainer.Result) (string, error) {
	if pd.Test == nil || pd.Test.Len() == 0 {
		return "", nil
	}
	curves := make([]*report.Curve, 0, len(results))
	for _, res := range results {
		probs, err := res.Model.PredictProbaBatch(pd.Test.X)
		if err != nil {
			return "", err
		}
		c, err := report.ROC(cfg.ModelName(res.Profile.Name), probs, pd.Test.Y)
		if errors.Is(err, report.ErrSingleClass) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		curves = append(curves, c)
	}
	if err := os.MkdirAll(cfg.Perf.ReportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(cfg.Perf.ReportDir, "roc.png")
	if err := report.PlotROC(path, curves...); err != nil {
		return "", err
	}
	return path, nil
}

type trainResultJSON struct {
	Model       string  `json:"model"`
	Profile     string  `json:"profile"`
	Trainer     string  `json:"trainer"`
	Trees       int     `json:"trees"`
	DurationMS  int64   `json:"durationMs"`
	TestRows    int     `json:"testRows"`
	TestAUC     float64 `json:"testAuc"`
	TestLogLoss float64 `json:"testLogLoss"`
	Dir         string  `json:"dir,omitempty"`
}

// trainRows summarizes the outcome per model.
func trainRows(cfg *config.Config, out *trainOutcome) []trainResultJSON {
	dirs := make(map[string]string, len(out.Exported))
	for _, e := range out.Exported {
		dirs[e.Profile] = e.Dir
	}

	rows := make([]trainResultJSON, 0, len(out.Results))
	for _, res := range out.Results {
		rows = append(rows, trainResultJSON{
			Model:       cfg.ModelName(res.Profile.Name),
			Profile:     res.Profile.Name,
			Trainer:     res.Trainer,
			Trees:       len(res.Model.Trees),
			DurationMS:  res.Duration.Milliseconds(),
			TestRows:    res.TestRows,
			TestAUC:     res.TestAUC,
			TestLogLoss: res.TestLogLoss,
			Dir:         dirs[res.Profile.Name],
		})
	}
	return rows
}

func printTrainResult(cfg *config.Config, out *trainOutcome) {
	rows := trainRows(cfg, out)
	if IsJSONOutput() {
		printJSON(map[string]interface{}{"models": rows, "roc": out.ROCPath})
		return
	}

	fmt.Printf("%-20s %-8s %-12s %-6s %-10s %-8s %s\n", "MODEL", "PROFILE", "TRAINER", "TREES", "DURATION", "AUC", "DIR")
	for _, r := range rows {
		dir := r.Dir
		if dir == "" {
			dir = "-"
		}
		fmt.Printf("%-20s %-8s %-12s %-6d %-10s %-8.4f %s\n",
			r.Model, r.Profile, r.Trainer, r.Trees, fmt.Sprintf("%.1fs", float64(r.DurationMS)/1000), r.TestAUC, dir)
	}
	if out.ROCPath != "" {
		fmt.Printf("\nROC curve: %s\n", out.ROCPath)
	}
}
