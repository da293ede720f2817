package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/compare"
)

type runFlags struct {
	data     string
	profiles []string
	noDeploy bool
	noInfer  bool
	noPerf   bool
	strict   bool
}

// NewRunCommand creates the "run" command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Train, deploy, verify and measure in one go",
		Long: `Run the whole workflow: prepare the data, train every profile, write the
model repository, start the server, compare remote and local predictions and
sweep throughput and latency.

If the server is not ready within the timeout a warning is printed and the
workflow carries on with the prediction comparison; with --strict the
command stops there with exit code 7. The deployment keeps running
afterwards; remove it with treeserve remove.

Examples:
  treeserve run
  treeserve run --no-perf
  treeserve run --strict
  treeserve run bench-1 --profile small`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			summary := map[string]interface{}{}

			trained, err := runTrain(ctx, cfg, &trainFlags{data: flags.data, profiles: flags.profiles})
			if err != nil {
				return err
			}
			summary["train"] = trainRows(cfg, trained)
			if !IsJSONOutput() {
				printTrainResult(cfg, trained)
				fmt.Println()
			}
			if flags.noDeploy {
				return finishRun(summary)
			}

			d, err := runDeploy(ctx, cfg, args, &deployFlags{strict: flags.strict})
			if err != nil {
				return err
			}
			summary["deployment"] = d.Name
			if !IsJSONOutput() {
				printDeployResult(cfg, d)
				fmt.Println()
			}

			if !flags.noInfer {
				reports, err := runInfer(ctx, cfg, d.Models, &inferFlags{deployment: d.Name, rows: 10, rtol: compare.DefaultRTol, atol: compare.DefaultATol})
				if err != nil {
					return err
				}
				summary["infer"] = reports
				if !IsJSONOutput() {
					printInferResult(reports)
					fmt.Println()
				}
				if err := mismatchError(reports); err != nil {
					return err
				}
			}

			if !flags.noPerf {
				out, err := runPerf(ctx, cfg, d.Models, &perfFlags{deployment: d.Name})
				if err != nil {
					return err
				}
				summary["perf"] = out
				if !IsJSONOutput() {
					printPerfResult(out)
				}
			}

			logger.Info("deployment left running", zap.String("deployment", d.Name))
			return finishRun(summary)
		},
	}

	cmd.Flags().StringVar(&flags.data, "data", "", "Raw CSV file (default: data.path from the configuration)")
	cmd.Flags().StringSliceVar(&flags.profiles, "profile", nil, "Train only these profiles (repeatable)")
	cmd.Flags().BoolVar(&flags.noDeploy, "no-deploy", false, "Stop after training")
	cmd.Flags().BoolVar(&flags.noInfer, "no-infer", false, "Skip the prediction comparison")
	cmd.Flags().BoolVar(&flags.noPerf, "no-perf", false, "Skip the perf sweep")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "Fail when the server is not ready in time")
	return cmd
}

func finishRun(summary map[string]interface{}) error {
	if IsJSONOutput() {
		printJSON(summary)
	}
	return nil
}
