package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/store"
)

type historyFlags struct {
	limit int
	model string
}

// History kinds accepted by the history command.
const (
	historyTraining    = "training"
	historyPerf        = "perf"
	historyDeployments = "deployments"
)

// NewHistoryCommand creates the "history" command.
func NewHistoryCommand() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history [training|perf|deployments]",
		Short: "Show past training runs, perf sweeps or deployment actions",
		Long: `Show the run history recorded in the store database (store.path), newest
first. Without an argument the training runs are shown.

Examples:
  treeserve history
  treeserve history perf --model fraud-large
  treeserve history deployments --limit 5`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{historyTraining, historyPerf, historyDeployments},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := historyTraining
			if len(args) > 0 {
				kind = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return model.NewCLIError(model.ExitConfigNotFound, "store.path is not set in the configuration")
			}
			st, err := store.Open(cfg.Store.Path, logger)
			if err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "failed to open run history", err)
			}
			defer func() { _ = st.Close() }()

			ctx := cmd.Context()
			switch kind {
			case historyTraining:
				runs, err := st.ListTraining(ctx, flags.limit)
				if err != nil {
					return err
				}
				printTrainingHistory(filterTraining(runs, flags.model))
			case historyPerf:
				records, err := st.ListPerf(ctx, flags.model, flags.limit)
				if err != nil {
					return err
				}
				printPerfHistory(records)
			case historyDeployments:
				events, err := st.ListDeploymentEvents(ctx, "", flags.limit)
				if err != nil {
					return err
				}
				printDeploymentHistory(events)
			default:
				return model.NewCLIError(model.ExitGeneralError,
					fmt.Sprintf("unknown history kind %q (valid: %s, %s, %s)", kind, historyTraining, historyPerf, historyDeployments))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 20, "Maximum number of rows, 0 for all")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "Only show this model")
	return cmd
}

func filterTraining(runs []store.TrainingRun, name string) []store.TrainingRun {
	if name == "" {
		return runs
	}
	out := runs[:0:0]
	for _, r := range runs {
		if r.Model == name {
			out = append(out, r)
		}
	}
	return out
}

func printTrainingHistory(runs []store.TrainingRun) {
	if IsJSONOutput() {
		if runs == nil {
			runs = []store.TrainingRun{}
		}
		printJSON(map[string]interface{}{"training": runs})
		return
	}
	if len(runs) == 0 {
		fmt.Println("No training runs recorded.")
		return
	}
	fmt.Printf("%-20s %-20s %-12s %-6s %-8s %-10s %s\n", "WHEN", "MODEL", "TRAINER", "TREES", "AUC", "DURATION", "ID")
	for _, r := range runs {
		fmt.Printf("%-20s %-20s %-12s %-6d %-8.4f %-10s %s\n",
			formatWhen(r.CreatedAt), r.Model, r.Trainer, r.NumTrees, r.TestAUC, r.Duration.Round(time.Millisecond), shortID(r.ID))
	}
}

func printPerfHistory(records []store.PerfRecord) {
	if IsJSONOutput() {
		if records == nil {
			records = []store.PerfRecord{}
		}
		printJSON(map[string]interface{}{"perf": records})
		return
	}
	if len(records) == 0 {
		fmt.Println("No perf sweeps recorded.")
		return
	}
	fmt.Printf("%-20s %-20s %-8s %-14s %-12s %-14s %s\n", "WHEN", "MODEL", "PROTO", "TOOL", "CONCURRENCY", "INFER/SEC", "P99")
	for _, r := range records {
		fmt.Printf("%-20s %-20s %-8s %-14s %-12d %-14.1f %s\n",
			formatWhen(r.CreatedAt), r.Model, r.Protocol, r.Tool, r.Result.Concurrency, r.Result.Throughput, formatLatency(r.Result.P99))
	}
}

func printDeploymentHistory(events []store.DeploymentEvent) {
	if IsJSONOutput() {
		if events == nil {
			events = []store.DeploymentEvent{}
		}
		printJSON(map[string]interface{}{"deployments": events})
		return
	}
	if len(events) == 0 {
		fmt.Println("No deployment actions recorded.")
		return
	}
	fmt.Printf("%-20s %-20s %-8s %-10s %s\n", "WHEN", "NAME", "ACTION", "DETAIL", "MODELS")
	for _, e := range events {
		detail := e.Detail
		if detail == "" {
			detail = "-"
		}
		models := strings.Join(e.Models, ",")
		if models == "" {
			models = "-"
		}
		fmt.Printf("%-20s %-20s %-8s %-10s %s\n", formatWhen(e.CreatedAt), e.Name, e.Action, detail, models)
	}
}

func formatWhen(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

// shortID shortens a UUID to its first group.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
