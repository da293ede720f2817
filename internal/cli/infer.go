package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/compare"
	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/dataset"
	"github.com/shinji-kodama/treeserve/internal/inferclient"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/repository"
)

type inferFlags struct {
	deployment string
	protocol   string
	url        string
	rows       int
	rtol       float64
	atol       float64
}

// NewInferCommand creates the "infer" command.
func NewInferCommand() *cobra.Command {
	flags := &inferFlags{}

	cmd := &cobra.Command{
		Use:   "infer [model...]",
		Short: "Send test rows to the server and compare with local predictions",
		Long: `Send the first rows of the test split to each model on the running server
and compare the returned fraud probabilities with the probabilities computed
locally from the same model file. Without arguments every model of the
repository is checked.

Values agree when |local - remote| <= atol + rtol*|remote|. Any
disagreement fails the command with exit code 8.

Examples:
  treeserve infer
  treeserve infer fraud-small --protocol grpc --rows 100
  treeserve infer --url localhost:8000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reports, err := runInfer(cmd.Context(), cfg, args, flags)
			if err != nil {
				return err
			}
			printInferResult(reports)
			return mismatchError(reports)
		},
	}

	cmd.Flags().StringVarP(&flags.deployment, "deployment", "d", "", "Deployment to query (default: server.name)")
	cmd.Flags().StringVar(&flags.protocol, "protocol", "", "http or grpc (default: server.protocol)")
	cmd.Flags().StringVar(&flags.url, "url", "", "Server address host:port, bypassing the deployment lookup")
	cmd.Flags().IntVarP(&flags.rows, "rows", "n", 10, "Number of test rows to send")
	cmd.Flags().Float64Var(&flags.rtol, "rtol", compare.DefaultRTol, "Relative tolerance")
	cmd.Flags().Float64Var(&flags.atol, "atol", compare.DefaultATol, "Absolute tolerance")
	return cmd
}

// inferReport is the comparison for one model.
type inferReport struct {
	Model   string          `json:"model"`
	Rows    int             `json:"rows"`
	Local   []float64       `json:"local"`
	Remote  []float64       `json:"remote"`
	Compare *compare.Report `json:"compare"`
}

func runInfer(ctx context.Context, cfg *config.Config, models []string, flags *inferFlags) ([]*inferReport, error) {
	protocol := cfg.Server.Protocol
	if flags.protocol != "" {
		protocol = flags.protocol
	}
	if flags.rows < 1 {
		return nil, model.NewCLIError(model.ExitGeneralError, "--rows must be at least 1")
	}
	if len(models) == 0 {
		var err error
		if models, err = repositoryModels(cfg.Repository.Path); err != nil {
			return nil, err
		}
	}

	test, err := loadTestSplit(cfg)
	if err != nil {
		return nil, err
	}
	rows := test.Head(flags.rows)

	name := flags.deployment
	if name == "" {
		name = cfg.Server.Name
	}
	addr, err := serverAddress(ctx, cfg, name, flags.url, protocol)
	if err != nil {
		return nil, err
	}
	c, err := inferclient.New(protocol, addr, inferclient.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	reports := make([]*inferReport, 0, len(models))
	for _, m := range models {
		r, err := inferModel(ctx, c, cfg.Repository.Path, m, rows, flags.rtol, flags.atol)
		if err != nil {
			return nil, err
		}
		logger.Info("predictions compared",
			zap.String("model", m),
			zap.String("protocol", protocol),
			zap.Int("rows", r.Rows),
			zap.Bool("ok", r.Compare.OK()),
			zap.Float64("max_abs_diff", r.Compare.MaxAbsDiff))
		reports = append(reports, r)
	}
	return reports, nil
}

// inferModel sends rows to the server in batches no larger than the model's
// maximum batch size and compares the answers with local predictions.
func inferModel(ctx context.Context, c inferclient.Client, repo, name string, rows *dataset.Prepared, rtol, atol float64) (*inferReport, error) {
	local, mc, err := repository.Load(repo, name)
	if err != nil {
		return nil, err
	}
	if rows.Len() > 0 && len(rows.X[0]) != mc.NumFeatures {
		return nil, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("model %s expects %d features, test rows have %d (prepare the data again)", name, mc.NumFeatures, len(rows.X[0])))
	}

	want, err := local.PredictProbaBatch(rows.X)
	if err != nil {
		return nil, err
	}

	batch := mc.MaxBatchSize
	if batch < 1 {
		batch = max(rows.Len(), 1)
	}
	got := make([]float64, 0, rows.Len())
	for start := 0; start < rows.Len(); start += batch {
		end := min(start+batch, rows.Len())
		req, err := inferclient.NewBatchRequest(name, rows.X[start:end])
		if err != nil {
			return nil, err
		}
		resp, err := c.Infer(ctx, req)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("inference on %s failed", name), err)
		}
		probs, err := inferclient.PositiveClassProbabilities(resp, model.OutputTensor)
		if err != nil {
			return nil, err
		}
		got = append(got, probs...)
	}

	rep, err := compare.AllClose(want, got, rtol, atol)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitPredictionMismatch, fmt.Sprintf("model %s", name), err)
	}
	return &inferReport{Model: name, Rows: rows.Len(), Local: want, Remote: got, Compare: rep}, nil
}

// mismatchError returns exit code 8 when any model disagreed.
func mismatchError(reports []*inferReport) error {
	var failed []string
	for _, r := range reports {
		if !r.Compare.OK() {
			failed = append(failed, r.Model)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return model.NewCLIError(model.ExitPredictionMismatch,
		fmt.Sprintf("remote predictions differ from local predictions for %v", failed))
}

func printInferResult(reports []*inferReport) {
	if IsJSONOutput() {
		printJSON(map[string]interface{}{"models": reports})
		return
	}
	for _, r := range reports {
		fmt.Printf("%s: %d rows, %s\n", r.Model, r.Rows, r.Compare.String())
		show := min(r.Rows, 5)
		for i := 0; i < show; i++ {
			fmt.Printf("  row %-4d local %.6f  remote %.6f\n", i, r.Local[i], r.Remote[i])
		}
	}
}
