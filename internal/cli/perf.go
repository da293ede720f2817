package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/bench"
	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/inferclient"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/report"
	"github.com/shinji-kodama/treeserve/internal/store"
)

type perfFlags struct {
	tool        string
	protocol    string
	url         string
	deployment  string
	concurrency []int
	batchSize   int
	requests    int
	duration    time.Duration
	noReport    bool
}

// NewPerfCommand creates the "perf" command.
func NewPerfCommand() *cobra.Command {
	flags := &perfFlags{}

	cmd := &cobra.Command{
		Use:   "perf [model...]",
		Short: "Measure throughput and latency at several concurrency levels",
		Long: `Run a latency/throughput sweep against each model on the running server.

The native tool is a built-in load generator sending rows of the test split.
The perf_analyzer tool drives the external perf_analyzer, either a host
binary (perf.perfAnalyzerBinary) or the SDK container image.

When two or more models are measured, the speedup of the second over the
first is printed per concurrency level. A PNG plot and an interactive HTML
chart are written to the report directory.

Examples:
  treeserve perf
  treeserve perf fraud-small fraud-large --concurrency 1,4,16
  treeserve perf --tool perf_analyzer --protocol grpc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := applyPerfFlags(cfg, cmd, flags); err != nil {
				return err
			}
			out, err := runPerf(cmd.Context(), cfg, args, flags)
			if err != nil {
				return err
			}
			printPerfResult(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.tool, "tool", "", "native or perf_analyzer (default: perf.tool)")
	cmd.Flags().StringVar(&flags.protocol, "protocol", "", "http or grpc (default: server.protocol)")
	cmd.Flags().StringVar(&flags.url, "url", "", "Server address host:port, bypassing the deployment lookup")
	cmd.Flags().StringVarP(&flags.deployment, "deployment", "d", "", "Deployment to measure (default: server.name)")
	cmd.Flags().IntSliceVar(&flags.concurrency, "concurrency", nil, "Concurrency levels (default: perf.concurrency)")
	cmd.Flags().IntVarP(&flags.batchSize, "batch-size", "b", 0, "Rows per request (default: perf.batchSize)")
	cmd.Flags().IntVar(&flags.requests, "requests", 0, "Requests per level for the native tool (default: perf.requests)")
	cmd.Flags().DurationVar(&flags.duration, "duration", 0, "Time limit per level (default: perf.duration)")
	cmd.Flags().BoolVar(&flags.noReport, "no-report", false, "Skip the plot and HTML chart")
	return cmd
}

// applyPerfFlags overrides the perf configuration with the flags that were
// set and validates the result.
func applyPerfFlags(cfg *config.Config, cmd *cobra.Command, flags *perfFlags) error {
	f := cmd.Flags()
	if flags.tool != "" {
		cfg.Perf.Tool = flags.tool
	}
	if flags.protocol != "" {
		cfg.Server.Protocol = flags.protocol
	}
	if f.Changed("concurrency") {
		cfg.Perf.Concurrency = flags.concurrency
	}
	if f.Changed("batch-size") {
		cfg.Perf.BatchSize = flags.batchSize
	}
	if f.Changed("requests") {
		cfg.Perf.Requests = flags.requests
	}
	if f.Changed("duration") {
		cfg.Perf.Duration = flags.duration.String()
	}
	if err := cfg.Validate(); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "invalid perf settings", err)
	}
	return nil
}

type perfOutcome struct {
	Sweeps     []*bench.Sweep     `json:"sweeps"`
	Comparison []bench.Comparison `json:"comparison,omitempty"`
	PlotPath   string             `json:"plot,omitempty"`
	HTMLPath   string             `json:"html,omitempty"`
	SweepIDs   []string           `json:"sweepIds,omitempty"`
	comparedA  string
	comparedB  string
}

func runPerf(ctx context.Context, cfg *config.Config, models []string, flags *perfFlags) (*perfOutcome, error) {
	if len(models) == 0 {
		var err error
		if models, err = repositoryModels(cfg.Repository.Path); err != nil {
			return nil, err
		}
	}

	name := flags.deployment
	if name == "" {
		name = cfg.Server.Name
	}
	protocol := cfg.Server.Protocol
	addr, err := serverAddress(ctx, cfg, name, flags.url, protocol)
	if err != nil {
		return nil, err
	}

	measure, cleanup, err := perfMeasurer(cfg, protocol, addr)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	st := openStore(cfg)
	if st != nil {
		defer func() { _ = st.Close() }()
	}

	out := &perfOutcome{}
	for _, m := range models {
		sweep, err := measure(ctx, m)
		if err != nil {
			code := model.ExitGeneralError
			if cfg.Perf.Tool == config.PerfToolPerfAnalyzer {
				code = model.ExitExternalToolFailed
			}
			return nil, model.WrapCLIError(code, fmt.Sprintf("perf sweep of %s failed", m), err)
		}
		out.Sweeps = append(out.Sweeps, sweep)
		if id := recordPerf(ctx, st, sweep); id != "" {
			out.SweepIDs = append(out.SweepIDs, id)
		}
	}

	if len(out.Sweeps) >= 2 {
		out.comparedA, out.comparedB = out.Sweeps[0].Model, out.Sweeps[1].Model
		out.Comparison = bench.Compare(out.Sweeps[0], out.Sweeps[1])
	}

	if !flags.noReport {
		out.PlotPath, out.HTMLPath = writePerfReports(cfg.Perf.ReportDir, out.Sweeps)
	}
	return out, nil
}

type measureFunc func(ctx context.Context, modelName string) (*bench.Sweep, error)

// perfMeasurer returns the sweep function for the configured tool and a
// cleanup releasing its resources.
func perfMeasurer(cfg *config.Config, protocol, addr string) (measureFunc, func(), error) {
	switch cfg.Perf.Tool {
	case config.PerfToolPerfAnalyzer:
		pa := &bench.PerfAnalyzer{
			Binary: cfg.Perf.PerfAnalyzerBinary,
			Image:  cfg.Perf.PerfAnalyzerImage,
			Logger: logger,
		}
		measure := func(ctx context.Context, m string) (*bench.Sweep, error) {
			return pa.Run(ctx, bench.PerfOptions{
				Model:               m,
				BatchSize:           cfg.Perf.BatchSize,
				Concurrency:         cfg.Perf.Concurrency,
				Protocol:            protocol,
				URL:                 addr,
				WorkDir:             filepath.Join(workDir, "perf", m),
				MeasurementInterval: cfg.PerfDuration(),
			})
		}
		return measure, func() {}, nil

	default:
		test, err := loadTestSplit(cfg)
		if err != nil {
			return nil, nil, err
		}
		c, err := inferclient.New(protocol, addr, inferclient.Options{Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		r := &bench.Runner{Client: c, Logger: logger}
		measure := func(ctx context.Context, m string) (*bench.Sweep, error) {
			return r.Run(ctx, bench.Options{
				Model:       m,
				Protocol:    protocol,
				Concurrency: cfg.Perf.Concurrency,
				BatchSize:   cfg.Perf.BatchSize,
				Requests:    cfg.Perf.Requests,
				Duration:    cfg.PerfDuration(),
				Rows:        test.X,
			})
		}
		return measure, func() { _ = c.Close() }, nil
	}
}

func recordPerf(ctx context.Context, st *store.Store, sweep *bench.Sweep) string {
	if st == nil {
		return ""
	}
	id, err := st.RecordPerf(ctx, sweep)
	if err != nil {
		logger.Warn("failed to record perf sweep", zap.String("model", sweep.Model), zap.Error(err))
		return ""
	}
	return id
}

// writePerfReports writes the PNG plot and the HTML chart. Failures are
// logged and leave the corresponding path empty.
func writePerfReports(dir string, sweeps []*bench.Sweep) (plotPath, htmlPath string) {
	if len(sweeps) == 0 {
		return "", ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("failed to create report directory", zap.String("dir", dir), zap.Error(err))
		return "", ""
	}

	p := filepath.Join(dir, "latency_throughput.png")
	if err := report.PlotLatencyThroughput(p, sweeps...); err != nil {
		logger.Warn("failed to plot sweep", zap.Error(err))
	} else {
		plotPath = p
	}

	h := filepath.Join(dir, "perf.html")
	f, err := os.Create(h)
	if err != nil {
		logger.Warn("failed to create chart", zap.String("path", h), zap.Error(err))
		return plotPath, ""
	}
	if err := report.SweepHTML(f, sweeps...); err != nil {
		_ = f.Close()
		logger.Warn("failed to render chart", zap.Error(err))
		return plotPath, ""
	}
	if err := f.Close(); err != nil {
		logger.Warn("failed to write chart", zap.String("path", h), zap.Error(err))
		return plotPath, ""
	}
	return plotPath, h
}

func printPerfResult(out *perfOutcome) {
	if IsJSONOutput() {
		printJSON(out)
		return
	}

	for i, s := range out.Sweeps {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s (%s, %s)\n", s.Model, s.Protocol, s.Tool)
		fmt.Printf("  %-12s %-14s %-10s %-10s %-10s %s\n", "CONCURRENCY", "INFER/SEC", "P50", "P95", "P99", "ERRORS")
		for _, r := range s.Results {
			fmt.Printf("  %-12d %-14.1f %-10s %-10s %-10s %d\n",
				r.Concurrency, r.Throughput, formatLatency(r.P50), formatLatency(r.P95), formatLatency(r.P99), r.Errors)
		}
	}

	if len(out.Comparison) > 0 {
		fmt.Printf("\n%s vs %s\n", out.comparedB, out.comparedA)
		fmt.Printf("  %-12s %-10s %s\n", "CONCURRENCY", "SPEEDUP", "P99 RATIO")
		for _, c := range out.Comparison {
			fmt.Printf("  %-12d %-10.2f %.2f\n", c.Concurrency, c.Speedup, c.P99Ratio)
		}
	}

	if out.PlotPath != "" {
		fmt.Printf("\nPlot:  %s\n", out.PlotPath)
	}
	if out.HTMLPath != "" {
		fmt.Printf("Chart: %s\n", out.HTMLPath)
	}
}

// formatLatency prints a latency in milliseconds.
func formatLatency(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
}
