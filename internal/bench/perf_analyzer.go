package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/logging"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// Column headers in perf_analyzer's CSV export. Latencies are in
// microseconds.
const (
	colConcurrency = "Concurrency"
	colThroughput  = "Inferences/Second"
	colP50         = "p50 latency"
	colP90         = "p90 latency"
	colP95         = "p95 latency"
	colP99         = "p99 latency"
	colAvg         = "Avg latency"
)

// latencyComponents add up to the mean latency when the export has no
// average column.
var latencyComponents = []string{
	"Client Send",
	"Network+Server Send/Recv",
	"Server Queue",
	"Server Compute Input",
	"Server Compute Infer",
	"Server Compute Output",
	"Client Recv",
}

// CommandFunc runs an external command and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// PerfAnalyzer drives the external perf_analyzer tool, either from the
// host (Binary) or from the SDK container image (Image) on the host
// network.
type PerfAnalyzer struct {
	Binary string
	Image  string
	Logger *zap.Logger

	// Command replaces process execution. Nil means os/exec.
	Command CommandFunc
}

// PerfOptions configures one perf_analyzer sweep.
type PerfOptions struct {
	Model       string
	BatchSize   int
	Concurrency []int
	Protocol    string

	// URL is the server address as host:port for the chosen protocol.
	URL string

	// WorkDir receives the CSV export.
	WorkDir string

	// MeasurementInterval is passed as -p when non-zero.
	MeasurementInterval time.Duration
}

// ConcurrencyRanges expresses levels as perf_analyzer start:end:step
// ranges: one range when the levels form an arithmetic sequence, otherwise
// one single-level range per level.
func ConcurrencyRanges(levels []int) []string {
	if len(levels) == 0 {
		return nil
	}
	if len(levels) == 1 {
		return []string{fmt.Sprintf("%d:%d", levels[0], levels[0])}
	}
	step := levels[1] - levels[0]
	arithmetic := step > 0
	for i := 2; i < len(levels) && arithmetic; i++ {
		arithmetic = levels[i]-levels[i-1] == step
	}
	if arithmetic {
		return []string{fmt.Sprintf("%d:%d:%d", levels[0], levels[len(levels)-1], step)}
	}
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = fmt.Sprintf("%d:%d", l, l)
	}
	return out
}

// Args returns the perf_analyzer arguments for one concurrency range.
func Args(opts PerfOptions, concurrencyRange, csvPath string) []string {
	args := []string{
		"-m", opts.Model,
		"-b", strconv.Itoa(opts.BatchSize),
		"--concurrency-range", concurrencyRange,
		"-i", opts.Protocol,
		"-u", opts.URL,
		"-f", csvPath,
	}
	if opts.MeasurementInterval > 0 {
		args = append(args, "-p", strconv.FormatInt(opts.MeasurementInterval.Milliseconds(), 10))
	}
	return args
}

// Run executes the sweep and parses every CSV export.
func (p *PerfAnalyzer) Run(ctx context.Context, opts PerfOptions) (*Sweep, error) {
	if opts.Model == "" || opts.URL == "" {
		return nil, fmt.Errorf("bench: perf_analyzer needs a model and a server URL")
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if p.Binary == "" && p.Image == "" {
		return nil, fmt.Errorf("bench: perf_analyzer needs a binary or an image")
	}

	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("bench: failed to create %s: %w", workDir, err)
	}

	run := p.Command
	if run == nil {
		run = execCommand
	}
	log := logging.OrNop(p.Logger)

	sweep := &Sweep{Model: opts.Model, Protocol: opts.Protocol, Tool: ToolPerfAnalyzer}
	for i, cr := range ConcurrencyRanges(opts.Concurrency) {
		csvPath := filepath.Join(workDir, fmt.Sprintf("perf-%s-%d.csv", opts.Model, i))
		name, args := p.command(Args(opts, cr, csvPath), workDir)

		log.Debug("running perf_analyzer", zap.String("command", name), zap.Strings("args", args))
		out, err := run(ctx, name, args...)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitExternalToolFailed,
				fmt.Sprintf("perf_analyzer failed for %s (concurrency %s):\n%s", opts.Model, cr, strings.TrimSpace(string(out))), err)
		}

		results, err := readPerfCSV(csvPath)
		if err != nil {
			return nil, err
		}
		for j := range results {
			results[j].BatchSize = opts.BatchSize
		}
		sweep.Results = append(sweep.Results, results...)
	}
	return sweep, nil
}

// command wraps args in docker run when no host binary is configured. The
// work directory is mounted at the same path so the CSV lands on the host.
func (p *PerfAnalyzer) command(args []string, workDir string) (string, []string) {
	if p.Binary != "" {
		return p.Binary, args
	}
	docker := []string{
		"run", "--rm", "--network", "host",
		"-v", workDir + ":" + workDir,
		p.Image, "perf_analyzer",
	}
	return "docker", append(docker, args...)
}

func readPerfCSV(path string) ([]Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bench: perf_analyzer wrote no report: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParsePerfCSV(f)
}

// ParsePerfCSV reads a perf_analyzer CSV export, locating columns by
// header name.
func ParsePerfCSV(r io.Reader) ([]Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("bench: invalid perf_analyzer CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("bench: perf_analyzer CSV has no measurements")
	}

	col := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		col[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{colConcurrency, colThroughput, colP50, colP90, colP95, colP99} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("bench: perf_analyzer CSV lacks column %q", required)
		}
	}

	var out []Result
	for n, rec := range records[1:] {
		row := n + 2
		get := func(name string) (float64, error) {
			i, ok := col[name]
			if !ok || i >= len(rec) {
				return 0, fmt.Errorf("bench: perf_analyzer CSV row %d lacks %q", row, name)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				return 0, fmt.Errorf("bench: perf_analyzer CSV row %d, %q: %w", row, name, err)
			}
			return v, nil
		}
		usec := func(v float64) time.Duration {
			return time.Duration(v * float64(time.Microsecond))
		}

		conc, err := get(colConcurrency)
		if err != nil {
			return nil, err
		}
		res := Result{Concurrency: int(conc)}
		if res.Throughput, err = get(colThroughput); err != nil {
			return nil, err
		}
		for name, dst := range map[string]*time.Duration{colP50: &res.P50, colP90: &res.P90, colP95: &res.P95, colP99: &res.P99} {
			v, err := get(name)
			if err != nil {
				return nil, err
			}
			*dst = usec(v)
		}

		if _, ok := col[colAvg]; ok {
			v, err := get(colAvg)
			if err != nil {
				return nil, err
			}
			res.Mean = usec(v)
		} else {
			var sum float64
			for _, c := range latencyComponents {
				if _, ok := col[c]; !ok {
					continue
				}
				v, err := get(c)
				if err != nil {
					return nil, err
				}
				sum += v
			}
			res.Mean = usec(sum)
		}
		out = append(out, res)
	}
	return out, nil
}
