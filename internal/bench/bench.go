// Package bench measures inference throughput and latency of a served
// model across concurrency levels.
//
// Two measurement back ends produce the same Sweep type: Runner, a
// built-in load generator driving an inferclient.Client, and PerfAnalyzer,
// which runs the external perf_analyzer tool and parses its CSV export.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/shinji-kodama/treeserve/internal/inferclient"
	"github.com/shinji-kodama/treeserve/internal/logging"
)

// Measurement tool names recorded in Sweep.Tool.
const (
	ToolNative       = "native"
	ToolPerfAnalyzer = "perf_analyzer"
)

// Result is the measurement at one concurrency level.
type Result struct {
	Concurrency int `json:"concurrency"`
	BatchSize   int `json:"batchSize"`

	// Requests counts successful requests. Zero for perf_analyzer, which
	// only reports rates.
	Requests int `json:"requests"`
	Errors   int `json:"errors"`

	Elapsed time.Duration `json:"elapsed"`

	// Throughput is inferences (rows) per second.
	Throughput float64 `json:"throughput"`

	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P90  time.Duration `json:"p90"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
}

// Sweep is the result of measuring one model at several concurrency levels.
type Sweep struct {
	Model    string   `json:"model"`
	Protocol string   `json:"protocol"`
	Tool     string   `json:"tool"`
	Results  []Result `json:"results"`
}

// Options configures a Runner sweep.
type Options struct {
	Model       string
	Protocol    string
	Concurrency []int
	BatchSize   int

	// Requests caps the number of requests per level. Zero means no cap.
	Requests int

	// Duration caps the wall time per level. Zero means no cap. At least
	// one of Requests and Duration must be set.
	Duration time.Duration

	// Rows are cycled through to build request batches.
	Rows [][]float32
}

func (o *Options) validate() error {
	if o.Model == "" {
		return errors.New("bench: model name is required")
	}
	if len(o.Concurrency) == 0 {
		return errors.New("bench: at least one concurrency level is required")
	}
	for _, c := range o.Concurrency {
		if c < 1 {
			return fmt.Errorf("bench: concurrency must be at least 1, got %d", c)
		}
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("bench: batch size must be at least 1, got %d", o.BatchSize)
	}
	if o.Requests <= 0 && o.Duration <= 0 {
		return errors.New("bench: set a request count or a duration")
	}
	if len(o.Rows) == 0 {
		return errors.New("bench: no input rows")
	}
	return nil
}

// Runner is the built-in load generator.
type Runner struct {
	Client inferclient.Client
	Logger *zap.Logger
}

// Run measures every concurrency level in order.
func (r *Runner) Run(ctx context.Context, opts Options) (*Sweep, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := logging.OrNop(r.Logger)

	batches, err := buildBatches(opts)
	if err != nil {
		return nil, err
	}

	sweep := &Sweep{Model: opts.Model, Protocol: opts.Protocol, Tool: ToolNative}
	for _, c := range opts.Concurrency {
		res, err := r.runLevel(ctx, c, opts, batches)
		if err != nil {
			return nil, err
		}
		log.Info("concurrency level measured",
			zap.String("model", opts.Model),
			zap.Int("concurrency", c),
			zap.Float64("throughput", res.Throughput),
			zap.Duration("p99", res.P99),
			zap.Int("errors", res.Errors),
		)
		sweep.Results = append(sweep.Results, res)
	}
	return sweep, nil
}

// buildBatches slices the rows into consecutive batches, wrapping around
// so every batch is full.
func buildBatches(opts Options) ([][][]float32, error) {
	n := len(opts.Rows) / opts.BatchSize
	if n == 0 {
		n = 1
	}
	batches := make([][][]float32, n)
	for i := range batches {
		batch := make([][]float32, opts.BatchSize)
		for j := range batch {
			batch[j] = opts.Rows[(i*opts.BatchSize+j)%len(opts.Rows)]
		}
		if _, err := inferclient.FromRows("probe", batch); err != nil {
			return nil, fmt.Errorf("bench: %w", err)
		}
		batches[i] = batch
	}
	return batches, nil
}

func (r *Runner) runLevel(ctx context.Context, concurrency int, opts Options, batches [][][]float32) (Result, error) {
	lctx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	var (
		issued  atomic.Int64
		failed  atomic.Int64
		mu      sync.Mutex
		all     []time.Duration
		lastErr error
	)

	start := time.Now()
	eg := new(errgroup.Group)
	for w := 0; w < concurrency; w++ {
		eg.Go(func() error {
			var local []time.Duration
			defer func() {
				mu.Lock()
				all = append(all, local...)
				mu.Unlock()
			}()
			for {
				if lctx.Err() != nil {
					return nil
				}
				n := issued.Add(1)
				if opts.Requests > 0 && n > int64(opts.Requests) {
					return nil
				}
				req, err := inferclient.NewBatchRequest(opts.Model, batches[int(n-1)%len(batches)])
				if err != nil {
					return err
				}
				t0 := time.Now()
				_, err = r.Client.Infer(lctx, req)
				if err != nil {
					if lctx.Err() != nil {
						return nil
					}
					failed.Add(1)
					mu.Lock()
					lastErr = err
					mu.Unlock()
					continue
				}
				local = append(local, time.Since(t0))
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)

	errCount := int(failed.Load())
	if len(all) == 0 && errCount > 0 {
		return Result{}, fmt.Errorf("bench: all %d requests at concurrency %d failed: %w", errCount, concurrency, lastErr)
	}
	return Summarize(concurrency, opts.BatchSize, all, errCount, elapsed), nil
}

// Summarize computes throughput and latency percentiles from per-request
// latencies. Percentiles use the empirical quantile.
func Summarize(concurrency, batchSize int, latencies []time.Duration, errCount int, elapsed time.Duration) Result {
	res := Result{
		Concurrency: concurrency,
		BatchSize:   batchSize,
		Requests:    len(latencies),
		Errors:      errCount,
		Elapsed:     elapsed,
	}
	if len(latencies) == 0 || elapsed <= 0 {
		return res
	}

	xs := make([]float64, len(latencies))
	for i, l := range latencies {
		xs[i] = float64(l)
	}
	sort.Float64s(xs)

	q := func(p float64) time.Duration {
		return time.Duration(stat.Quantile(p, stat.Empirical, xs, nil))
	}
	res.Throughput = float64(len(latencies)*batchSize) / elapsed.Seconds()
	res.Mean = time.Duration(stat.Mean(xs, nil))
	res.P50 = q(0.50)
	res.P90 = q(0.90)
	res.P95 = q(0.95)
	res.P99 = q(0.99)
	return res
}

// Comparison relates two sweeps at one concurrency level. Ratios are
// b over a.
type Comparison struct {
	Concurrency int     `json:"concurrency"`
	ThroughputA float64 `json:"throughputA"`
	ThroughputB float64 `json:"throughputB"`
	Speedup     float64 `json:"speedup"`
	P99Ratio    float64 `json:"p99Ratio"`
}

// Compare pairs the levels measured in both sweeps, in a's order.
func Compare(a, b *Sweep) []Comparison {
	byLevel := make(map[int]Result, len(b.Results))
	for _, r := range b.Results {
		byLevel[r.Concurrency] = r
	}

	var out []Comparison
	for _, ra := range a.Results {
		rb, ok := byLevel[ra.Concurrency]
		if !ok {
			continue
		}
		c := Comparison{
			Concurrency: ra.Concurrency,
			ThroughputA: ra.Throughput,
			ThroughputB: rb.Throughput,
		}
		if ra.Throughput > 0 {
			c.Speedup = rb.Throughput / ra.Throughput
		}
		if ra.P99 > 0 {
			c.P99Ratio = float64(rb.P99) / float64(ra.P99)
		}
		out = append(out, c)
	}
	return out
}
