package bench

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shinji-kodama/treeserve/internal/inferclient"
	"github.com/shinji-kodama/treeserve/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient answers Infer after a fixed delay. Every failEvery-th call
// fails when failEvery is set.
type fakeClient struct {
	delay     time.Duration
	failEvery int64
	calls     atomic.Int64
	inFlight  atomic.Int64
	maxFlight atomic.Int64
}

func (f *fakeClient) ServerLive(context.Context) (bool, error)  { return true, nil }
func (f *fakeClient) ServerReady(context.Context) (bool, error) { return true, nil }
func (f *fakeClient) ModelReady(context.Context, string, string) (bool, error) {
	return true, nil
}
func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) Infer(ctx context.Context, req *inferclient.InferRequest) (*inferclient.InferResponse, error) {
	n := f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxFlight.Load()
		if cur <= m || f.maxFlight.CompareAndSwap(m, cur) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.delay):
	}
	if f.failEvery > 0 && n%f.failEvery == 0 {
		return nil, errors.New("model unavailable")
	}
	return &inferclient.InferResponse{Model: req.Model}, nil
}

func rows(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(i), 1}
	}
	return out
}

func TestRunner_RequestBudget(t *testing.T) {
	client := &fakeClient{delay: time.Millisecond}
	r := &Runner{Client: client}

	sweep, err := r.Run(context.Background(), Options{
		Model:       "fraud-small",
		Protocol:    "grpc",
		Concurrency: []int{1, 4},
		BatchSize:   2,
		Requests:    20,
		Rows:        rows(7),
	})
	require.NoError(t, err)

	assert.Equal(t, ToolNative, sweep.Tool)
	require.Len(t, sweep.Results, 2)
	for _, res := range sweep.Results {
		assert.Equal(t, 20, res.Requests)
		assert.Equal(t, 0, res.Errors)
		assert.Equal(t, 2, res.BatchSize)
		assert.Greater(t, res.Throughput, 0.0)
		assert.GreaterOrEqual(t, res.P50, time.Millisecond)
		assert.LessOrEqual(t, res.P50, res.P99)
	}
	assert.Equal(t, 1, sweep.Results[0].Concurrency)
	assert.Equal(t, 4, sweep.Results[1].Concurrency)
	assert.Equal(t, int64(40), client.calls.Load())
	assert.LessOrEqual(t, client.maxFlight.Load(), int64(4))
}

func TestRunner_Duration(t *testing.T) {
	client := &fakeClient{delay: 2 * time.Millisecond}
	r := &Runner{Client: client}

	start := time.Now()
	sweep, err := r.Run(context.Background(), Options{
		Model:       "fraud-large",
		Concurrency: []int{2},
		BatchSize:   1,
		Duration:    50 * time.Millisecond,
		Rows:        rows(3),
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Greater(t, sweep.Results[0].Requests, 0)
	assert.Equal(t, 0, sweep.Results[0].Errors, "requests cut off by the deadline are not errors")
}

func TestRunner_CountsErrors(t *testing.T) {
	client := &fakeClient{failEvery: 4}
	r := &Runner{Client: client}

	sweep, err := r.Run(context.Background(), Options{
		Model: "m", Concurrency: []int{1}, BatchSize: 1, Requests: 8, Rows: rows(1),
	})
	require.NoError(t, err)
	assert.Equal(t, 6, sweep.Results[0].Requests)
	assert.Equal(t, 2, sweep.Results[0].Errors)
}

func TestRunner_AllFailed(t *testing.T) {
	r := &Runner{Client: &fakeClient{failEvery: 1}}
	_, err := r.Run(context.Background(), Options{
		Model: "m", Concurrency: []int{2}, BatchSize: 1, Requests: 4, Rows: rows(1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestRunner_InvalidOptions(t *testing.T) {
	r := &Runner{Client: &fakeClient{}}
	valid := Options{Model: "m", Concurrency: []int{1}, BatchSize: 1, Requests: 1, Rows: rows(1)}

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"no model", func(o *Options) { o.Model = "" }},
		{"no levels", func(o *Options) { o.Concurrency = nil }},
		{"zero concurrency", func(o *Options) { o.Concurrency = []int{0} }},
		{"zero batch", func(o *Options) { o.BatchSize = 0 }},
		{"unbounded", func(o *Options) { o.Requests = 0 }},
		{"no rows", func(o *Options) { o.Rows = nil }},
		{"ragged rows", func(o *Options) { o.Rows = [][]float32{{1}, {1, 2}}; o.BatchSize = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			_, err := r.Run(context.Background(), o)
			assert.Error(t, err)
		})
	}
}

func TestSummarize(t *testing.T) {
	var lat []time.Duration
	for i := 1; i <= 100; i++ {
		lat = append(lat, time.Duration(i)*time.Millisecond)
	}
	res := Summarize(8, 4, lat, 3, 2*time.Second)

	assert.Equal(t, 100, res.Requests)
	assert.Equal(t, 3, res.Errors)
	assert.InDelta(t, 200.0, res.Throughput, 1e-9, "100 requests x 4 rows / 2s")
	assert.InDelta(t, float64(50*time.Millisecond), float64(res.P50), float64(time.Millisecond))
	assert.InDelta(t, float64(90*time.Millisecond), float64(res.P90), float64(time.Millisecond))
	assert.InDelta(t, float64(95*time.Millisecond), float64(res.P95), float64(time.Millisecond))
	assert.InDelta(t, float64(99*time.Millisecond), float64(res.P99), float64(time.Millisecond))
	assert.Equal(t, 50500*time.Microsecond, res.Mean)

	empty := Summarize(1, 1, nil, 0, time.Second)
	assert.Zero(t, empty.Throughput)
	assert.Zero(t, empty.P99)
}

func TestCompare(t *testing.T) {
	a := &Sweep{Results: []Result{
		{Concurrency: 1, Throughput: 100, P99: 2 * time.Millisecond},
		{Concurrency: 2, Throughput: 150, P99: 4 * time.Millisecond},
		{Concurrency: 4, Throughput: 0},
	}}
	b := &Sweep{Results: []Result{
		{Concurrency: 2, Throughput: 300, P99: 2 * time.Millisecond},
		{Concurrency: 1, Throughput: 50, P99: 4 * time.Millisecond},
	}}

	got := Compare(a, b)
	require.Len(t, got, 2)
	assert.Equal(t, Comparison{Concurrency: 1, ThroughputA: 100, ThroughputB: 50, Speedup: 0.5, P99Ratio: 2}, got[0])
	assert.Equal(t, Comparison{Concurrency: 2, ThroughputA: 150, ThroughputB: 300, Speedup: 2, P99Ratio: 0.5}, got[1])
}

func TestConcurrencyRanges(t *testing.T) {
	tests := []struct {
		levels []int
		want   []string
	}{
		{[]int{1, 2, 3, 4}, []string{"1:4:1"}},
		{[]int{2, 4, 6}, []string{"2:6:2"}},
		{[]int{8}, []string{"8:8"}},
		{[]int{1, 2, 4, 8}, []string{"1:1", "2:2", "4:4", "8:8"}},
		{nil, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ConcurrencyRanges(tt.levels), "%v", tt.levels)
	}
}

const perfCSV = `Concurrency,Inferences/Second,Client Send,Network+Server Send/Recv,Server Queue,Server Compute Input,Server Compute Infer,Server Compute Output,Client Recv,p50 latency,p90 latency,p95 latency,p99 latency
1,1520.5,10,200,5,20,300,15,10,610,700,750,900
2,2900,12,210,40,22,310,16,10,650,800,850,1000
`

func TestParsePerfCSV(t *testing.T) {
	got, err := ParsePerfCSV(strings.NewReader(perfCSV))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].Concurrency)
	assert.InDelta(t, 1520.5, got[0].Throughput, 1e-9)
	assert.Equal(t, 610*time.Microsecond, got[0].P50)
	assert.Equal(t, 900*time.Microsecond, got[0].P99)
	assert.Equal(t, 560*time.Microsecond, got[0].Mean, "sum of latency components")
	assert.Equal(t, 2, got[1].Concurrency)
}

func TestParsePerfCSV_Errors(t *testing.T) {
	tests := []struct {
		name, input string
	}{
		{"empty", ""},
		{"header only", "Concurrency,Inferences/Second\n"},
		{"missing p99", "Concurrency,Inferences/Second,p50 latency,p90 latency,p95 latency\n1,2,3,4,5\n"},
		{"non-numeric", "Concurrency,Inferences/Second,p50 latency,p90 latency,p95 latency,p99 latency\n1,fast,3,4,5,6\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePerfCSV(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestPerfAnalyzer_Run(t *testing.T) {
	dir := t.TempDir()
	var calls [][]string
	p := &PerfAnalyzer{
		Image: "nvcr.io/nvidia/tritonserver:24.08-py3-sdk",
		Command: func(_ context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, append([]string{name}, args...))
			// The CSV path follows -f.
			for i, a := range args {
				if a == "-f" {
					return nil, os.WriteFile(args[i+1], []byte(perfCSV), 0o644)
				}
			}
			return nil, errors.New("no -f flag")
		},
	}

	sweep, err := p.Run(context.Background(), PerfOptions{
		Model:       "fraud-small",
		BatchSize:   4,
		Concurrency: []int{1, 2},
		Protocol:    "grpc",
		URL:         "localhost:8001",
		WorkDir:     dir,
	})
	require.NoError(t, err)
	assert.Equal(t, ToolPerfAnalyzer, sweep.Tool)
	require.Len(t, sweep.Results, 2)
	assert.Equal(t, 4, sweep.Results[0].BatchSize)

	require.Len(t, calls, 1)
	cmd := strings.Join(calls[0], " ")
	assert.True(t, strings.HasPrefix(cmd, "docker run --rm --network host -v "+dir+":"+dir))
	assert.Contains(t, cmd, "perf_analyzer -m fraud-small -b 4 --concurrency-range 1:2:1 -i grpc -u localhost:8001 -f "+filepath.Join(dir, "perf-fraud-small-0.csv"))
}

func TestPerfAnalyzer_Failure(t *testing.T) {
	p := &PerfAnalyzer{
		Binary: "perf_analyzer",
		Command: func(context.Context, string, ...string) ([]byte, error) {
			return []byte("error: failed to get model metadata"), errors.New("exit status 1")
		},
	}
	_, err := p.Run(context.Background(), PerfOptions{
		Model: "m", Concurrency: []int{1}, Protocol: "http", URL: "localhost:8000", WorkDir: t.TempDir(),
	})
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitExternalToolFailed, cliErr.Code)
	assert.Contains(t, cliErr.Message, "failed to get model metadata")
}
