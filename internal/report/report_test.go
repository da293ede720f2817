package report

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/treeserve/internal/bench"
)

func TestAUC(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		labels []float32
		want   float64
	}{
		{"perfect ranking", []float64{0.1, 0.2, 0.8, 0.9}, []float32{0, 0, 1, 1}, 1},
		{"inverted ranking", []float64{0.9, 0.8, 0.2, 0.1}, []float32{0, 0, 1, 1}, 0},
		{"one swapped pair", []float64{0.1, 0.6, 0.5, 0.9}, []float32{0, 0, 1, 1}, 0.75},
		{"all tied", []float64{0.5, 0.5, 0.5, 0.5}, []float32{0, 1, 0, 1}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AUC(tt.scores, tt.labels)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestROC_Curve(t *testing.T) {
	scores := []float64{0.9, 0.1, 0.8, 0.3}
	c, err := ROC("fraud-small", scores, []float32{1, 0, 1, 0})
	require.NoError(t, err)

	assert.Equal(t, "fraud-small", c.Name)
	require.Equal(t, len(c.FPR), len(c.TPR))
	assert.Equal(t, 0.0, c.FPR[0])
	assert.Equal(t, 1.0, c.FPR[len(c.FPR)-1])
	assert.Equal(t, 1.0, c.TPR[len(c.TPR)-1])
	assert.InDelta(t, 1.0, c.AUC, 1e-9)

	// The caller's slice is not reordered.
	assert.Equal(t, []float64{0.9, 0.1, 0.8, 0.3}, scores)
}

func TestROC_Errors(t *testing.T) {
	_, err := ROC("x", []float64{0.1}, []float32{1, 0})
	assert.Error(t, err)

	_, err = ROC("x", []float64{0.1, 0.2}, []float32{1, 1})
	assert.True(t, errors.Is(err, ErrSingleClass))
}

func sampleSweeps() []*bench.Sweep {
	return []*bench.Sweep{
		{Model: "fraud-small", Protocol: "grpc", Tool: bench.ToolNative, Results: []bench.Result{
			{Concurrency: 1, Throughput: 900, P99: 2 * time.Millisecond},
			{Concurrency: 2, Throughput: 1700, P99: 3 * time.Millisecond},
		}},
		{Model: "fraud-large", Protocol: "grpc", Tool: bench.ToolNative, Results: []bench.Result{
			{Concurrency: 1, Throughput: 400, P99: 4 * time.Millisecond},
			{Concurrency: 4, Throughput: 1200, P99: 9 * time.Millisecond},
		}},
	}
}

func TestPlotROC(t *testing.T) {
	c, err := ROC("fraud-small", []float64{0.2, 0.4, 0.6, 0.9}, []float32{0, 1, 0, 1})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "plots", "roc.png")
	require.NoError(t, PlotROC(path, c))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	assert.Error(t, PlotROC(path))
}

func TestPlotLatencyThroughput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency.png")
	require.NoError(t, PlotLatencyThroughput(path, sampleSweeps()...))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	assert.Error(t, PlotLatencyThroughput(path))
}

func TestSweepHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SweepHTML(&buf, sampleSweeps()...))

	html := buf.String()
	assert.Contains(t, html, "treeserve performance sweep")
	assert.Contains(t, html, "fraud-small (grpc)")
	assert.Contains(t, html, "fraud-large (grpc)")
	assert.Contains(t, html, "p99 latency")

	assert.Error(t, SweepHTML(&buf))
}
