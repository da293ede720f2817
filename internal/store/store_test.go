package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/treeserve/internal/bench"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// clock returns a now func that advances one second per call.
func clock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestOpen_MigratesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.db")
	s, err := Open(path, nil)
	require.NoError(t, err)

	v, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)
	require.NoError(t, s.Close())

	// Reopening an up-to-date database is a no-op.
	s, err = Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, path)
}

func TestTrainingRuns(t *testing.T) {
	s := openTest(t)
	s.now = clock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	ctx := context.Background()

	small := TrainingRun{
		Model: "fraud-small", Profile: "small", Trainer: "native",
		Rounds: 100, MaxDepth: 4, LearningRate: 0.1,
		TrainRows: 800, TestRows: 200, NumFeatures: 30, NumTrees: 100,
		TestAUC: 0.97, TestLogLoss: 0.12, Duration: 1500 * time.Millisecond,
	}
	id, err := s.RecordTraining(ctx, small)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	large := small
	large.Model, large.Profile, large.Rounds = "fraud-large", "large", 500
	_, err = s.RecordTraining(ctx, large)
	require.NoError(t, err)

	runs, err := s.ListTraining(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "fraud-large", runs[0].Model, "newest first")
	assert.Equal(t, "fraud-small", runs[1].Model)
	assert.Equal(t, id, runs[1].ID)
	assert.Equal(t, 1500*time.Millisecond, runs[1].Duration)
	assert.InDelta(t, 0.97, runs[1].TestAUC, 1e-12)
	assert.True(t, runs[1].CreatedAt.Before(runs[0].CreatedAt))

	runs, err = s.ListTraining(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestPerfResults(t *testing.T) {
	s := openTest(t)
	s.now = clock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	ctx := context.Background()

	sweep := &bench.Sweep{
		Model: "fraud-small", Protocol: "grpc", Tool: bench.ToolNative,
		Results: []bench.Result{
			{Concurrency: 1, BatchSize: 1, Requests: 100, Throughput: 900, Mean: 1100 * time.Microsecond, P99: 3 * time.Millisecond},
			{Concurrency: 4, BatchSize: 1, Requests: 400, Errors: 2, Throughput: 3000, Mean: 1300 * time.Microsecond, P99: 5 * time.Millisecond},
		},
	}
	sweepID, err := s.RecordPerf(ctx, sweep)
	require.NoError(t, err)

	other := &bench.Sweep{Model: "fraud-large", Protocol: "http", Tool: bench.ToolPerfAnalyzer,
		Results: []bench.Result{{Concurrency: 2, BatchSize: 8, Throughput: 5000}}}
	_, err = s.RecordPerf(ctx, other)
	require.NoError(t, err)

	got, err := s.ListPerf(ctx, "fraud-small", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Equal(t, sweepID, p.SweepID)
		assert.Equal(t, "grpc", p.Protocol)
	}
	assert.Equal(t, 1, got[0].Result.Concurrency)
	assert.Equal(t, 4, got[1].Result.Concurrency)
	assert.Equal(t, 2, got[1].Result.Errors)
	assert.Equal(t, 1300*time.Microsecond, got[1].Result.Mean)
	assert.Equal(t, 5*time.Millisecond, got[1].Result.P99)

	all, err := s.ListPerf(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "fraud-large", all[0].Model, "newest sweep first")

	_, err = s.RecordPerf(ctx, &bench.Sweep{Model: "empty"})
	assert.Error(t, err)
}

func TestDeploymentEvents(t *testing.T) {
	s := openTest(t)
	s.now = clock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	ctx := context.Background()

	events := []DeploymentEvent{
		{Name: "fraud", Action: ActionDeploy, Image: "tritonserver:24.01", Models: []string{"fraud-large", "fraud-small"}},
		{Name: "fraud", Action: ActionStop},
		{Name: "other", Action: ActionDeploy, Detail: "cpu"},
	}
	for _, ev := range events {
		_, err := s.RecordDeployment(ctx, ev)
		require.NoError(t, err)
	}

	got, err := s.ListDeploymentEvents(ctx, "fraud", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ActionStop, got[0].Action)
	assert.Nil(t, got[0].Models)
	assert.Equal(t, []string{"fraud-large", "fraud-small"}, got[1].Models)
	assert.Equal(t, "tritonserver:24.01", got[1].Image)

	all, err := s.ListDeploymentEvents(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "other", all[0].Name)
}

func TestSQLLimit(t *testing.T) {
	assert.Equal(t, -1, sqlLimit(0))
	assert.Equal(t, -1, sqlLimit(-3))
	assert.Equal(t, 5, sqlLimit(5))
}
