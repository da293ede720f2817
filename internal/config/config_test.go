package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/treeserve/internal/model"
)

// writeFile creates a file with the given contents inside a fresh temp dir
// and returns its path.
func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

// TestLoad_Defaults verifies that an empty path yields a valid default
// configuration with the two stock profiles.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "isFraud", cfg.Data.Target)
	assert.Equal(t, []string{"large", "small"}, cfg.ProfileNames())
	assert.Equal(t, "fraud-small", cfg.ModelName("small"))
	assert.Equal(t, 60*time.Second, cfg.ReadyTimeout())
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.PerfDuration())
}

// TestLoad_JSONC verifies that comments and trailing commas are stripped and
// that partial profiles inherit default hyperparameters.
func TestLoad_JSONC(t *testing.T) {
	path := writeFile(t, "treeserve.jsonc", `{
  // where the transactions live
  "data": {"path": "tx.csv", "target": "label", "drop": ["TransactionID"]},
  "train": {
    "profiles": {
      "tiny": {"rounds": 5, "maxDepth": 2}, /* only two fields */
    },
  },
  "server": {"protocol": "grpc", "readyTimeout": "5s"},
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "tx.csv", cfg.Data.Path)
	assert.Equal(t, "label", cfg.Data.Target)
	assert.Equal(t, []string{"TransactionID"}, cfg.Data.Drop)
	assert.Equal(t, ProtocolGRPC, cfg.Server.Protocol)
	assert.Equal(t, 5*time.Second, cfg.ReadyTimeout())

	// User profiles replace the stock ones.
	require.Equal(t, []string{"tiny"}, cfg.ProfileNames())
	tiny := cfg.Train.Profiles["tiny"]
	assert.Equal(t, "tiny", tiny.Name)
	assert.Equal(t, 5, tiny.Rounds)
	assert.Equal(t, 2, tiny.MaxDepth)
	assert.Equal(t, 0.3, tiny.LearningRate, "unset fields inherit defaults")
	assert.Equal(t, 1.0, tiny.Subsample)

	// Untouched sections keep their defaults.
	assert.Equal(t, 32768, cfg.Repository.MaxBatchSize)
}

// TestLoad_YAML verifies the YAML path.
func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "treeserve.yaml", `
data:
  path: tx.csv
  numericImpute: median
repository:
  instanceKind: gpu
  maxQueueDelayMicros: 250
perf:
  tool: perf_analyzer
  concurrency: [1, 4]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "median", cfg.Data.NumericImpute)
	assert.Equal(t, "gpu", cfg.Repository.InstanceKind)
	assert.Equal(t, 250, cfg.Repository.MaxQueueDelayMicros)
	assert.Equal(t, PerfToolPerfAnalyzer, cfg.Perf.Tool)
	assert.Equal(t, []int{1, 4}, cfg.Perf.Concurrency)
	assert.Len(t, cfg.Train.Profiles, 2, "absent profiles fall back to the stock pair")
}

// TestLoad_NotFound verifies the exit code carried by a missing file.
func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigNotFound, cliErr.Code)
}

// TestLoad_Invalid covers validation failures surfaced by Load.
func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{"bad json", `{"data": `, "failed to parse"},
		{"bad test fraction", `{"data": {"testFraction": 1.5}}`, "testFraction"},
		{"bad impute", `{"data": {"numericImpute": "mode"}}`, "numericImpute"},
		{"bad trainer", `{"train": {"trainer": "sklearn"}}`, "train.trainer"},
		{"bad kind", `{"repository": {"instanceKind": "tpu"}}`, "instanceKind"},
		{"unsupported format", `{"repository": {"format": "lightgbm"}}`, "only xgboost_json"},
		{"bad duration", `{"server": {"readyTimeout": "soon"}}`, "server.readyTimeout"},
		{"bad protocol", `{"server": {"protocol": "ws"}}`, "server.protocol"},
		{"zero concurrency", `{"perf": {"concurrency": [0]}}`, "perf.concurrency"},
		{"batch above max", `{"perf": {"batchSize": 100000}}`, "perf.batchSize"},
		{"bad profile", `{"train": {"profiles": {"x": {"learningRate": 2}}}}`, "learningRate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "treeserve.jsonc", tt.contents)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestFind verifies the probe order of SearchNames.
func TestFind(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, Find(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "treeserve.yaml"), nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "treeserve.yaml"), Find(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "treeserve.jsonc"), nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "treeserve.jsonc"), Find(dir), "jsonc wins over yaml")
}

// TestResolve verifies that relative paths are anchored at the config file.
func TestResolve(t *testing.T) {
	path := writeFile(t, "treeserve.json", `{"data": {"path": "tx.csv"}, "store": {"path": "/abs/runs.db"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Resolve()
	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "tx.csv"), cfg.Data.Path)
	assert.Equal(t, filepath.Join(dir, "model_repository"), cfg.Repository.Path)
	assert.Equal(t, "/abs/runs.db", cfg.Store.Path)
}
