package repository

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/forest"
	"github.com/shinji-kodama/treeserve/internal/model"
)

func stump(numFeature int) *forest.Model {
	return &forest.Model{
		BaseScore:  0.5,
		NumFeature: numFeature,
		Objective:  forest.ObjectiveBinaryLogistic,
		Trees: []forest.Tree{{
			LeftChildren:    []int32{1, -1, -1},
			RightChildren:   []int32{2, -1, -1},
			SplitIndices:    []int32{0, 0, 0},
			SplitConditions: []float32{0.5, -0.4, 0.7},
			DefaultLeft:     []bool{true, false, false},
		}},
	}
}

func testSettings() Settings {
	return Settings{
		MaxBatchSize:        32768,
		MaxQueueDelayMicros: 100,
		InstanceKind:        model.InstanceGPU,
		InstanceCount:       1,
		Threshold:           0.5,
		StorageType:         "AUTO",
	}
}

func TestLayout(t *testing.T) {
	l := NewLayout("/repo", "fraud-small", "")
	assert.Equal(t, "/repo/fraud-small", l.ModelDir())
	assert.Equal(t, "/repo/fraud-small/1", l.VersionDir())
	assert.Equal(t, "/repo/fraud-small/1/xgboost.json", l.ModelFile(model.FormatXGBoostJSON))
	assert.Equal(t, "/repo/fraud-small/config.pbtxt", l.ConfigFile())

	assert.Equal(t, "/repo/m/3/model.txt", NewLayout("/repo", "m", "3").ModelFile(model.FormatLightGBM))
}

func TestRenderConfig(t *testing.T) {
	mc := NewModelConfig("fraud-small", stump(30), testSettings())
	data, err := RenderConfig(mc)
	require.NoError(t, err)

	text := string(data)
	for _, pattern := range []string{
		`name:\s*"fraud-small"`,
		`backend:\s*"fil"`,
		`max_batch_size:\s*32768`,
		`name:\s*"input__0"\s+data_type:\s*TYPE_FP32\s+dims:\s*30`,
		`name:\s*"output__0"\s+data_type:\s*TYPE_FP32\s+dims:\s*2`,
		`kind:\s*KIND_GPU`,
		`max_queue_delay_microseconds:\s*100`,
		`key:\s*"model_type"\s+value:\s*\{\s*string_value:\s*"xgboost_json"`,
		`key:\s*"output_class"\s+value:\s*\{\s*string_value:\s*"true"`,
		`key:\s*"predict_proba"\s+value:\s*\{\s*string_value:\s*"true"`,
		`key:\s*"threshold"\s+value:\s*\{\s*string_value:\s*"0.5"`,
		`key:\s*"storage_type"\s+value:\s*\{\s*string_value:\s*"AUTO"`,
	} {
		assert.Regexp(t, regexp.MustCompile(pattern), text)
	}
}

func TestRenderConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
	}{
		{"bad name", func(c *ModelConfig) { c.Name = "-bad" }},
		{"no backend", func(c *ModelConfig) { c.Backend = "" }},
		{"zero batch", func(c *ModelConfig) { c.MaxBatchSize = 0 }},
		{"no features", func(c *ModelConfig) { c.NumFeatures = 0 }},
		{"unresolved kind", func(c *ModelConfig) { c.InstanceKind = model.InstanceAuto }},
		{"zero instances", func(c *ModelConfig) { c.InstanceCount = 0 }},
		{"bad format", func(c *ModelConfig) { c.Format = "onnx" }},
		{"bad threshold", func(c *ModelConfig) { c.Threshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := NewModelConfig("fraud-small", stump(3), testSettings())
			tt.mutate(mc)
			_, err := RenderConfig(mc)
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_RoundTrip(t *testing.T) {
	for _, kind := range []model.InstanceKind{model.InstanceCPU, model.InstanceGPU} {
		t.Run(kind.String(), func(t *testing.T) {
			s := testSettings()
			s.InstanceKind = kind
			s.InstanceCount = 2
			want := NewModelConfig("fraud-large", stump(12), s)

			data, err := RenderConfig(want)
			require.NoError(t, err)
			got, err := ParseConfig(data)
			require.NoError(t, err)

			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseConfig_ServerWritten(t *testing.T) {
	// A hand-written file in the server's own style, with fields outside
	// the rendered subset.
	data := []byte(`
name: "fraud-small"
backend: "fil"
max_batch_size: 8192
version_policy: { latest { num_versions: 1 } }
input [
  {
    name: "input__0"
    data_type: TYPE_FP32
    dims: [ 30 ]
  }
]
output [
  {
    name: "output__0"
    data_type: TYPE_FP32
    dims: [ 2 ]
  }
]
instance_group [{ kind: KIND_CPU }]
parameters [
  {
    key: "model_type"
    value: { string_value: "xgboost_json" }
  },
  {
    key: "output_class"
    value: { string_value: "true" }
  }
]
dynamic_batching {}
`)
	got, err := ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, "fraud-small", got.Name)
	assert.Equal(t, 8192, got.MaxBatchSize)
	assert.Equal(t, 30, got.NumFeatures)
	assert.Equal(t, 2, got.NumOutputs)
	assert.Equal(t, model.InstanceCPU, got.InstanceKind)
	assert.Equal(t, 1, got.InstanceCount)
	assert.Equal(t, model.FormatXGBoostJSON, got.Format)
	assert.True(t, got.OutputClass)
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := ParseConfig([]byte(`name: `))
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`parameters { key: "threshold" value { string_value: "high" } }`))
	assert.Error(t, err)
}

func TestResolveSettings(t *testing.T) {
	rc := config.Default().Repository
	host := CPUInfo{Brand: "test", PhysicalCores: 16, LogicalCores: 32, AVX2: true}

	tests := []struct {
		name      string
		kind      string
		count     int
		gpus      string
		wantKind  model.InstanceKind
		wantCount int
	}{
		{"auto with gpus", "auto", 0, "all", model.InstanceGPU, 1},
		{"auto without gpus", "auto", 0, "", model.InstanceCPU, 4},
		{"explicit cpu count", "cpu", 3, "all", model.InstanceCPU, 3},
		{"gpu explicit", "GPU", 2, "", model.InstanceGPU, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc.InstanceKind = tt.kind
			rc.InstanceCount = tt.count
			s, err := ResolveSettings(rc, tt.gpus, host, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, s.InstanceKind)
			assert.Equal(t, tt.wantCount, s.InstanceCount)
			assert.Equal(t, rc.MaxBatchSize, s.MaxBatchSize)
		})
	}

	rc.InstanceKind = "tpu"
	_, err := ResolveSettings(rc, "", host, nil)
	assert.Error(t, err)

	rc.InstanceKind = "cpu"
	rc.InstanceCount = -1
	_, err = ResolveSettings(rc, "", host, nil)
	assert.Error(t, err)

	assert.Equal(t, 1, CPUInfo{PhysicalCores: 2}.cpuInstances())
}

func TestHostCPU(t *testing.T) {
	info := HostCPU()
	assert.GreaterOrEqual(t, info.LogicalCores, info.PhysicalCores)
}

func TestWriteAndLoad(t *testing.T) {
	root := t.TempDir()
	m := stump(4)
	mc := NewModelConfig("fraud-small", m, testSettings())

	l, err := Write(root, "fraud-small", m, mc)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "fraud-small", "1", "xgboost.json"))
	assert.FileExists(t, filepath.Join(root, "fraud-small", "config.pbtxt"))
	assert.Equal(t, filepath.Join(root, "fraud-small"), l.ModelDir())

	leftovers, err := filepath.Glob(filepath.Join(root, "fraud-small", "1", ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporary files are renamed away")

	loaded, loadedCfg, err := Load(root, "fraud-small")
	require.NoError(t, err)
	assert.Equal(t, mc.NumFeatures, loadedCfg.NumFeatures)

	x := []float32{0.9, 0, 0, 0}
	assert.InDelta(t, m.PredictProba(x), loaded.PredictProba(x), 1e-7)

	// Rewriting replaces the files in place.
	_, err = Write(root, "fraud-small", m, mc)
	require.NoError(t, err)
}

func TestWrite_Rejects(t *testing.T) {
	root := t.TempDir()
	m := stump(4)

	_, err := Write(root, "../escape", m, NewModelConfig("../escape", m, testSettings()))
	assert.Error(t, err)

	_, err = Write(root, "a", m, NewModelConfig("b", m, testSettings()))
	assert.Error(t, err)

	_, err = Write(root, "a", m, NewModelConfig("a", stump(9), testSettings()))
	assert.Error(t, err, "width mismatch")

	mc := NewModelConfig("a", m, testSettings())
	mc.Format = model.FormatLightGBM
	_, err = Write(root, "a", m, mc)
	assert.Error(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoad_Missing(t *testing.T) {
	_, _, err := Load(t.TempDir(), "nope")
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigNotFound, cliErr.Code)
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"fraud-small", "fraud-large"} {
		m := stump(4)
		_, err := Write(root, name, m, NewModelConfig(name, m, testSettings()))
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken", "2"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken", "10"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644))

	entries, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "broken", entries[0].Name)
	assert.Equal(t, []string{"2", "10"}, entries[0].Versions)
	assert.Contains(t, entries[0].Err, "config.pbtxt")

	assert.Equal(t, "fraud-large", entries[1].Name)
	assert.Equal(t, []string{"1"}, entries[1].Versions)
	require.NotNil(t, entries[1].Config)
	assert.Equal(t, 4, entries[1].Config.NumFeatures)
	assert.Empty(t, entries[1].Err)

	_, err = Scan(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
