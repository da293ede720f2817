package cli

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/treeserve/internal/buildfile"
	"github.com/shinji-kodama/treeserve/internal/compare"
	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/store"
)

func TestServerPortSpecs(t *testing.T) {
	cfg := config.Default()
	cfg.Server.HTTPPort = 9000

	want := []model.PortSpec{
		{ServiceName: "http", ContainerPort: 9000, Protocol: "tcp"},
		{ServiceName: "grpc", ContainerPort: 8001, Protocol: "tcp"},
		{ServiceName: "metrics", ContainerPort: 8002, Protocol: "tcp"},
	}
	if diff := cmp.Diff(want, serverPortSpecs(cfg)); diff != "" {
		t.Errorf("serverPortSpecs() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"--http-port=9000", "--grpc-port=8001", "--metrics-port=8002"}, serverArgs(cfg))
}

func TestEndpoint(t *testing.T) {
	cfg := config.Default()
	d := &model.Deployment{
		Name: "second",
		PortAllocations: []model.PortAllocation{
			{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
			{ServiceName: "grpc", ContainerPort: 8001, HostPort: 8101, Protocol: "tcp"},
		},
	}

	addr, err := endpoint(cfg, d, config.ProtocolHTTP)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8100", addr)

	addr, err = endpoint(cfg, d, config.ProtocolGRPC)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8101", addr)

	d.PortAllocations = d.PortAllocations[:1]
	_, err = endpoint(cfg, d, config.ProtocolGRPC)
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitDeploymentNotFound, cliErr.Code)
}

func TestFormatServiceAddress(t *testing.T) {
	cfg := config.Default()
	tests := []struct {
		service string
		want    string
	}{
		{"http", "http://localhost:8100"},
		{"metrics", "http://localhost:8100"},
		{"grpc", "localhost:8100"},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			pa := model.PortAllocation{ServiceName: tt.service, ContainerPort: 8000, HostPort: 8100}
			assert.Equal(t, tt.want, formatServiceAddress(cfg, pa))
		})
	}
}

func TestDeploymentName(t *testing.T) {
	cfg := config.Default()

	name, err := deploymentName(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "treeserve", name)

	name, err = deploymentName(cfg, []string{"fraud-cpu"})
	require.NoError(t, err)
	assert.Equal(t, "fraud-cpu", name)

	_, err = deploymentName(cfg, []string{"bad name!"})
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitGeneralError, cliErr.Code)
}

func TestMismatchError(t *testing.T) {
	ok, err := compare.AllClose([]float64{0.1, 0.9}, []float64{0.1, 0.9}, compare.DefaultRTol, compare.DefaultATol)
	require.NoError(t, err)
	bad, err := compare.AllClose([]float64{0.1, 0.9}, []float64{0.1, 0.5}, compare.DefaultRTol, compare.DefaultATol)
	require.NoError(t, err)

	assert.NoError(t, mismatchError([]*inferReport{{Model: "fraud-small", Compare: ok}}))

	err = mismatchError([]*inferReport{
		{Model: "fraud-small", Compare: ok},
		{Model: "fraud-large", Compare: bad},
	})
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitPredictionMismatch, cliErr.Code)
	assert.Contains(t, cliErr.Message, "fraud-large")
	assert.NotContains(t, cliErr.Message, "fraud-small")
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ExitCode
	}{
		{"plain error", errors.New("boom"), model.ExitGeneralError},
		{"cli error", model.NewCLIError(model.ExitDockerNotRunning, "no daemon"), model.ExitDockerNotRunning},
		{"wrapped cli error", fmt.Errorf("deploy: %w", model.NewCLIError(model.ExitServerNotReady, "timeout")), model.ExitServerNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, handleError(tt.err))
		})
	}
}

type fakePorts map[int]bool

func (f fakePorts) IsPortAvailable(port int, _ string) bool { return !f[port] }

func TestCheckPortsFree(t *testing.T) {
	allocs := []model.PortAllocation{
		{ServiceName: "http", ContainerPort: 8000, HostPort: 8000, Protocol: "tcp"},
		{ServiceName: "grpc", ContainerPort: 8001, HostPort: 8001, Protocol: "tcp"},
	}

	require.NoError(t, checkPortsFree(fakePorts{}, allocs))

	err := checkPortsFree(fakePorts{8001: true}, allocs)
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitPortAllocationFailed, cliErr.Code)
	assert.Contains(t, cliErr.Message, "8001")
}

func TestPromptConfirmation(t *testing.T) {
	d := &model.Deployment{
		Name:      "treeserve",
		Container: &model.ContainerInfo{ContainerID: "0123456789abcdef", ContainerName: "treeserve-treeserve"},
	}
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.input), func(t *testing.T) {
			got, err := promptConfirmation(strings.NewReader(tt.input), d)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterTraining(t *testing.T) {
	runs := []store.TrainingRun{{Model: "fraud-small"}, {Model: "fraud-large"}, {Model: "fraud-small"}}
	assert.Len(t, filterTraining(runs, ""), 3)
	assert.Len(t, filterTraining(runs, "fraud-small"), 2)
	assert.Empty(t, filterTraining(runs, "other"))
	// The input is left untouched.
	assert.Equal(t, "fraud-large", runs[1].Model)
}

func TestHistoryFormatting(t *testing.T) {
	assert.Equal(t, "9b2f4c1e", shortID("9b2f4c1e-0000-4000-8000-000000000000"))
	assert.Equal(t, "plain", shortID("plain"))
	assert.Equal(t, "1.50ms", formatLatency(1500*time.Microsecond))
	assert.Equal(t, "0.00ms", formatLatency(0))
}

func TestBackendDockerfile(t *testing.T) {
	flags := &backendFlags{
		baseImage:     buildfile.DefaultBaseImage,
		rapidsVersion: "24.10",
		gpu:           false,
		buildType:     "Debug",
	}
	g, err := flags.graph()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, renderTo(&buf, g))
	out := buf.String()
	assert.Contains(t, out, "ARG TRITON_ENABLE_GPU=OFF")
	assert.Contains(t, out, "ARG RAPIDS_VERSION=24.10")
	assert.Contains(t, out, "FROM base AS final")
	assert.Equal(t,
		[]string{"base", "build-deps", "build-sources", "build", "test-deps", "final"},
		g.Names())
}
