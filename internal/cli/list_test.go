// list_test.go contains unit tests for the pure formatting
// and filtering helpers of the list command.
//
// These tests verify data transformation logic without requiring a Docker
// daemon or any external dependencies.

package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/repository"
)

// TestFormatPortsList verifies that FormatPortsList correctly converts
// a slice of PortAllocations into a comma-separated string of host ports.
func TestFormatPortsList(t *testing.T) {
	tests := []struct {
		name        string
		allocations []model.PortAllocation
		want        string
	}{
		{
			name:        "empty allocations returns dash",
			allocations: []model.PortAllocation{},
			want:        "-",
		},
		{
			name:        "nil allocations returns dash",
			allocations: nil,
			want:        "-",
		},
		{
			name: "single port",
			allocations: []model.PortAllocation{
				{ServiceName: "http", ContainerPort: 8000, HostPort: 8000, Protocol: "tcp"},
			},
			want: "8000",
		},
		{
			name: "server ports of the second deployment",
			allocations: []model.PortAllocation{
				{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
				{ServiceName: "grpc", ContainerPort: 8001, HostPort: 8101, Protocol: "tcp"},
				{ServiceName: "metrics", ContainerPort: 8002, HostPort: 8102, Protocol: "tcp"},
			},
			want: "8100,8101,8102",
		},
		{
			name: "ports are sorted numerically",
			allocations: []model.PortAllocation{
				{ServiceName: "metrics", ContainerPort: 8002, HostPort: 10002, Protocol: "tcp"},
				{ServiceName: "http", ContainerPort: 8000, HostPort: 9900, Protocol: "tcp"},
				{ServiceName: "grpc", ContainerPort: 8001, HostPort: 10001, Protocol: "tcp"},
			},
			// "10001" would sort before "9900" as a string.
			want: "9900,10001,10002",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatPortsList(tt.allocations))
		})
	}
}

func TestValidateStatusFilter(t *testing.T) {
	for _, s := range []string{"all", "running", "stopped", "orphaned"} {
		assert.NoError(t, validateStatusFilter(s), s)
	}

	err := validateStatusFilter("exited")
	require.Error(t, err)
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitGeneralError, cliErr.Code)
}

func TestFilterDeployments(t *testing.T) {
	deployments := []*model.Deployment{
		{Name: "a", Status: model.StatusRunning},
		{Name: "b", Status: model.StatusStopped},
		{Name: "c", Status: model.StatusRunning},
		{Name: "d", Status: model.StatusOrphaned},
	}

	names := func(ds []*model.Deployment) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, names(filterDeployments(deployments, "all")))
	assert.Equal(t, []string{"a", "c"}, names(filterDeployments(deployments, "running")))
	assert.Equal(t, []string{"d"}, names(filterDeployments(deployments, "orphaned")))
	assert.Empty(t, filterDeployments(deployments[:1], "stopped"))
}

func TestFormatModelEntry(t *testing.T) {
	t.Run("configured model", func(t *testing.T) {
		row := formatModelEntry(repository.Entry{
			Name:     "fraud-small",
			Versions: []string{"1"},
			Config: &repository.ModelConfig{
				Name:          "fraud-small",
				MaxBatchSize:  32768,
				NumFeatures:   30,
				InstanceKind:  model.InstanceGPU,
				InstanceCount: 1,
			},
		})
		fields := strings.Fields(row)
		assert.Equal(t, []string{"fraud-small", "1", "30", "gpu", "x1", "32768", "ok"}, fields)
	})

	t.Run("missing config", func(t *testing.T) {
		row := formatModelEntry(repository.Entry{Name: "broken", Versions: []string{"1", "2"}})
		assert.True(t, strings.HasPrefix(row, "broken"))
		assert.Contains(t, row, "1,2")
		assert.Contains(t, row, "no config")
	})

	t.Run("unreadable config", func(t *testing.T) {
		row := formatModelEntry(repository.Entry{Name: "bad", Err: "config.pbtxt: syntax error"})
		assert.Contains(t, row, "config.pbtxt: syntax error")
		assert.Contains(t, row, " - ")
	})
}
