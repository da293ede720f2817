package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/treeserve/internal/model"
)

func testDeployment() *model.Deployment {
	return &model.Deployment{
		Name:           "fraud",
		Image:          "nvcr.io/nvidia/tritonserver:24.08-py3",
		RepositoryPath: "/srv/model_repository",
		Models:         []string{"fraud-large", "fraud-small"},
		InstanceKind:   model.InstanceGPU,
		PortAllocations: []model.PortAllocation{
			{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
			{ServiceName: "grpc", ContainerPort: 8001, HostPort: 8101, Protocol: "tcp"},
			{ServiceName: "metrics", ContainerPort: 8002, HostPort: 8102, Protocol: "tcp"},
		},
		CreatedAt: time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuildLabels(t *testing.T) {
	labels := BuildLabels(testDeployment())

	assert.Equal(t, ManagedByValue, labels[LabelManagedBy])
	assert.Equal(t, "fraud", labels[LabelName])
	assert.Equal(t, "/srv/model_repository", labels[LabelRepository])
	assert.Equal(t, "fraud-large,fraud-small", labels[LabelModels])
	assert.Equal(t, "gpu", labels[LabelInstanceKind])
	assert.Equal(t, "2026-02-28T10:00:00Z", labels[LabelCreatedAt])
	assert.Equal(t, "http:8100", labels["treeserve.port.8000"])
	assert.Equal(t, "grpc:8101", labels["treeserve.port.8001"])

	// 7 fixed labels plus one per port.
	assert.Len(t, labels, 10)
}

func TestLabels_RoundTrip(t *testing.T) {
	want := testDeployment()
	got, err := ParseLabels(BuildLabels(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseLabels_Errors(t *testing.T) {
	valid := BuildLabels(testDeployment())

	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantMsg string
	}{
		{"missing name and image", func(l map[string]string) {
			delete(l, LabelName)
			delete(l, LabelImage)
		}, "treeserve.name, treeserve.image"},
		{"foreign manager", func(l map[string]string) { l[LabelManagedBy] = "someone-else" }, "unexpected value"},
		{"bad kind", func(l map[string]string) { l[LabelInstanceKind] = "tpu" }, LabelInstanceKind},
		{"bad time", func(l map[string]string) { l[LabelCreatedAt] = "yesterday" }, LabelCreatedAt},
		{"bad port key", func(l map[string]string) { l[LabelPortPrefix+"http"] = "8100" }, "container port"},
		{"bad port value", func(l map[string]string) { l[LabelPortPrefix+"8000"] = "http:x" }, "host port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := make(map[string]string, len(valid))
			for k, v := range valid {
				labels[k] = v
			}
			tt.mutate(labels)
			_, err := ParseLabels(labels)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestParsePortLabels(t *testing.T) {
	ports, err := ParsePortLabels(map[string]string{
		"treeserve.port.8002": "metrics:8102",
		"treeserve.port.8000": "8100",
		LabelName:             "fraud",
	})
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, model.PortAllocation{ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"}, ports[0])
	assert.Equal(t, "metrics", ports[1].ServiceName)
	assert.Equal(t, 8102, ports[1].HostPort)

	none, err := ParsePortLabels(map[string]string{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestParseLabels_NoModels(t *testing.T) {
	d := testDeployment()
	d.Models = nil
	got, err := ParseLabels(BuildLabels(d))
	require.NoError(t, err)
	assert.Nil(t, got.Models)
}

func TestFilterLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"treeserve.managed-by": "treeserve"}, FilterLabels())
}
