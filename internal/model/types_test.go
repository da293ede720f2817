package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDeploymentStatus_String verifies that DeploymentStatus values produce
// the expected string representations for CLI output and JSON serialization.
func TestDeploymentStatus_String(t *testing.T) {
	tests := []struct {
		status   DeploymentStatus
		expected string
	}{
		{StatusRunning, "running"},
		{StatusStopped, "stopped"},
		{StatusOrphaned, "orphaned"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

// TestDeploymentStatus_IsValid checks that only defined status values pass validation.
func TestDeploymentStatus_IsValid(t *testing.T) {
	assert.True(t, StatusRunning.IsValid())
	assert.True(t, StatusStopped.IsValid())
	assert.True(t, StatusOrphaned.IsValid())
	assert.False(t, DeploymentStatus("invalid").IsValid())
	assert.False(t, DeploymentStatus("").IsValid())
}

// TestParseInstanceKind verifies string-to-kind conversion,
// including case normalization and error cases.
func TestParseInstanceKind(t *testing.T) {
	tests := []struct {
		input    string
		expected InstanceKind
		hasError bool
	}{
		{"cpu", InstanceCPU, false},
		{"gpu", InstanceGPU, false},
		{"auto", InstanceAuto, false},
		{"GPU", InstanceGPU, false}, // case insensitive
		{"tpu", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseInstanceKind(tt.input)
			if tt.hasError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

// TestInstanceKind_ServerKind checks the instance_group literals. Auto has
// no literal because it must be resolved before export.
func TestInstanceKind_ServerKind(t *testing.T) {
	assert.Equal(t, "KIND_CPU", InstanceCPU.ServerKind())
	assert.Equal(t, "KIND_GPU", InstanceGPU.ServerKind())
	assert.Empty(t, InstanceAuto.ServerKind())
}

// TestModelFormat_FileName verifies the file names the server looks for
// inside a model version directory.
func TestModelFormat_FileName(t *testing.T) {
	tests := []struct {
		format   ModelFormat
		expected string
	}{
		{FormatXGBoostJSON, "xgboost.json"},
		{FormatXGBoostBinary, "xgboost.model"},
		{FormatLightGBM, "model.txt"},
		{FormatTreelite, "checkpoint.tl"},
		{ModelFormat("onnx"), ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.format.FileName())
		})
	}
}

// TestParseModelFormat verifies format parsing and rejection of unknown tags.
func TestParseModelFormat(t *testing.T) {
	f, err := ParseModelFormat("XGBoost_JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatXGBoostJSON, f)

	_, err = ParseModelFormat("onnx")
	assert.Error(t, err)
}

// TestProfile_Validate covers the hyperparameter bounds.
func TestProfile_Validate(t *testing.T) {
	valid := Profile{Name: "small", Rounds: 10, MaxDepth: 6, LearningRate: 0.3, Lambda: 1, MinChildWeight: 1, Subsample: 1}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *Profile)
	}{
		{"empty name", func(p *Profile) { p.Name = "" }},
		{"zero rounds", func(p *Profile) { p.Rounds = 0 }},
		{"zero depth", func(p *Profile) { p.MaxDepth = 0 }},
		{"learning rate above one", func(p *Profile) { p.LearningRate = 1.5 }},
		{"negative lambda", func(p *Profile) { p.Lambda = -1 }},
		{"zero subsample", func(p *Profile) { p.Subsample = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

// TestDeployment_HostPort verifies lookup of published ports by container port.
func TestDeployment_HostPort(t *testing.T) {
	d := Deployment{PortAllocations: []PortAllocation{
		{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
		{ServiceName: "grpc", ContainerPort: 8001, HostPort: 8101, Protocol: "tcp"},
	}}
	assert.Equal(t, 8100, d.HostPort(8000))
	assert.Equal(t, 8101, d.HostPort(8001))
	assert.Equal(t, 0, d.HostPort(8002))
}

// TestContainerInfo_ShortID checks docker-style ID abbreviation.
func TestContainerInfo_ShortID(t *testing.T) {
	c := ContainerInfo{ContainerID: "0123456789abcdef0123"}
	assert.Equal(t, "0123456789ab", c.ShortID())

	short := ContainerInfo{ContainerID: "abc"}
	assert.Equal(t, "abc", short.ShortID())
}

// TestValidateName checks name validation rules:
// - Must not be empty
// - Alphanumeric, hyphens and underscores only
// - Must start and end with alphanumeric
func TestValidateName(t *testing.T) {
	tests := []struct {
		name     string
		hasError bool
	}{
		{"fraud-small", false}, // valid: alphanumeric with hyphen
		{"a", false},           // valid: single character
		{"fraud_large", false}, // valid: underscore
		{"abc123", false},      // valid: alphanumeric
		{"", true},             // invalid: empty
		{"-fraud", true},       // invalid: starts with hyphen
		{"fraud_", true},       // invalid: ends with underscore
		{"fraud model", true},  // invalid: space
		{"fraud.model", true},  // invalid: dot
		{"../escape", true},    // invalid: path traversal
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.hasError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestPortAllocation_Validate checks individual port allocation validation:
// - ContainerPort range: 1-65535
// - HostPort range: 1024-65535
// - Protocol must be tcp or udp
// - ServiceName must not be empty
func TestPortAllocation_Validate(t *testing.T) {
	tests := []struct {
		name     string
		alloc    PortAllocation
		hasError bool
	}{
		{
			name:     "valid tcp allocation",
			alloc:    PortAllocation{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
			hasError: false,
		},
		{
			name:     "valid udp allocation",
			alloc:    PortAllocation{ServiceName: "metrics", ContainerPort: 8002, HostPort: 8102, Protocol: "udp"},
			hasError: false,
		},
		{
			name:     "defaults empty protocol to tcp",
			alloc:    PortAllocation{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: ""},
			hasError: false,
		},
		{
			name:     "empty service name",
			alloc:    PortAllocation{ServiceName: "", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
			hasError: true,
		},
		{
			name:     "container port too low",
			alloc:    PortAllocation{ServiceName: "http", ContainerPort: 0, HostPort: 8100, Protocol: "tcp"},
			hasError: true,
		},
		{
			name:     "container port too high",
			alloc:    PortAllocation{ServiceName: "http", ContainerPort: 70000, HostPort: 8100, Protocol: "tcp"},
			hasError: true,
		},
		{
			name:     "host port below 1024",
			alloc:    PortAllocation{ServiceName: "http", ContainerPort: 80, HostPort: 80, Protocol: "tcp"},
			hasError: true,
		},
		{
			name:     "host port too high",
			alloc:    PortAllocation{ServiceName: "http", ContainerPort: 8000, HostPort: 70000, Protocol: "tcp"},
			hasError: true,
		},
		{
			name:     "invalid protocol",
			alloc:    PortAllocation{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "sctp"},
			hasError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.alloc.Validate()
			if tt.hasError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestPortAllocation_String verifies the human-readable output format
// used in CLI table displays.
func TestPortAllocation_String(t *testing.T) {
	alloc := PortAllocation{
		ServiceName:   "http",
		ContainerPort: 8000,
		HostPort:      8100,
		Protocol:      "tcp",
	}
	assert.Equal(t, "http:8000 → 8100/tcp", alloc.String())
}

// TestValidatePortAllocations checks cross-allocation validation:
// - Duplicate host port detection within the same protocol
// - Different protocols on the same port are allowed
func TestValidatePortAllocations(t *testing.T) {
	t.Run("valid unique allocations", func(t *testing.T) {
		allocs := []PortAllocation{
			{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
			{ServiceName: "grpc", ContainerPort: 8001, HostPort: 8101, Protocol: "tcp"},
			{ServiceName: "metrics", ContainerPort: 8002, HostPort: 8102, Protocol: "tcp"},
		}
		assert.NoError(t, ValidatePortAllocations(allocs))
	})

	t.Run("duplicate host port same protocol", func(t *testing.T) {
		allocs := []PortAllocation{
			{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
			{ServiceName: "metrics", ContainerPort: 8002, HostPort: 8100, Protocol: "tcp"},
		}
		err := ValidatePortAllocations(allocs)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "8100/tcp")
	})

	t.Run("same port different protocols allowed", func(t *testing.T) {
		allocs := []PortAllocation{
			{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
			{ServiceName: "http", ContainerPort: 8000, HostPort: 8100, Protocol: "udp"},
		}
		assert.NoError(t, ValidatePortAllocations(allocs))
	})

	t.Run("empty allocations valid", func(t *testing.T) {
		assert.NoError(t, ValidatePortAllocations([]PortAllocation{}))
	})

	t.Run("individual validation also checked", func(t *testing.T) {
		allocs := []PortAllocation{
			{ServiceName: "", ContainerPort: 8000, HostPort: 8100, Protocol: "tcp"},
		}
		assert.Error(t, ValidatePortAllocations(allocs))
	})
}

// TestCLIError verifies the custom error type used for exit code mapping.
func TestCLIError(t *testing.T) {
	t.Run("simple error", func(t *testing.T) {
		err := NewCLIError(ExitDockerNotRunning, "Docker daemon is not running")
		assert.Equal(t, ExitDockerNotRunning, err.Code)
		assert.Equal(t, "Docker daemon is not running", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("wrapped error", func(t *testing.T) {
		inner := errors.New("connection refused")
		err := WrapCLIError(ExitDockerNotRunning, "Docker daemon is not running", inner)
		assert.Equal(t, ExitDockerNotRunning, err.Code)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Equal(t, inner, err.Unwrap())
	})

	// Verify errors.Is works with unwrapped errors (Go 1.13+ error chain).
	t.Run("errors.Is chain", func(t *testing.T) {
		inner := errors.New("connection refused")
		err := WrapCLIError(ExitDockerNotRunning, "Docker daemon is not running", inner)
		assert.True(t, errors.Is(err, inner))
	})
}
