package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DeploymentStatus represents the lifecycle state of a server deployment.
// The state transitions are:
//
//	[Created] → Running → Stopped ⇄ Running → [Removed]
//	Running/Stopped → Orphaned (when the model repository directory is deleted)
type DeploymentStatus string

const (
	// StatusRunning indicates the server container is running.
	StatusRunning DeploymentStatus = "running"

	// StatusStopped indicates the container exists but is not running.
	StatusStopped DeploymentStatus = "stopped"

	// StatusOrphaned indicates the model repository directory mounted into
	// the container no longer exists on the host.
	StatusOrphaned DeploymentStatus = "orphaned"
)

// String returns the string representation of DeploymentStatus.
func (s DeploymentStatus) String() string {
	return string(s)
}

// IsValid checks whether the DeploymentStatus value is one of the
// predefined valid states.
func (s DeploymentStatus) IsValid() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusOrphaned:
		return true
	default:
		return false
	}
}

// InstanceKind selects where the server places model instances.
type InstanceKind string

const (
	// InstanceCPU runs the forest on host CPU cores.
	InstanceCPU InstanceKind = "cpu"

	// InstanceGPU runs the forest on the GPU. The container is started
	// with a GPU device request.
	InstanceGPU InstanceKind = "gpu"

	// InstanceAuto lets the CLI decide at export time: gpu when GPUs are
	// requested for the server, cpu otherwise.
	InstanceAuto InstanceKind = "auto"
)

// String returns the string representation of InstanceKind.
func (k InstanceKind) String() string {
	return string(k)
}

// IsValid checks whether the InstanceKind value is one of the predefined kinds.
func (k InstanceKind) IsValid() bool {
	switch k {
	case InstanceCPU, InstanceGPU, InstanceAuto:
		return true
	default:
		return false
	}
}

// ServerKind returns the instance_group kind literal written into the model
// configuration. InstanceAuto has no literal and must be resolved first.
func (k InstanceKind) ServerKind() string {
	switch k {
	case InstanceCPU:
		return "KIND_CPU"
	case InstanceGPU:
		return "KIND_GPU"
	default:
		return ""
	}
}

// ParseInstanceKind converts a string to an InstanceKind.
// Returns an error if the string does not match any valid kind.
func ParseInstanceKind(s string) (InstanceKind, error) {
	kind := InstanceKind(strings.ToLower(s))
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid instance kind: %q (valid: cpu, gpu, auto)", s)
	}
	return kind, nil
}

// ModelFormat is the serialized model format tag understood by the
// forest backend of the inference server (the "model_type" parameter).
type ModelFormat string

const (
	// FormatXGBoostJSON is the XGBoost JSON model format.
	FormatXGBoostJSON ModelFormat = "xgboost_json"

	// FormatXGBoostBinary is the legacy XGBoost binary format.
	FormatXGBoostBinary ModelFormat = "xgboost"

	// FormatLightGBM is the LightGBM text format.
	FormatLightGBM ModelFormat = "lightgbm"

	// FormatTreelite is a Treelite checkpoint.
	FormatTreelite ModelFormat = "treelite_checkpoint"
)

// String returns the string representation of ModelFormat.
func (f ModelFormat) String() string {
	return string(f)
}

// IsValid checks whether the ModelFormat value is a known format.
func (f ModelFormat) IsValid() bool {
	switch f {
	case FormatXGBoostJSON, FormatXGBoostBinary, FormatLightGBM, FormatTreelite:
		return true
	default:
		return false
	}
}

// FileName returns the file name the server expects inside a model
// version directory for this format.
func (f ModelFormat) FileName() string {
	switch f {
	case FormatXGBoostJSON:
		return "xgboost.json"
	case FormatXGBoostBinary:
		return "xgboost.model"
	case FormatLightGBM:
		return "model.txt"
	case FormatTreelite:
		return "checkpoint.tl"
	default:
		return ""
	}
}

// ParseModelFormat converts a string to a ModelFormat.
func ParseModelFormat(s string) (ModelFormat, error) {
	format := ModelFormat(strings.ToLower(s))
	if !format.IsValid() {
		return "", fmt.Errorf("invalid model format: %q (valid: xgboost_json, xgboost, lightgbm, treelite_checkpoint)", s)
	}
	return format, nil
}

// Profile is a named set of boosting hyperparameters. The workflow trains
// one model per profile (by default a small and a large one) so their
// accuracy and serving cost can be compared side by side.
type Profile struct {
	// Name identifies the profile and becomes the model name in the
	// model repository (e.g., "small" → "fraud-small").
	Name string `json:"name" yaml:"name"`

	// Rounds is the number of boosting rounds (trees).
	Rounds int `json:"rounds" yaml:"rounds"`

	// MaxDepth is the maximum tree depth. The root is depth 0.
	MaxDepth int `json:"maxDepth" yaml:"maxDepth"`

	// LearningRate (eta) shrinks each tree's contribution.
	LearningRate float64 `json:"learningRate" yaml:"learningRate"`

	// Lambda is the L2 regularization on leaf weights.
	Lambda float64 `json:"lambda" yaml:"lambda"`

	// Gamma is the minimum loss reduction required to make a split.
	Gamma float64 `json:"gamma" yaml:"gamma"`

	// MinChildWeight is the minimum hessian sum in each child.
	MinChildWeight float64 `json:"minChildWeight" yaml:"minChildWeight"`

	// Subsample is the row sampling ratio per round, in (0, 1].
	Subsample float64 `json:"subsample" yaml:"subsample"`

	// Seed makes subsampling reproducible.
	Seed int64 `json:"seed" yaml:"seed"`
}

// Validate checks that the profile's hyperparameters are usable.
func (p *Profile) Validate() error {
	if err := ValidateName(p.Name); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if p.Rounds < 1 {
		return fmt.Errorf("profile %q: rounds must be >= 1, got %d", p.Name, p.Rounds)
	}
	if p.MaxDepth < 1 {
		return fmt.Errorf("profile %q: maxDepth must be >= 1, got %d", p.Name, p.MaxDepth)
	}
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		return fmt.Errorf("profile %q: learningRate must be in (0, 1], got %g", p.Name, p.LearningRate)
	}
	if p.Lambda < 0 || p.Gamma < 0 || p.MinChildWeight < 0 {
		return fmt.Errorf("profile %q: lambda, gamma and minChildWeight must be non-negative", p.Name)
	}
	if p.Subsample <= 0 || p.Subsample > 1 {
		return fmt.Errorf("profile %q: subsample must be in (0, 1], got %g", p.Name, p.Subsample)
	}
	return nil
}

// Deployment represents an inference server container together with the
// model repository it serves. This is the primary aggregate entity for the
// deploy/list/stop/remove commands.
//
// All fields are reconstructed at runtime from Docker container labels.
type Deployment struct {
	// Name is the unique identifier for this deployment.
	Name string `json:"name"`

	// Image is the server container image reference.
	Image string `json:"image"`

	// RepositoryPath is the absolute host path of the mounted model repository.
	RepositoryPath string `json:"repositoryPath"`

	// Models lists the model names served by this deployment.
	Models []string `json:"models"`

	// InstanceKind is the resolved placement of model instances (cpu or gpu).
	InstanceKind InstanceKind `json:"instanceKind"`

	// Status is the current lifecycle state of the deployment.
	Status DeploymentStatus `json:"status"`

	// Container holds runtime information about the server container.
	Container *ContainerInfo `json:"container,omitempty"`

	// PortAllocations holds the published HTTP, gRPC and metrics ports.
	PortAllocations []PortAllocation `json:"portAllocations,omitempty"`

	// CreatedAt is the timestamp when this deployment was created.
	CreatedAt time.Time `json:"createdAt"`
}

// HostPort returns the host port published for the given container port,
// or 0 when the deployment does not publish it.
func (d *Deployment) HostPort(containerPort int) int {
	for _, pa := range d.PortAllocations {
		if pa.ContainerPort == containerPort {
			return pa.HostPort
		}
	}
	return 0
}

// nameRegex validates deployment, profile and model names: alphanumeric,
// hyphens and underscores, starting and ending with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateName checks if the given name is a valid deployment or model name.
// Model names double as directory names in the model repository, so the
// allowed alphabet is kept narrow.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid name %q: must contain only alphanumeric characters, hyphens and underscores, and start/end with alphanumeric", name)
	}
	return nil
}

// PortAllocation represents a single port mapping between a container port
// and a host port for a deployment.
//
// The port shifting algorithm assigns host ports using the formula:
//
//	shiftedPort = containerPort + (deploymentIndex * 100)
type PortAllocation struct {
	// ServiceName names the endpoint that owns this port ("http", "grpc", "metrics").
	ServiceName string `json:"serviceName"`

	// ContainerPort is the port number inside the container (1-65535).
	ContainerPort int `json:"containerPort"`

	// HostPort is the port number on the host machine (1024-65535).
	HostPort int `json:"hostPort"`

	// Protocol is the network protocol for the port mapping. Defaults to "tcp".
	Protocol string `json:"protocol"`
}

// Validate checks whether the PortAllocation has valid field values.
func (p *PortAllocation) Validate() error {
	if p.ServiceName == "" {
		return fmt.Errorf("port allocation: service name must not be empty")
	}
	if p.ContainerPort < 1 || p.ContainerPort > 65535 {
		return fmt.Errorf("port allocation: container port %d out of range (1-65535)", p.ContainerPort)
	}
	if p.HostPort < 1024 || p.HostPort > 65535 {
		return fmt.Errorf("port allocation: host port %d out of range (1024-65535)", p.HostPort)
	}
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Protocol != "tcp" && p.Protocol != "udp" {
		return fmt.Errorf("port allocation: invalid protocol %q (valid: tcp, udp)", p.Protocol)
	}
	return nil
}

// String returns a human-readable representation of the port allocation.
// Format: "service:containerPort → hostPort/protocol"
func (p *PortAllocation) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%s:%d → %d/%s", p.ServiceName, p.ContainerPort, p.HostPort, proto)
}

// ValidatePortAllocations checks a slice of PortAllocations for
// individual validity and host port uniqueness.
func ValidatePortAllocations(allocations []PortAllocation) error {
	// Key: "hostPort/protocol", Value: service name that owns it.
	seen := make(map[string]string)

	for i := range allocations {
		if err := allocations[i].Validate(); err != nil {
			return err
		}

		key := fmt.Sprintf("%d/%s", allocations[i].HostPort, allocations[i].Protocol)
		if existingService, exists := seen[key]; exists {
			return fmt.Errorf("port allocation: host port %s is used by both %q and %q",
				key, existingService, allocations[i].ServiceName)
		}
		seen[key] = allocations[i].ServiceName
	}
	return nil
}

// Tensor names used by the forest backend for every served model.
const (
	InputTensor  = "input__0"
	OutputTensor = "output__0"
)

// ModelVersion is the only version directory written to a repository.
const ModelVersion = "1"

// PortSpec is a container port that needs a host mapping.
type PortSpec struct {
	ServiceName   string `json:"serviceName"`
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol"`
}

// ContainerInfo holds runtime information about a Docker container.
// This data is fetched dynamically from the Docker API, not persisted.
type ContainerInfo struct {
	// ContainerID is the unique Docker container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable Docker container name.
	ContainerName string `json:"containerName"`

	// Status is the Docker container state (e.g., "running", "exited", "created").
	Status string `json:"status"`

	// Labels is the full set of Docker labels on the container.
	Labels map[string]string `json:"labels,omitempty"`
}

// ShortID returns the first 12 characters of the container ID, the same
// abbreviation the docker CLI prints.
func (c *ContainerInfo) ShortID() string {
	if len(c.ContainerID) <= 12 {
		return c.ContainerID
	}
	return c.ContainerID[:12]
}

// ExitCode defines standard CLI exit codes. These codes allow scripts and
// CI systems to programmatically determine the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigNotFound indicates the configuration file or an input file
	// named by it could not be found.
	ExitConfigNotFound ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitPortAllocationFailed indicates a port could not be allocated
	// without conflicting with existing allocations.
	ExitPortAllocationFailed ExitCode = 4

	// ExitExternalToolFailed indicates an external program (xgboost,
	// perf_analyzer, docker build) exited with a failure.
	ExitExternalToolFailed ExitCode = 5

	// ExitDeploymentNotFound indicates the named deployment does not exist.
	ExitDeploymentNotFound ExitCode = 6

	// ExitServerNotReady indicates the server did not become ready before
	// the readiness timeout (only with --strict).
	ExitServerNotReady ExitCode = 7

	// ExitPredictionMismatch indicates remote predictions differ from
	// local predictions beyond the configured tolerance.
	ExitPredictionMismatch ExitCode = 8
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
