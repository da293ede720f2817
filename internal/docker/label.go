package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shinji-kodama/treeserve/internal/model"
)

// Label keys persisting deployment metadata on the server container. The
// labels are the only record of a deployment; there is no state file.
const (
	// LabelPrefix namespaces every treeserve label.
	LabelPrefix = "treeserve."

	// LabelManagedBy marks containers created by treeserve and is the
	// filter used to find them.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelName is the deployment name.
	LabelName = LabelPrefix + "name"

	// LabelRepository is the absolute host path of the model repository.
	LabelRepository = LabelPrefix + "repository"

	// LabelModels is the comma-separated list of served model names.
	LabelModels = LabelPrefix + "models"

	// LabelInstanceKind is the resolved instance kind (cpu or gpu).
	LabelInstanceKind = LabelPrefix + "instance-kind"

	// LabelImage is the server image reference.
	LabelImage = LabelPrefix + "image"

	// LabelCreatedAt is the RFC 3339 creation time in UTC.
	LabelCreatedAt = LabelPrefix + "created-at"

	// LabelPortPrefix starts one label per published port:
	//   "treeserve.port.8001" = "grpc:8101"
	LabelPortPrefix = LabelPrefix + "port."
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "treeserve"

var requiredLabels = []string{
	LabelManagedBy,
	LabelName,
	LabelRepository,
	LabelModels,
	LabelInstanceKind,
	LabelImage,
	LabelCreatedAt,
}

// BuildLabels encodes d as container labels. Status and container details
// are runtime state and are not stored.
func BuildLabels(d *model.Deployment) map[string]string {
	labels := map[string]string{
		LabelManagedBy:    ManagedByValue,
		LabelName:         d.Name,
		LabelRepository:   d.RepositoryPath,
		LabelModels:       strings.Join(d.Models, ","),
		LabelInstanceKind: d.InstanceKind.String(),
		LabelImage:        d.Image,
		LabelCreatedAt:    d.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, pa := range d.PortAllocations {
		labels[BuildPortLabel(pa.ContainerPort)] = pa.ServiceName + ":" + strconv.Itoa(pa.HostPort)
	}
	return labels
}

// ParseLabels rebuilds a deployment from container labels. Every missing
// required label is named in the error.
func ParseLabels(labels map[string]string) (*model.Deployment, error) {
	var missing []string
	for _, key := range requiredLabels {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf("label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue)
	}

	kind, err := model.ParseInstanceKind(labels[LabelInstanceKind])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelInstanceKind, err)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	ports, err := ParsePortLabels(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to parse port labels: %w", err)
	}

	var models []string
	if v := labels[LabelModels]; v != "" {
		models = strings.Split(v, ",")
	}

	return &model.Deployment{
		Name:            labels[LabelName],
		Image:           labels[LabelImage],
		RepositoryPath:  labels[LabelRepository],
		Models:          models,
		InstanceKind:    kind,
		PortAllocations: ports,
		CreatedAt:       createdAt,
	}, nil
}

// BuildPortLabel returns the label key for a container port:
//
//	BuildPortLabel(8000) → "treeserve.port.8000"
func BuildPortLabel(containerPort int) string {
	return fmt.Sprintf("%s%d", LabelPortPrefix, containerPort)
}

// ParsePortLabels extracts the port allocations from labels, sorted by
// container port. Values are "<service>:<hostPort>"; a bare host port is
// accepted with the service name left empty.
func ParsePortLabels(labels map[string]string) ([]model.PortAllocation, error) {
	allocations := make([]model.PortAllocation, 0, 3)

	for key, value := range labels {
		if !strings.HasPrefix(key, LabelPortPrefix) {
			continue
		}
		containerPort, err := strconv.Atoi(strings.TrimPrefix(key, LabelPortPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid container port in label key %q: %w", key, err)
		}

		service, hostValue := "", value
		if i := strings.LastIndexByte(value, ':'); i >= 0 {
			service, hostValue = value[:i], value[i+1:]
		}
		hostPort, err := strconv.Atoi(hostValue)
		if err != nil {
			return nil, fmt.Errorf("invalid host port in label %q=%q: %w", key, value, err)
		}

		allocations = append(allocations, model.PortAllocation{
			ServiceName:   service,
			ContainerPort: containerPort,
			HostPort:      hostPort,
			Protocol:      "tcp",
		})
	}

	sort.Slice(allocations, func(i, j int) bool {
		return allocations[i].ContainerPort < allocations[j].ContainerPort
	})
	return allocations, nil
}

// FilterLabels is the label filter selecting treeserve containers.
func FilterLabels() map[string]string {
	return map[string]string{LabelManagedBy: ManagedByValue}
}
