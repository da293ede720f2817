package docker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/logging"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// ModelRepositoryMount is where the repository is mounted in the container.
const ModelRepositoryMount = "/models"

// ServerSpec describes the server container to run.
type ServerSpec struct {
	// Deployment carries the name, image, repository, models, instance kind
	// and port allocations. It is also encoded into the container labels.
	Deployment *model.Deployment

	// GPUs is "all", a comma-separated device list, or empty for none.
	GPUs string

	// ShmSize is a size such as "1g"; empty keeps the daemon default.
	ShmSize string

	// ExtraArgs are appended to the server command line.
	ExtraArgs []string
}

// ContainerName is the Docker name of a deployment's server container.
func ContainerName(deployment string) string {
	return "treeserve-" + deployment
}

// ServerCommand is the server command line for a deployment.
func ServerCommand(extra []string) []string {
	cmd := []string{"tritonserver", "--model-repository=" + ModelRepositoryMount}
	return append(cmd, extra...)
}

// ServerContainerConfig builds the create request for the server
// container: command, exposed and published ports, read-only repository
// bind mount, shared memory, GPU device request and labels.
func ServerContainerConfig(spec ServerSpec) (*container.Config, *container.HostConfig, error) {
	d := spec.Deployment
	if d == nil {
		return nil, nil, fmt.Errorf("server spec has no deployment")
	}
	if err := model.ValidateName(d.Name); err != nil {
		return nil, nil, err
	}
	if !filepath.IsAbs(d.RepositoryPath) {
		return nil, nil, fmt.Errorf("repository path must be absolute, got %q", d.RepositoryPath)
	}
	if err := model.ValidatePortAllocations(d.PortAllocations); err != nil {
		return nil, nil, err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pa := range d.PortAllocations {
		proto := pa.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(pa.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("port %s: %w", pa.String(), err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(pa.HostPort)})
	}

	cfg := &container.Config{
		Image:        d.Image,
		Cmd:          ServerCommand(spec.ExtraArgs),
		ExposedPorts: exposed,
		Labels:       BuildLabels(d),
	}

	host := &container.HostConfig{
		PortBindings: bindings,
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   d.RepositoryPath,
			Target:   ModelRepositoryMount,
			ReadOnly: true,
		}},
	}

	if spec.ShmSize != "" {
		size, err := units.RAMInBytes(spec.ShmSize)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid shm size %q: %w", spec.ShmSize, err)
		}
		host.ShmSize = size
	}

	if req, ok := gpuRequest(spec.GPUs); ok {
		host.DeviceRequests = []container.DeviceRequest{req}
	} else if d.InstanceKind == model.InstanceGPU {
		return nil, nil, fmt.Errorf("instance kind gpu needs GPUs for the container")
	}

	return cfg, host, nil
}

// gpuRequest maps the --gpus value to a device request, like the docker
// CLI does.
func gpuRequest(gpus string) (container.DeviceRequest, bool) {
	gpus = strings.TrimSpace(gpus)
	if gpus == "" {
		return container.DeviceRequest{}, false
	}
	req := container.DeviceRequest{Capabilities: [][]string{{"gpu"}}}
	if gpus == "all" {
		req.Count = -1
		return req, true
	}
	for _, id := range strings.Split(gpus, ",") {
		if id = strings.TrimSpace(id); id != "" {
			req.DeviceIDs = append(req.DeviceIDs, id)
		}
	}
	return req, len(req.DeviceIDs) > 0
}

// PullImage pulls ref unless it is already present locally. The progress
// stream must be drained for the pull to complete.
func PullImage(ctx context.Context, cli *Client, ref string, log *zap.Logger) error {
	log = logging.OrNop(log)

	_, err := cli.Inner().ImageInspect(ctx, ref)
	if err == nil {
		log.Debug("image present", zap.String("image", ref))
		return nil
	}
	if !client.IsErrNotFound(err) {
		return model.WrapCLIError(model.ExitDockerNotRunning, fmt.Sprintf("failed to inspect image %q", ref), err)
	}

	log.Info("pulling image", zap.String("image", ref))
	rc, err := cli.Inner().ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return model.WrapCLIError(model.ExitExternalToolFailed, fmt.Sprintf("failed to pull image %q", ref), err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return model.WrapCLIError(model.ExitExternalToolFailed, fmt.Sprintf("failed to pull image %q", ref), err)
	}
	return nil
}

// RunServer creates and starts the server container and returns its ID.
// A container left over from a previous deployment with the same name is
// reported as an error rather than replaced.
func RunServer(ctx context.Context, cli *Client, spec ServerSpec, log *zap.Logger) (string, error) {
	log = logging.OrNop(log)
	cfg, host, err := ServerContainerConfig(spec)
	if err != nil {
		return "", err
	}

	name := ContainerName(spec.Deployment.Name)
	resp, err := cli.Inner().ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create container %q", name), err)
	}
	for _, w := range resp.Warnings {
		log.Warn("docker create warning", zap.String("container", name), zap.String("warning", w))
	}

	if err := StartContainer(ctx, cli, resp.ID); err != nil {
		_ = RemoveContainer(context.WithoutCancel(ctx), cli, resp.ID, true)
		return "", err
	}
	log.Info("server container started",
		zap.String("container", name),
		zap.String("id", resp.ID),
		zap.String("image", cfg.Image))
	return resp.ID, nil
}
