package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/shinji-kodama/treeserve/internal/model"
)

// ListManagedContainers returns every container, running or not, that
// carries the treeserve management label. Filtering happens in the daemon.
func ListManagedContainers(ctx context.Context, cli *Client) ([]model.ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range FilterLabels() {
		args.Add("label", k+"="+v)
	}

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, containerToInfo(c))
	}
	return result, nil
}

// containerToInfo strips the leading "/" the API puts on container names.
func containerToInfo(c container.Summary) model.ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return model.ContainerInfo{
		ContainerID:   c.ID,
		ContainerName: name,
		Status:        string(c.State),
		Labels:        c.Labels,
	}
}

// GroupContainersByDeployment groups containers by their deployment name
// label. Containers without one are skipped.
func GroupContainersByDeployment(containers []model.ContainerInfo) map[string][]model.ContainerInfo {
	groups := make(map[string][]model.ContainerInfo)
	for _, c := range containers {
		name := c.Labels[LabelName]
		if name == "" {
			continue
		}
		groups[name] = append(groups[name], c)
	}
	return groups
}

// BuildDeployment reconstructs a deployment from its containers. A
// deployment normally has one server container; when a failed redeploy left
// more, the running one wins.
//
// Status is orphaned when the repository directory is gone, running when
// the chosen container runs, stopped otherwise.
func BuildDeployment(name string, containers []model.ContainerInfo) (*model.Deployment, error) {
	if len(containers) == 0 {
		return nil, fmt.Errorf("cannot build deployment %q: no containers provided", name)
	}

	chosen := containers[0]
	for _, c := range containers {
		if c.Status == "running" {
			chosen = c
			break
		}
	}

	d, err := ParseLabels(chosen.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to parse labels for deployment %q: %w", name, err)
	}
	d.Container = &chosen
	d.Status = determineStatus(chosen, d.RepositoryPath)
	return d, nil
}

func determineStatus(c model.ContainerInfo, repositoryPath string) model.DeploymentStatus {
	if _, err := os.Stat(repositoryPath); os.IsNotExist(err) {
		return model.StatusOrphaned
	}
	if c.Status == "running" {
		return model.StatusRunning
	}
	return model.StatusStopped
}

// ListDeployments lists every deployment, sorted by name. Containers whose
// labels cannot be parsed are skipped and reported through skipped.
func ListDeployments(ctx context.Context, cli *Client) (deployments []*model.Deployment, skipped []error, err error) {
	containers, err := ListManagedContainers(ctx, cli)
	if err != nil {
		return nil, nil, err
	}
	groups := GroupContainersByDeployment(containers)

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d, err := BuildDeployment(name, groups[name])
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		deployments = append(deployments, d)
	}
	return deployments, skipped, nil
}

// FindDeployment returns the named deployment.
//
// Returns a model.CLIError with ExitDeploymentNotFound if there is none.
func FindDeployment(ctx context.Context, cli *Client, name string) (*model.Deployment, error) {
	containers, err := ListManagedContainers(ctx, cli)
	if err != nil {
		return nil, err
	}
	group := GroupContainersByDeployment(containers)[name]
	if len(group) == 0 {
		return nil, model.NewCLIError(model.ExitDeploymentNotFound, fmt.Sprintf("deployment %q not found", name))
	}
	return BuildDeployment(name, group)
}

// StartContainer starts a stopped container.
func StartContainer(ctx context.Context, cli *Client, containerID string) error {
	if err := cli.Inner().ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to start container %q", containerID), err)
	}
	return nil
}

// StopContainer stops a container, giving the server timeoutSeconds to
// unload models before it is killed. A negative timeout uses the daemon
// default.
func StopContainer(ctx context.Context, cli *Client, containerID string, timeoutSeconds int) error {
	opts := container.StopOptions{}
	if timeoutSeconds >= 0 {
		opts.Timeout = &timeoutSeconds
	}
	if err := cli.Inner().ContainerStop(ctx, containerID, opts); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to stop container %q", containerID), err)
	}
	return nil
}

// RemoveContainer removes a container. Without force it must be stopped.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	if err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID), err)
	}
	return nil
}

// ContainerLogs copies the last tail lines of the container's output to
// stdout and stderr. A tail of 0 or less copies everything.
func ContainerLogs(ctx context.Context, cli *Client, containerID string, tail int, stdout, stderr io.Writer) error {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: false}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	rc, err := cli.Inner().ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to read logs of container %q", containerID), err)
	}
	defer rc.Close()

	// The server runs without a TTY, so the stream is multiplexed.
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return fmt.Errorf("failed to copy logs of container %q: %w", containerID, err)
	}
	return nil
}
