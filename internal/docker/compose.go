package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/treeserve/internal/model"
)

// ComposeService is the server service in a generated compose file.
type ComposeService struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name"`
	Command       []string          `yaml:"command"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes"`
	ShmSize       string            `yaml:"shm_size,omitempty"`
	Labels        map[string]string `yaml:"labels"`
	Deploy        *ComposeDeploy    `yaml:"deploy,omitempty"`
}

// ComposeDeploy holds the GPU reservation.
type ComposeDeploy struct {
	Resources struct {
		Reservations struct {
			Devices []ComposeDevice `yaml:"devices"`
		} `yaml:"reservations"`
	} `yaml:"resources"`
}

// ComposeDevice is one device reservation entry.
type ComposeDevice struct {
	Driver       string   `yaml:"driver"`
	Count        string   `yaml:"count,omitempty"`
	DeviceIDs    []string `yaml:"device_ids,omitempty"`
	Capabilities []string `yaml:"capabilities"`
}

// ComposeFile is the top level of a compose file.
type ComposeFile struct {
	Name     string                    `yaml:"name"`
	Services map[string]ComposeService `yaml:"services"`
}

// ComposeServiceName is the service key of the server.
const ComposeServiceName = "server"

// GenerateCompose renders a compose file equivalent to RunServer, for
// users who manage the server with docker compose. The project is named
// after the deployment.
func GenerateCompose(spec ServerSpec) ([]byte, error) {
	cfg, host, err := ServerContainerConfig(spec)
	if err != nil {
		return nil, err
	}
	d := spec.Deployment

	svc := ComposeService{
		Image:         cfg.Image,
		ContainerName: ContainerName(d.Name),
		Command:       cfg.Cmd,
		Volumes:       []string{d.RepositoryPath + ":" + ModelRepositoryMount + ":ro"},
		ShmSize:       strings.TrimSpace(spec.ShmSize),
		Labels:        cfg.Labels,
	}

	ports := append([]model.PortAllocation(nil), d.PortAllocations...)
	sort.Slice(ports, func(i, j int) bool { return ports[i].ContainerPort < ports[j].ContainerPort })
	for _, pa := range ports {
		svc.Ports = append(svc.Ports, strconv.Itoa(pa.HostPort)+":"+strconv.Itoa(pa.ContainerPort))
	}

	if len(host.DeviceRequests) > 0 {
		req := host.DeviceRequests[0]
		dev := ComposeDevice{Driver: "nvidia", DeviceIDs: req.DeviceIDs, Capabilities: []string{"gpu"}}
		if req.Count < 0 {
			dev.Count = "all"
		}
		svc.Deploy = &ComposeDeploy{}
		svc.Deploy.Resources.Reservations.Devices = []ComposeDevice{dev}
	}

	out, err := yaml.Marshal(ComposeFile{
		Name:     ContainerName(d.Name),
		Services: map[string]ComposeService{ComposeServiceName: svc},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render compose file: %w", err)
	}
	return out, nil
}

// ComposeUp runs "docker compose -f <file> up -d" in projectDir.
func ComposeUp(ctx context.Context, projectDir, composeFile string) error {
	return runCompose(ctx, projectDir, append(composeArgs(composeFile), "up", "-d"))
}

// ComposeDown runs "docker compose -f <file> down".
func ComposeDown(ctx context.Context, projectDir, composeFile string) error {
	return runCompose(ctx, projectDir, append(composeArgs(composeFile), "down"))
}

func composeArgs(composeFile string) []string {
	return []string{"compose", "-f", composeFile}
}

func runCompose(ctx context.Context, projectDir string, args []string) error {
	// #nosec G204 -- fixed binary, arguments built by this package
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = projectDir
	cmd.Env = os.Environ()

	output, err := cmd.CombinedOutput()
	if err != nil {
		return model.WrapCLIError(model.ExitExternalToolFailed,
			fmt.Sprintf("docker compose failed: %s", strings.TrimSpace(string(output))), err)
	}
	return nil
}
