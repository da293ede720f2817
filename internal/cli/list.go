// list.go implements the "treeserve list" command.
//
// The list command displays all managed server deployments by querying
// Docker for containers with the "treeserve.managed-by=treeserve" label.
// With --models it lists the model repository instead.

package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/docker"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/repository"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters deployments by their lifecycle state.
	// Valid values: "running", "stopped", "orphaned", "all" (default).
	status string

	// models lists the repository instead of the deployments.
	models bool
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List server deployments or repository models",
		Long: `List all managed server deployments and their status.

Each deployment is shown with its name, image, lifecycle status, models and
allocated host ports. A deployment whose model repository directory no
longer exists is reported as orphaned.

With --models the model repository is listed instead, one line per model
with its versions and serving configuration.

Examples:
  treeserve list
  treeserve list --status running
  treeserve list --models --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.models {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				return runListModels(cfg)
			}
			return runList(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.status, "status", "all",
		"Filter by status: running, stopped, orphaned, all")
	cmd.Flags().BoolVar(&flags.models, "models", false, "List the model repository")
	return cmd
}

// runList connects to Docker, discovers managed deployments, applies the
// status filter and prints them.
func runList(ctx context.Context, flags *listFlags) error {
	if err := validateStatusFilter(flags.status); err != nil {
		return err
	}

	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	deployments, skipped, err := docker.ListDeployments(ctx, cli)
	if err != nil {
		return err
	}
	for _, e := range skipped {
		// A single corrupted deployment should not prevent listing others.
		VerboseLog("Warning: skipping deployment: %v", e)
	}
	VerboseLog("Found %d deployments", len(deployments))

	printListResult(filterDeployments(deployments, flags.status))
	return nil
}

func validateStatusFilter(status string) error {
	if status == "all" || model.DeploymentStatus(status).IsValid() {
		return nil
	}
	return model.NewCLIError(model.ExitGeneralError,
		fmt.Sprintf("invalid status filter %q: valid values are running, stopped, orphaned, all", status))
}

// filterDeployments keeps the deployments in the given status; "all" keeps
// everything.
func filterDeployments(deployments []*model.Deployment, status string) []*model.Deployment {
	if status == "all" {
		return deployments
	}
	out := make([]*model.Deployment, 0, len(deployments))
	for _, d := range deployments {
		if d.Status.String() == status {
			out = append(out, d)
		}
	}
	return out
}

func printListResult(deployments []*model.Deployment) {
	if IsJSONOutput() {
		printListResultJSON(deployments)
	} else {
		printListResultText(deployments)
	}
}

type listDeploymentJSON struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Status         string            `json:"status"`
	RepositoryPath string            `json:"repositoryPath"`
	Models         []string          `json:"models"`
	InstanceKind   string            `json:"instanceKind"`
	Services       []listServiceJSON `json:"services"`
}

type listServiceJSON struct {
	Name          string `json:"name"`
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
}

func printListResultJSON(deployments []*model.Deployment) {
	out := make([]listDeploymentJSON, 0, len(deployments))
	for _, d := range deployments {
		entry := listDeploymentJSON{
			Name:           d.Name,
			Image:          d.Image,
			Status:         d.Status.String(),
			RepositoryPath: d.RepositoryPath,
			Models:         d.Models,
			InstanceKind:   d.InstanceKind.String(),
			Services:       make([]listServiceJSON, 0, len(d.PortAllocations)),
		}
		for _, pa := range d.PortAllocations {
			entry.Services = append(entry.Services, listServiceJSON{
				Name:          pa.ServiceName,
				ContainerPort: pa.ContainerPort,
				HostPort:      pa.HostPort,
			})
		}
		out = append(out, entry)
	}
	printJSON(map[string]interface{}{"deployments": out})
}

// printListResultText prints an aligned table:
//
//	NAME        STATUS    KIND  MODELS                   PORTS
//	treeserve   running   gpu   fraud-large,fraud-small  8000,8001,8002
func printListResultText(deployments []*model.Deployment) {
	if len(deployments) == 0 {
		fmt.Println("No deployments found.")
		return
	}

	fmt.Printf("%-20s %-10s %-5s %-30s %s\n", "NAME", "STATUS", "KIND", "MODELS", "PORTS")
	for _, d := range deployments {
		models := strings.Join(d.Models, ",")
		if models == "" {
			models = "-"
		}
		fmt.Printf("%-20s %-10s %-5s %-30s %s\n",
			d.Name,
			d.Status.String(),
			d.InstanceKind.String(),
			models,
			FormatPortsList(d.PortAllocations),
		)
	}
}

// FormatPortsList converts a slice of PortAllocations into a comma-separated
// string of host ports in numeric order. Returns "-" if no ports are
// allocated.
func FormatPortsList(allocations []model.PortAllocation) string {
	if len(allocations) == 0 {
		return "-"
	}

	// Sort numerically: lexicographic order would put "18000" before "8000".
	portNums := make([]int, 0, len(allocations))
	for _, pa := range allocations {
		portNums = append(portNums, pa.HostPort)
	}
	sort.Ints(portNums)

	ports := make([]string, 0, len(portNums))
	for _, p := range portNums {
		ports = append(ports, strconv.Itoa(p))
	}
	return strings.Join(ports, ",")
}

func runListModels(cfg *config.Config) error {
	entries, err := repository.Scan(cfg.Repository.Path)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigNotFound, "failed to read the model repository", err)
	}

	if IsJSONOutput() {
		if entries == nil {
			entries = []repository.Entry{}
		}
		printJSON(map[string]interface{}{"repository": cfg.Repository.Path, "models": entries})
		return nil
	}

	if len(entries) == 0 {
		fmt.Printf("No models in %s.\n", cfg.Repository.Path)
		return nil
	}
	fmt.Printf("%-20s %-10s %-9s %-10s %-10s %s\n", "MODEL", "VERSIONS", "FEATURES", "INSTANCES", "MAX BATCH", "STATUS")
	for _, e := range entries {
		fmt.Println(formatModelEntry(e))
	}
	return nil
}

// formatModelEntry renders one row of the repository table.
func formatModelEntry(e repository.Entry) string {
	versions := strings.Join(e.Versions, ",")
	if versions == "" {
		versions = "-"
	}
	if e.Config == nil {
		status := "no config"
		if e.Err != "" {
			status = e.Err
		}
		return fmt.Sprintf("%-20s %-10s %-9s %-10s %-10s %s", e.Name, versions, "-", "-", "-", status)
	}
	status := "ok"
	if e.Err != "" {
		status = e.Err
	}
	c := e.Config
	return fmt.Sprintf("%-20s %-10s %-9d %-10s %-10d %s",
		e.Name, versions, c.NumFeatures,
		fmt.Sprintf("%s x%d", c.InstanceKind, c.InstanceCount),
		c.MaxBatchSize, status)
}
