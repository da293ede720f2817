// start.go implements the "treeserve start" command.
//
// Before starting the container, the command verifies that the host ports
// recorded in its labels are still free. If another process took one of
// them in the meantime, the command fails with exit code 4 instead of
// starting a server that cannot bind its ports.

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/docker"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/port"
	"github.com/shinji-kodama/treeserve/internal/store"
)

type startFlags struct {
	wait   bool
	strict bool
}

// NewStartCommand creates the "start" cobra command.
func NewStartCommand() *cobra.Command {
	flags := &startFlags{}

	cmd := &cobra.Command{
		Use:   "start [name]",
		Short: "Start a stopped server deployment",
		Long: `Start the server container of a stopped deployment.

Before starting, the command verifies that the deployment's host ports are
still available. If any port is in use, it exits with code 4 and reports
which ports conflict.

Examples:
  treeserve start
  treeserve start fraud-cpu --wait`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name, err := deploymentName(cfg, args)
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), cfg, name, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.wait, "wait", false, "Wait until the server and its models are ready")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "With --wait, fail when the server is not ready in time")
	return cmd
}

func runStart(ctx context.Context, cfg *config.Config, name string, flags *startFlags) error {
	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	d, err := lookupDeployment(ctx, cli, name)
	if err != nil {
		return err
	}
	if d.Status == model.StatusOrphaned {
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("deployment %q is orphaned: repository %s no longer exists", name, d.RepositoryPath))
	}

	if d.Container.Status != "running" {
		if err := checkPortsFree(port.NewScanner(), d.PortAllocations); err != nil {
			return err
		}
		VerboseLog("Starting container %s (%s)...", d.Container.ContainerName, d.Container.ShortID())
		if err := docker.StartContainer(ctx, cli, d.Container.ContainerID); err != nil {
			return err
		}
	} else {
		VerboseLog("Container %s is already running", d.Container.ContainerName)
	}

	st := openStore(cfg)
	if st != nil {
		defer func() { _ = st.Close() }()
	}
	recordDeployment(ctx, st, d, store.ActionStart, "")

	if flags.wait {
		if err := waitForServer(ctx, cfg, d, cfg.ReadyTimeout(), flags.strict); err != nil {
			return err
		}
	}

	if IsJSONOutput() {
		printDeployResult(cfg, d)
		return nil
	}
	printLifecycleResult(name, "started")
	for _, pa := range d.PortAllocations {
		fmt.Printf("  %-8s %s\n", pa.ServiceName, formatServiceAddress(cfg, pa))
	}
	return nil
}

// portChecker reports whether a host port can be bound.
type portChecker interface {
	IsPortAvailable(port int, protocol string) bool
}

// checkPortsFree fails with ExitPortAllocationFailed when any allocated
// host port is in use.
func checkPortsFree(pc portChecker, allocs []model.PortAllocation) error {
	var conflicting []int
	for _, pa := range allocs {
		if !pc.IsPortAvailable(pa.HostPort, pa.Protocol) {
			conflicting = append(conflicting, pa.HostPort)
		}
	}
	if len(conflicting) > 0 {
		return model.NewCLIError(model.ExitPortAllocationFailed,
			fmt.Sprintf("port conflict: the following ports are already in use: %v", conflicting))
	}
	return nil
}
