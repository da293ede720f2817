// stop.go implements the "treeserve stop" command.
//
// Stopping gives the server time to unload its models and keeps the
// container, so the deployment can be restarted later with "start" on the
// same ports.

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/treeserve/internal/docker"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/store"
)

type stopFlags struct {
	timeout int
}

// NewStopCommand creates the "stop" cobra command.
func NewStopCommand() *cobra.Command {
	flags := &stopFlags{}

	cmd := &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop a server deployment",
		Long: `Stop the server container of a deployment without removing it.

The server gets --timeout seconds to shut down cleanly before it is killed.
The deployment keeps its ports and can be restarted with "start".

Examples:
  treeserve stop
  treeserve stop fraud-cpu --timeout 5`,
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
			if err := runStop(cmd.Context(), name, flags.timeout); err != nil {
				return err
			}
			st := openStore(cfg)
			if st != nil {
				defer func() { _ = st.Close() }()
			}
			recordDeployment(cmd.Context(), st, &model.Deployment{Name: name}, store.ActionStop, "")
			printLifecycleResult(name, "stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&flags.timeout, "timeout", 30, "Seconds to wait before killing the server, -1 for the daemon default")
	return cmd
}

func runStop(ctx context.Context, name string, timeout int) error {
	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	d, err := lookupDeployment(ctx, cli, name)
	if err != nil {
		return err
	}
	if d.Container.Status != "running" {
		VerboseLog("Container %s is already %s", d.Container.ContainerName, d.Container.Status)
		return nil
	}

	VerboseLog("Stopping container %s (%s)...", d.Container.ContainerName, d.Container.ShortID())
	return docker.StopContainer(ctx, cli, d.Container.ContainerID, timeout)
}

// lookupDeployment finds a deployment by name and checks that it has a
// container. This is a shared helper used by stop, start, remove and logs.
func lookupDeployment(ctx context.Context, cli *docker.Client, name string) (*model.Deployment, error) {
	d, err := docker.FindDeployment(ctx, cli, name)
	if err != nil {
		return nil, err
	}
	if d.Container == nil {
		return nil, model.NewCLIError(model.ExitDeploymentNotFound,
			fmt.Sprintf("deployment %q has no container", name))
	}
	VerboseLog("Found deployment %q (%s)", name, d.Status)
	return d, nil
}

// composeFileFor returns the compose file written when the deployment was
// started with --compose, or "" when there is none.
func composeFileFor(name string) string {
	path, err := filepath.Abs(filepath.Join(workDir, name, "compose.yaml"))
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// printLifecycleResult reports the outcome of stop, start and remove.
func printLifecycleResult(name, action string) {
	if IsJSONOutput() {
		printJSON(map[string]interface{}{"name": name, "action": action})
		return
	}
	fmt.Printf("Deployment %q %s\n", name, action)
}
