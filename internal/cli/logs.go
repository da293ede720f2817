package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/treeserve/internal/docker"
)

type logsFlags struct {
	tail int
}

// NewLogsCommand creates the "logs" command.
func NewLogsCommand() *cobra.Command {
	flags := &logsFlags{}

	cmd := &cobra.Command{
		Use:   "logs [name]",
		Short: "Print the server log of a deployment",
		Long: `Print the output of a deployment's server container, for example to see
why a model failed to load.

Examples:
  treeserve logs
  treeserve logs fraud-cpu --tail 50`,
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
			return runLogs(cmd.Context(), name, flags.tail)
		},
	}

	cmd.Flags().IntVar(&flags.tail, "tail", 200, "Number of lines from the end, 0 for all")
	return cmd
}

func runLogs(ctx context.Context, name string, tail int) error {
	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	d, err := lookupDeployment(ctx, cli, name)
	if err != nil {
		return err
	}
	return docker.ContainerLogs(ctx, cli, d.Container.ContainerID, tail, os.Stdout, os.Stderr)
}
