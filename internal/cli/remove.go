// remove.go implements the "treeserve remove" command.
//
// The remove command deletes a deployment's server container. Deployments
// started with --compose are taken down with "docker compose down" so the
// compose network goes too. The model repository is never touched.
//
// By default, the command prompts for confirmation before proceeding.
// The --force flag skips the confirmation prompt.

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/docker"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/store"
)

type removeFlags struct {
	// force skips the interactive confirmation prompt when true.
	force bool
}

// NewRemoveCommand creates the "remove" cobra command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:   "remove [name]",
		Short: "Remove a server deployment",
		Long: `Remove a deployment's server container, freeing its ports.

The model repository on the host is kept. Unless --force is specified, the
command prompts for confirmation.

Examples:
  treeserve remove
  treeserve remove --force fraud-cpu`,
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
			return runRemove(cmd.Context(), cfg, name, flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove without confirmation")
	return cmd
}

func runRemove(ctx context.Context, cfg *config.Config, name string, flags *removeFlags) error {
	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	d, err := lookupDeployment(ctx, cli, name)
	if err != nil {
		return err
	}

	if !flags.force {
		confirmed, err := promptConfirmation(os.Stdin, d)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitGeneralError, "operation cancelled by user")
		}
	}

	detail := "container"
	if file := composeFileFor(name); file != "" {
		detail = "compose"
		VerboseLog("Running docker compose down for deployment %q...", name)
		if err := docker.ComposeDown(ctx, filepath.Dir(file), file); err != nil {
			return err
		}
	} else {
		VerboseLog("Removing container %s (%s)...", d.Container.ContainerName, d.Container.ShortID())
		// Force handles a container that is still running.
		if err := docker.RemoveContainer(ctx, cli, d.Container.ContainerID, true); err != nil {
			return err
		}
	}

	st := openStore(cfg)
	if st != nil {
		defer func() { _ = st.Close() }()
	}
	recordDeployment(ctx, st, d, store.ActionRemove, detail)

	printLifecycleResult(name, "removed")
	return nil
}

// promptConfirmation asks the user to confirm the removal. It reads a
// single line from in and accepts "y" or "yes".
func promptConfirmation(in io.Reader, d *model.Deployment) (bool, error) {
	fmt.Printf("About to remove deployment %q:\n", d.Name)
	fmt.Printf("  - container %s (%s) will be removed\n", d.Container.ContainerName, d.Status)
	fmt.Printf("  - models %v stay in %s\n", d.Models, d.RepositoryPath)
	fmt.Print("\nContinue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	// A closed stdin counts as "no".
	return false, scanner.Err()
}
