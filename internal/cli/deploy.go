package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/docker"
	"github.com/shinji-kodama/treeserve/internal/inferclient"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/port"
	"github.com/shinji-kodama/treeserve/internal/repository"
	"github.com/shinji-kodama/treeserve/internal/store"
)

type deployFlags struct {
	image        string
	gpus         string
	compose      bool
	noPull       bool
	noWait       bool
	strict       bool
	readyTimeout time.Duration
}

// NewDeployCommand creates the "deploy" command.
func NewDeployCommand() *cobra.Command {
	flags := &deployFlags{}

	cmd := &cobra.Command{
		Use:   "deploy [name]",
		Short: "Start the inference server on the model repository",
		Long: `Start the inference server in a container with the model repository mounted
read-only, then wait until the server and every model report ready.

Host ports are shifted by 100 per deployment, so several deployments can run
side by side: the first publishes 8000/8001/8002, the second 8100/8101/8102.

If the server is not ready within the timeout a warning is printed and the
command succeeds; with --strict it fails with exit code 7.

Examples:
  treeserve deploy
  treeserve deploy fraud-cpu --gpus ""
  treeserve deploy --compose --strict`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("gpus") {
				cfg.Server.GPUs = flags.gpus
			}
			d, err := runDeploy(cmd.Context(), cfg, args, flags)
			if err != nil {
				return err
			}
			printDeployResult(cfg, d)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.image, "image", "", "Server image (default: server.image)")
	cmd.Flags().StringVar(&flags.gpus, "gpus", "", `GPUs for the container: "all", a device list, or "" for none (default: server.gpus)`)
	cmd.Flags().BoolVar(&flags.compose, "compose", false, "Generate a compose file and start it with docker compose")
	cmd.Flags().BoolVar(&flags.noPull, "no-pull", false, "Do not pull the image when it is missing locally")
	cmd.Flags().BoolVar(&flags.noWait, "no-wait", false, "Return without waiting for readiness")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "Fail when the server is not ready within the timeout")
	cmd.Flags().DurationVar(&flags.readyTimeout, "ready-timeout", 0, "Readiness timeout (default: server.readyTimeout)")
	return cmd
}

// connectDocker returns a client for a daemon that answers.
func connectDocker(ctx context.Context) (*docker.Client, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	VerboseLog("Connected to Docker daemon")
	return cli, nil
}

// repositoryModels returns the names of the loadable models in the
// repository.
func repositoryModels(root string) ([]string, error) {
	entries, err := repository.Scan(root)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigNotFound, "failed to read the model repository", err)
	}
	var names []string
	for _, e := range entries {
		if e.Err != "" {
			logger.Warn("model will not load", zap.String("model", e.Name), zap.String("reason", e.Err))
			continue
		}
		names = append(names, e.Name)
	}
	if len(names) == 0 {
		return nil, model.NewCLIError(model.ExitConfigNotFound,
			fmt.Sprintf("no models in repository %s (run treeserve train first)", root))
	}
	return names, nil
}

// runDeploy starts a server on the model repository and returns the
// deployment. The steps are:
//  1. Resolve the deployment name and list the loadable models
//  2. Resolve the instance kind and count the models were exported with
//  3. Pick the lowest free deployment index and allocate host ports
//  4. Start the container directly or through docker compose
//  5. Record the deployment in the history store
//  6. Wait for readiness unless --no-wait
//
// It is shared by deploy and run.
func runDeploy(ctx context.Context, cfg *config.Config, args []string, flags *deployFlags) (*model.Deployment, error) {
	name, err := deploymentName(cfg, args)
	if err != nil {
		return nil, err
	}
	if flags.image != "" {
		cfg.Server.Image = flags.image
	}

	repoPath, err := filepath.Abs(cfg.Repository.Path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to resolve repository path", err)
	}
	models, err := repositoryModels(repoPath)
	if err != nil {
		return nil, err
	}
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}

	cli, err := connectDocker(ctx)
	if err != nil {
		return nil, err
	}
	// The client holds an HTTP connection pool to the daemon; close it on
	// every return path, errors included.
	defer func() { _ = cli.Close() }()

	// Existing deployments, stopped ones included, own their indexes and
	// ports even though nothing is bound on the host while they are down.
	deployments, skipped, err := docker.ListDeployments(ctx, cli)
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		VerboseLog("Skipping unreadable deployment: %v", e)
	}
	// Names are unique: the container name is derived from them.
	for _, d := range deployments {
		if d.Name == name {
			return nil, model.NewCLIError(model.ExitGeneralError,
				fmt.Sprintf("deployment %q already exists (%s); remove it first", name, d.Status))
		}
	}

	// Ports recorded on other deployments count as taken in addition to
	// whatever the bind probe finds.
	index, err := port.NextIndex(deployments)
	if err != nil {
		return nil, err
	}
	allocator := port.NewAllocator(port.NewScanner())
	allocator.SetExistingAllocations(port.ExistingAllocations(deployments))
	allocs, err := allocator.AllocatePorts(serverPortSpecs(cfg), index)
	if err != nil {
		return nil, err
	}
	for _, pa := range allocs {
		VerboseLog("Port allocated: %s", pa.String())
	}

	d := &model.Deployment{
		Name:            name,
		Image:           cfg.Server.Image,
		RepositoryPath:  repoPath,
		Models:          models,
		InstanceKind:    s.InstanceKind,
		Status:          model.StatusRunning,
		PortAllocations: allocs,
		CreatedAt:       time.Now().UTC(),
	}
	spec := docker.ServerSpec{
		Deployment: d,
		GPUs:       cfg.Server.GPUs,
		ShmSize:    cfg.Server.ShmSize,
		ExtraArgs:  serverArgs(cfg),
	}

	// detail records in the history how the server was started.
	detail := "container"
	if flags.compose {
		detail = "compose"
		if err := composeUp(ctx, spec); err != nil {
			return nil, err
		}
	} else {
		if !flags.noPull {
			if err := docker.PullImage(ctx, cli, d.Image, logger); err != nil {
				return nil, err
			}
		}
		id, err := docker.RunServer(ctx, cli, spec, logger)
		if err != nil {
			return nil, err
		}
		d.Container = &model.ContainerInfo{ContainerID: id, ContainerName: docker.ContainerName(name), Status: "running"}
	}

	// The store is best effort. openStore returns nil after logging a
	// warning, and recordDeployment accepts a nil store.
	st := openStore(cfg)
	if st != nil {
		defer func() { _ = st.Close() }()
	}
	recordDeployment(ctx, st, d, store.ActionDeploy, detail)

	if flags.noWait {
		return d, nil
	}
	timeout := cfg.ReadyTimeout()
	if flags.readyTimeout > 0 {
		timeout = flags.readyTimeout
	}
	if err := waitForServer(ctx, cfg, d, timeout, flags.strict); err != nil {
		return nil, err
	}
	return d, nil
}

// composeUp writes the compose file for spec into the work directory and
// starts it.
func composeUp(ctx context.Context, spec docker.ServerSpec) error {
	data, err := docker.GenerateCompose(spec)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to generate compose file", err)
	}
	dir, err := filepath.Abs(filepath.Join(workDir, spec.Deployment.Name))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	file := filepath.Join(dir, "compose.yaml")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	VerboseLog("Compose file written to %s", file)
	return docker.ComposeUp(ctx, dir, file)
}

// waitForServer polls the deployment until it and its models are ready.
//
// A timeout is logged as a warning and nil is returned, so callers carry on
// as if the server were up; the following requests then report their own
// errors. With strict set the timeout becomes a CLIError with
// ExitServerNotReady. Transport setup errors and a cancelled context are
// returned as they are in both modes.
func waitForServer(ctx context.Context, cfg *config.Config, d *model.Deployment, timeout time.Duration, strict bool) error {
	addr, err := endpoint(cfg, d, cfg.Server.Protocol)
	if err != nil {
		return err
	}
	c, err := inferclient.New(cfg.Server.Protocol, addr, inferclient.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	logger.Info("waiting for server",
		zap.String("deployment", d.Name),
		zap.String("address", addr),
		zap.Duration("timeout", timeout))
	err = inferclient.WaitReady(ctx, c, d.Models, timeout, cfg.PollInterval(), logger)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, inferclient.ErrNotReady) && !strict:
		logger.Warn("server not ready, continuing", zap.String("deployment", d.Name), zap.Error(err))
		return nil
	case errors.Is(err, inferclient.ErrNotReady):
		return model.WrapCLIError(model.ExitServerNotReady,
			fmt.Sprintf("deployment %q did not become ready (see treeserve logs %s)", d.Name, d.Name), err)
	default:
		return err
	}
}

type deployPortJSON struct {
	Service       string `json:"service"`
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
}

func printDeployResult(cfg *config.Config, d *model.Deployment) {
	if IsJSONOutput() {
		ports := make([]deployPortJSON, 0, len(d.PortAllocations))
		for _, pa := range d.PortAllocations {
			ports = append(ports, deployPortJSON{pa.ServiceName, pa.ContainerPort, pa.HostPort})
		}
		printJSON(map[string]interface{}{
			"name":           d.Name,
			"image":          d.Image,
			"repositoryPath": d.RepositoryPath,
			"models":         d.Models,
			"instanceKind":   d.InstanceKind,
			"ports":          ports,
		})
		return
	}

	fmt.Printf("Deployed %q\n", d.Name)
	fmt.Printf("  Image:      %s\n", d.Image)
	fmt.Printf("  Repository: %s\n", d.RepositoryPath)
	fmt.Printf("  Models:     %v (%s)\n", d.Models, d.InstanceKind)
	fmt.Println()
	fmt.Println("  Endpoints:")
	for _, pa := range d.PortAllocations {
		fmt.Printf("    %-8s %s  (container: %d)\n", pa.ServiceName, formatServiceAddress(cfg, pa), pa.ContainerPort)
	}
}

// formatServiceAddress formats an endpoint the way clients address it.
func formatServiceAddress(cfg *config.Config, pa model.PortAllocation) string {
	switch pa.ServiceName {
	case serviceHTTP, serviceMetrics:
		return fmt.Sprintf("http://%s:%d", cfg.Server.Host, pa.HostPort)
	default:
		return fmt.Sprintf("%s:%d", cfg.Server.Host, pa.HostPort)
	}
}
