package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/dataset"
	"github.com/shinji-kodama/treeserve/internal/docker"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/repository"
	"github.com/shinji-kodama/treeserve/internal/store"
	"github.com/shinji-kodama/treeserve/internal/trainer"
)

// Files written to the work directory by prepare.
const (
	schemaFile = "schema.json"
	trainFile  = "train.csv"
	testFile   = "test.csv"
)

// Container ports of the server's endpoints.
const (
	serviceHTTP    = "http"
	serviceGRPC    = "grpc"
	serviceMetrics = "metrics"
)

// preparedData is the output of the data preparation step.
type preparedData struct {
	Schema *dataset.Schema
	Train  *dataset.Prepared
	Test   *dataset.Prepared
}

func datasetOptions(cfg *config.Config) dataset.Options {
	return dataset.Options{
		Target:          cfg.Data.Target,
		Drop:            cfg.Data.Drop,
		NumericImpute:   cfg.Data.NumericImpute,
		NumericFill:     cfg.Data.NumericFill,
		CategoricalFill: cfg.Data.CategoricalFill,
		MissingTokens:   cfg.Data.MissingTokens,
	}
}

// prepareData reads the raw CSV, fits the imputation and encoding schema
// and splits the encoded rows.
func prepareData(cfg *config.Config) (*preparedData, error) {
	table, err := dataset.LoadCSV(cfg.Data.Path)
	if err != nil {
		return nil, err
	}
	VerboseLog("Read %d rows and %d columns from %s", len(table.Rows), len(table.Header), cfg.Data.Path)

	schema, prepared, err := dataset.Prepare(table, datasetOptions(cfg))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "data preparation failed", err)
	}
	train, test, err := dataset.Split(prepared, cfg.Data.TestFraction, cfg.Data.Seed)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "train/test split failed", err)
	}
	logger.Info("data prepared",
		zap.Int("features", schema.NumFeatures()),
		zap.Int("train_rows", train.Len()),
		zap.Int("test_rows", test.Len()),
		zap.Int("train_positives", train.Positives()),
	)
	return &preparedData{Schema: schema, Train: train, Test: test}, nil
}

// savePrepared writes the schema and both splits into dir.
func savePrepared(dir, target string, pd *preparedData) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := pd.Schema.Save(filepath.Join(dir, schemaFile)); err != nil {
		return err
	}
	for name, p := range map[string]*dataset.Prepared{trainFile: pd.Train, testFile: pd.Test} {
		if err := writeEncoded(filepath.Join(dir, name), p, target); err != nil {
			return err
		}
	}
	return nil
}

func writeEncoded(path string, p *dataset.Prepared, target string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := dataset.WriteCSV(f, p, target); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// loadTestSplit reads the held-out rows written by prepare. When they are
// missing the data is prepared again from the raw CSV.
func loadTestSplit(cfg *config.Config) (*dataset.Prepared, error) {
	path := filepath.Join(workDir, testFile)
	if _, err := os.Stat(path); err != nil {
		VerboseLog("%s not found, preparing data from %s", path, cfg.Data.Path)
		pd, err := prepareData(cfg)
		if err != nil {
			return nil, err
		}
		return pd.Test, nil
	}
	table, err := dataset.LoadCSV(path)
	if err != nil {
		return nil, err
	}
	return dataset.ReadEncodedCSV(table, cfg.Data.Target)
}

// trainModels trains every configured profile, or only the named ones.
func trainModels(ctx context.Context, cfg *config.Config, pd *preparedData, only []string) ([]*trainer.Result, error) {
	profiles := cfg.Train.Profiles
	if len(only) > 0 {
		profiles = make(map[string]model.Profile, len(only))
		for _, name := range only {
			p, ok := cfg.Train.Profiles[name]
			if !ok {
				return nil, model.NewCLIError(model.ExitGeneralError,
					fmt.Sprintf("unknown profile %q (configured: %v)", name, cfg.ProfileNames()))
			}
			profiles[name] = p
		}
	}

	t, err := trainer.New(cfg.Train, logger)
	if err != nil {
		return nil, err
	}
	in := trainer.Input{
		Train:   pd.Train,
		Test:    pd.Test,
		WorkDir: filepath.Join(workDir, "xgboost"),
	}
	return trainer.TrainProfiles(ctx, t, in, profiles, logger)
}

// exported is one model written to the repository.
type exported struct {
	Name    string                  `json:"name"`
	Profile string                  `json:"profile,omitempty"`
	Dir     string                  `json:"dir"`
	Config  *repository.ModelConfig `json:"config"`
}

// resolveSettings derives the serving settings for the configured server.
func resolveSettings(cfg *config.Config) (repository.Settings, error) {
	s, err := repository.ResolveSettings(cfg.Repository, cfg.Server.GPUs, repository.HostCPU(), logger)
	if err != nil {
		return repository.Settings{}, model.WrapCLIError(model.ExitGeneralError, "invalid repository settings", err)
	}
	return s, nil
}

// exportResults writes each trained model into the repository.
func exportResults(cfg *config.Config, results []*trainer.Result, s repository.Settings) ([]exported, error) {
	out := make([]exported, 0, len(results))
	for _, res := range results {
		name := cfg.ModelName(res.Profile.Name)
		mc := repository.NewModelConfig(name, res.Model, s)
		l, err := repository.Write(cfg.Repository.Path, name, res.Model, mc)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to write model %s", name), err)
		}
		logger.Info("model written",
			zap.String("model", name),
			zap.String("dir", l.ModelDir()),
			zap.Int("features", mc.NumFeatures),
			zap.String("instance_kind", mc.InstanceKind.String()),
		)
		out = append(out, exported{Name: name, Profile: res.Profile.Name, Dir: l.ModelDir(), Config: mc})
	}
	return out, nil
}

// openStore opens the history database. Failures are logged and reported
// as a nil store so that history never blocks the pipeline.
func openStore(cfg *config.Config) *store.Store {
	if cfg.Store.Path == "" {
		return nil
	}
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Warn("run history unavailable", zap.String("path", cfg.Store.Path), zap.Error(err))
		return nil
	}
	return st
}

func recordTraining(ctx context.Context, st *store.Store, cfg *config.Config, pd *preparedData, results []*trainer.Result) {
	if st == nil {
		return
	}
	for _, res := range results {
		run := store.TrainingRun{
			Model:        cfg.ModelName(res.Profile.Name),
			Profile:      res.Profile.Name,
			Trainer:      res.Trainer,
			Rounds:       res.Profile.Rounds,
			MaxDepth:     res.Profile.MaxDepth,
			LearningRate: res.Profile.LearningRate,
			TrainRows:    pd.Train.Len(),
			TestRows:     res.TestRows,
			NumFeatures:  res.Model.NumFeature,
			NumTrees:     len(res.Model.Trees),
			TestAUC:      res.TestAUC,
			TestLogLoss:  res.TestLogLoss,
			Duration:     res.Duration,
		}
		if _, err := st.RecordTraining(ctx, run); err != nil {
			logger.Warn("failed to record training run", zap.String("model", run.Model), zap.Error(err))
		}
	}
}

func recordDeployment(ctx context.Context, st *store.Store, d *model.Deployment, action, detail string) {
	if st == nil {
		return
	}
	ev := store.DeploymentEvent{Name: d.Name, Action: action, Image: d.Image, Models: d.Models, Detail: detail}
	if _, err := st.RecordDeployment(ctx, ev); err != nil {
		logger.Warn("failed to record deployment event", zap.String("deployment", d.Name), zap.Error(err))
	}
}

// serverPortSpecs lists the server endpoints published for a deployment.
func serverPortSpecs(cfg *config.Config) []model.PortSpec {
	return []model.PortSpec{
		{ServiceName: serviceHTTP, ContainerPort: cfg.Server.HTTPPort, Protocol: "tcp"},
		{ServiceName: serviceGRPC, ContainerPort: cfg.Server.GRPCPort, Protocol: "tcp"},
		{ServiceName: serviceMetrics, ContainerPort: cfg.Server.MetricsPort, Protocol: "tcp"},
	}
}

// serverArgs moves the server's listeners to the configured container
// ports.
func serverArgs(cfg *config.Config) []string {
	return []string{
		"--http-port=" + strconv.Itoa(cfg.Server.HTTPPort),
		"--grpc-port=" + strconv.Itoa(cfg.Server.GRPCPort),
		"--metrics-port=" + strconv.Itoa(cfg.Server.MetricsPort),
	}
}

// endpoint returns host:port of a deployment's endpoint for protocol.
func endpoint(cfg *config.Config, d *model.Deployment, protocol string) (string, error) {
	containerPort := cfg.Server.HTTPPort
	if protocol == config.ProtocolGRPC {
		containerPort = cfg.Server.GRPCPort
	}
	hostPort := d.HostPort(containerPort)
	if hostPort == 0 {
		return "", model.NewCLIError(model.ExitDeploymentNotFound,
			fmt.Sprintf("deployment %q publishes no port for %s (container port %d)", d.Name, protocol, containerPort))
	}
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(hostPort)), nil
}

// serverAddress returns the address to reach the server over protocol: the
// --url override when given, otherwise the published port of the named
// deployment.
func serverAddress(ctx context.Context, cfg *config.Config, name, override, protocol string) (string, error) {
	if override != "" {
		return override, nil
	}
	cli, err := docker.NewClient()
	if err != nil {
		return "", err
	}
	defer func() { _ = cli.Close() }()

	d, err := docker.FindDeployment(ctx, cli, name)
	if err != nil {
		return "", err
	}
	if d.Status != model.StatusRunning {
		return "", model.NewCLIError(model.ExitServerNotReady,
			fmt.Sprintf("deployment %q is %s", name, d.Status))
	}
	return endpoint(cfg, d, protocol)
}

// deploymentName returns the positional name argument or the configured
// server name.
func deploymentName(cfg *config.Config, args []string) (string, error) {
	name := cfg.Server.Name
	if len(args) > 0 {
		name = args[0]
	}
	if err := model.ValidateName(name); err != nil {
		return "", model.WrapCLIError(model.ExitGeneralError, "invalid deployment name", err)
	}
	return name, nil
}
