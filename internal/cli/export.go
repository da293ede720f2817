package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/forest"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/repository"
)

type exportFlags struct {
	from          string
	name          string
	instanceKind  string
	instanceCount int
	maxBatchSize  int
}

// NewExportCommand creates the "export" command.
func NewExportCommand() *cobra.Command {
	flags := &exportFlags{}

	cmd := &cobra.Command{
		Use:   "export [model...]",
		Short: "Rewrite model configurations or import an XGBoost JSON model",
		Long: `Rewrite config.pbtxt of models already in the repository with the current
serving settings, for example to move them between CPU and GPU instances.
Without arguments every model in the repository is rewritten.

With --from, an XGBoost JSON model trained elsewhere is imported into the
repository under --name.

Examples:
  treeserve export --instance-kind cpu
  treeserve export fraud-large --instance-count 2
  treeserve export --from booster.json --name fraud-external`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(args, flags, cmd.Flags().Changed("instance-count"), cmd.Flags().Changed("max-batch-size"))
		},
	}

	cmd.Flags().StringVar(&flags.from, "from", "", "XGBoost JSON model file to import")
	cmd.Flags().StringVar(&flags.name, "name", "", "Model name for --from")
	cmd.Flags().StringVar(&flags.instanceKind, "instance-kind", "", "Instance kind: cpu, gpu or auto (default: repository.instanceKind)")
	cmd.Flags().IntVar(&flags.instanceCount, "instance-count", 0, "Instances per model, 0 derives it from the hardware")
	cmd.Flags().IntVar(&flags.maxBatchSize, "max-batch-size", 0, "Maximum batch size (default: repository.maxBatchSize)")
	return cmd
}

func runExport(args []string, flags *exportFlags, countSet, batchSet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flags.instanceKind != "" {
		cfg.Repository.InstanceKind = flags.instanceKind
	}
	if countSet {
		cfg.Repository.InstanceCount = flags.instanceCount
	}
	if batchSet {
		cfg.Repository.MaxBatchSize = flags.maxBatchSize
	}
	if err := cfg.Validate(); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "invalid export settings", err)
	}
	s, err := resolveSettings(cfg)
	if err != nil {
		return err
	}

	var out []exported
	if flags.from != "" {
		e, err := importModel(cfg, flags.from, flags.name, s)
		if err != nil {
			return err
		}
		out = append(out, e)
	} else {
		if out, err = reexportModels(cfg, args, s); err != nil {
			return err
		}
	}

	printExportResult(out)
	return nil
}

func importModel(cfg *config.Config, path, name string, s repository.Settings) (exported, error) {
	if name == "" {
		return exported{}, model.NewCLIError(model.ExitGeneralError, "--name is required with --from")
	}
	m, err := forest.ReadFile(path)
	if err != nil {
		return exported{}, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to read model %s", path), err)
	}
	mc := repository.NewModelConfig(name, m, s)
	l, err := repository.Write(cfg.Repository.Path, name, m, mc)
	if err != nil {
		return exported{}, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to write model %s", name), err)
	}
	logger.Info("model imported", zap.String("model", name), zap.String("from", path), zap.Int("trees", len(m.Trees)))
	return exported{Name: name, Dir: l.ModelDir(), Config: mc}, nil
}

func reexportModels(cfg *config.Config, names []string, s repository.Settings) ([]exported, error) {
	if len(names) == 0 {
		entries, err := repository.Scan(cfg.Repository.Path)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigNotFound, "failed to read the model repository", err)
		}
		for _, e := range entries {
			if e.Err != "" {
				logger.Warn("skipping model", zap.String("model", e.Name), zap.String("reason", e.Err))
				continue
			}
			names = append(names, e.Name)
		}
	}
	if len(names) == 0 {
		return nil, model.NewCLIError(model.ExitConfigNotFound,
			fmt.Sprintf("no models in repository %s", cfg.Repository.Path))
	}

	out := make([]exported, 0, len(names))
	for _, name := range names {
		m, _, err := repository.Load(cfg.Repository.Path, name)
		if err != nil {
			return nil, err
		}
		mc := repository.NewModelConfig(name, m, s)
		l, err := repository.Write(cfg.Repository.Path, name, m, mc)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to write model %s", name), err)
		}
		VerboseLog("Rewrote %s", l.ConfigFile())
		out = append(out, exported{Name: name, Dir: l.ModelDir(), Config: mc})
	}
	return out, nil
}

func printExportResult(out []exported) {
	if IsJSONOutput() {
		printJSON(map[string]interface{}{"models": out})
		return
	}
	for _, e := range out {
		fmt.Printf("Wrote %s: %d features, %s x%d, max batch %d\n",
			e.Dir, e.Config.NumFeatures, e.Config.InstanceKind, e.Config.InstanceCount, e.Config.MaxBatchSize)
	}
}
