package trainer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/dataset"
	"github.com/shinji-kodama/treeserve/internal/forest"
	"github.com/shinji-kodama/treeserve/internal/logging"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// XGBoostCLI trains by running the xgboost command-line program with a
// generated configuration file.
type XGBoostCLI struct {
	// Binary is the xgboost executable, looked up on PATH when it has no
	// directory part.
	Binary string

	Logger *zap.Logger
}

// Name implements Trainer.
func (x *XGBoostCLI) Name() string { return config.TrainerXGBoostCLI }

// Train writes the training rows as LibSVM, runs xgboost on a train.conf
// inside in.WorkDir/<profile>, and loads the JSON model it produces.
func (x *XGBoostCLI) Train(ctx context.Context, in Input, p model.Profile) (*Result, error) {
	log := logging.OrNop(x.Logger)
	if in.WorkDir == "" {
		return nil, fmt.Errorf("xgboost trainer needs a work directory")
	}
	dir, err := filepath.Abs(filepath.Join(in.WorkDir, p.Name))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	dataPath := filepath.Join(dir, "train.libsvm")
	if err := writeLibSVMFile(dataPath, in.Train); err != nil {
		return nil, err
	}
	modelPath := filepath.Join(dir, "model.json")
	confPath := filepath.Join(dir, "train.conf")
	if err := os.WriteFile(confPath, []byte(TrainConf(p, dataPath, modelPath)), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", confPath, err)
	}

	binary := x.Binary
	if binary == "" {
		binary = "xgboost"
	}
	log.Debug("running xgboost", zap.String("binary", binary), zap.String("conf", confPath))

	start := time.Now()
	// #nosec G204 -- the binary comes from the user's own configuration
	cmd := exec.CommandContext(ctx, binary, confPath)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.WrapCLIError(model.ExitExternalToolFailed,
			fmt.Sprintf("xgboost failed for profile %s:\n%s", p.Name, strings.TrimSpace(string(out))), err)
	}
	elapsed := time.Since(start)

	m, err := forest.ReadFile(modelPath)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitExternalToolFailed,
			fmt.Sprintf("xgboost did not produce a usable model for profile %s", p.Name), err)
	}
	if len(m.FeatureNames) == 0 && len(in.Train.Features) == m.NumFeature {
		m.FeatureNames = in.Train.Features
	}
	if m.NumFeature < len(in.Train.Features) {
		// LibSVM input loses trailing all-missing columns; the server
		// needs the full input width.
		m.NumFeature = len(in.Train.Features)
		m.FeatureNames = in.Train.Features
	}

	return &Result{
		Profile:  p,
		Trainer:  x.Name(),
		Duration: elapsed,
		Model:    m,
	}, nil
}

// TrainConf renders the xgboost CLI configuration for a profile.
func TrainConf(p model.Profile, dataPath, modelPath string) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	lines := []string{
		"booster = gbtree",
		"objective = binary:logistic",
		"eval_metric = auc",
		"eta = " + f(p.LearningRate),
		"max_depth = " + strconv.Itoa(p.MaxDepth),
		"num_round = " + strconv.Itoa(p.Rounds),
		"lambda = " + f(p.Lambda),
		"gamma = " + f(p.Gamma),
		"min_child_weight = " + f(p.MinChildWeight),
		"subsample = " + f(p.Subsample),
		"seed = " + strconv.FormatInt(p.Seed, 10),
		"save_period = 0",
		fmt.Sprintf("data = %q", dataPath+"?format=libsvm"),
		fmt.Sprintf("model_out = %q", modelPath),
	}
	return strings.Join(lines, "\n") + "\n"
}

func writeLibSVMFile(path string, p *dataset.Prepared) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := dataset.WriteLibSVM(w, p); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
