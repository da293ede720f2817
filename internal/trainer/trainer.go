// Package trainer fits one boosted-tree model per hyperparameter profile.
//
// Two implementations share the Trainer interface: NativeTrainer runs the
// in-process booster from package forest, and XGBoostCLI shells out to the
// xgboost command-line trainer and loads the JSON model it writes. Either
// way the result is a *forest.Model that package repository can publish.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/dataset"
	"github.com/shinji-kodama/treeserve/internal/forest"
	"github.com/shinji-kodama/treeserve/internal/logging"
	"github.com/shinji-kodama/treeserve/internal/model"
	"github.com/shinji-kodama/treeserve/internal/report"
)

// Input is the data handed to a trainer.
type Input struct {
	Train *dataset.Prepared

	// Test is optional. When set, results carry held-out metrics.
	Test *dataset.Prepared

	// WorkDir holds intermediate files of external trainers.
	WorkDir string
}

// Result is one trained profile.
type Result struct {
	Profile  model.Profile `json:"profile"`
	Trainer  string        `json:"trainer"`
	Duration time.Duration `json:"duration"`

	TestRows    int     `json:"testRows"`
	TestAUC     float64 `json:"testAuc"`
	TestLogLoss float64 `json:"testLogLoss"`

	Model *forest.Model `json:"-"`
}

// Trainer fits a model for one profile.
type Trainer interface {
	// Name is the config value that selects the trainer.
	Name() string

	Train(ctx context.Context, in Input, p model.Profile) (*Result, error)
}

// New returns the trainer selected by cfg.
func New(cfg config.TrainConfig, log *zap.Logger) (Trainer, error) {
	switch cfg.Trainer {
	case config.TrainerNative, "":
		return &NativeTrainer{Logger: log}, nil
	case config.TrainerXGBoostCLI:
		return &XGBoostCLI{Binary: cfg.XGBoostBinary, Logger: log}, nil
	default:
		return nil, fmt.Errorf("unknown trainer %q", cfg.Trainer)
	}
}

// Params converts a profile into booster parameters.
func Params(p model.Profile) forest.Params {
	return forest.Params{
		Rounds:         p.Rounds,
		MaxDepth:       p.MaxDepth,
		LearningRate:   p.LearningRate,
		Lambda:         p.Lambda,
		Gamma:          p.Gamma,
		MinChildWeight: p.MinChildWeight,
		Subsample:      p.Subsample,
		Seed:           p.Seed,
	}
}

// TrainProfiles trains every profile in name order and evaluates each model
// on the test split when there is one.
func TrainProfiles(ctx context.Context, t Trainer, in Input, profiles map[string]model.Profile, log *zap.Logger) ([]*Result, error) {
	log = logging.OrNop(log)
	if in.Train == nil || in.Train.Len() == 0 {
		return nil, fmt.Errorf("trainer: no training rows")
	}
	if in.Train.Y == nil {
		return nil, fmt.Errorf("trainer: training data has no labels")
	}

	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]*Result, 0, len(names))
	for _, name := range names {
		p := profiles[name]
		p.Name = name
		if err := p.Validate(); err != nil {
			return nil, err
		}

		log.Info("training profile",
			zap.String("profile", name),
			zap.String("trainer", t.Name()),
			zap.Int("rounds", p.Rounds),
			zap.Int("max_depth", p.MaxDepth),
			zap.Int("rows", in.Train.Len()),
		)
		res, err := t.Train(ctx, in, p)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		if err := Evaluate(res, in.Test); err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		log.Info("profile trained",
			zap.String("profile", name),
			zap.Duration("duration", res.Duration),
			zap.Int("trees", len(res.Model.Trees)),
			zap.Float64("test_auc", res.TestAUC),
		)
		results = append(results, res)
	}
	return results, nil
}

// Evaluate fills the held-out metrics of res. A nil or unlabeled test set
// leaves them zero. A test set with a single class gets log loss only.
func Evaluate(res *Result, test *dataset.Prepared) error {
	if test == nil || test.Len() == 0 || test.Y == nil {
		return nil
	}
	probs, err := res.Model.PredictProbaBatch(test.X)
	if err != nil {
		return err
	}
	res.TestRows = test.Len()
	res.TestLogLoss = forest.LogLoss(test.Y, probs)

	auc, err := report.AUC(probs, test.Y)
	switch {
	case err == nil:
		res.TestAUC = auc
	case errors.Is(err, report.ErrSingleClass):
	default:
		return err
	}
	return nil
}

// NativeTrainer trains with the in-process booster.
type NativeTrainer struct {
	Logger *zap.Logger
}

// Name implements Trainer.
func (n *NativeTrainer) Name() string { return config.TrainerNative }

// Train implements Trainer.
func (n *NativeTrainer) Train(ctx context.Context, in Input, p model.Profile) (*Result, error) {
	params := Params(p)
	params.Logger = logging.OrNop(n.Logger).With(zap.String("profile", p.Name))

	start := time.Now()
	m, err := forest.Train(ctx, in.Train.X, in.Train.Y, in.Train.Features, params)
	if err != nil {
		return nil, err
	}
	return &Result{
		Profile:  p,
		Trainer:  n.Name(),
		Duration: time.Since(start),
		Model:    m,
	}, nil
}
