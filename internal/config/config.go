// Package config loads the treeserve pipeline configuration.
//
// The configuration file may be written as JSONC (JSON with comments,
// handled by github.com/tidwall/jsonc before encoding/json parses it) or as
// YAML (gopkg.in/yaml.v3). Every field has a default, so an empty or absent
// file yields a complete, valid configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/treeserve/internal/model"
)

// SearchNames lists the file names probed, in order, when no explicit
// configuration path is given.
var SearchNames = []string{
	"treeserve.jsonc",
	"treeserve.json",
	"treeserve.yaml",
	"treeserve.yml",
}

// Trainer names.
const (
	TrainerNative     = "native"
	TrainerXGBoostCLI = "xgboost-cli"
)

// Perf tool names.
const (
	PerfToolNative       = "native"
	PerfToolPerfAnalyzer = "perf_analyzer"
)

// Protocol names.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Config is the root of the pipeline configuration.
type Config struct {
	Data       DataConfig       `json:"data" yaml:"data"`
	Train      TrainConfig      `json:"train" yaml:"train"`
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Perf       PerfConfig       `json:"perf" yaml:"perf"`
	Store      StoreConfig      `json:"store" yaml:"store"`

	// Path is the file the configuration was loaded from, empty for defaults.
	Path string `json:"-" yaml:"-"`
}

// DataConfig describes the input table and its preparation.
type DataConfig struct {
	// Path is the CSV file holding features and the target column.
	Path string `json:"path" yaml:"path"`

	// Target is the name of the 0/1 label column.
	Target string `json:"target" yaml:"target"`

	// Drop lists columns removed before training (identifiers, timestamps).
	Drop []string `json:"drop,omitempty" yaml:"drop,omitempty"`

	// TestFraction is the share of rows held out for evaluation.
	TestFraction float64 `json:"testFraction" yaml:"testFraction"`

	// Seed drives the train/test shuffle.
	Seed int64 `json:"seed" yaml:"seed"`

	// NumericImpute is "mean", "median" or "constant".
	NumericImpute string `json:"numericImpute" yaml:"numericImpute"`

	// NumericFill is the fill value for NumericImpute == "constant".
	NumericFill float64 `json:"numericFill" yaml:"numericFill"`

	// CategoricalFill replaces missing categorical values before encoding.
	CategoricalFill string `json:"categoricalFill" yaml:"categoricalFill"`

	// MissingTokens are extra strings treated as missing, on top of the
	// built-in set.
	MissingTokens []string `json:"missingTokens,omitempty" yaml:"missingTokens,omitempty"`
}

// TrainConfig selects the trainer and the hyperparameter profiles.
type TrainConfig struct {
	// Trainer is "native" (built-in booster) or "xgboost-cli".
	Trainer string `json:"trainer" yaml:"trainer"`

	// XGBoostBinary is the external trainer executable.
	XGBoostBinary string `json:"xgboostBinary" yaml:"xgboostBinary"`

	// ModelPrefix is prepended to profile names to form model names.
	ModelPrefix string `json:"modelPrefix" yaml:"modelPrefix"`

	// Profiles maps profile names to hyperparameters. Fields left at zero
	// inherit the default profile values.
	Profiles map[string]model.Profile `json:"profiles" yaml:"profiles"`
}

// RepositoryConfig controls how models are laid out for the server.
type RepositoryConfig struct {
	Path                string  `json:"path" yaml:"path"`
	Format              string  `json:"format" yaml:"format"`
	MaxBatchSize        int     `json:"maxBatchSize" yaml:"maxBatchSize"`
	MaxQueueDelayMicros int     `json:"maxQueueDelayMicros" yaml:"maxQueueDelayMicros"`
	InstanceKind        string  `json:"instanceKind" yaml:"instanceKind"`
	InstanceCount       int     `json:"instanceCount" yaml:"instanceCount"`
	Threshold           float64 `json:"threshold" yaml:"threshold"`
	StorageType         string  `json:"storageType" yaml:"storageType"`
}

// ServerConfig describes the inference server container.
type ServerConfig struct {
	Image        string `json:"image" yaml:"image"`
	Name         string `json:"name" yaml:"name"`
	GPUs         string `json:"gpus" yaml:"gpus"`
	HTTPPort     int    `json:"httpPort" yaml:"httpPort"`
	GRPCPort     int    `json:"grpcPort" yaml:"grpcPort"`
	MetricsPort  int    `json:"metricsPort" yaml:"metricsPort"`
	ReadyTimeout string `json:"readyTimeout" yaml:"readyTimeout"`
	PollInterval string `json:"pollInterval" yaml:"pollInterval"`
	ShmSize      string `json:"shmSize" yaml:"shmSize"`
	Protocol     string `json:"protocol" yaml:"protocol"`
	Host         string `json:"host" yaml:"host"`
}

// PerfConfig describes the latency/throughput sweep.
type PerfConfig struct {
	Tool               string `json:"tool" yaml:"tool"`
	Concurrency        []int  `json:"concurrency" yaml:"concurrency"`
	BatchSize          int    `json:"batchSize" yaml:"batchSize"`
	Requests           int    `json:"requests" yaml:"requests"`
	Duration           string `json:"duration" yaml:"duration"`
	PerfAnalyzerImage  string `json:"perfAnalyzerImage" yaml:"perfAnalyzerImage"`
	PerfAnalyzerBinary string `json:"perfAnalyzerBinary" yaml:"perfAnalyzerBinary"`
	ReportDir          string `json:"reportDir" yaml:"reportDir"`
}

// StoreConfig locates the run history database.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// DefaultProfiles returns the two stock profiles: a shallow, fast model and
// a deeper one that trades serving cost for accuracy.
func DefaultProfiles() map[string]model.Profile {
	return map[string]model.Profile{
		"small": {
			Name: "small", Rounds: 100, MaxDepth: 6, LearningRate: 0.3,
			Lambda: 1, MinChildWeight: 1, Subsample: 1, Seed: 42,
		},
		"large": {
			Name: "large", Rounds: 500, MaxDepth: 10, LearningRate: 0.1,
			Lambda: 1, MinChildWeight: 1, Subsample: 0.8, Seed: 42,
		},
	}
}

// Default returns a configuration populated with every default value.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Path:            "data/fraud.csv",
			Target:          "isFraud",
			TestFraction:    0.2,
			Seed:            42,
			NumericImpute:   "mean",
			CategoricalFill: "UNKNOWN",
		},
		Train: TrainConfig{
			Trainer:       TrainerNative,
			XGBoostBinary: "xgboost",
			ModelPrefix:   "fraud",
			Profiles:      DefaultProfiles(),
		},
		Repository: RepositoryConfig{
			Path:                "model_repository",
			Format:              string(model.FormatXGBoostJSON),
			MaxBatchSize:        32768,
			MaxQueueDelayMicros: 100,
			InstanceKind:        string(model.InstanceAuto),
			InstanceCount:       1,
			Threshold:           0.5,
			StorageType:         "AUTO",
		},
		Server: ServerConfig{
			Image:        "nvcr.io/nvidia/tritonserver:24.08-py3",
			Name:         "treeserve",
			HTTPPort:     8000,
			GRPCPort:     8001,
			MetricsPort:  8002,
			ReadyTimeout: "60s",
			PollInterval: "1s",
			ShmSize:      "1g",
			Protocol:     ProtocolHTTP,
			Host:         "localhost",
		},
		Perf: PerfConfig{
			Tool:              PerfToolNative,
			Concurrency:       []int{1, 2, 4, 8, 16},
			BatchSize:         1,
			Requests:          1000,
			Duration:          "30s",
			PerfAnalyzerImage: "nvcr.io/nvidia/tritonserver:24.08-py3-sdk",
			ReportDir:         "reports",
		},
		Store: StoreConfig{
			Path: "treeserve.db",
		},
	}
}

// Find returns the first configuration file found in dir, or "" when none
// of SearchNames exists.
func Find(dir string) string {
	for _, name := range SearchNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads the configuration at path. An empty path returns the defaults.
// The format is chosen from the extension: .yaml/.yml use YAML, everything
// else is treated as JSONC.
//
// Returns a CLIError with ExitConfigNotFound if the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitConfigNotFound,
				fmt.Sprintf("configuration file not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	// Profiles are decoded into a fresh map so that user-supplied profiles
	// replace the stock ones rather than merging with them.
	cfg.Train.Profiles = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML configuration %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
		}
	}

	cfg.Path = path
	cfg.Train.Profiles = fillProfiles(cfg.Train.Profiles)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillProfiles copies default hyperparameters into zero-valued fields and
// sets each profile's Name from its map key.
func fillProfiles(in map[string]model.Profile) map[string]model.Profile {
	if len(in) == 0 {
		return DefaultProfiles()
	}
	base := DefaultProfiles()["small"]
	out := make(map[string]model.Profile, len(in))
	for name, p := range in {
		p.Name = name
		if p.Rounds == 0 {
			p.Rounds = base.Rounds
		}
		if p.MaxDepth == 0 {
			p.MaxDepth = base.MaxDepth
		}
		if p.LearningRate == 0 {
			p.LearningRate = base.LearningRate
		}
		if p.Lambda == 0 {
			p.Lambda = base.Lambda
		}
		if p.MinChildWeight == 0 {
			p.MinChildWeight = base.MinChildWeight
		}
		if p.Subsample == 0 {
			p.Subsample = base.Subsample
		}
		if p.Seed == 0 {
			p.Seed = base.Seed
		}
		out[name] = p
	}
	return out
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if c.Data.Target == "" {
		return fmt.Errorf("data.target must not be empty")
	}
	if c.Data.TestFraction <= 0 || c.Data.TestFraction >= 1 {
		return fmt.Errorf("data.testFraction must be in (0, 1), got %g", c.Data.TestFraction)
	}
	switch c.Data.NumericImpute {
	case "mean", "median", "constant":
	default:
		return fmt.Errorf("data.numericImpute: invalid strategy %q (valid: mean, median, constant)", c.Data.NumericImpute)
	}

	switch c.Train.Trainer {
	case TrainerNative, TrainerXGBoostCLI:
	default:
		return fmt.Errorf("train.trainer: invalid trainer %q (valid: %s, %s)", c.Train.Trainer, TrainerNative, TrainerXGBoostCLI)
	}
	if err := model.ValidateName(c.Train.ModelPrefix); err != nil {
		return fmt.Errorf("train.modelPrefix: %w", err)
	}
	if len(c.Train.Profiles) == 0 {
		return fmt.Errorf("train.profiles must define at least one profile")
	}
	for _, name := range c.ProfileNames() {
		p := c.Train.Profiles[name]
		if err := p.Validate(); err != nil {
			return err
		}
	}

	if _, err := model.ParseModelFormat(c.Repository.Format); err != nil {
		return fmt.Errorf("repository.format: %w", err)
	}
	if model.ModelFormat(c.Repository.Format) != model.FormatXGBoostJSON {
		return fmt.Errorf("repository.format: only %s can be written by treeserve, got %q", model.FormatXGBoostJSON, c.Repository.Format)
	}
	if _, err := model.ParseInstanceKind(c.Repository.InstanceKind); err != nil {
		return fmt.Errorf("repository.instanceKind: %w", err)
	}
	if c.Repository.MaxBatchSize < 1 {
		return fmt.Errorf("repository.maxBatchSize must be >= 1")
	}
	if c.Repository.InstanceCount < 0 {
		return fmt.Errorf("repository.instanceCount must be >= 0")
	}
	if c.Repository.Threshold <= 0 || c.Repository.Threshold >= 1 {
		return fmt.Errorf("repository.threshold must be in (0, 1), got %g", c.Repository.Threshold)
	}

	if err := model.ValidateName(c.Server.Name); err != nil {
		return fmt.Errorf("server.name: %w", err)
	}
	for field, value := range map[string]string{
		"server.readyTimeout": c.Server.ReadyTimeout,
		"server.pollInterval": c.Server.PollInterval,
		"perf.duration":       c.Perf.Duration,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	switch c.Server.Protocol {
	case ProtocolHTTP, ProtocolGRPC:
	default:
		return fmt.Errorf("server.protocol: invalid protocol %q (valid: http, grpc)", c.Server.Protocol)
	}

	switch c.Perf.Tool {
	case PerfToolNative, PerfToolPerfAnalyzer:
	default:
		return fmt.Errorf("perf.tool: invalid tool %q (valid: %s, %s)", c.Perf.Tool, PerfToolNative, PerfToolPerfAnalyzer)
	}
	if len(c.Perf.Concurrency) == 0 {
		return fmt.Errorf("perf.concurrency must list at least one level")
	}
	for _, level := range c.Perf.Concurrency {
		if level < 1 {
			return fmt.Errorf("perf.concurrency: level %d must be >= 1", level)
		}
	}
	if c.Perf.BatchSize < 1 || c.Perf.BatchSize > c.Repository.MaxBatchSize {
		return fmt.Errorf("perf.batchSize must be in [1, %d], got %d", c.Repository.MaxBatchSize, c.Perf.BatchSize)
	}
	return nil
}

// ProfileNames returns the configured profile names in sorted order, which
// is also the training order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Train.Profiles))
	for name := range c.Train.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelName returns the repository model name for a profile.
func (c *Config) ModelName(profile string) string {
	return c.Train.ModelPrefix + "-" + profile
}

// ReadyTimeout returns the parsed server readiness timeout.
func (c *Config) ReadyTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.ReadyTimeout)
	return d
}

// PollInterval returns the parsed readiness poll interval.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Server.PollInterval)
	return d
}

// PerfDuration returns the parsed per-level sweep duration cap.
func (c *Config) PerfDuration() time.Duration {
	d, _ := time.ParseDuration(c.Perf.Duration)
	return d
}

// Resolve turns relative paths into paths relative to the directory of the
// configuration file, so a pipeline behaves the same regardless of the
// working directory it is run from.
func (c *Config) Resolve() {
	if c.Path == "" {
		return
	}
	base := filepath.Dir(c.Path)
	for _, p := range []*string{&c.Data.Path, &c.Repository.Path, &c.Store.Path, &c.Perf.ReportDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}
