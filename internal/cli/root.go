// Package cli implements the cobra-based commands of treeserve.
//
// Each subcommand lives in its own file. This file defines the root
// command, the global flags, error formatting and exit code handling.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/logging"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// Global flag values, bound to persistent flags on the root command.
var (
	// configPath is an explicit configuration file. Empty means search the
	// working directory for one of config.SearchNames.
	configPath string

	// workDir holds the prepared splits, the schema and generated files.
	workDir string

	jsonOutput bool
	verbose    bool

	// logger is built in PersistentPreRunE and replaced by a no-op logger
	// until then.
	logger = zap.NewNop()
)

// Build information, set from main via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root command with every subcommand
// registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "treeserve",
		Short: "Train gradient-boosted fraud models and serve them on a forest inference server",
		Long: `treeserve drives a fraud-detection model from a CSV file to a running
inference server: it prepares the data, trains one model per hyperparameter
profile, writes them into a server model repository, starts the server in a
container, checks remote predictions against local ones and measures
latency and throughput.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.New(verbose, !jsonOutput)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: treeserve.{jsonc,json,yaml,yml} in the working directory)")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", ".treeserve", "Directory for prepared data and generated files")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(NewPrepareCommand())
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewExportCommand())
	rootCmd.AddCommand(NewDeployCommand())
	rootCmd.AddCommand(NewInferCommand())
	rootCmd.AddCommand(NewPerfCommand())
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewStopCommand())
	rootCmd.AddCommand(NewStartCommand())
	rootCmd.AddCommand(NewRemoveCommand())
	rootCmd.AddCommand(NewLogsCommand())
	rootCmd.AddCommand(NewBackendCommand())
	rootCmd.AddCommand(NewHistoryCommand())

	return rootCmd
}

// Execute runs the root command and exits with the code carried by a
// CLIError, or 1 for any other error.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(int(handleError(err)))
	}
}

func handleError(err error) model.ExitCode {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		printError(cliErr.Message, cliErr.Err)
		return cliErr.Code
	}
	printError(err.Error(), nil)
	return model.ExitGeneralError
}

// printError writes an error to stderr as text or, with --json, as a JSON
// object. stdout stays reserved for command output.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}
	if underlying != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
}

// VerboseLog writes a debug line through the CLI logger. It is visible
// with --verbose.
func VerboseLog(format string, args ...interface{}) {
	logger.Sugar().Debugf(format, args...)
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

// loadConfig loads --config, or the first configuration file found in the
// working directory, or the defaults. Relative paths in a file are resolved
// against the file's directory.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError, "failed to get current directory", err)
		}
		path = config.Find(cwd)
	}
	cfg, err := config.Load(path)
	if err != nil {
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) {
			return nil, err
		}
		return nil, model.WrapCLIError(model.ExitGeneralError, "invalid configuration", err)
	}
	cfg.Resolve()
	if cfg.Path != "" {
		VerboseLog("Loaded configuration from %s", cfg.Path)
	} else {
		VerboseLog("No configuration file found, using defaults")
	}
	return cfg, nil
}
