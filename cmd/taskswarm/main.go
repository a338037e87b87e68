package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskswarm/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "taskswarm",
	Short: "Decompose a request into a task graph and run it on a worker swarm",
	Long: `taskswarm splits a request into a dependency graph of tasks, dispatches
ready tasks to capable workers in parallel, scores every result and reports
which tasks were accepted.

Workers, backends and limits come from ~/.taskswarm and .taskswarm config
files (JSON, TOML or YAML). SWARM_LOG_LEVEL, SWARM_LOG_FORMAT, SWARM_DB_PATH
and SWARM_CONFIG override them from the environment.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Project config file (default .taskswarm/config.*)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and config files, applies overrides and
// validates the result.
func loadConfig() (*config.Config, *config.Env, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, nil, err
	}
	if configPath != "" {
		env.Config = configPath
	}
	if logLevel != "" {
		env.LogLevel = logLevel
	}

	cfg, err := config.LoadDefault(env.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	env.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, env, nil
}

// setupLogging installs the default slog logger writing to w.
func setupLogging(env *config.Env, w io.Writer) {
	opts := &slog.HandlerOptions{Level: env.SlogLevel()}
	var handler slog.Handler
	if strings.EqualFold(env.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
