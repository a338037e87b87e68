package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aristath/taskswarm/internal/config"
)

var (
	configForce       bool
	configInteractive bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage taskswarm configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Long: `Init writes the built-in defaults to path (default .taskswarm/config.yaml).
The format follows the extension: .json, .toml, .yaml or .yml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(".taskswarm", "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		cfg := config.DefaultConfig()
		if configInteractive {
			answers := newInitAnswers(cfg)
			if err := answers.form(cfg).Run(); err != nil {
				return err
			}
			if err := answers.apply(cfg); err != nil {
				return err
			}
		}
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: %d backends, %d workers\n", len(cfg.Backends), len(cfg.Workers))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configInitCmd.Flags().BoolVarP(&configInteractive, "interactive", "i", false, "Choose backends and the first worker in a form")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

// initAnswers holds the values edited by the interactive init form.
type initAnswers struct {
	decomposer   string
	scorer       string
	workerID     string
	workerBack   string
	capabilities string
	parallelism  string
}

func newInitAnswers(cfg *config.Config) *initAnswers {
	a := &initAnswers{
		decomposer:  cfg.Graph.Decomposer,
		scorer:      cfg.Validation.Scorer,
		workerBack:  cfg.Graph.Decomposer,
		parallelism: strconv.Itoa(cfg.Dispatch.MaxParallelism),
	}
	for id, w := range cfg.Workers {
		a.workerID = id
		a.workerBack = w.Backend
		a.capabilities = strings.Join(w.Capabilities, ", ")
		break
	}
	return a
}

func (a *initAnswers) form(cfg *config.Config) *huh.Form {
	var options []huh.Option[string]
	for _, name := range slices.Sorted(maps.Keys(cfg.Backends)) {
		options = append(options, huh.NewOption(fmt.Sprintf("%s (%s)", name, cfg.Backends[name].Type), name))
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("decomposer").
				Title("Decomposer Backend").
				Options(options...).
				Value(&a.decomposer),

			huh.NewSelect[string]().
				Key("scorer").
				Title("Scorer Backend").
				Options(options...).
				Value(&a.scorer),
		).Title("Planning"),

		huh.NewGroup(
			huh.NewInput().
				Key("workerID").
				Title("Worker ID").
				Value(&a.workerID).
				Placeholder("local-1"),

			huh.NewSelect[string]().
				Key("workerBackend").
				Title("Worker Backend").
				Options(options...).
				Value(&a.workerBack),

			huh.NewInput().
				Key("capabilities").
				Title("Capabilities").
				Description("Comma-separated task types the worker accepts").
				Value(&a.capabilities),

			huh.NewInput().
				Key("parallelism").
				Title("Max Parallel Tasks").
				Value(&a.parallelism).
				Validate(validPositive),
		).Title("Workers"),
	)
}

func validPositive(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

// apply replaces the workers with the single configured one and copies the
// remaining answers into cfg.
func (a *initAnswers) apply(cfg *config.Config) error {
	if err := validPositive(a.parallelism); err != nil {
		return fmt.Errorf("max parallel tasks %w", err)
	}
	n, _ := strconv.Atoi(strings.TrimSpace(a.parallelism))

	var caps []string
	for _, c := range strings.Split(a.capabilities, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	id := strings.TrimSpace(a.workerID)
	if id == "" {
		id = a.workerBack + "-1"
	}

	cfg.Graph.Decomposer = a.decomposer
	cfg.Validation.Scorer = a.scorer
	cfg.Dispatch.MaxParallelism = n
	cfg.Workers = map[string]config.WorkerConfig{
		id: {Backend: a.workerBack, Capabilities: caps, MaxConcurrent: n},
	}
	return cfg.Validate()
}
