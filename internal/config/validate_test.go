package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"plan decomposer", func(c *Config) { c.Graph.Decomposer = PlanPrefix + "plan.yaml" }, ""},
		{"zero parallelism", func(c *Config) { c.Dispatch.MaxParallelism = 0 }, "dispatch.max_parallelism"},
		{"inverted thresholds", func(c *Config) { c.Validation.ReviseThreshold = 90 }, "exceeds accept_threshold"},
		{"threshold range", func(c *Config) { c.Validation.AcceptThreshold = 101 }, "within 0..100"},
		{"unknown worker backend", func(c *Config) {
			c.Workers["x"] = WorkerConfig{Backend: "nope", Capabilities: []string{"code"}}
		}, `worker x: unknown backend "nope"`},
		{"no capabilities", func(c *Config) { c.Workers["x"] = WorkerConfig{Backend: "local"} }, "worker x: no capabilities"},
		{"success rate range", func(c *Config) {
			rate := 1.5
			c.Workers["x"] = WorkerConfig{Backend: "local", Capabilities: []string{"code"}, SuccessRate: &rate}
		}, "worker x: success_rate must be within 0..1"},
		{"zero success rate", func(c *Config) {
			rate := 0.0
			c.Workers["x"] = WorkerConfig{Backend: "local", Capabilities: []string{"code"}, SuccessRate: &rate}
		}, ""},
		{"no workers", func(c *Config) { c.Workers = nil }, "at least one worker"},
		{"command without binary", func(c *Config) { c.Backends["x"] = BackendConfig{Type: "command"} }, "backend x: command is required"},
		{"bad output", func(c *Config) {
			c.Backends["x"] = BackendConfig{Type: "command", Command: "x", Output: "xml"}
		}, `unknown output format "xml"`},
		{"bad rule", func(c *Config) {
			c.Backends["x"] = BackendConfig{Type: "template", Rules: []TemplateRule{{Match: "("}}}
		}, "backend x: rule 0"},
		{"unknown scorer", func(c *Config) { c.Validation.Scorer = "ghost" }, "validation.scorer"},
		{"bad smoothing", func(c *Config) { c.Selection.Smoothing = 0 }, "selection.smoothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.MaxParallelism = 0
	cfg.Execution.MaxAttempts = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.max_parallelism")
	assert.Contains(t, err.Error(), "execution.max_attempts")
}
