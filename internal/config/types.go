package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a string ("30s", "10m")
// in JSON, TOML and YAML files.
type Duration time.Duration

// MarshalText encodes the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses time.Duration notation.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BackendConfig defines a transport (command line or rule template) that
// workers, the decomposer and the scorer send prompts to.
// Backends are separate from workers -- multiple workers can share one backend.
type BackendConfig struct {
	Type         string         `json:"type" toml:"type" yaml:"type"`                                                // "command" or "template"
	Command      string         `json:"command,omitempty" toml:"command" yaml:"command,omitempty"`                   // Binary for "command" backends
	Args         []string       `json:"args,omitempty" toml:"args" yaml:"args,omitempty"`                            // Arguments appended to every invocation
	Env          []string       `json:"env,omitempty" toml:"env" yaml:"env,omitempty"`                               // Extra KEY=VALUE environment
	WorkDir      string         `json:"work_dir,omitempty" toml:"work_dir" yaml:"work_dir,omitempty"`                // Working directory of the subprocess
	Output       string         `json:"output,omitempty" toml:"output" yaml:"output,omitempty"`                      // "text", "json" or "jsonl"
	SystemPrompt string         `json:"system_prompt,omitempty" toml:"system_prompt" yaml:"system_prompt,omitempty"` // Prepended to every prompt
	Rules        []TemplateRule `json:"rules,omitempty" toml:"rules" yaml:"rules,omitempty"`                         // Replies of "template" backends
}

// TemplateRule maps prompts matching a pattern to a templated reply.
type TemplateRule struct {
	Match string `json:"match" toml:"match" yaml:"match"` // Regular expression; empty matches everything
	Reply string `json:"reply" toml:"reply" yaml:"reply"` // text/template rendered with the prompt
}

// WorkerConfig declares one worker of the swarm.
type WorkerConfig struct {
	Backend       string   `json:"backend" toml:"backend" yaml:"backend"` // Key into Backends; also the solver variant
	Capabilities  []string `json:"capabilities" toml:"capabilities" yaml:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent,omitempty" toml:"max_concurrent" yaml:"max_concurrent,omitempty"`
	SuccessRate   *float64 `json:"success_rate,omitempty" toml:"success_rate,omitempty" yaml:"success_rate,omitempty"` // Initial rolling success rate; 1.0 when unset
}

// GraphConfig bounds decomposition.
type GraphConfig struct {
	Decomposer        string   `json:"decomposer" toml:"decomposer" yaml:"decomposer"` // Backend key, or "plan:<file>" for a static plan
	MaxDepth          int      `json:"max_depth" toml:"max_depth" yaml:"max_depth"`
	MaxNodes          int      `json:"max_nodes" toml:"max_nodes" yaml:"max_nodes"`
	DecomposableTypes []string `json:"decomposable_types" toml:"decomposable_types" yaml:"decomposable_types"`
}

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	MaxParallelism   int      `json:"max_parallelism" toml:"max_parallelism" yaml:"max_parallelism"`
	NoWorkerAttempts int      `json:"no_worker_attempts" toml:"no_worker_attempts" yaml:"no_worker_attempts"`
	GracePeriod      Duration `json:"grace_period" toml:"grace_period" yaml:"grace_period"`
	PollInterval     Duration `json:"poll_interval" toml:"poll_interval" yaml:"poll_interval"`
}

// RetryConfig is the exponential backoff between attempts.
type RetryConfig struct {
	InitialInterval Duration `json:"initial_interval" toml:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" toml:"max_interval" yaml:"max_interval"`
	Multiplier      float64  `json:"multiplier" toml:"multiplier" yaml:"multiplier"`
}

// BreakerConfig configures the per-worker circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures" toml:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout" toml:"open_timeout" yaml:"open_timeout"`
}

// ExecutionConfig bounds solver calls.
type ExecutionConfig struct {
	ShortTimeout     Duration            `json:"short_timeout" toml:"short_timeout" yaml:"short_timeout"`
	LongTimeout      Duration            `json:"long_timeout" toml:"long_timeout" yaml:"long_timeout"`
	LongRunningTypes []string            `json:"long_running_types" toml:"long_running_types" yaml:"long_running_types"`
	TypeTimeouts     map[string]Duration `json:"type_timeouts,omitempty" toml:"type_timeouts" yaml:"type_timeouts,omitempty"`
	MaxAttempts      int                 `json:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
	Retry            RetryConfig         `json:"retry" toml:"retry" yaml:"retry"`
	Breaker          BreakerConfig       `json:"breaker" toml:"breaker" yaml:"breaker"`
}

// ValidationConfig configures the scorer and verdict thresholds.
type ValidationConfig struct {
	Scorer          string   `json:"scorer" toml:"scorer" yaml:"scorer"` // Backend key
	AcceptThreshold int      `json:"accept_threshold" toml:"accept_threshold" yaml:"accept_threshold"`
	ReviseThreshold int      `json:"revise_threshold" toml:"revise_threshold" yaml:"revise_threshold"`
	Timeout         Duration `json:"timeout" toml:"timeout" yaml:"timeout"`
	MaxAttempts     int      `json:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
}

// SelectionConfig weighs the worker selection score.
type SelectionConfig struct {
	CapabilityWeight float64 `json:"capability_weight" toml:"capability_weight" yaml:"capability_weight"`
	LoadWeight       float64 `json:"load_weight" toml:"load_weight" yaml:"load_weight"`
	HistoryWeight    float64 `json:"history_weight" toml:"history_weight" yaml:"history_weight"`
	Smoothing        float64 `json:"smoothing" toml:"smoothing" yaml:"smoothing"` // Rolling success-rate weight
}

// StoreConfig locates the checkpoint database.
type StoreConfig struct {
	Path string `json:"path" toml:"path" yaml:"path"`
}

// Config is the top-level configuration.
type Config struct {
	Graph      GraphConfig              `json:"graph" toml:"graph" yaml:"graph"`
	Dispatch   DispatchConfig           `json:"dispatch" toml:"dispatch" yaml:"dispatch"`
	Execution  ExecutionConfig          `json:"execution" toml:"execution" yaml:"execution"`
	Validation ValidationConfig         `json:"validation" toml:"validation" yaml:"validation"`
	Selection  SelectionConfig          `json:"selection" toml:"selection" yaml:"selection"`
	Store      StoreConfig              `json:"store" toml:"store" yaml:"store"`
	Backends   map[string]BackendConfig `json:"backends" toml:"backends" yaml:"backends"`
	Workers    map[string]WorkerConfig  `json:"workers" toml:"workers" yaml:"workers"`
}
