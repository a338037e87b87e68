package config

import "time"

// Template rules of the built-in "local" backend. Prompts start with a
// "role:" header line written by the backend adapters.
var localRules = []TemplateRule{
	{Match: `(?m)^role: decompose$`, Reply: `{"tasks": []}`},
	{Match: `(?m)^role: score$`, Reply: `{"score": 100, "feedback": "accepted by the local template backend"}`},
	{Match: `(?m)^role: solve$`, Reply: `{"solution": {{printf "completed %s: %s" .Fields.task .Fields.description | json}}}`},
}

// DefaultConfig returns the default configuration with built-in backends and
// a single local worker.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			Decomposer:        "local",
			MaxDepth:          2,
			MaxNodes:          64,
			DecomposableTypes: []string{"composite"},
		},
		Dispatch: DispatchConfig{
			MaxParallelism:   4,
			NoWorkerAttempts: 3,
			GracePeriod:      Duration(5 * time.Second),
			PollInterval:     Duration(100 * time.Millisecond),
		},
		Execution: ExecutionConfig{
			ShortTimeout:     Duration(30 * time.Second),
			LongTimeout:      Duration(10 * time.Minute),
			LongRunningTypes: []string{"research", "composite"},
			MaxAttempts:      3,
			Retry: RetryConfig{
				InitialInterval: Duration(100 * time.Millisecond),
				MaxInterval:     Duration(10 * time.Second),
				Multiplier:      2.0,
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         Duration(30 * time.Second),
			},
		},
		Validation: ValidationConfig{
			Scorer:          "local",
			AcceptThreshold: 70,
			ReviseThreshold: 40,
			Timeout:         Duration(30 * time.Second),
			MaxAttempts:     3,
		},
		Selection: SelectionConfig{
			CapabilityWeight: 1.0,
			LoadWeight:       0.5,
			HistoryWeight:    0.3,
			Smoothing:        0.2,
		},
		Store: StoreConfig{
			Path: ".taskswarm/swarm.db",
		},
		Backends: map[string]BackendConfig{
			"claude": {
				Type:    "command",
				Command: "claude",
				Args:    []string{"-p", "--output-format", "json"},
				Output:  "json",
			},
			"codex": {
				Type:    "command",
				Command: "codex",
				Args:    []string{"exec", "--json", "-"},
				Output:  "jsonl",
			},
			"goose": {
				Type:    "command",
				Command: "goose",
				Args:    []string{"run", "--quiet", "-i", "-"},
				Output:  "text",
			},
			"local": {
				Type:  "template",
				Rules: append([]TemplateRule(nil), localRules...),
			},
		},
		Workers: map[string]WorkerConfig{
			"local-1": {
				Backend:       "local",
				Capabilities:  []string{"code", "docs", "test", "research", "request"},
				MaxConcurrent: 2,
			},
		},
	}
}
