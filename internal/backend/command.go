package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// CommandBackend runs a CLI per message. The prompt is written to the
// subprocess stdin and the reply is read from stdout in the configured
// output format.
type CommandBackend struct {
	name         string
	command      string
	args         []string
	env          []string
	workDir      string
	output       string
	systemPrompt string
	procMgr      *ProcessManager
}

// NewCommandBackend creates a command backend.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewCommandBackend(cfg Config, procMgr *ProcessManager) (*CommandBackend, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend %s: command is required", cfg.Name)
	}
	output := cfg.Output
	if output == "" {
		output = "text"
	}
	if _, ok := parsers[output]; !ok {
		return nil, fmt.Errorf("backend %s: unknown output format %q", cfg.Name, cfg.Output)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &CommandBackend{
		name:         cfg.Name,
		command:      cfg.Command,
		args:         append([]string(nil), cfg.Args...),
		env:          append([]string(nil), cfg.Env...),
		workDir:      workDir,
		output:       output,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Send runs the command with the prompt on stdin.
func (b *CommandBackend) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, b.command, b.args...)
	cmd.Dir = b.workDir
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	stdout, _, err := executeCommand(ctx, cmd, []byte(b.prompt(msg)), b.procMgr)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("%s command failed: %v", b.command, err),
		}, err
	}

	content, err := parsers[b.output](stdout)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse %s output: %v", b.command, err),
		}, err
	}

	return Response{Content: content}, nil
}

func (b *CommandBackend) prompt(msg Message) string {
	if b.systemPrompt == "" {
		return msg.Content
	}
	return strings.TrimSpace(b.systemPrompt) + "\n\n" + msg.Content
}

// Close is a no-op (subprocess-per-invocation model).
func (b *CommandBackend) Close() error {
	return nil
}
