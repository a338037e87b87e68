package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskswarm/internal/backend"
	"github.com/aristath/taskswarm/internal/config"
	"github.com/aristath/taskswarm/internal/events"
	"github.com/aristath/taskswarm/internal/persistence"
	"github.com/aristath/taskswarm/internal/report"
	"github.com/aristath/taskswarm/internal/tui"
)

var (
	runTUI       bool
	runJSON      bool
	runEphemeral bool
)

// shutdownTimeout bounds the wait for a cancelled run to report.
const shutdownTimeout = 30 * time.Second

// errIncomplete makes the process exit non-zero when not every task was
// accepted. The report has already been printed.
var errIncomplete = errors.New("run incomplete")

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Decompose a request and run it on the swarm",
	Long: `Run decomposes the request into a task graph and dispatches it to the
configured workers. Pass "-" to read the request from stdin.

Progress is checkpointed after every round so an interrupted run can be
continued with 'taskswarm resume <run-id>'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		request := strings.Join(args, " ")
		if request == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading request: %w", err)
			}
			request = strings.TrimSpace(string(data))
		}
		if request == "" {
			return errors.New("request must not be empty")
		}
		return execute(cmd, func(ctx context.Context, a *app) (*report.Report, error) {
			return a.swarm.Run(ctx, request), nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().BoolVar(&runTUI, "tui", false, "Show live progress in a terminal UI")
		c.Flags().BoolVar(&runJSON, "json", false, "Print the report as JSON")
	}
	runCmd.Flags().BoolVar(&runEphemeral, "ephemeral", false, "Keep checkpoints in memory only")
}

// execute wires the swarm, runs fn under signal handling and prints the
// report.
func execute(cmd *cobra.Command, fn func(context.Context, *app) (*report.Report, error)) error {
	cfg, env, err := loadConfig()
	if err != nil {
		return err
	}

	logOut := cmd.ErrOrStderr()
	if runTUI {
		f, err := openLogFile(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	setupLogging(env, logOut)

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := backend.NewProcessManager()
	go func() {
		<-ctx.Done()
		if err := pm.KillAll(); err != nil {
			slog.Warn("killing subprocesses", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	a, err := newApp(cfg, store, bus, pm)
	if err != nil {
		return err
	}
	defer a.Close()

	var r *report.Report
	if runTUI {
		r, err = runWithTUI(ctx, bus, a, fn)
	} else {
		go logEvents(ctx, bus.SubscribeAll(events.DefaultBufferSize))
		r, err = fn(ctx, a)
	}
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), r, runJSON)
}

func openStore(ctx context.Context, cfg *config.Config) (persistence.Store, error) {
	if runEphemeral {
		return persistence.NewMemoryStore(ctx)
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return store, nil
}

func openLogFile(storePath string) (*os.File, error) {
	path := filepath.Join(filepath.Dir(storePath), "taskswarm.log")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// runWithTUI runs fn while the TUI renders bus events. Quitting the TUI
// cancels the run.
func runWithTUI(ctx context.Context, bus *events.Bus, a *app, fn func(context.Context, *app) (*report.Report, error)) (*report.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(bus), tea.WithAltScreen(), tea.WithContext(ctx))

	type result struct {
		r   *report.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := fn(ctx, a)
		msg := tui.RunFinishedMsg{Err: err}
		if r != nil {
			msg.Status = string(r.Status)
			msg.Summary = fmt.Sprintf("%d/%d accepted", r.Accepted, r.Total)
		}
		p.Send(msg)
		done <- result{r, err}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		slog.Error("TUI exited", "error", err)
	}
	// Quitting the TUI early abandons the run.
	cancel()

	select {
	case res := <-done:
		return res.r, res.err
	case <-time.After(shutdownTimeout):
		return nil, errors.New("run did not stop after the TUI exited")
	}
}

func printReport(w io.Writer, r *report.Report, asJSON bool) error {
	if asJSON {
		if err := r.WriteJSON(w); err != nil {
			return err
		}
	} else {
		fmt.Fprint(w, r.Summary())
	}
	if r.Status != report.StatusCompleted {
		return fmt.Errorf("%w: %s", errIncomplete, r.Status)
	}
	return nil
}
