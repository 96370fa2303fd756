package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/aristath/mise/internal/engine"
	"github.com/aristath/mise/internal/events"
	"github.com/aristath/mise/internal/orchestrator"
	"github.com/aristath/mise/internal/persistence"
	"github.com/aristath/mise/internal/progress"
	"github.com/aristath/mise/internal/tui"
)

type loopOptions struct {
	tui     bool
	verbose bool
	task    string
}

// session holds everything a loop or single-task run needs.
type session struct {
	project *project
	loop    *orchestrator.Loop
	bus     *events.EventBus
	ledger  *persistence.SQLiteStore
	signals chan os.Signal
}

func (s *session) Close() {
	signal.Stop(s.signals)
	s.bus.Close()
	if s.ledger != nil {
		s.ledger.Close()
	}
}

func newSession(ctx context.Context, root *rootOptions, interactive bool) (*session, error) {
	p, err := root.project()
	if err != nil {
		return nil, err
	}
	st, err := p.station()
	if err != nil {
		return nil, err
	}
	tracker, err := p.tracker()
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(st.Engine.Name)
	if err != nil {
		return nil, err
	}

	s := &session{project: p, bus: events.NewEventBus(), signals: make(chan os.Signal, 2)}
	var sink progress.Sink = p.progressLog()
	if ledger, err := p.ledger(ctx); err != nil {
		log.Printf("WARNING: run ledger unavailable, using the progress log only: %v", err)
	} else {
		s.ledger = ledger
		sink = progress.Multi(sink, ledger)
	}

	var clarifier *orchestrator.Clarifier
	if st.Mode.Attended {
		var answerer orchestrator.Answerer = orchestrator.FileAnswerer{StateDir: p.StateDir}
		if interactive && isatty.IsTerminal(os.Stdin.Fd()) {
			answerer = orchestrator.Race(orchestrator.TerminalAnswerer{}, answerer)
		}
		clarifier = &orchestrator.Clarifier{
			Answerer: answerer,
			StateDir: p.StateDir,
			Timeout:  st.Runtime.ClarificationTimeout(),
		}
	}

	signal.Notify(s.signals, os.Interrupt, syscall.SIGTERM)

	cfg := orchestrator.LoopConfig{
		ProjectDir: p.Dir,
		StateDir:   p.StateDir,
		Station:    st,
		Tracker:    tracker,
		Engine:     engine.WithBreaker(eng, st.Mode.ParallelCap()),
		Progress:   sink,
		Events:     s.bus,
		Clarifier:  clarifier,
		Signals:    s.signals,
		Exit:       os.Exit,
	}
	if s.ledger != nil {
		cfg.Ledger = s.ledger
	}
	s.loop = orchestrator.NewLoop(cfg)
	return s, nil
}

func newLoopCmd(root *rootOptions) *cobra.Command {
	opts := &loopOptions{}
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run ready tasks until the board is done or a task fails",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd.Context(), root, !opts.tui)
			if err != nil {
				return err
			}
			defer s.Close()

			run := func(ctx context.Context) (*orchestrator.Summary, error) { return s.loop.Run(ctx) }
			if opts.tui {
				return runWithTUI(cmd, s, run)
			}
			return runWithPrinter(cmd, s, opts.verbose, run)
		},
	}
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "Show the terminal dashboard")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print engine output")
	return cmd
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &loopOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single task (the first ready one by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd.Context(), root, true)
			if err != nil {
				return err
			}
			defer s.Close()

			taskID := opts.task
			if taskID == "" {
				tr, err := s.project.tracker()
				if err != nil {
					return err
				}
				ready, err := tr.ReadyTasks()
				if err != nil {
					return err
				}
				if len(ready) == 0 {
					return errors.New("no task is ready")
				}
				taskID = ready[0].ID
			}
			return runWithPrinter(cmd, s, opts.verbose, func(ctx context.Context) (*orchestrator.Summary, error) {
				return s.loop.RunTask(ctx, taskID)
			})
		},
	}
	cmd.Flags().StringVar(&opts.task, "task", "", "Task id to run")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print engine output")
	return cmd
}

func runWithPrinter(cmd *cobra.Command, s *session, verbose bool, run func(context.Context) (*orchestrator.Summary, error)) error {
	out := cmd.OutOrStdout()
	sub := s.bus.SubscribeAll(1024)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(out, sub, verbose)
	}()

	summary, err := run(cmd.Context())
	s.bus.Close()
	<-printed
	return finish(out, summary, err)
}

func runWithTUI(cmd *cobra.Command, s *session, run func(context.Context) (*orchestrator.Summary, error)) error {
	logFile, err := os.OpenFile(filepath.Join(s.project.StateDir, "logs", "mise.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	log.SetOutput(logFile)
	defer log.SetOutput(os.Stderr)

	tr, err := s.project.tracker()
	if err != nil {
		return err
	}
	program := tea.NewProgram(tui.New(s.bus, tr.Board()), tea.WithAltScreen())

	type result struct {
		summary *orchestrator.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := run(cmd.Context())
		done <- result{summary, err}
	}()

	_, uiErr := program.Run()
	var res result
	select {
	case res = <-done:
	default:
		// The dashboard was closed while the loop is still running
		if err := orchestrator.RequestStop(s.project.StateDir); err != nil {
			log.Printf("WARNING: %v", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Stopping the run...")
		res = <-done
	}
	if uiErr != nil {
		log.Printf("WARNING: dashboard exited with error: %v", uiErr)
	}
	return finish(cmd.OutOrStdout(), res.summary, res.err)
}

func finish(out io.Writer, summary *orchestrator.Summary, err error) error {
	if summary != nil {
		printSummary(out, summary.RunID, summary.Completed, summary.Failed, summary.Skipped, summary.Conflicts, summary.TotalCost, summary.Interrupted)
	}
	if err != nil {
		return err
	}
	if summary != nil && summary.Failed > summary.Skipped {
		return fmt.Errorf("%d task(s) failed", summary.Failed-summary.Skipped)
	}
	return nil
}
