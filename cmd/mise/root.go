package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/config"
	"github.com/aristath/mise/internal/persistence"
	"github.com/aristath/mise/internal/progress"
	"github.com/aristath/mise/internal/runlock"
	"github.com/aristath/mise/internal/status"
)

const stateDirName = ".mise"

// project locates the files of one mise project.
type project struct {
	Dir      string
	StateDir string
}

func newProject(dir string) (*project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving project directory: %w", err)
	}
	return &project{Dir: abs, StateDir: filepath.Join(abs, stateDirName)}, nil
}

func (p *project) StationPath() string  { return filepath.Join(p.StateDir, "station.yaml") }
func (p *project) BoardPath() string    { return filepath.Join(p.StateDir, "board.yaml") }
func (p *project) StatusDir() string    { return filepath.Join(p.StateDir, "status") }
func (p *project) LockPath() string     { return filepath.Join(p.StateDir, "run.lock") }
func (p *project) ProgressPath() string { return filepath.Join(p.StateDir, "progress.log") }
func (p *project) LedgerPath() string   { return filepath.Join(p.StateDir, "mise.db") }

func (p *project) station() (*config.Station, error) {
	return config.Load(p.StationPath())
}

func (p *project) tracker() (*board.Tracker, error) {
	return board.NewTracker(p.BoardPath(), status.NewStore(p.StatusDir()))
}

func (p *project) lock(st *config.Station) *runlock.Manager {
	return runlock.NewManager(p.LockPath(), st.Runtime.StaleThreshold(), nil)
}

func (p *project) progressLog() *progress.FileLog {
	return progress.NewFileLog(p.ProgressPath())
}

func (p *project) ledger(ctx context.Context) (*persistence.SQLiteStore, error) {
	return persistence.NewSQLiteStore(ctx, p.LedgerPath())
}

type rootOptions struct {
	dir string
}

func (o *rootOptions) project() (*project, error) {
	return newProject(o.dir)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mise",
		Short: "Run a planned task board through a coding agent",
		Long: `mise executes the tasks on .mise/board.yaml one at a time (or in parallel
git worktrees), hands each to a coding-agent CLI, verifies the result with the
configured backpressure commands and commits it.

Planning is up to you: write the board, then run "mise loop".`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", ".", "Project directory")

	cmd.AddCommand(
		newInitCmd(opts),
		newValidateCmd(opts),
		newLoopCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newLogCmd(opts),
		newAnswerCmd(opts),
		newCancelCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}
