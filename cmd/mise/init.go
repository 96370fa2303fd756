package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/config"
	"github.com/aristath/mise/internal/toc"
)

var stateSubdirs = []string{"status", "clarifications", "logs", "evidence", "answers", "signals"}

// ignoredPaths are runtime files that never belong in the project history.
var ignoredPaths = []string{
	".mise/status/",
	".mise/clarifications/",
	".mise/logs/",
	".mise/evidence/",
	".mise/answers/",
	".mise/signals/",
	".mise/worktrees/",
	".mise/run.lock",
	".mise/mise.db*",
	".mise/progress.log",
	".mise/toc.meta.yaml",
}

func newInitCmd(root *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the .mise directory, default station and an empty board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.project()
			if err != nil {
				return err
			}
			return runInit(cmd, p, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project name (defaults to the directory name)")
	return cmd
}

func runInit(cmd *cobra.Command, p *project, name string) error {
	out := cmd.OutOrStdout()
	for _, sub := range stateSubdirs {
		if err := os.MkdirAll(filepath.Join(p.StateDir, sub), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	printStatus(out, "✓", "Created .mise directory structure", color.FgGreen)

	if _, err := os.Stat(p.StationPath()); errors.Is(err, os.ErrNotExist) {
		st := config.Default()
		st.Project.Name = name
		if st.Project.Name == "" {
			st.Project.Name = filepath.Base(p.Dir)
		}
		if err := config.Save(st, p.StationPath()); err != nil {
			return err
		}
		printStatus(out, "✓", "Wrote .mise/station.yaml", color.FgGreen)
	} else {
		printStatus(out, "-", "Kept existing .mise/station.yaml", color.FgYellow)
	}

	if _, err := os.Stat(p.BoardPath()); errors.Is(err, os.ErrNotExist) {
		if err := board.Save(p.BoardPath(), &board.Board{Version: 1, Project: name, Tasks: []board.Task{}}); err != nil {
			return err
		}
		printStatus(out, "✓", "Wrote empty .mise/board.yaml", color.FgGreen)
	} else {
		printStatus(out, "-", "Kept existing .mise/board.yaml", color.FgYellow)
	}

	added, err := updateGitignore(filepath.Join(p.Dir, ".gitignore"))
	if err != nil {
		return err
	}
	if added > 0 {
		printStatus(out, "✓", fmt.Sprintf("Added %d entries to .gitignore", added), color.FgGreen)
	}

	if err := toc.Write(p.StateDir, p.Dir); err != nil {
		printStatus(out, "⚠", fmt.Sprintf("Could not write TOC: %v", err), color.FgYellow)
	} else {
		printStatus(out, "✓", "Generated .mise/toc.md", color.FgGreen)
	}
	return nil
}

// updateGitignore appends the runtime paths missing from path and returns how
// many were added.
func updateGitignore(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("reading .gitignore: %w", err)
	}
	existing := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		existing[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, entry := range ignoredPaths {
		if !existing[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	var b strings.Builder
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n# mise runtime state\n")
	for _, entry := range missing {
		b.WriteString(entry + "\n")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening .gitignore: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return 0, fmt.Errorf("writing .gitignore: %w", err)
	}
	return len(missing), nil
}
