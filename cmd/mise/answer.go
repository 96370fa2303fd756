package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/mise/internal/driver"
	"github.com/aristath/mise/internal/orchestrator"
	"github.com/aristath/mise/internal/status"
)

func newAnswerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <task-id> [answer...]",
		Short: "Answer a blocked task's clarification question",
		Long: `Writes the answer for a blocked task to .mise/answers/<task-id>.md, where a
running loop picks it up. Without an answer the pending question is printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.project()
			if err != nil {
				return err
			}
			taskID := args[0]
			if err := status.ValidateTaskID(taskID); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				question, err := os.ReadFile(driver.ClarificationPath(p.StateDir, taskID))
				if err != nil {
					return fmt.Errorf("task %s has no pending question", taskID)
				}
				fmt.Fprintln(out, strings.TrimSpace(string(question)))
				return nil
			}

			answer := strings.TrimSpace(strings.Join(args[1:], " "))
			if answer == "" {
				return fmt.Errorf("answer cannot be empty")
			}
			path := orchestrator.AnswerFile(p.StateDir, taskID)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("creating answers directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(answer+"\n"), 0o644); err != nil {
				return fmt.Errorf("writing answer: %w", err)
			}
			printStatus(out, "✓", fmt.Sprintf("Answer for task %s recorded", taskID), color.FgGreen)
			return nil
		},
	}
}
