package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/mise/internal/orchestrator"
)

func newCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Ask a running loop to stop gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.project()
			if err != nil {
				return err
			}
			if err := orchestrator.RequestStop(p.StateDir); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), "✓", "Stop requested", color.FgGreen)
			return nil
		},
	}
}
