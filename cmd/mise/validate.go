package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/mise/internal/readiness"
	"github.com/aristath/mise/internal/scheduler"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the station, the board and the dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.project()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if _, err := p.station(); err != nil {
				printStatus(out, "✗", err.Error(), color.FgRed)
				return errors.New("invalid station")
			}
			printStatus(out, "✓", "station.yaml is valid", color.FgGreen)

			tr, err := p.tracker()
			if err != nil {
				printStatus(out, "✗", err.Error(), color.FgRed)
				return errors.New("invalid board")
			}
			b := tr.Board()
			if err := b.Validate(); err != nil {
				printStatus(out, "✗", err.Error(), color.FgRed)
				return errors.New("invalid board")
			}
			if err := scheduler.ValidateGraph(b.Tasks); err != nil {
				printStatus(out, "✗", err.Error(), color.FgRed)
				return errors.New("invalid dependency graph")
			}
			printStatus(out, "✓", fmt.Sprintf("board.yaml is valid (%d tasks)", len(b.Tasks)), color.FgGreen)

			gate := readiness.New()
			for _, task := range b.Tasks {
				if res := gate.Check(task); !res.Ready {
					printStatus(out, "⚠", fmt.Sprintf("Task %s is missing inputs: %v", task.ID, res.Missing), color.FgYellow)
				}
			}
			return nil
		},
	}
}
