package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newLogCmd(root *rootOptions) *cobra.Command {
	var (
		limit int
		runs  bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent progress entries and the total cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.project()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if runs {
				ledger, err := p.ledger(cmd.Context())
				if err != nil {
					return err
				}
				defer ledger.Close()
				list, err := ledger.Runs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"Run", "Started", "Mode", "Engine", "Completed", "Failed", "Skipped", "Cost", "Finished"})
				for _, r := range list {
					finished := "running"
					switch {
					case r.Interrupted:
						finished = "interrupted"
					case r.FinishedAt != nil:
						finished = r.FinishedAt.Local().Format(time.DateTime)
					}
					tw.AppendRow(table.Row{
						r.ID, r.StartedAt.Local().Format(time.DateTime), r.Mode, r.Engine,
						r.Completed, r.Failed, r.Skipped, fmt.Sprintf("$%.4f", r.TotalCost), finished,
					})
				}
				tw.Render()
				return nil
			}

			fl := p.progressLog()
			lines, err := fl.Recent(limit)
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				fmt.Fprintln(out, "No progress recorded yet.")
				return nil
			}
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			total, err := fl.TotalCost()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nTotal cost: $%.4f\n", total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "lines", "n", 20, "Number of entries to show")
	cmd.Flags().BoolVar(&runs, "runs", false, "List runs from the ledger instead")
	return cmd
}
