package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every task's status and the run lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.project()
			if err != nil {
				return err
			}
			st, err := p.station()
			if err != nil {
				return err
			}
			tr, err := p.tracker()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"ID", "Group", "Title", "Status", "Attempt", "Note"})
			for _, task := range tr.Board().Tasks {
				rec, err := tr.Store().Read(task.ID)
				if err != nil {
					return err
				}
				attempt, note := "", ""
				if rec != nil {
					if rec.Attempt > 0 {
						attempt = fmt.Sprintf("%d", rec.Attempt)
					}
					note = rec.Note
					if rec.Error != "" {
						note = rec.Error
					}
				}
				tw.AppendRow(table.Row{task.ID, task.Group, task.Title, tr.Status(task.ID), attempt, note})
			}
			tw.Render()

			lock := p.lock(st)
			owner, err := lock.Owner()
			switch {
			case err != nil:
				fmt.Fprintf(out, "\nRun lock: unreadable (%v)\n", err)
			case owner == nil:
				fmt.Fprintln(out, "\nRun lock: free")
			default:
				state := "held"
				if lock.IsStale() {
					state = "stale"
				}
				fmt.Fprintf(out, "\nRun lock: %s by pid %d since %s (heartbeat %s ago)\n",
					state, owner.PID, owner.StartedAt.Local().Format(time.DateTime), owner.Age(time.Now()).Round(time.Second))
			}
			return nil
		},
	}
}
