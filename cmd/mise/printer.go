package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/aristath/mise/internal/events"
	"github.com/aristath/mise/internal/tui"
)

func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// printEvents writes a colored line per event until sub is closed. Engine
// output is only shown when verbose is set.
func printEvents(w io.Writer, sub <-chan events.Event, verbose bool) {
	for ev := range sub {
		switch e := ev.(type) {
		case events.TaskStartedEvent:
			label := fmt.Sprintf("Task %s: %s", e.ID, e.Title)
			if e.Attempt > 1 {
				label += fmt.Sprintf(" (attempt %d)", e.Attempt)
			}
			printStatus(w, "●", label, color.FgCyan)
		case events.TaskOutputEvent:
			if verbose {
				fmt.Fprintf(w, "  %s\n", e.Line)
			}
		case events.TaskCompletedEvent:
			msg := fmt.Sprintf("Task %s complete in %s", e.ID, e.Duration.Round(time.Millisecond))
			if e.Cost != nil {
				msg += fmt.Sprintf(" ($%.4f)", *e.Cost)
			}
			printStatus(w, "✓", msg, color.FgGreen)
		case events.TaskFailedEvent:
			printStatus(w, "✗", fmt.Sprintf("Task %s failed: %v", e.ID, e.Err), color.FgRed)
		case events.TaskBlockedEvent:
			printStatus(w, "?", fmt.Sprintf("Task %s asks: %s", e.ID, e.Question), color.FgMagenta)
		case events.MergeConflictEvent:
			printStatus(w, "✗", fmt.Sprintf("Merge conflict for %s in %s", e.ID, strings.Join(e.Paths, ", ")), color.FgRed)
		case events.NoticeEvent:
			attr := color.FgWhite
			if e.Level == events.LevelWarn {
				attr = color.FgYellow
			}
			printStatus(w, "-", e.Message, attr)
		case events.RunProgressEvent, events.TaskStatusEvent:
		default:
			if line := tui.Describe(ev); line != "" {
				printStatus(w, "-", line, color.FgWhite)
			}
		}
	}
}

func printSummary(w io.Writer, runID string, completed, failed, skipped int, conflicts []string, cost float64, interrupted bool) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run %s\n", runID)
	fmt.Fprintf(w, "  Completed: %s\n", color.GreenString("%d", completed))
	fmt.Fprintf(w, "  Failed:    %s\n", color.RedString("%d", failed))
	fmt.Fprintf(w, "  Skipped:   %d\n", skipped)
	if len(conflicts) > 0 {
		fmt.Fprintf(w, "  Conflicts: %s\n", color.YellowString(strings.Join(conflicts, ", ")))
	}
	fmt.Fprintf(w, "  Cost:      $%.4f\n", cost)
	if interrupted {
		fmt.Fprintln(w, color.YellowString("  Interrupted"))
	}
}
