package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/thatjpcsguy/platformup/internal/launcher"
	"github.com/thatjpcsguy/platformup/internal/supervisor"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// colorFor picks the colour for an outcome, health or process state.
// not_running is shared by outcomes and process records.
func colorFor(state string) func(a ...interface{}) string {
	switch state {
	case string(launcher.OutcomeStarted), string(launcher.OutcomeStopped), string(supervisor.StateRunning),
		string(launcher.HealthHealthy):
		return green
	case string(launcher.OutcomeReused), string(launcher.OutcomeNotRunning), string(launcher.HealthPending),
		string(launcher.HealthUnchecked), string(supervisor.StateStarting):
		return yellow
	case string(launcher.OutcomeSkipped), string(launcher.HealthDiscarded), string(launcher.HealthCancelled):
		return faint
	default:
		return red
	}
}

// padded left-aligns state to width before colouring it, so columns line up
func padded(state string, width int) string {
	return colorFor(state)(fmt.Sprintf("%-*s", width, state))
}

// writeReport prints a report as JSON or as a coloured summary
func writeReport(w io.Writer, report *launcher.Report, asJSON bool) error {
	if asJSON {
		return report.WriteJSON(w)
	}

	for _, o := range report.Outcomes {
		name := o.Service
		if o.Orphan {
			name += " (orphan)"
		}
		fmt.Fprintf(w, "  %-28s %s", name, padded(string(o.State), 11))
		if o.Port > 0 {
			fmt.Fprintf(w, " port %-5d", o.Port)
		}
		if o.Health != "" {
			fmt.Fprintf(w, " health %s", colorFor(string(o.Health))(o.Health))
		}
		if o.Err != nil {
			fmt.Fprintf(w, "  %s", red(o.Err.Error()))
		}
		if o.State == launcher.OutcomeFailed && o.LogPath != "" {
			fmt.Fprintf(w, "\n  %-28s see %s", "", o.LogPath)
		}
		fmt.Fprintln(w)
	}
	if report.Aborted {
		fmt.Fprintln(w, red("Remaining tiers were skipped"))
	}
	return nil
}
