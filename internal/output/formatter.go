package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/head"
	"github.com/wesleyorama2/fleet/internal/metrics"
)

// Formatter is responsible for formatting feedback and summaries in text format
type Formatter struct {
	Verbose bool
	NoColor bool
	colors  *ColorScheme
}

// NewFormatter creates a new formatter with the given options
func NewFormatter(verbose, noColor bool) *Formatter {
	colors := DefaultColorScheme()
	if noColor {
		colors = NoColorScheme()
	}
	return &Formatter{Verbose: verbose, NoColor: noColor, colors: colors}
}

// FormatFeedback formats a feedback line. IN_PROGRESS feedback is only shown
// when verbose.
func (f *Formatter) FormatFeedback(fb directive.Feedback) string {
	if !f.Verbose && fb.Status == directive.StatusInProgress {
		return ""
	}

	var buf strings.Builder
	buf.WriteString(StatusIcon(fb.Status, f.NoColor))
	buf.WriteString(" ")
	if fb.NodeID != "" {
		buf.WriteString(fmt.Sprintf("[%s] ", f.colors.Node.Sprint(fb.NodeID)))
	}
	buf.WriteString(f.colors.Kind.Sprint(fb.Kind))
	if fb.ScenarioName != "" {
		buf.WriteString(" " + f.colors.Scenario.Sprint(fb.ScenarioName))
	}
	if len(fb.ScenarioNames) > 0 {
		buf.WriteString(" " + f.colors.Scenario.Sprint(strings.Join(fb.ScenarioNames, ",")))
	}
	buf.WriteString(" " + f.colors.ForStatus(fb.Status).Sprint(fb.Status))
	if len(fb.MinionIDs) > 0 {
		buf.WriteString(fmt.Sprintf(" (%d minions)", len(fb.MinionIDs)))
	}
	if fb.Error != "" {
		buf.WriteString(": " + fb.Error)
	}
	return buf.String()
}

// FormatSummary renders the outcome of the scenarios, the feedback counts and
// the processing latencies as tables.
func (f *Formatter) FormatSummary(report *head.Report, snapshot *metrics.Snapshot) string {
	var buf strings.Builder

	icon := SuccessIcon(f.NoColor)
	if !report.Successful() {
		icon = ErrorIcon(f.NoColor)
	}
	buf.WriteString(fmt.Sprintf("%s Campaign %s %s in %s\n", icon,
		f.colors.Highlight.Sprint(report.Campaign),
		f.colors.ForOutcome(report.Status).Sprint(report.Status),
		report.Duration().Round(time.Millisecond)))
	if report.Err != "" {
		buf.WriteString("  Error: " + report.Err + "\n")
	}

	scenarios := f.newTable()
	scenarios.SetTitle("Scenarios")
	scenarios.AppendHeader(table.Row{"Scenario", "Status", "Ended by", "Duration"})
	for _, s := range report.Scenarios {
		scenarios.AppendRow(table.Row{
			s.Name,
			f.colors.ForOutcome(s.Status).Sprint(s.Status),
			s.EndedBy,
			s.Duration.Round(time.Millisecond),
		})
	}
	buf.WriteString("\n" + scenarios.Render() + "\n")

	if snapshot == nil {
		return buf.String()
	}

	if len(snapshot.Feedback) > 0 {
		statuses := []directive.Status{directive.StatusInProgress, directive.StatusCompleted, directive.StatusIgnored, directive.StatusFailed}
		feedback := f.newTable()
		feedback.SetTitle("Feedback")
		header := table.Row{"Kind"}
		for _, s := range statuses {
			header = append(header, s)
		}
		feedback.AppendHeader(header)

		kinds := make([]string, 0, len(snapshot.Feedback))
		for kind := range snapshot.Feedback {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			row := table.Row{kind}
			for _, s := range statuses {
				row = append(row, snapshot.Feedback[kind][string(s)])
			}
			feedback.AppendRow(row)
		}
		buf.WriteString("\n" + feedback.Render() + "\n")
	}

	if len(snapshot.Notify) > 0 {
		latency := f.newTable()
		latency.SetTitle("Directive processing")
		latency.AppendHeader(table.Row{"Kind", "Count", "Mean", "P95", "Max"})
		for _, n := range snapshot.Notify {
			latency.AppendRow(table.Row{n.Kind, n.Count, n.Mean, n.P95, n.Max})
		}
		buf.WriteString("\n" + latency.Render() + "\n")
	}

	buf.WriteString(fmt.Sprintf("\nMinions: %d started, %d completed, %d stopped\n",
		snapshot.MinionsStarted, snapshot.MinionsCompleted, snapshot.MinionsStopped))
	return buf.String()
}

func (f *Formatter) newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	if f.NoColor {
		tw.Style().Color = table.ColorOptions{}
	} else {
		tw.Style().Title.Colors = text.Colors{text.Bold}
	}
	return tw
}
