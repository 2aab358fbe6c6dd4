package output

import (
	"github.com/fatih/color"

	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/head"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Kind       *color.Color
	Scenario   *color.Color
	Node       *color.Color
	InProgress *color.Color
	Completed  *color.Color
	Ignored    *color.Color
	Failed     *color.Color
	Highlight  *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Kind:       color.New(color.FgBlue, color.Bold),
		Scenario:   color.New(color.FgCyan),
		Node:       color.New(color.FgMagenta),
		InProgress: color.New(color.FgWhite),
		Completed:  color.New(color.FgGreen, color.Bold),
		Ignored:    color.New(color.FgYellow),
		Failed:     color.New(color.FgRed, color.Bold),
		Highlight:  color.New(color.FgMagenta, color.Bold),
	}
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range []*color.Color{
		scheme.Kind, scheme.Scenario, scheme.Node, scheme.InProgress,
		scheme.Completed, scheme.Ignored, scheme.Failed, scheme.Highlight,
	} {
		c.DisableColor()
	}
	return scheme
}

// ForStatus returns the color of a feedback status.
func (s *ColorScheme) ForStatus(status directive.Status) *color.Color {
	switch status {
	case directive.StatusCompleted:
		return s.Completed
	case directive.StatusIgnored:
		return s.Ignored
	case directive.StatusFailed:
		return s.Failed
	default:
		return s.InProgress
	}
}

// ForOutcome returns the color of a campaign or scenario outcome.
func (s *ColorScheme) ForOutcome(outcome head.Outcome) *color.Color {
	switch outcome {
	case head.OutcomeSuccessful:
		return s.Completed
	case head.OutcomeFailed:
		return s.Failed
	case head.OutcomeAborted:
		return s.Ignored
	default:
		return s.InProgress
	}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func SuccessIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func ErrorIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// InfoIcon returns an info symbol with appropriate color
func InfoIcon(noColor bool) string {
	if noColor {
		return "ℹ"
	}
	return color.New(color.FgBlue).Sprint("ℹ")
}

// WarningIcon returns a warning symbol with appropriate color
func WarningIcon(noColor bool) string {
	if noColor {
		return "⚠"
	}
	return color.New(color.FgYellow).Sprint("⚠")
}

// StatusIcon returns the icon of a feedback status.
func StatusIcon(status directive.Status, noColor bool) string {
	switch status {
	case directive.StatusCompleted:
		return SuccessIcon(noColor)
	case directive.StatusFailed:
		return ErrorIcon(noColor)
	case directive.StatusIgnored:
		return WarningIcon(noColor)
	default:
		return InfoIcon(noColor)
	}
}
