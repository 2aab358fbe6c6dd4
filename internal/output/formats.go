package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/head"
	"github.com/wesleyorama2/fleet/internal/metrics"
)

// OutputFormat represents the available output formats
type OutputFormat string

const (
	// FormatText is the default human-readable text format
	FormatText OutputFormat = "text"
	// FormatJSON outputs one JSON document per feedback and for the summary
	FormatJSON OutputFormat = "json"
	// FormatYAML outputs YAML documents
	FormatYAML OutputFormat = "yaml"
)

// ParseFormat returns the format named s.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (expected text, json or yaml)", s)
	}
}

// FormatProvider formats the feedback stream and the final summary of a
// campaign.
type FormatProvider interface {
	// FormatFeedback returns the line of a feedback, or "" when it is not shown.
	FormatFeedback(f directive.Feedback) string

	// FormatSummary returns the summary of a campaign run.
	FormatSummary(report *head.Report, snapshot *metrics.Snapshot) string
}

// Summary is the structured summary of a campaign run.
type Summary struct {
	Campaign         string                      `json:"campaign" yaml:"campaign"`
	Status           head.Outcome                `json:"status" yaml:"status"`
	Error            string                      `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMs       int64                       `json:"durationMs" yaml:"durationMs"`
	Scenarios        []ScenarioSummary           `json:"scenarios" yaml:"scenarios"`
	Feedback         map[string]map[string]int64 `json:"feedback,omitempty" yaml:"feedback,omitempty"`
	Notify           []NotifySummary             `json:"notify,omitempty" yaml:"notify,omitempty"`
	MinionsStarted   int64                       `json:"minionsStarted" yaml:"minionsStarted"`
	MinionsCompleted int64                       `json:"minionsCompleted" yaml:"minionsCompleted"`
}

// ScenarioSummary is the outcome of one scenario.
type ScenarioSummary struct {
	Name       string       `json:"name" yaml:"name"`
	Status     head.Outcome `json:"status" yaml:"status"`
	EndedBy    string       `json:"endedBy,omitempty" yaml:"endedBy,omitempty"`
	DurationMs int64        `json:"durationMs" yaml:"durationMs"`
}

// NotifySummary is the processing latency of one directive kind.
type NotifySummary struct {
	Kind   string  `json:"kind" yaml:"kind"`
	Count  int64   `json:"count" yaml:"count"`
	MeanMs float64 `json:"meanMs" yaml:"meanMs"`
	P95Ms  float64 `json:"p95Ms" yaml:"p95Ms"`
	MaxMs  float64 `json:"maxMs" yaml:"maxMs"`
}

// NewSummary builds the summary of the report. The snapshot is optional.
func NewSummary(report *head.Report, snapshot *metrics.Snapshot) Summary {
	s := Summary{
		Campaign:   report.Campaign,
		Status:     report.Status,
		Error:      report.Err,
		DurationMs: report.Duration().Milliseconds(),
	}
	for _, sc := range report.Scenarios {
		s.Scenarios = append(s.Scenarios, ScenarioSummary{
			Name:       sc.Name,
			Status:     sc.Status,
			EndedBy:    sc.EndedBy,
			DurationMs: sc.Duration.Milliseconds(),
		})
	}
	if snapshot == nil {
		return s
	}
	s.Feedback = snapshot.Feedback
	s.MinionsStarted = snapshot.MinionsStarted
	s.MinionsCompleted = snapshot.MinionsCompleted
	for _, n := range snapshot.Notify {
		s.Notify = append(s.Notify, NotifySummary{
			Kind:   n.Kind,
			Count:  n.Count,
			MeanMs: millis(n.Mean),
			P95Ms:  millis(n.P95),
			MaxMs:  millis(n.Max),
		})
	}
	return s
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1e3
}

// JSONFormatter formats output as JSON
type JSONFormatter struct {
	Verbose bool
	Pretty  bool
}

// FormatFeedback formats a feedback as a single JSON line
func (f *JSONFormatter) FormatFeedback(fb directive.Feedback) string {
	if !f.Verbose && fb.Status == directive.StatusInProgress {
		return ""
	}
	out, err := json.Marshal(fb)
	if err != nil {
		return fmt.Sprintf(`{"error":"Failed to marshal feedback: %s"}`, err)
	}
	return string(out)
}

// FormatSummary formats the summary as JSON
func (f *JSONFormatter) FormatSummary(report *head.Report, snapshot *metrics.Snapshot) string {
	var out []byte
	var err error
	if f.Pretty {
		out, err = json.MarshalIndent(NewSummary(report, snapshot), "", "  ")
	} else {
		out, err = json.Marshal(NewSummary(report, snapshot))
	}
	if err != nil {
		return fmt.Sprintf(`{"error":"Failed to marshal summary: %s"}`, err)
	}
	return string(out)
}

// YAMLFormatter formats output as YAML documents
type YAMLFormatter struct {
	Verbose bool
}

// FormatFeedback formats a feedback as a YAML document
func (f *YAMLFormatter) FormatFeedback(fb directive.Feedback) string {
	if !f.Verbose && fb.Status == directive.StatusInProgress {
		return ""
	}
	return marshalYAML(map[string]any{"feedback": fb})
}

// FormatSummary formats the summary as a YAML document
func (f *YAMLFormatter) FormatSummary(report *head.Report, snapshot *metrics.Snapshot) string {
	return marshalYAML(map[string]any{"summary": NewSummary(report, snapshot)})
}

func marshalYAML(v any) string {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("error: Failed to marshal YAML: %s\n", err)
	}
	return "---\n" + string(out)
}

// GetFormatter returns the appropriate formatter for the given format
func GetFormatter(format OutputFormat, verbose bool, noColor bool) FormatProvider {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Verbose: verbose, Pretty: !noColor}
	case FormatYAML:
		return &YAMLFormatter{Verbose: verbose}
	default:
		return NewFormatter(verbose, noColor)
	}
}
