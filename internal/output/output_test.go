package output_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/head"
	"github.com/wesleyorama2/fleet/internal/metrics"
	"github.com/wesleyorama2/fleet/internal/output"
)

func TestColorSchemes(t *testing.T) {
	for name, scheme := range map[string]*output.ColorScheme{
		"default":  output.DefaultColorScheme(),
		"no color": output.NoColorScheme(),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotNil(t, scheme.Kind)
			assert.NotNil(t, scheme.Scenario)
			assert.NotNil(t, scheme.Node)
			assert.Same(t, scheme.Completed, scheme.ForStatus(directive.StatusCompleted))
			assert.Same(t, scheme.Failed, scheme.ForStatus(directive.StatusFailed))
			assert.Same(t, scheme.Ignored, scheme.ForStatus(directive.StatusIgnored))
			assert.Same(t, scheme.InProgress, scheme.ForStatus(directive.StatusInProgress))
			assert.Same(t, scheme.Ignored, scheme.ForOutcome(head.OutcomeAborted))
		})
	}

	assert.Equal(t, "COMPLETED", output.NoColorScheme().Completed.Sprint("COMPLETED"))
}

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status directive.Status
		want   string
	}{
		{directive.StatusCompleted, "✓"},
		{directive.StatusFailed, "✗"},
		{directive.StatusIgnored, "⚠"},
		{directive.StatusInProgress, "ℹ"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, output.StatusIcon(tt.status, true))
		})
	}
}

func TestUseColors(t *testing.T) {
	t.Setenv("FORCE_COLOR", "")
	var buf bytes.Buffer
	assert.False(t, output.UseColors(&buf, false), "a buffer is not a terminal")
	assert.False(t, output.UseColors(&buf, true))

	t.Setenv("FORCE_COLOR", "1")
	assert.True(t, output.UseColors(&buf, false))
	assert.False(t, output.UseColors(&buf, true), "the flag wins")

	t.Setenv("NO_COLOR", "1")
	assert.False(t, output.SupportsColors())
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"", "text", "TEXT"} {
		f, err := output.ParseFormat(s)
		require.NoError(t, err)
		assert.Equal(t, output.FormatText, f)
	}
	f, err := output.ParseFormat("yaml")
	require.NoError(t, err)
	assert.Equal(t, output.FormatYAML, f)

	_, err = output.ParseFormat("junit")
	assert.ErrorContains(t, err, `unknown output format "junit"`)
}

func TestFormatter_FormatFeedback(t *testing.T) {
	f := output.NewFormatter(false, true)

	tests := []struct {
		name     string
		feedback directive.Feedback
		want     string
	}{
		{
			name:     "completed",
			feedback: directive.Feedback{Kind: directive.KindMinionsDeclaration, ScenarioName: "checkout", NodeID: "f1", Status: directive.StatusCompleted},
			want:     "✓ [f1] minions-declaration checkout COMPLETED",
		},
		{
			name:     "failed",
			feedback: directive.Feedback{Kind: directive.KindMinionsRampUpPreparation, ScenarioName: "checkout", NodeID: "f1", Status: directive.StatusFailed, Error: "period must be positive"},
			want:     "✗ [f1] minions-ramp-up-preparation checkout FAILED: period must be positive",
		},
		{
			name:     "minions",
			feedback: directive.Feedback{Kind: directive.KindMinionsShutdown, ScenarioName: "checkout", NodeID: "f2", Status: directive.StatusIgnored, MinionIDs: []string{"m1", "m2"}},
			want:     "⚠ [f2] minions-shutdown checkout IGNORED (2 minions)",
		},
		{
			name:     "abort",
			feedback: directive.Feedback{Kind: directive.KindCampaignAbort, ScenarioNames: []string{"checkout", "search"}, Status: directive.StatusCompleted},
			want:     "✓ campaign-abort checkout,search COMPLETED",
		},
		{
			name:     "in progress is hidden",
			feedback: directive.Feedback{Kind: directive.KindScenarioWarmUp, Status: directive.StatusInProgress},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.FormatFeedback(tt.feedback))
		})
	}

	verbose := output.NewFormatter(true, true)
	assert.Equal(t, "ℹ scenario-warm-up IN_PROGRESS",
		verbose.FormatFeedback(directive.Feedback{Kind: directive.KindScenarioWarmUp, Status: directive.StatusInProgress}))
}

func sampleReport() (*head.Report, *metrics.Snapshot) {
	start := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	report := &head.Report{
		Campaign: "checkout-nightly",
		Start:    start,
		End:      start.Add(1500 * time.Millisecond),
		Status:   head.OutcomeSuccessful,
		Scenarios: []head.ScenarioReport{
			{Name: "checkout", Status: head.OutcomeSuccessful, EndedBy: "f2", Duration: 1400 * time.Millisecond},
		},
	}
	snapshot := &metrics.Snapshot{
		Feedback: map[string]map[string]int64{
			"factory-assignment": {"IN_PROGRESS": 2, "COMPLETED": 2},
		},
		Notify: []metrics.LatencyStats{
			{Kind: "factory-assignment", Count: 2, Mean: 1500 * time.Microsecond, P95: 2 * time.Millisecond, Max: 2 * time.Millisecond},
		},
		MinionsStarted:   11,
		MinionsCompleted: 10,
	}
	return report, snapshot
}

func TestFormatter_FormatSummary(t *testing.T) {
	report, snapshot := sampleReport()
	out := output.NewFormatter(false, true).FormatSummary(report, snapshot)

	assert.True(t, strings.HasPrefix(out, "✓ Campaign checkout-nightly SUCCESSFUL in 1.5s\n"), out)
	upper := strings.ToUpper(out)
	assert.Contains(t, upper, "SCENARIOS")
	assert.Contains(t, upper, "ENDED BY")
	assert.Contains(t, out, "checkout")
	assert.Contains(t, out, "1.4s")
	assert.Contains(t, out, "factory-assignment")
	assert.Contains(t, upper, "DIRECTIVE PROCESSING")
	assert.Contains(t, out, "Minions: 11 started, 10 completed, 0 stopped")
	assert.NotContains(t, out, "\x1b[", "no escape sequence without color")

	failed := *report
	failed.Status = head.OutcomeFailed
	failed.Err = "boom"
	out = output.NewFormatter(false, true).FormatSummary(&failed, nil)
	assert.True(t, strings.HasPrefix(out, "✗ Campaign checkout-nightly FAILED"), out)
	assert.Contains(t, out, "Error: boom")
	assert.NotContains(t, out, "Minions:")
}

func TestJSONFormatter(t *testing.T) {
	report, snapshot := sampleReport()
	f := output.GetFormatter(output.FormatJSON, false, true)

	line := f.FormatFeedback(directive.Feedback{Kind: directive.KindCampaignShutdown, CampaignKey: "c1", NodeID: "f1", Status: directive.StatusCompleted})
	var fb directive.Feedback
	require.NoError(t, json.Unmarshal([]byte(line), &fb))
	assert.Equal(t, "f1", fb.NodeID)
	assert.Empty(t, f.FormatFeedback(directive.Feedback{Status: directive.StatusInProgress}))

	var summary output.Summary
	require.NoError(t, json.Unmarshal([]byte(f.FormatSummary(report, snapshot)), &summary))
	assert.Equal(t, int64(1500), summary.DurationMs)
	assert.Equal(t, "f2", summary.Scenarios[0].EndedBy)
	assert.Equal(t, 1.5, summary.Notify[0].MeanMs)
	assert.Equal(t, int64(2), summary.Feedback["factory-assignment"]["COMPLETED"])
}

func TestYAMLFormatter(t *testing.T) {
	report, snapshot := sampleReport()
	f := output.GetFormatter(output.FormatYAML, true, true)

	doc := f.FormatFeedback(directive.Feedback{Kind: directive.KindScenarioWarmUp, Status: directive.StatusInProgress})
	assert.True(t, strings.HasPrefix(doc, "---\n"))
	assert.Contains(t, doc, "status: IN_PROGRESS")

	var parsed struct {
		Summary output.Summary `yaml:"summary"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(strings.TrimPrefix(f.FormatSummary(report, snapshot), "---\n")), &parsed))
	assert.Equal(t, head.OutcomeSuccessful, parsed.Summary.Status)
	assert.Equal(t, int64(11), parsed.Summary.MinionsStarted)
}
