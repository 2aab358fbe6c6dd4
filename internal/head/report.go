package head

import (
	"time"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/directive"
)

// Outcome is the result of a campaign or of one of its scenarios.
type Outcome string

const (
	OutcomePending    Outcome = "PENDING"
	OutcomeRunning    Outcome = "RUNNING"
	OutcomeSuccessful Outcome = "SUCCESSFUL"
	OutcomeFailed     Outcome = "FAILED"
	OutcomeAborted    Outcome = "ABORTED"
)

// Report summarizes a campaign run.
type Report struct {
	Campaign  campaign.CampaignKey `json:"campaign" yaml:"campaign"`
	Start     time.Time            `json:"start" yaml:"start"`
	End       time.Time            `json:"end" yaml:"end"`
	Status    Outcome              `json:"status" yaml:"status"`
	Err       string               `json:"error,omitempty" yaml:"error,omitempty"`
	Scenarios []ScenarioReport     `json:"scenarios" yaml:"scenarios"`

	// Feedback holds every feedback of the campaign in reception order.
	Feedback []directive.Feedback `json:"-" yaml:"-"`
}

// ScenarioReport summarizes one scenario.
type ScenarioReport struct {
	Name   campaign.ScenarioName `json:"name" yaml:"name"`
	Status Outcome               `json:"status" yaml:"status"`

	// EndedBy is the factory that reported the completion of the last minion.
	EndedBy  campaign.NodeID `json:"endedBy,omitempty" yaml:"endedBy,omitempty"`
	Duration time.Duration   `json:"duration" yaml:"duration"`
}

// Duration returns the elapsed time of the campaign.
func (r *Report) Duration() time.Duration {
	if r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Successful reports whether the campaign and all its scenarios succeeded.
func (r *Report) Successful() bool {
	if r.Status != OutcomeSuccessful {
		return false
	}
	for _, s := range r.Scenarios {
		if s.Status != OutcomeSuccessful {
			return false
		}
	}
	return true
}

// FeedbackCount counts the feedback by kind and status.
func (r *Report) FeedbackCount() map[directive.Kind]map[directive.Status]int {
	counts := make(map[directive.Kind]map[directive.Status]int)
	for _, f := range r.Feedback {
		if counts[f.Kind] == nil {
			counts[f.Kind] = make(map[directive.Status]int)
		}
		counts[f.Kind][f.Status]++
	}
	return counts
}
