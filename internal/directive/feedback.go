package directive

import (
	"github.com/wesleyorama2/fleet/internal/campaign"
)

// Status is the outcome of the processing of a directive.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusIgnored    Status = "IGNORED"
)

// IsTerminal reports whether no other feedback follows the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusIgnored
}

// KindEndOfCampaignScenario is the kind of the feedback a factory reports once
// every local minion of a scenario completed. No directive carries it.
const KindEndOfCampaignScenario Kind = "end-of-campaign-scenario"

// Feedback reports the processing of a directive by a factory.
type Feedback struct {
	Kind          Kind                    `json:"kind"`
	DirectiveKey  string                  `json:"directiveKey,omitempty"`
	CampaignKey   campaign.CampaignKey    `json:"campaignKey"`
	ScenarioName  campaign.ScenarioName   `json:"scenarioName,omitempty"`
	ScenarioNames []campaign.ScenarioName `json:"scenarioNames,omitempty"`
	MinionIDs     []campaign.MinionID     `json:"minionIds,omitempty"`
	NodeID        campaign.NodeID         `json:"nodeId,omitempty"`
	Status        Status                  `json:"status"`
	Error         string                  `json:"error,omitempty"`
}

// FeedbackFor creates the feedback of a directive with the given status.
func FeedbackFor(d Directive, status Status) Feedback {
	h := d.Meta()
	f := Feedback{
		Kind:         d.Kind(),
		DirectiveKey: h.Key,
		CampaignKey:  h.CampaignKey,
		Status:       status,
	}
	if s, ok := d.(ScenarioScoped); ok {
		f.ScenarioName = s.Scenario()
	}
	return f
}

// WithMinions returns a copy of the feedback scoped to the minions.
func (f Feedback) WithMinions(ids []campaign.MinionID) Feedback {
	f.MinionIDs = append([]campaign.MinionID(nil), ids...)
	return f
}

// WithScenarios returns a copy of the feedback scoped to the scenarios.
func (f Feedback) WithScenarios(names []campaign.ScenarioName) Feedback {
	f.ScenarioNames = append([]campaign.ScenarioName(nil), names...)
	return f
}

// Failed returns a copy of the feedback reporting the error.
func (f Feedback) Failed(err error) Feedback {
	f.Status = StatusFailed
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

// As returns a copy of the feedback with the status.
func (f Feedback) As(status Status) Feedback {
	f.Status = status
	return f
}
