// Package campaign holds the data model shared by every participant of a
// campaign: the campaign itself, its scenarios and DAGs, and the lifecycle
// states a campaign goes through on a factory.
package campaign

import (
	"time"

	"github.com/wesleyorama2/fleet/internal/rampup"
)

// Identifiers used across the orchestration protocol.
type (
	CampaignKey  = string
	ScenarioName = string
	MinionID     = string
	DAGName      = string
	StepName     = string
	NodeID       = string
)

// FactoryScenarioAssignment is the part of a scenario a factory is in charge of,
// as decided by the head.
type FactoryScenarioAssignment struct {
	ScenarioName ScenarioName `json:"scenarioName" yaml:"scenario"`
	DAGs         []DAGName    `json:"dags" yaml:"dags"`

	// MaxMinionsCount caps the minions under load the factory may take.
	// Zero or negative means no limit.
	MaxMinionsCount int `json:"maxMinionsCount,omitempty" yaml:"maxMinionsCount,omitempty"`
}

// ScenarioConfiguration is the load requested for one scenario of a campaign.
type ScenarioConfiguration struct {
	MinionsCount     int           `json:"minionsCount" yaml:"minionsCount"`
	ExecutionProfile rampup.Config `json:"executionProfile" yaml:"executionProfile"`
}

// Campaign is one run of one or more scenarios as seen by a factory.
type Campaign struct {
	Key              CampaignKey `json:"key"`
	BroadcastChannel string      `json:"broadcastChannel,omitempty"`
	FeedbackChannel  string      `json:"feedbackChannel,omitempty"`

	// SpeedFactor accelerates (>1) or slows down (<1) the ramp-up.
	SpeedFactor float64 `json:"speedFactor,omitempty"`

	// StartOffset is the delay granted to the factories before the first
	// minion starts.
	StartOffset time.Duration `json:"startOffset,omitempty"`

	HardTimeout bool      `json:"hardTimeout,omitempty"`
	Timeout     time.Time `json:"timeout,omitempty"`

	Scenarios   map[ScenarioName]ScenarioConfiguration `json:"scenarios,omitempty"`
	Assignments []FactoryScenarioAssignment           `json:"assignments,omitempty"`
}

// ScenarioNames returns the names of the scenarios assigned to the factory,
// in assignment order.
func (c *Campaign) ScenarioNames() []ScenarioName {
	names := make([]ScenarioName, 0, len(c.Assignments))
	for _, a := range c.Assignments {
		names = append(names, a.ScenarioName)
	}
	return names
}

// Assignment returns the assignment of the factory for the scenario.
func (c *Campaign) Assignment(scenario ScenarioName) (FactoryScenarioAssignment, bool) {
	for _, a := range c.Assignments {
		if a.ScenarioName == scenario {
			return a, true
		}
	}
	return FactoryScenarioAssignment{}, false
}

// EffectiveSpeedFactor returns the speed factor, defaulting to 1.
func (c *Campaign) EffectiveSpeedFactor() float64 {
	if c.SpeedFactor <= 0 {
		return 1
	}
	return c.SpeedFactor
}

// Clone returns a deep copy of the campaign.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	out := *c
	if c.Scenarios != nil {
		out.Scenarios = make(map[ScenarioName]ScenarioConfiguration, len(c.Scenarios))
		for k, v := range c.Scenarios {
			out.Scenarios[k] = v
		}
	}
	out.Assignments = make([]FactoryScenarioAssignment, len(c.Assignments))
	for i, a := range c.Assignments {
		a.DAGs = append([]DAGName(nil), a.DAGs...)
		out.Assignments[i] = a
	}
	return &out
}

// MinionStartDefinition is the instant a minion under load has to start.
type MinionStartDefinition struct {
	MinionID  MinionID  `json:"minionId"`
	Timestamp time.Time `json:"timestamp"`
}
