// Package directive defines the commands the head sends to the factories and
// the feedback the factories report back.
//
// Directive is a closed set of variants. Each variant is tagged by a Kind that
// the listeners and the codec dispatch on.
package directive

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/rampup"
)

// Kind identifies a directive variant.
type Kind string

const (
	KindFactoryAssignment              Kind = "factory-assignment"
	KindMinionsDeclaration             Kind = "minions-declaration"
	KindMinionsAssignment              Kind = "minions-assignment"
	KindMinionsRampUpPreparation       Kind = "minions-ramp-up-preparation"
	KindScenarioWarmUp                 Kind = "scenario-warm-up"
	KindMinionsStart                   Kind = "minions-start"
	KindMinionsShutdown                Kind = "minions-shutdown"
	KindCampaignScenarioShutdown       Kind = "campaign-scenario-shutdown"
	KindCampaignShutdown               Kind = "campaign-shutdown"
	KindCampaignAbort                  Kind = "campaign-abort"
	KindTransportableStepContext       Kind = "step-context"
	KindTransportableCompletionContext Kind = "completion-context"
)

// Kinds returns every directive kind, in protocol order.
func Kinds() []Kind {
	return []Kind{
		KindFactoryAssignment,
		KindMinionsDeclaration,
		KindMinionsAssignment,
		KindMinionsRampUpPreparation,
		KindScenarioWarmUp,
		KindMinionsStart,
		KindMinionsShutdown,
		KindCampaignScenarioShutdown,
		KindCampaignShutdown,
		KindCampaignAbort,
		KindTransportableStepContext,
		KindTransportableCompletionContext,
	}
}

// Header carries the fields common to every directive.
type Header struct {
	// Key identifies the directive instance.
	Key         string               `json:"key"`
	CampaignKey campaign.CampaignKey `json:"campaignKey"`

	// Channel is the channel the directive is published to. Empty means the
	// broadcast channel.
	Channel string `json:"channel,omitempty"`
}

// NewHeader creates a header with a fresh key.
func NewHeader(campaignKey campaign.CampaignKey, channel string) Header {
	return Header{Key: uuid.NewString(), CampaignKey: campaignKey, Channel: channel}
}

// Meta returns the header.
func (h Header) Meta() Header { return h }

func (Header) sealed() {}

// Directive is a command driving one phase of a campaign.
type Directive interface {
	Kind() Kind
	Meta() Header
	sealed()
}

// ScenarioScoped is implemented by the directives targeting one scenario.
type ScenarioScoped interface {
	Directive
	Scenario() campaign.ScenarioName
}

// Scope is embedded by the scenario-scoped directives.
type Scope struct {
	ScenarioName campaign.ScenarioName `json:"scenarioName"`
}

// Scenario returns the scenario the directive targets.
func (s Scope) Scenario() campaign.ScenarioName { return s.ScenarioName }

// FactoryAssignment tells a factory which DAGs of which scenarios it executes
// in a campaign. It is broadcast to every factory.
type FactoryAssignment struct {
	Header
	BroadcastChannel string                                                   `json:"broadcastChannel,omitempty"`
	FeedbackChannel  string                                                   `json:"feedbackChannel,omitempty"`
	SpeedFactor      float64                                                  `json:"speedFactor,omitempty"`
	StartOffset      time.Duration                                            `json:"startOffset,omitempty"`
	HardTimeout      bool                                                     `json:"hardTimeout,omitempty"`
	Timeout          time.Time                                                `json:"timeout,omitempty"`
	Scenarios        map[campaign.ScenarioName]campaign.ScenarioConfiguration `json:"scenarios,omitempty"`

	// Assignments holds the assignments of every factory, keyed by node id.
	Assignments map[campaign.NodeID][]campaign.FactoryScenarioAssignment `json:"assignments"`
}

func (*FactoryAssignment) Kind() Kind { return KindFactoryAssignment }

// CampaignFor builds the campaign as seen by the given factory.
func (d *FactoryAssignment) CampaignFor(node campaign.NodeID) *campaign.Campaign {
	c := &campaign.Campaign{
		Key:              d.CampaignKey,
		BroadcastChannel: d.BroadcastChannel,
		FeedbackChannel:  d.FeedbackChannel,
		SpeedFactor:      d.SpeedFactor,
		StartOffset:      d.StartOffset,
		HardTimeout:      d.HardTimeout,
		Timeout:          d.Timeout,
		Scenarios:        d.Scenarios,
		Assignments:      d.Assignments[node],
	}
	return c.Clone()
}

// MinionsDeclaration asks the factory owning a scenario to declare its minions.
type MinionsDeclaration struct {
	Header
	Scope
	MinionsCount int `json:"minionsCount"`
}

func (*MinionsDeclaration) Kind() Kind { return KindMinionsDeclaration }

// MinionsAssignment asks the factories to create their share of the declared minions.
type MinionsAssignment struct {
	Header
	Scope
}

func (*MinionsAssignment) Kind() Kind { return KindMinionsAssignment }

// MinionsRampUpPreparation asks for the computation of the ramp-up of a scenario.
type MinionsRampUpPreparation struct {
	Header
	Scope
	ExecutionProfile rampup.Config `json:"executionProfile"`
}

func (*MinionsRampUpPreparation) Kind() Kind { return KindMinionsRampUpPreparation }

// ScenarioWarmUp asks the factories to start the support components of a scenario.
type ScenarioWarmUp struct {
	Header
	Scope
}

func (*ScenarioWarmUp) Kind() Kind { return KindScenarioWarmUp }

// MinionsStart carries a window of the ramp-up of a scenario.
type MinionsStart struct {
	Header
	Scope
	StartDefinitions []campaign.MinionStartDefinition `json:"startDefinitions"`
}

func (*MinionsStart) Kind() Kind { return KindMinionsStart }

// MinionsShutdown asks for the shutdown of some minions.
type MinionsShutdown struct {
	Header
	Scope
	MinionIDs []campaign.MinionID `json:"minionIds"`
}

func (*MinionsShutdown) Kind() Kind { return KindMinionsShutdown }

// CampaignScenarioShutdown asks for the shutdown of a scenario.
type CampaignScenarioShutdown struct {
	Header
	Scope
}

func (*CampaignScenarioShutdown) Kind() Kind { return KindCampaignScenarioShutdown }

// CampaignShutdown asks for the shutdown of the whole campaign.
type CampaignShutdown struct {
	Header
}

func (*CampaignShutdown) Kind() Kind { return KindCampaignShutdown }

// CampaignAbort interrupts the listed scenarios of a campaign.
type CampaignAbort struct {
	Header
	ScenarioNames []campaign.ScenarioName `json:"scenarioNames"`

	// Hard cancels the running executions of the minions instead of letting
	// them finish within the scenario graceful timeout.
	Hard bool `json:"hard,omitempty"`
}

func (*CampaignAbort) Kind() Kind { return KindCampaignAbort }

// TransportableStepContext hands the execution of a minion over to the factory
// owning the next DAG.
type TransportableStepContext struct {
	Header
	Scope
	MinionID campaign.MinionID `json:"minionId"`
	DAG      campaign.DAGName  `json:"dag"`
	Step     campaign.StepName `json:"step,omitempty"`

	// Payload is the serialized output of the previous step.
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (*TransportableStepContext) Kind() Kind { return KindTransportableStepContext }

// TransportableCompletionContext tells every factory that a minion reached the
// end of a branch.
type TransportableCompletionContext struct {
	Header
	Scope
	MinionID campaign.MinionID `json:"minionId"`
	LastDAG  campaign.DAGName  `json:"lastDag"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

func (*TransportableCompletionContext) Kind() Kind { return KindTransportableCompletionContext }

var (
	_ Directive      = (*FactoryAssignment)(nil)
	_ ScenarioScoped = (*MinionsDeclaration)(nil)
	_ ScenarioScoped = (*MinionsAssignment)(nil)
	_ ScenarioScoped = (*MinionsRampUpPreparation)(nil)
	_ ScenarioScoped = (*ScenarioWarmUp)(nil)
	_ ScenarioScoped = (*MinionsStart)(nil)
	_ ScenarioScoped = (*MinionsShutdown)(nil)
	_ ScenarioScoped = (*CampaignScenarioShutdown)(nil)
	_ Directive      = (*CampaignShutdown)(nil)
	_ Directive      = (*CampaignAbort)(nil)
	_ ScenarioScoped = (*TransportableStepContext)(nil)
	_ ScenarioScoped = (*TransportableCompletionContext)(nil)
)
