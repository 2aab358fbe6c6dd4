package factory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/assignment"
	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/channel"
	"github.com/wesleyorama2/fleet/internal/directive"
)

// Forwarder hands the execution of a minion over to other factories.
type Forwarder interface {
	// Forward sends the step context to the factories executing the DAGs.
	Forward(ctx context.Context, m *Minion, dags []campaign.DAGName, sc *StepContext) error

	// BroadcastCompletion tells every factory that the minion ended a branch.
	BroadcastCompletion(ctx context.Context, m *Minion, cc *CompletionContext) error
}

// ContextForwarder publishes transportable contexts on the factory channel.
type ContextForwarder struct {
	keeper  assignment.MinionAssignmentKeeper
	channel channel.FactoryChannel
	logger  *zap.Logger
}

// NewContextForwarder creates a forwarder resolving the destination factories
// with the keeper.
func NewContextForwarder(keeper assignment.MinionAssignmentKeeper, ch channel.FactoryChannel, logger *zap.Logger) *ContextForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextForwarder{keeper: keeper, channel: ch, logger: logger}
}

func (f *ContextForwarder) Forward(ctx context.Context, m *Minion, dags []campaign.DAGName, sc *StepContext) error {
	channels, err := f.keeper.FactoriesChannels(ctx, m.CampaignKey, m.Scenario, m.ID, dags)
	if err != nil {
		return fmt.Errorf("failed to resolve the factories of minion %s: %w", m.ID, err)
	}

	for _, dag := range dags {
		ch, ok := channels[dag]
		if !ok {
			f.logger.Warn("no factory executes the DAG",
				zap.String("minion", m.ID),
				zap.String("dag", dag))
			continue
		}
		d := &directive.TransportableStepContext{
			Header:   directive.NewHeader(m.CampaignKey, ch),
			Scope:    directive.Scope{ScenarioName: m.Scenario},
			MinionID: m.ID,
			DAG:      dag,
			Payload:  sc.Output,
		}
		if err := f.channel.PublishDirective(ctx, d); err != nil {
			return fmt.Errorf("failed to forward minion %s to DAG %s: %w", m.ID, dag, err)
		}
	}
	return nil
}

func (f *ContextForwarder) BroadcastCompletion(ctx context.Context, m *Minion, cc *CompletionContext) error {
	d := &directive.TransportableCompletionContext{
		Header:   directive.NewHeader(m.CampaignKey, ""),
		Scope:    directive.Scope{ScenarioName: m.Scenario},
		MinionID: m.ID,
		LastDAG:  cc.LastDAG,
		Payload:  cc.Payload,
	}
	return f.channel.PublishDirective(ctx, d)
}

var _ Forwarder = (*ContextForwarder)(nil)
