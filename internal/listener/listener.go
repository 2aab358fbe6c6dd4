// Package listener implements the processing of the directives by a factory:
// one listener per directive kind, dispatched by the Pipeline.
package listener

import (
	"context"

	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/assignment"
	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/channel"
	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/factory"
)

// DefaultWindowSize is the maximal number of start definitions in one
// MinionsStart directive.
const DefaultWindowSize = 400

// Listener processes one kind of directive.
type Listener interface {
	// Kind returns the kind of directive the listener processes.
	Kind() directive.Kind

	// Accept returns true when the directive is processed by the factory. It
	// has no side effect.
	Accept(d directive.Directive) bool

	// Notify processes an accepted directive. Every error is reported as a
	// FAILED feedback.
	Notify(ctx context.Context, d directive.Directive)
}

// Deps are the components of the factory the listeners work with.
type Deps struct {
	Scenarios   campaign.ScenarioRegistry
	Manager     *factory.CampaignManager
	Assignments assignment.MinionAssignmentKeeper
	Store       *assignment.LocalAssignmentStore
	Minions     factory.MinionsKeeper
	Channel     channel.FactoryChannel
	IDs         campaign.IDGenerator

	// Hooks are initialized when a campaign is assigned and closed when it
	// shuts down, after the manager.
	Hooks []factory.CampaignLifeCycleAware

	// WindowSize bounds the size of the MinionsStart directives.
	WindowSize int

	Logger *zap.Logger
}

// All returns one listener per directive kind.
func All(deps Deps) []Listener {
	b := newBase(deps)
	return []Listener{
		&FactoryAssignmentListener{base: b},
		&MinionsDeclarationListener{base: b},
		&MinionsAssignmentListener{base: b},
		&MinionsRampUpPreparationListener{base: b},
		&ScenarioWarmUpListener{base: b},
		&MinionsStartListener{base: b},
		&MinionsShutdownListener{base: b},
		&CampaignScenarioShutdownListener{base: b},
		&CampaignShutdownListener{base: b},
		&CampaignAbortListener{base: b},
		&ContextListener{base: b, kind: directive.KindTransportableStepContext},
		&ContextListener{base: b, kind: directive.KindTransportableCompletionContext},
	}
}

// base holds what the listeners share.
type base struct {
	Deps
	logger *zap.Logger
}

func newBase(deps Deps) *base {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.IDs == nil {
		deps.IDs = campaign.UUIDGenerator{}
	}
	if deps.WindowSize <= 0 {
		deps.WindowSize = DefaultWindowSize
	}
	return &base{Deps: deps, logger: deps.Logger}
}

// publish sends the feedback and continues whatever the outcome.
func (b *base) publish(ctx context.Context, f directive.Feedback) {
	if err := b.Channel.PublishFeedback(ctx, f); err != nil {
		b.logger.Warn("failed to publish the feedback",
			zap.String("kind", string(f.Kind)),
			zap.String("status", string(f.Status)),
			zap.Error(err))
	}
}

// fail logs the error and publishes the feedback as FAILED.
func (b *base) fail(ctx context.Context, f directive.Feedback, err error) {
	b.logger.Error("directive processing failed",
		zap.String("kind", string(f.Kind)),
		zap.String("campaign", f.CampaignKey),
		zap.String("scenario", f.ScenarioName),
		zap.Error(err))
	b.publish(ctx, f.Failed(err))
}

// ignore publishes the feedback as IGNORED.
func (b *base) ignore(ctx context.Context, f directive.Feedback, reason string) {
	b.logger.Debug("directive ignored",
		zap.String("kind", string(f.Kind)),
		zap.String("campaign", f.CampaignKey),
		zap.String("scenario", f.ScenarioName),
		zap.String("reason", reason))
	b.publish(ctx, f.As(directive.StatusIgnored))
}

func (b *base) advance(key campaign.CampaignKey, scenario campaign.ScenarioName, next campaign.State) {
	if err := b.Manager.Advance(key, scenario, next); err != nil {
		b.logger.Warn("scenario state not advanced",
			zap.String("scenario", scenario),
			zap.Stringer("state", next),
			zap.Error(err))
	}
}

func (b *base) advanceCampaign(key campaign.CampaignKey, next campaign.State) {
	if err := b.Manager.AdvanceCampaign(key, next); err != nil {
		b.logger.Warn("campaign state not advanced",
			zap.String("campaign", key),
			zap.Stringer("state", next),
			zap.Error(err))
	}
}

// scenarioLocal returns true when the directive targets a scenario the
// factory executes in the running campaign.
func (b *base) scenarioLocal(d directive.ScenarioScoped) bool {
	return b.Manager.IsScenarioLocallyExecuted(d.Meta().CampaignKey, d.Scenario())
}
