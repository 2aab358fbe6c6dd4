// Package node assembles a factory: its channel endpoint, its minions, its
// campaign manager and the listeners processing the directives.
package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/assignment"
	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/channel"
	"github.com/wesleyorama2/fleet/internal/config"
	"github.com/wesleyorama2/fleet/internal/factory"
	"github.com/wesleyorama2/fleet/internal/listener"
	"github.com/wesleyorama2/fleet/internal/metrics"
)

// Options are the dependencies of a factory.
type Options struct {
	Config    *config.FactoryConfig
	Scenarios campaign.ScenarioRegistry

	// Registry is the assignment state shared by the factories.
	Registry *assignment.Registry
	Bus      *channel.Bus

	// Runner executes the steps. Defaults to a DelayRunner sleeping
	// Config.StepDelay per step.
	Runner factory.Runner

	Hooks         []factory.CampaignLifeCycleAware
	ScenarioHooks []factory.ScenarioLifeCycleAware

	Recorder *metrics.Recorder
	Logger   *zap.Logger
}

// Factory is a factory node listening to the bus.
type Factory struct {
	node     campaign.NodeID
	endpoint *channel.Endpoint
	pipeline *listener.Pipeline
	manager  *factory.CampaignManager
	minions  *factory.Keeper
	recorder *metrics.Recorder
	logger   *zap.Logger
}

// New assembles a factory. It does not listen to the bus until Start.
func New(opts Options) (*Factory, error) {
	if opts.Config == nil || opts.Scenarios == nil || opts.Registry == nil || opts.Bus == nil {
		return nil, errors.New("node: config, scenarios, registry and bus are required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration of factory %s: %w", cfg.NodeID, err)
	}
	if broadcast := opts.Bus.BroadcastChannel(); broadcast != cfg.Channels.Broadcast {
		return nil, fmt.Errorf("factory %s expects the broadcast channel %q, the bus uses %q",
			cfg.NodeID, cfg.Channels.Broadcast, broadcast)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node", cfg.NodeID))

	endpoint := opts.Bus.Endpoint(cfg.NodeID, cfg.Channels.Unicast)
	ch := listener.WithFeedbackCounts(endpoint, opts.Recorder)

	runner := opts.Runner
	if runner == nil {
		runner = factory.NewDelayRunner(cfg.StepDelay, logger.Named("runner"))
	}

	store := assignment.NewLocalAssignmentStore(opts.Scenarios)
	keeper := assignment.NewKeeper(opts.Registry, cfg.NodeID, cfg.Channels.Unicast, store, logger.Named("assignment"))
	forwarder := factory.NewContextForwarder(keeper, ch, logger.Named("forwarder"))
	minions := factory.NewKeeper(opts.Scenarios, store, runner, forwarder, opts.Recorder, logger.Named("minions"))
	manager := factory.NewCampaignManager(cfg.NodeID, opts.Scenarios, keeper, minions, ch,
		factory.WithGracefulTimeouts(cfg.GracefulTimeouts()),
		factory.WithScenarioHooks(opts.ScenarioHooks...),
		factory.WithRecorder(opts.Recorder),
		factory.WithManagerLogger(logger.Named("manager")),
	)
	minions.OnComplete(manager.NotifyCompleteMinion)

	listeners := listener.All(listener.Deps{
		Scenarios:   opts.Scenarios,
		Manager:     manager,
		Assignments: keeper,
		Store:       store,
		Minions:     minions,
		Channel:     ch,
		Hooks:       opts.Hooks,
		WindowSize:  cfg.WindowSize,
		Logger:      logger.Named("listener"),
	})

	return &Factory{
		node:     cfg.NodeID,
		endpoint: endpoint,
		pipeline: listener.NewPipeline(ch, opts.Recorder, logger.Named("pipeline"), listeners...),
		manager:  manager,
		minions:  minions,
		recorder: opts.Recorder,
		logger:   logger,
	}, nil
}

// Start subscribes the factory to its broadcast and unicast channels.
func (f *Factory) Start() error {
	if err := f.endpoint.Listen(f.pipeline.Dispatch); err != nil {
		return fmt.Errorf("factory %s cannot listen: %w", f.node, err)
	}
	f.logger.Info("factory started", zap.String("unicast", f.endpoint.Unicast()))
	return nil
}

// Stop interrupts the minions and waits for the directives in progress.
func (f *Factory) Stop(ctx context.Context) error {
	err := f.minions.ShutdownAll(ctx)
	f.pipeline.Wait()
	f.logger.Info("factory stopped")
	return err
}

// Node returns the id of the factory.
func (f *Factory) Node() campaign.NodeID { return f.node }

// Unicast returns the channel only the factory listens to.
func (f *Factory) Unicast() string { return f.endpoint.Unicast() }

// Manager returns the campaign manager of the factory.
func (f *Factory) Manager() *factory.CampaignManager { return f.manager }

// Minions returns the minions keeper of the factory.
func (f *Factory) Minions() *factory.Keeper { return f.minions }
