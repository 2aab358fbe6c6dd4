package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/fleet/internal/assignment"
	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/channel"
	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/metrics"
	"github.com/wesleyorama2/fleet/internal/rampup"
)

var (
	// ErrNoRunningCampaign is returned when the campaign is not the one
	// running on the factory.
	ErrNoRunningCampaign = errors.New("campaign is not running on the factory")

	// ErrUnknownScenario is returned for a scenario the factory does not execute.
	ErrUnknownScenario = errors.New("scenario is not executed on the factory")

	// ErrInvalidTransition is returned when a state cannot follow the current one.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCampaignRunning is returned when a campaign is initialized while
	// another one runs on the factory.
	ErrCampaignRunning = errors.New("another campaign is running on the factory")
)

// GracefulTimeouts bounds the duration of the shutdowns.
type GracefulTimeouts struct {
	Minion   time.Duration
	Scenario time.Duration
	Campaign time.Duration
}

// DefaultGracefulTimeouts returns the default shutdown durations.
func DefaultGracefulTimeouts() GracefulTimeouts {
	return GracefulTimeouts{
		Minion:   time.Second,
		Scenario: 10 * time.Second,
		Campaign: time.Minute,
	}
}

// ManagerOption configures a CampaignManager.
type ManagerOption func(*CampaignManager)

// WithGracefulTimeouts overrides the shutdown durations.
func WithGracefulTimeouts(timeouts GracefulTimeouts) ManagerOption {
	return func(m *CampaignManager) { m.timeouts = timeouts }
}

// WithScenarioHooks registers the components started at warm-up.
func WithScenarioHooks(hooks ...ScenarioLifeCycleAware) ManagerOption {
	return func(m *CampaignManager) { m.scenarioHooks = append(m.scenarioHooks, hooks...) }
}

// WithClock replaces the source of the current time.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *CampaignManager) { m.now = now }
}

// WithRecorder records the minion counters.
func WithRecorder(recorder *metrics.Recorder) ManagerOption {
	return func(m *CampaignManager) { m.recorder = recorder }
}

// WithManagerLogger sets the logger of the manager.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *CampaignManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// CampaignManager is the facade of the factory for the campaign it executes.
// It never publishes the feedback of the directives, the listeners do.
type CampaignManager struct {
	node      campaign.NodeID
	scenarios campaign.ScenarioRegistry
	keeper    assignment.MinionAssignmentKeeper
	minions   MinionsKeeper
	channel   channel.FactoryChannel

	scenarioHooks []ScenarioLifeCycleAware
	timeouts      GracefulTimeouts
	now           func() time.Time
	recorder      *metrics.Recorder
	logger        *zap.Logger

	mu      sync.RWMutex
	running *campaign.Campaign
	states  map[campaign.ScenarioName]campaign.State
	warm    map[campaign.ScenarioName]bool
}

// NewCampaignManager creates the campaign manager of the factory.
func NewCampaignManager(node campaign.NodeID, scenarios campaign.ScenarioRegistry, keeper assignment.MinionAssignmentKeeper,
	minions MinionsKeeper, ch channel.FactoryChannel, opts ...ManagerOption) *CampaignManager {
	m := &CampaignManager{
		node:      node,
		scenarios: scenarios,
		keeper:    keeper,
		minions:   minions,
		channel:   ch,
		timeouts:  DefaultGracefulTimeouts(),
		now:       time.Now,
		logger:    zap.NewNop(),
		states:    make(map[campaign.ScenarioName]campaign.State),
		warm:      make(map[campaign.ScenarioName]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("node", node))
	return m
}

// Node returns the id of the factory.
func (m *CampaignManager) Node() campaign.NodeID {
	return m.node
}

// IsLocallyExecuted returns true when the campaign runs on the factory.
func (m *CampaignManager) IsLocallyExecuted(key campaign.CampaignKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running != nil && m.running.Key == key
}

// IsScenarioLocallyExecuted returns true when the factory executes DAGs of the
// scenario in the campaign.
func (m *CampaignManager) IsScenarioLocallyExecuted(key campaign.CampaignKey, scenario campaign.ScenarioName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.running == nil || m.running.Key != key {
		return false
	}
	_, ok := m.running.Assignment(scenario)
	return ok
}

// RunningCampaign returns a copy of the campaign running on the factory, or
// nil.
func (m *CampaignManager) RunningCampaign() *campaign.Campaign {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.running == nil {
		return nil
	}
	return m.running.Clone()
}

// Init makes the campaign the running one, restricted to the scenarios known
// by the factory. A campaign without such a scenario is not kept. A campaign
// executed locally is rejected while another one runs, until it is closed.
func (m *CampaignManager) Init(_ context.Context, c *campaign.Campaign) error {
	local := c.Clone()
	local.Assignments = local.Assignments[:0]
	for _, a := range c.Assignments {
		if m.scenarios.Contains(a.ScenarioName) {
			local.Assignments = append(local.Assignments, a)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(local.Assignments) == 0 {
		if m.running != nil && m.running.Key == c.Key {
			m.running = nil
		}
		m.logger.Info("no scenario of the campaign is executed on the factory",
			zap.String("campaign", c.Key))
		return nil
	}

	if m.running != nil && m.running.Key != c.Key {
		return fmt.Errorf("%w: %s, cannot start %s", ErrCampaignRunning, m.running.Key, c.Key)
	}
	replay := m.running != nil
	m.running = local
	if !replay {
		m.states = make(map[campaign.ScenarioName]campaign.State, len(local.Assignments))
		m.warm = make(map[campaign.ScenarioName]bool)
	}
	for _, a := range local.Assignments {
		if _, ok := m.states[a.ScenarioName]; !ok {
			m.states[a.ScenarioName] = campaign.StateRequested
		}
	}

	m.logger.Info("campaign initialized",
		zap.String("campaign", c.Key),
		zap.Int("scenarios", len(local.Assignments)))
	return nil
}

// Close releases the campaign.
func (m *CampaignManager) Close(_ context.Context, c *campaign.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != nil && m.running.Key == c.Key {
		m.running = nil
		m.warm = make(map[campaign.ScenarioName]bool)
	}
	return nil
}

func (m *CampaignManager) runningCampaign(key campaign.CampaignKey) (*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.running == nil || m.running.Key != key {
		return nil, fmt.Errorf("%w: %s", ErrNoRunningCampaign, key)
	}
	return m.running, nil
}

// PrepareMinionsExecutionProfile computes the start of every minion under load
// of the scenario. The first start happens after the start offset of the
// campaign.
func (m *CampaignManager) PrepareMinionsExecutionProfile(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
	cfg rampup.Config) ([]campaign.MinionStartDefinition, error) {
	c, err := m.runningCampaign(key)
	if err != nil {
		return nil, err
	}
	profile, err := rampup.NewProfile(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid execution profile of scenario %s: %w", scenario, err)
	}
	ids, err := m.keeper.IDsOfMinionsUnderLoad(ctx, key, scenario)
	if err != nil {
		return nil, err
	}

	definitions := make([]campaign.MinionStartDefinition, 0, len(ids))
	start := m.now().Add(c.StartOffset)
	it := profile.Iterator(len(ids), c.EffectiveSpeedFactor())
	for len(ids) > 0 {
		line, ok := it.Next()
		if !ok {
			break
		}
		start = start.Add(line.Offset)
		count := min(line.Count, len(ids))
		for _, id := range ids[:count] {
			definitions = append(definitions, campaign.MinionStartDefinition{MinionID: id, Timestamp: start})
		}
		ids = ids[count:]
	}
	if len(ids) > 0 {
		m.logger.Warn("execution profile ended before all minions were started",
			zap.String("scenario", scenario),
			zap.Int("remaining", len(ids)))
	}
	return definitions, nil
}

// WarmUpCampaignScenario starts the support components and the lonely
// minions of the scenario.
func (m *CampaignManager) WarmUpCampaignScenario(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) error {
	if _, err := m.runningCampaign(key); err != nil {
		return err
	}
	if !m.scenarios.Contains(scenario) {
		return fmt.Errorf("%w: %s", ErrUnknownScenario, scenario)
	}

	for _, hook := range m.scenarioHooks {
		if err := hook.Start(ctx, key, scenario); err != nil {
			return fmt.Errorf("failed to start the components of scenario %s: %w", scenario, err)
		}
	}
	m.mu.Lock()
	m.warm[scenario] = true
	m.mu.Unlock()

	return m.minions.StartSingletons(ctx, scenario)
}

// ShutdownScenario stops the minions and the support components of the
// scenario within the scenario graceful timeout. With ShutdownDrain, the
// running executions are only cancelled when the timeout expires.
func (m *CampaignManager) ShutdownScenario(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
	mode ShutdownMode) error {
	if _, err := m.runningCampaign(key); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Scenario)
	defer cancel()

	err := m.minions.ShutdownScenario(ctx, scenario, mode)
	return errors.Join(err, m.stopScenarioHooks(ctx, key, scenario))
}

func (m *CampaignManager) stopScenarioHooks(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) error {
	m.mu.Lock()
	warm := m.warm[scenario]
	delete(m.warm, scenario)
	m.mu.Unlock()
	if !warm {
		return nil
	}

	var errs []error
	for _, hook := range m.scenarioHooks {
		if err := hook.Stop(ctx, key, scenario); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop the components of scenario %s: %w", scenario, err))
		}
	}
	return errors.Join(errs...)
}

// ShutdownMinions stops the minions in parallel, each within the minion
// graceful timeout. Minions unknown by the factory are ignored.
func (m *CampaignManager) ShutdownMinions(ctx context.Context, key campaign.CampaignKey, ids []campaign.MinionID) error {
	if _, err := m.runningCampaign(key); err != nil {
		return err
	}

	var g errgroup.Group
	for _, id := range ids {
		if !m.minions.Contains(id) {
			continue
		}
		id := id
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, m.timeouts.Minion)
			defer cancel()
			return m.minions.ShutdownMinion(ctx, id)
		})
	}
	return g.Wait()
}

// ShutdownCampaign stops all the minions and the support components within
// the campaign graceful timeout.
func (m *CampaignManager) ShutdownCampaign(ctx context.Context, key campaign.CampaignKey) error {
	c, err := m.runningCampaign(key)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Campaign)
	defer cancel()

	errs := []error{m.minions.ShutdownAll(ctx)}
	for _, scenario := range c.ScenarioNames() {
		errs = append(errs, m.stopScenarioHooks(ctx, key, scenario))
	}
	return errors.Join(errs...)
}

// NotifyCompleteMinion records the execution of DAGs by a minion. When the
// last minion of a scenario completes, the factory publishes the end of the
// scenario.
func (m *CampaignManager) NotifyCompleteMinion(ctx context.Context, minion *Minion, dags []campaign.DAGName) {
	state, err := m.keeper.ExecutionComplete(ctx, minion.CampaignKey, minion.Scenario, minion.ID, dags)
	if err != nil {
		m.logger.Error("failed to record the completion of the minion",
			zap.String("minion", minion.ID),
			zap.Strings("dags", dags),
			zap.Error(err))
		return
	}
	if state.Minion {
		m.recorder.MinionCompleted()
	}
	if !state.Scenario {
		return
	}

	m.logger.Info("all minions of the scenario completed",
		zap.String("campaign", minion.CampaignKey),
		zap.String("scenario", minion.Scenario))
	f := directive.Feedback{
		Kind:         directive.KindEndOfCampaignScenario,
		CampaignKey:  minion.CampaignKey,
		ScenarioName: minion.Scenario,
		Status:       directive.StatusCompleted,
	}
	if err := m.channel.PublishFeedback(ctx, f); err != nil {
		m.logger.Error("failed to publish the end of the scenario",
			zap.String("scenario", minion.Scenario),
			zap.Error(err))
	}
}

// Advance moves the scenario to the next state. Advancing to the current
// state is a no-op.
func (m *CampaignManager) Advance(key campaign.CampaignKey, scenario campaign.ScenarioName, next campaign.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == nil || m.running.Key != key {
		return fmt.Errorf("%w: %s", ErrNoRunningCampaign, key)
	}
	return m.advance(scenario, next)
}

// AdvanceCampaign moves every scenario of the campaign to the next state.
func (m *CampaignManager) AdvanceCampaign(key campaign.CampaignKey, next campaign.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == nil || m.running.Key != key {
		return fmt.Errorf("%w: %s", ErrNoRunningCampaign, key)
	}
	var errs []error
	for _, a := range m.running.Assignments {
		errs = append(errs, m.advance(a.ScenarioName, next))
	}
	return errors.Join(errs...)
}

func (m *CampaignManager) advance(scenario campaign.ScenarioName, next campaign.State) error {
	current, ok := m.states[scenario]
	if !ok {
		current = campaign.StateRequested
	}
	if current == next {
		return nil
	}
	if !current.CanAdvanceTo(next) {
		return fmt.Errorf("%w: scenario %s from %s to %s", ErrInvalidTransition, scenario, current, next)
	}
	m.states[scenario] = next
	return nil
}

// ScenarioState returns the state of the scenario on the factory.
func (m *CampaignManager) ScenarioState(scenario campaign.ScenarioName) campaign.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[scenario]; ok {
		return state
	}
	return campaign.StateRequested
}

var _ CampaignLifeCycleAware = (*CampaignManager)(nil)
