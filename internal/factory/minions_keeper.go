package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/fleet/internal/assignment"
	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/metrics"
)

var (
	// ErrUnknownMinion is returned for a minion the factory does not host.
	ErrUnknownMinion = errors.New("unknown minion")

	// ErrMinionExists is returned when a minion is created twice with other DAGs.
	ErrMinionExists = errors.New("minion already exists")
)

// CompletionHook is called each time a minion executed one of its DAGs.
type CompletionHook func(ctx context.Context, m *Minion, dags []campaign.DAGName)

// MinionsKeeper hosts the minions of the factory.
type MinionsKeeper interface {
	// Create materializes a minion executing the DAGs on this factory.
	Create(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName, dags []campaign.DAGName, id campaign.MinionID) error

	// StartSingletons starts the lonely minions of the scenario and the starts
	// received before the scenario warmed up.
	StartSingletons(ctx context.Context, scenario campaign.ScenarioName) error

	// ScheduleMinionStart starts the minions at the instant. An instant in the
	// past starts them immediately.
	ScheduleMinionStart(ctx context.Context, at time.Time, ids []campaign.MinionID) error

	Contains(id campaign.MinionID) bool
	Get(id campaign.MinionID) (*Minion, bool)

	// RunStep resumes the execution of a minion on one of its local DAGs.
	RunStep(ctx context.Context, id campaign.MinionID, dag campaign.DAGName, input json.RawMessage) error

	// Complete propagates the completion of a branch to the local roots of the minion.
	Complete(ctx context.Context, id campaign.MinionID, lastDAG campaign.DAGName, payload json.RawMessage) error

	ShutdownMinion(ctx context.Context, id campaign.MinionID) error

	// ShutdownScenario stops the minions of the scenario. ShutdownDrain lets
	// the running executions finish until ctx is done.
	ShutdownScenario(ctx context.Context, scenario campaign.ScenarioName, mode ShutdownMode) error
	ShutdownAll(ctx context.Context) error
}

// ShutdownMode tells what happens to the running executions of a stopped
// minion.
type ShutdownMode int

const (
	// ShutdownInterrupt cancels the running executions.
	ShutdownInterrupt ShutdownMode = iota
	// ShutdownDrain lets the running executions finish and cancels them only
	// when the graceful timeout expires.
	ShutdownDrain
)

func (m ShutdownMode) String() string {
	if m == ShutdownDrain {
		return "drain"
	}
	return "interrupt"
}

type heldStart struct {
	id campaign.MinionID
	at time.Time
}

// Keeper is the MinionsKeeper of a factory.
//
// It manages:
// - the minions created by the MinionsAssignment directives
// - the starts held until the scenario is warm
// - the execution of the DAGs and the hand-off to the successors
type Keeper struct {
	scenarios campaign.ScenarioRegistry
	store     *assignment.LocalAssignmentStore
	runner    Runner
	forwarder Forwarder
	recorder  *metrics.Recorder
	logger    *zap.Logger

	mu      sync.RWMutex
	minions map[campaign.MinionID]*Minion
	warm    map[campaign.ScenarioName]bool
	held    map[campaign.ScenarioName][]heldStart
	hook    CompletionHook
}

// NewKeeper creates the minions keeper of the factory.
func NewKeeper(scenarios campaign.ScenarioRegistry, store *assignment.LocalAssignmentStore, runner Runner,
	forwarder Forwarder, recorder *metrics.Recorder, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		scenarios: scenarios,
		store:     store,
		runner:    runner,
		forwarder: forwarder,
		recorder:  recorder,
		logger:    logger,
		minions:   make(map[campaign.MinionID]*Minion),
		warm:      make(map[campaign.ScenarioName]bool),
		held:      make(map[campaign.ScenarioName][]heldStart),
	}
}

// OnComplete sets the hook called after each DAG execution.
func (k *Keeper) OnComplete(hook CompletionHook) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hook = hook
}

func (k *Keeper) Create(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName, dags []campaign.DAGName, id campaign.MinionID) error {
	if _, ok := k.scenarios.Get(scenario); !ok {
		return fmt.Errorf("scenario %s is not registered", scenario)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.minions[id]; ok {
		// Replayed assignment.
		if sameDAGs(existing.DAGs, dags) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrMinionExists, id)
	}
	lonely := campaign.IsLonelyMinion(scenario, id)
	k.minions[id] = newMinion(context.WithoutCancel(ctx), key, scenario, id, dags, lonely)
	return nil
}

func sameDAGs(a, b []campaign.DAGName) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[campaign.DAGName]struct{}, len(a))
	for _, d := range a {
		seen[d] = struct{}{}
	}
	for _, d := range b {
		if _, ok := seen[d]; !ok {
			return false
		}
	}
	return true
}

func (k *Keeper) StartSingletons(ctx context.Context, scenario campaign.ScenarioName) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	k.warm[scenario] = true
	held := k.held[scenario]
	delete(k.held, scenario)
	var lonely []*Minion
	for _, m := range k.minions {
		if m.Scenario == scenario && m.Lonely {
			lonely = append(lonely, m)
		}
	}
	k.mu.Unlock()

	for _, m := range lonely {
		k.scheduleStart(m, time.Now())
	}
	for _, h := range held {
		if m, ok := k.Get(h.id); ok {
			k.scheduleStart(m, h.at)
		}
	}

	k.logger.Debug("singletons started",
		zap.String("scenario", scenario),
		zap.Int("lonelyMinions", len(lonely)),
		zap.Int("heldStarts", len(held)))
	return nil
}

func (k *Keeper) ScheduleMinionStart(ctx context.Context, at time.Time, ids []campaign.MinionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var ready []*Minion
	k.mu.Lock()
	for _, id := range ids {
		m, ok := k.minions[id]
		if !ok {
			k.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownMinion, id)
		}
		if !k.warm[m.Scenario] {
			k.held[m.Scenario] = append(k.held[m.Scenario], heldStart{id: id, at: at})
			continue
		}
		ready = append(ready, m)
	}
	k.mu.Unlock()

	for _, m := range ready {
		k.scheduleStart(m, at)
	}
	return nil
}

func (k *Keeper) scheduleStart(m *Minion, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	if !m.schedule(delay, func() { k.start(m) }) {
		k.logger.Debug("minion start ignored",
			zap.String("minion", m.ID),
			zap.Stringer("state", m.State()))
	}
}

// start runs the DAGs the minion enters on this factory.
func (k *Keeper) start(m *Minion) {
	scenario, ok := k.scenarios.Get(m.Scenario)
	if !ok {
		return
	}

	started := false
	for _, name := range m.DAGs {
		dag, ok := scenario.DAG(name)
		if !ok || !(dag.IsRoot || m.Lonely) {
			continue
		}
		if k.spawn(m, dag, nil) {
			started = true
		}
	}
	if started {
		k.recorder.MinionStarted()
	}
}

// spawn executes the DAG in its own goroutine. It returns false when the
// minion is stopping.
func (k *Keeper) spawn(m *Minion, dag campaign.DAG, input json.RawMessage) bool {
	if !m.begin() {
		return false
	}
	go func() {
		defer m.end()
		k.execute(m, dag, input)
	}()
	return true
}

func (k *Keeper) execute(m *Minion, dag campaign.DAG, input json.RawMessage) {
	ctx := m.Context()
	sc := &StepContext{
		CampaignKey: m.CampaignKey,
		Scenario:    m.Scenario,
		MinionID:    m.ID,
		DAG:         dag.Name,
		Step:        dag.RootStep,
		Input:       input,
	}

	err := k.runner.RunMinion(ctx, m, dag.RootStep, sc)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		k.logger.Error("DAG execution failed",
			zap.String("minion", m.ID),
			zap.String("dag", dag.Name),
			zap.Error(err))
	}

	// The execution is recorded before the successors can complete.
	k.mu.RLock()
	hook := k.hook
	k.mu.RUnlock()
	if hook != nil {
		hook(ctx, m, []campaign.DAGName{dag.Name})
	}

	k.handOver(ctx, m, dag, sc)
}

// handOver continues the execution of the minion on the successors of the
// DAG, locally or on the factories owning them.
func (k *Keeper) handOver(ctx context.Context, m *Minion, dag campaign.DAG, sc *StepContext) {
	if len(dag.Successors) == 0 {
		cc := &CompletionContext{
			CampaignKey: m.CampaignKey,
			Scenario:    m.Scenario,
			MinionID:    m.ID,
			LastDAG:     dag.Name,
			Payload:     sc.Output,
		}
		if err := k.forwarder.BroadcastCompletion(ctx, m, cc); err != nil {
			k.logger.Error("failed to broadcast the completion",
				zap.String("minion", m.ID),
				zap.Error(err))
		}
		return
	}

	scenario, ok := k.scenarios.Get(m.Scenario)
	if !ok {
		return
	}

	var remote []campaign.DAGName
	for _, name := range dag.Successors {
		if !k.store.IsLocal(m.Scenario, m.ID, name) {
			remote = append(remote, name)
			continue
		}
		if next, ok := scenario.DAG(name); ok {
			k.spawn(m, next, sc.Output)
		}
	}
	if len(remote) == 0 {
		return
	}
	if err := k.forwarder.Forward(ctx, m, remote, sc); err != nil {
		k.logger.Error("failed to forward the minion",
			zap.String("minion", m.ID),
			zap.Strings("dags", remote),
			zap.Error(err))
	}
}

func (k *Keeper) Contains(id campaign.MinionID) bool {
	_, ok := k.Get(id)
	return ok
}

func (k *Keeper) Get(id campaign.MinionID) (*Minion, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	m, ok := k.minions[id]
	return m, ok
}

// Minions returns the ids of the minions of the scenario, sorted.
func (k *Keeper) Minions(scenario campaign.ScenarioName) []campaign.MinionID {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var ids []campaign.MinionID
	for id, m := range k.minions {
		if m.Scenario == scenario {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (k *Keeper) RunStep(ctx context.Context, id campaign.MinionID, dag campaign.DAGName, input json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, ok := k.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMinion, id)
	}
	if !k.store.IsLocal(m.Scenario, id, dag) {
		return fmt.Errorf("DAG %s of minion %s is not executed locally", dag, id)
	}
	scenario, ok := k.scenarios.Get(m.Scenario)
	if !ok {
		return fmt.Errorf("scenario %s is not registered", m.Scenario)
	}
	definition, ok := scenario.DAG(dag)
	if !ok {
		return fmt.Errorf("scenario %s has no DAG %s", m.Scenario, dag)
	}
	k.spawn(m, definition, input)
	return nil
}

func (k *Keeper) Complete(ctx context.Context, id campaign.MinionID, lastDAG campaign.DAGName, payload json.RawMessage) error {
	m, ok := k.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMinion, id)
	}
	scenario, ok := k.scenarios.Get(m.Scenario)
	if !ok {
		return fmt.Errorf("scenario %s is not registered", m.Scenario)
	}

	cc := &CompletionContext{
		CampaignKey: m.CampaignKey,
		Scenario:    m.Scenario,
		MinionID:    id,
		LastDAG:     lastDAG,
		Payload:     payload,
	}
	for _, name := range m.DAGs {
		dag, ok := scenario.DAG(name)
		if !ok || !dag.IsRoot {
			continue
		}
		if err := k.runner.Complete(ctx, m, dag.RootStep, cc); err != nil {
			return fmt.Errorf("failed to complete minion %s on DAG %s: %w", id, name, err)
		}
	}
	return nil
}

// ShutdownMinion stops the minion and waits until the context is done.
func (k *Keeper) ShutdownMinion(ctx context.Context, id campaign.MinionID) error {
	return k.stop(ctx, id, ShutdownInterrupt)
}

func (k *Keeper) stop(ctx context.Context, id campaign.MinionID, mode ShutdownMode) error {
	m, ok := k.Get(id)
	if !ok {
		return nil
	}

	wasRunning := m.Executions() > 0
	if mode == ShutdownDrain {
		m.RequestGracefulStop()
	} else {
		m.RequestStop()
	}
	if !m.WaitForStop(ctx) {
		m.RequestStop()
		return fmt.Errorf("minion %s did not stop in time: %w", id, ctx.Err())
	}

	k.mu.Lock()
	if k.minions[id] == m {
		delete(k.minions, id)
		if wasRunning {
			k.recorder.MinionStopped()
		}
	}
	k.mu.Unlock()
	return nil
}

// ShutdownScenario stops all the minions of the scenario in parallel.
func (k *Keeper) ShutdownScenario(ctx context.Context, scenario campaign.ScenarioName, mode ShutdownMode) error {
	k.mu.Lock()
	delete(k.held, scenario)
	delete(k.warm, scenario)
	k.mu.Unlock()

	return k.shutdown(ctx, k.Minions(scenario), mode)
}

// ShutdownAll stops every minion of the factory.
func (k *Keeper) ShutdownAll(ctx context.Context) error {
	k.mu.Lock()
	ids := make([]campaign.MinionID, 0, len(k.minions))
	for id := range k.minions {
		ids = append(ids, id)
	}
	k.held = make(map[campaign.ScenarioName][]heldStart)
	k.warm = make(map[campaign.ScenarioName]bool)
	k.mu.Unlock()

	return k.shutdown(ctx, ids, ShutdownInterrupt)
}

func (k *Keeper) shutdown(ctx context.Context, ids []campaign.MinionID, mode ShutdownMode) error {
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return k.stop(ctx, id, mode)
		})
	}
	return g.Wait()
}

var _ MinionsKeeper = (*Keeper)(nil)
