// Package head drives a campaign from the head side of the protocol: it
// publishes the directives of each phase and waits for the feedback of the
// factories before moving to the next one.
package head

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/fleet/internal/assignment"
	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/channel"
	"github.com/wesleyorama2/fleet/internal/config"
	"github.com/wesleyorama2/fleet/internal/directive"
)

// DefaultPhaseTimeout bounds the wait for the feedback of one phase.
const DefaultPhaseTimeout = 30 * time.Second

// ErrCampaignRunning is returned when Run is called while a campaign runs.
var ErrCampaignRunning = errors.New("head: a campaign is already running")

// Transport is what the conductor needs from the bus.
type Transport interface {
	PublishDirective(ctx context.Context, d directive.Directive) error
	SubscribeFeedbacks(h channel.FeedbackHandler) error
}

// FactoryRef identifies a factory taking part in a campaign.
type FactoryRef struct {
	Node    campaign.NodeID
	Unicast string
}

// Option configures a Conductor.
type Option func(*Conductor)

// WithPhaseTimeout bounds the wait for the feedback of each phase.
func WithPhaseTimeout(d time.Duration) Option {
	return func(c *Conductor) {
		if d > 0 {
			c.phaseTimeout = d
		}
	}
}

// WithConductorLogger sets the logger of the conductor.
func WithConductorLogger(logger *zap.Logger) Option {
	return func(c *Conductor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFeedbackObserver registers a function called with every feedback of the
// running campaign, in reception order.
func WithFeedbackObserver(observe func(directive.Feedback)) Option {
	return func(c *Conductor) { c.observe = observe }
}

// WithRegistry lets the conductor forget the assignments of the campaign once
// it is over.
func WithRegistry(registry *assignment.Registry) Option {
	return func(c *Conductor) { c.registry = registry }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Conductor) {
		if now != nil {
			c.now = now
		}
	}
}

// Conductor runs one campaign at a time.
type Conductor struct {
	transport    Transport
	phaseTimeout time.Duration
	observe      func(directive.Feedback)
	registry     *assignment.Registry
	now          func() time.Time
	logger       *zap.Logger

	runMu sync.Mutex

	mu      sync.Mutex
	current *Aggregator
}

// NewConductor subscribes the conductor to the feedback of the transport.
func NewConductor(transport Transport, opts ...Option) (*Conductor, error) {
	c := &Conductor{
		transport:    transport,
		phaseTimeout: DefaultPhaseTimeout,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := transport.SubscribeFeedbacks(c.receive); err != nil {
		return nil, fmt.Errorf("failed to subscribe to the feedback: %w", err)
	}
	return c, nil
}

func (c *Conductor) receive(_ context.Context, f directive.Feedback) {
	c.mu.Lock()
	agg := c.current
	c.mu.Unlock()
	if agg == nil || f.CampaignKey != agg.campaign {
		return
	}
	c.logger.Debug("feedback received",
		zap.String("kind", string(f.Kind)),
		zap.String("scenario", f.ScenarioName),
		zap.String("node", f.NodeID),
		zap.String("status", string(f.Status)))
	// The observer sees a feedback before the waiters it releases.
	if c.observe != nil {
		c.observe(f)
	}
	agg.Record(f)
}

// run is the state of one campaign run.
type run struct {
	file      *config.CampaignFile
	factories map[campaign.NodeID]FactoryRef
	plan      map[campaign.NodeID][]campaign.FactoryScenarioAssignment
	owners    map[campaign.ScenarioName][]campaign.NodeID
	agg       *Aggregator
	report    *Report
}

// Run executes the campaign on the factories and returns its report. The
// returned error is the one recorded in the report.
func (c *Conductor) Run(ctx context.Context, file *config.CampaignFile, factories []FactoryRef) (*Report, error) {
	if !c.runMu.TryLock() {
		return nil, ErrCampaignRunning
	}
	defer c.runMu.Unlock()

	r, err := c.prepare(file, factories)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.current = r.agg
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		if c.registry != nil {
			c.registry.Forget(file.Key)
		}
	}()

	logger := c.logger.With(zap.String("campaign", file.Key))
	logger.Info("campaign started", zap.Int("factories", len(factories)), zap.Int("scenarios", len(file.Scenarios)))

	runCtx := ctx
	if timeout := file.Timeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, r.report.Start.Add(timeout))
		defer cancel()
	}

	err = c.execute(runCtx, r)

	// The factories are released even when the caller gave up.
	teardown := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		r.report.Status = OutcomeSuccessful
		err = c.shutdown(teardown, r)
	case runCtx.Err() != nil && ctx.Err() == nil:
		r.report.Status = OutcomeAborted
		logger.Warn("campaign timed out", zap.Duration("timeout", file.Timeout.Std()))
		err = errors.Join(fmt.Errorf("campaign %s timed out: %w", file.Key, err), c.abort(teardown, r))
	default:
		r.report.Status = OutcomeFailed
		logger.Error("campaign failed", zap.Error(err))
		err = errors.Join(err, c.abort(teardown, r))
	}

	r.report.End = c.now()
	r.report.Feedback = r.agg.History()
	if err != nil {
		r.report.Err = err.Error()
	}
	logger.Info("campaign ended",
		zap.String("status", string(r.report.Status)),
		zap.Duration("duration", r.report.Duration()))
	return r.report, err
}

func (c *Conductor) prepare(file *config.CampaignFile, factories []FactoryRef) (*run, error) {
	if file == nil {
		return nil, errors.New("head: campaign file is required")
	}
	if len(factories) == 0 {
		return nil, errors.New("head: at least one factory is required")
	}
	r := &run{
		file:      file,
		factories: make(map[campaign.NodeID]FactoryRef, len(factories)),
		owners:    make(map[campaign.ScenarioName][]campaign.NodeID),
		agg:       NewAggregator(file.Key),
	}
	nodes := make([]campaign.NodeID, 0, len(factories))
	for _, f := range factories {
		if _, dup := r.factories[f.Node]; dup {
			return nil, fmt.Errorf("head: factory %s is listed twice", f.Node)
		}
		r.factories[f.Node] = f
		nodes = append(nodes, f.Node)
	}
	r.plan = file.Assignments(nodes...)
	for node := range r.plan {
		if _, ok := r.factories[node]; !ok {
			return nil, fmt.Errorf("head: factory %s of the campaign file is not available", node)
		}
	}

	sorted := append([]campaign.NodeID(nil), nodes...)
	sort.Strings(sorted)
	for _, node := range sorted {
		for _, a := range r.plan[node] {
			r.owners[a.ScenarioName] = append(r.owners[a.ScenarioName], node)
		}
	}
	for _, name := range file.ScenarioNames() {
		if len(r.owners[name]) == 0 {
			return nil, fmt.Errorf("head: scenario %s is assigned to no factory", name)
		}
	}

	start := c.now()
	r.report = &Report{Campaign: file.Key, Start: start}
	for _, name := range file.ScenarioNames() {
		r.report.Scenarios = append(r.report.Scenarios, ScenarioReport{Name: name, Status: OutcomePending})
	}
	return r, nil
}

// participants returns the nodes with at least one assignment, sorted.
func (r *run) participants() []campaign.NodeID {
	nodes := make([]campaign.NodeID, 0, len(r.plan))
	for node, assignments := range r.plan {
		if len(assignments) > 0 {
			nodes = append(nodes, node)
		}
	}
	sort.Strings(nodes)
	return nodes
}

func (c *Conductor) execute(ctx context.Context, r *run) error {
	file := r.file
	assign := &directive.FactoryAssignment{
		Header:      directive.NewHeader(file.Key, ""),
		SpeedFactor: file.SpeedFactor,
		StartOffset: file.StartOffset.Std(),
		HardTimeout: file.HardTimeout,
		Scenarios:   file.Configurations(),
		Assignments: r.plan,
	}
	if timeout := file.Timeout.Std(); timeout > 0 {
		assign.Timeout = r.report.Start.Add(timeout)
	}
	if err := c.publishAndAwait(ctx, r, assign, "", r.participants()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range file.Scenarios {
		i := i
		spec := &file.Scenarios[i]
		g.Go(func() error {
			return c.launchScenario(gctx, r, spec, &r.report.Scenarios[i])
		})
	}
	return g.Wait()
}

// launchScenario declares, assigns, prepares and warms up the scenario, then
// waits for its end.
func (c *Conductor) launchScenario(ctx context.Context, r *run, spec *config.ScenarioSpec, report *ScenarioReport) error {
	name := spec.Name
	owners := r.owners[name]
	first := r.factories[owners[0]]
	started := c.now()

	declaration := &directive.MinionsDeclaration{
		Header:       directive.NewHeader(r.file.Key, first.Unicast),
		Scope:        directive.Scope{ScenarioName: name},
		MinionsCount: spec.MinionsCount,
	}
	if err := c.publishAndAwait(ctx, r, declaration, name, owners[:1]); err != nil {
		return c.failScenario(ctx, report, err)
	}
	// The declaring factory publishes the MinionsAssignment itself.
	if err := c.await(ctx, r, directive.KindMinionsAssignment, name, owners); err != nil {
		return c.failScenario(ctx, report, err)
	}

	underLoad := spec.MinionsCount > 0 && hasDAGUnderLoad(&spec.Scenario)
	if underLoad {
		preparation := &directive.MinionsRampUpPreparation{
			Header:           directive.NewHeader(r.file.Key, first.Unicast),
			Scope:            directive.Scope{ScenarioName: name},
			ExecutionProfile: spec.ExecutionProfile,
		}
		if err := c.publishAndAwait(ctx, r, preparation, name, owners[:1]); err != nil {
			return c.failScenario(ctx, report, err)
		}
	}

	warmUp := &directive.ScenarioWarmUp{
		Header: directive.NewHeader(r.file.Key, ""),
		Scope:  directive.Scope{ScenarioName: name},
	}
	if err := c.publishAndAwait(ctx, r, warmUp, name, owners); err != nil {
		return c.failScenario(ctx, report, err)
	}
	report.Status = OutcomeRunning

	if !underLoad {
		report.Status = OutcomeSuccessful
		report.Duration = c.now().Sub(started)
		return nil
	}
	end, err := r.agg.AwaitAny(ctx, directive.KindEndOfCampaignScenario, name)
	if err != nil {
		return c.failScenario(ctx, report, err)
	}
	report.Status = OutcomeSuccessful
	report.EndedBy = end.NodeID
	report.Duration = c.now().Sub(started)
	c.logger.Info("scenario completed",
		zap.String("campaign", r.file.Key),
		zap.String("scenario", name),
		zap.String("node", end.NodeID),
		zap.Duration("duration", report.Duration))
	return nil
}

// failScenario marks the scenario as failed unless the whole run was
// interrupted, in which case the abort marks it.
func (c *Conductor) failScenario(ctx context.Context, report *ScenarioReport, err error) error {
	if ctx.Err() == nil {
		report.Status = OutcomeFailed
	}
	return err
}

func (c *Conductor) shutdown(ctx context.Context, r *run) error {
	d := &directive.CampaignShutdown{Header: directive.NewHeader(r.file.Key, "")}
	if err := c.publishAndAwait(ctx, r, d, "", r.participants()); err != nil {
		return fmt.Errorf("campaign shutdown: %w", err)
	}
	return nil
}

// abort interrupts the unfinished scenarios, then shuts the campaign down.
func (c *Conductor) abort(ctx context.Context, r *run) error {
	var names []campaign.ScenarioName
	for i := range r.report.Scenarios {
		s := &r.report.Scenarios[i]
		if s.Status == OutcomeSuccessful {
			continue
		}
		if s.Status == OutcomePending || s.Status == OutcomeRunning {
			s.Status = OutcomeAborted
		}
		names = append(names, s.Name)
	}
	abort := &directive.CampaignAbort{
		Header:        directive.NewHeader(r.file.Key, ""),
		ScenarioNames: names,
		Hard:          r.file.HardTimeout,
	}
	err := c.publishAndAwait(ctx, r, abort, "", r.participants())
	if err != nil {
		c.logger.Warn("campaign abort incomplete", zap.String("campaign", r.file.Key), zap.Error(err))
	}
	return errors.Join(err, c.shutdown(ctx, r))
}

func (c *Conductor) publishAndAwait(ctx context.Context, r *run, d directive.Directive, scenario campaign.ScenarioName, nodes []campaign.NodeID) error {
	if err := c.transport.PublishDirective(ctx, d); err != nil {
		return fmt.Errorf("failed to publish %s: %w", d.Kind(), err)
	}
	return c.await(ctx, r, d.Kind(), scenario, nodes)
}

func (c *Conductor) await(ctx context.Context, r *run, kind directive.Kind, scenario campaign.ScenarioName, nodes []campaign.NodeID) error {
	ctx, cancel := context.WithTimeout(ctx, c.phaseTimeout)
	defer cancel()
	_, err := r.agg.Await(ctx, kind, scenario, nodes)
	return err
}

func hasDAGUnderLoad(s *campaign.Scenario) bool {
	for _, dag := range s.DAGs {
		if dag.IsUnderLoad {
			return true
		}
	}
	return false
}
