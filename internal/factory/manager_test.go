package factory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/fleet/internal/assignment"
	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/channel"
	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/factory"
	"github.com/wesleyorama2/fleet/internal/rampup"
)

func TestCampaignManager_Init(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, assignment.NewRegistry(), "f1", &recordingChannel{})

	c := checkoutCampaign()
	c.Assignments = append(c.Assignments, campaign.FactoryScenarioAssignment{ScenarioName: "search", DAGs: []campaign.DAGName{"query"}})
	require.NoError(t, f.manager.Init(ctx, c))

	assert.True(t, f.manager.IsLocallyExecuted("c1"))
	assert.False(t, f.manager.IsLocallyExecuted("c2"))
	assert.True(t, f.manager.IsScenarioLocallyExecuted("c1", "checkout"))
	assert.False(t, f.manager.IsScenarioLocallyExecuted("c1", "search"))

	running := f.manager.RunningCampaign()
	require.NotNil(t, running)
	assert.Len(t, running.Assignments, 1)
	assert.Len(t, c.Assignments, 2, "the directive campaign is left untouched")
	assert.Equal(t, campaign.StateRequested, f.manager.ScenarioState("checkout"))

	// Replay.
	require.NoError(t, f.manager.Init(ctx, c))
	assert.Equal(t, running, f.manager.RunningCampaign())

	require.NoError(t, f.manager.Close(ctx, c))
	assert.Nil(t, f.manager.RunningCampaign())
	assert.False(t, f.manager.IsLocallyExecuted("c1"))
}

func TestCampaignManager_InitRejectsAnotherCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, assignment.NewRegistry(), "f1", &recordingChannel{})

	c1 := checkoutCampaign()
	require.NoError(t, f.manager.Init(ctx, c1))

	c2 := checkoutCampaign()
	c2.Key = "c2"
	err := f.manager.Init(ctx, c2)
	assert.ErrorIs(t, err, factory.ErrCampaignRunning)
	assert.Equal(t, "c1", f.manager.RunningCampaign().Key)
	assert.False(t, f.manager.IsLocallyExecuted("c2"))

	require.NoError(t, f.manager.Close(ctx, c1))
	require.NoError(t, f.manager.Init(ctx, c2))
	assert.True(t, f.manager.IsLocallyExecuted("c2"))
}

func TestCampaignManager_InitWithoutKnownScenario(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, assignment.NewRegistry(), "f1", &recordingChannel{})

	c := checkoutCampaign()
	c.Assignments = []campaign.FactoryScenarioAssignment{{ScenarioName: "search"}}
	require.NoError(t, f.manager.Init(ctx, c))

	assert.Nil(t, f.manager.RunningCampaign())
	assert.False(t, f.manager.IsLocallyExecuted("c1"))

	_, err := f.manager.PrepareMinionsExecutionProfile(ctx, "c1", "checkout", rampup.Config{Kind: rampup.KindImmediate})
	assert.ErrorIs(t, err, factory.ErrNoRunningCampaign)
}

func TestCampaignManager_PrepareMinionsExecutionProfile(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFactory(t, assignment.NewRegistry(), "f1", &recordingChannel{},
		factory.WithClock(func() time.Time { return now }))

	c := checkoutCampaign()
	c.SpeedFactor = 2
	c.StartOffset = time.Second
	require.NoError(t, f.manager.Init(ctx, c))
	require.NoError(t, f.assignments.AssignFactoryDags(ctx, c.Key, c.Assignments))
	pool := declare(t, f.assignments, 7)

	cfg := rampup.Config{Kind: rampup.KindRegular, Period: rampup.Duration(100 * time.Millisecond), MinionsPerLaunch: 3}
	definitions, err := f.manager.PrepareMinionsExecutionProfile(ctx, "c1", "checkout", cfg)
	require.NoError(t, err)
	require.Len(t, definitions, 7)

	wantOffsets := []time.Duration{1050, 1050, 1050, 1100, 1100, 1100, 1150}
	for i, def := range definitions {
		assert.Equal(t, pool[i], def.MinionID)
		assert.Equal(t, now.Add(wantOffsets[i]*time.Millisecond), def.Timestamp, "definition %d", i)
	}

	_, err = f.manager.PrepareMinionsExecutionProfile(ctx, "c1", "checkout", rampup.Config{Kind: rampup.KindRegular})
	var validationErr *rampup.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestCampaignManager_Advance(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, assignment.NewRegistry(), "f1", &recordingChannel{})
	require.NoError(t, f.manager.Init(ctx, checkoutCampaign()))

	require.NoError(t, f.manager.AdvanceCampaign("c1", campaign.StateAssigned))
	require.NoError(t, f.manager.Advance("c1", "checkout", campaign.StateDeclared))
	require.NoError(t, f.manager.Advance("c1", "checkout", campaign.StateDeclared), "replays are accepted")
	require.NoError(t, f.manager.Advance("c1", "checkout", campaign.StateWarm))

	err := f.manager.Advance("c1", "checkout", campaign.StateDeclared)
	assert.ErrorIs(t, err, factory.ErrInvalidTransition)

	require.NoError(t, f.manager.Advance("c1", "checkout", campaign.StateAborting))
	require.NoError(t, f.manager.Advance("c1", "checkout", campaign.StateTerminated))
	assert.Equal(t, campaign.StateTerminated, f.manager.ScenarioState("checkout"))

	assert.ErrorIs(t, f.manager.Advance("c2", "checkout", campaign.StateAssigned), factory.ErrNoRunningCampaign)
}

func TestCampaignManager_RunsScenarioToCompletion(t *testing.T) {
	ctx := context.Background()
	ch := &recordingChannel{}
	f := newFactory(t, assignment.NewRegistry(), "f1", ch)

	c := checkoutCampaign()
	require.NoError(t, f.manager.Init(ctx, c))
	require.NoError(t, f.assignments.AssignFactoryDags(ctx, c.Key, c.Assignments))
	declare(t, f.assignments, 10)
	assert.Len(t, f.materialize(t), 11)

	definitions, err := f.manager.PrepareMinionsExecutionProfile(ctx, "c1", "checkout", rampup.Config{Kind: rampup.KindImmediate})
	require.NoError(t, err)
	definitions, err = f.assignments.Schedule(ctx, "c1", "checkout", definitions)
	require.NoError(t, err)
	require.Len(t, definitions, 10)
	for _, def := range definitions {
		require.NoError(t, f.minions.ScheduleMinionStart(ctx, def.Timestamp, []campaign.MinionID{def.MinionID}))
	}

	// Starts are held until the scenario is warm.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.runner.Executed())

	require.NoError(t, f.manager.WarmUpCampaignScenario(ctx, "c1", "checkout"))

	require.Eventually(t, func() bool {
		return len(ch.feedbacksOf(directive.KindEndOfCampaignScenario)) == 1 && f.runner.Executed() == 21
	}, 2*time.Second, 5*time.Millisecond)

	end := ch.feedbacksOf(directive.KindEndOfCampaignScenario)[0]
	assert.Equal(t, "checkout", end.ScenarioName)
	assert.Equal(t, directive.StatusCompleted, end.Status)

	// payment and audit have no successor.
	require.Eventually(t, func() bool {
		return len(ch.directivesOf(directive.KindTransportableCompletionContext)) == 11
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, ch.directivesOf(directive.KindTransportableStepContext), "every DAG is local")

	snapshot := f.recorder.Snapshot()
	assert.Equal(t, int64(11), snapshot.MinionsStarted)

	require.NoError(t, f.manager.ShutdownCampaign(ctx, "c1"))
	require.NoError(t, f.manager.Close(ctx, c))
	assert.False(t, f.minions.Contains(definitions[0].MinionID))
}

func TestCampaignManager_HandsOverToRemoteFactory(t *testing.T) {
	ctx := context.Background()
	bus := channel.NewBus(channel.WithWireEncoding())
	registry := assignment.NewRegistry()

	ep1 := bus.Endpoint("f1", "unicast-f1")
	ep2 := bus.Endpoint("f2", "unicast-f2")
	f1 := newFactory(t, registry, "f1", ep1)
	f2 := newFactory(t, registry, "f2", ep2)

	feedbacks := &recordingChannel{}
	require.NoError(t, bus.SubscribeFeedbacks(func(ctx context.Context, f directive.Feedback) {
		_ = feedbacks.PublishFeedback(ctx, f)
	}))
	for _, f := range []*testFactory{f1, f2} {
		require.NoError(t, listenContexts(bus, f))
	}

	c1 := checkoutCampaign("root", "audit")
	c2 := checkoutCampaign("payment")
	for _, pair := range []struct {
		f *testFactory
		c *campaign.Campaign
	}{{f1, c1}, {f2, c2}} {
		require.NoError(t, pair.f.manager.Init(ctx, pair.c))
		require.NoError(t, pair.f.assignments.AssignFactoryDags(ctx, "c1", pair.c.Assignments))
	}
	pool := declare(t, f1.assignments, 3)
	assert.Len(t, f1.materialize(t), 4)
	assert.Len(t, f2.materialize(t), 3)

	for _, f := range []*testFactory{f1, f2} {
		require.NoError(t, f.manager.WarmUpCampaignScenario(ctx, "c1", "checkout"))
	}
	require.NoError(t, f1.minions.ScheduleMinionStart(ctx, time.Now(), pool))

	require.Eventually(t, func() bool {
		return len(feedbacks.feedbacksOf(directive.KindEndOfCampaignScenario)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	end := feedbacks.feedbacksOf(directive.KindEndOfCampaignScenario)[0]
	assert.Equal(t, "f2", end.NodeID, "the factory executing the last DAG reports the end")

	require.Eventually(t, func() bool {
		return f1.runner.Completed() == int64(len(pool))
	}, time.Second, 5*time.Millisecond)
	m, ok := f1.minions.Get(pool[0])
	require.True(t, ok)
	last, _ := m.GetData("lastCompletedDag")
	assert.Equal(t, "payment", last)
	assert.Equal(t, int64(3), f2.runner.Executed())

	for _, f := range []*testFactory{f1, f2} {
		require.NoError(t, f.manager.ShutdownCampaign(ctx, "c1"))
	}
	require.NoError(t, bus.Close(time.Second))
}

// listenContexts plays the part of the context listener.
func listenContexts(bus *channel.Bus, f *testFactory) error {
	return bus.Endpoint(f.node, "unicast-"+f.node).Listen(func(ctx context.Context, d directive.Directive) {
		switch d := d.(type) {
		case *directive.TransportableStepContext:
			_ = f.minions.RunStep(ctx, d.MinionID, d.DAG, d.Payload)
		case *directive.TransportableCompletionContext:
			err := f.minions.Complete(ctx, d.MinionID, d.LastDAG, d.Payload)
			if err != nil && !errors.Is(err, factory.ErrUnknownMinion) {
				panic(err)
			}
		}
	})
}

func TestCampaignManager_ShutdownMinions(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, assignment.NewRegistry(), "f1", &recordingChannel{},
		factory.WithGracefulTimeouts(factory.GracefulTimeouts{Minion: 50 * time.Millisecond, Scenario: time.Second, Campaign: time.Second}))

	c := checkoutCampaign()
	require.NoError(t, f.manager.Init(ctx, c))
	require.NoError(t, f.assignments.AssignFactoryDags(ctx, c.Key, c.Assignments))
	pool := declare(t, f.assignments, 3)
	f.materialize(t)

	err := f.manager.ShutdownMinions(ctx, "c1", []campaign.MinionID{pool[0], pool[1], "unknown"})
	require.NoError(t, err)
	assert.False(t, f.minions.Contains(pool[0]))
	assert.False(t, f.minions.Contains(pool[1]))
	assert.True(t, f.minions.Contains(pool[2]))

	require.NoError(t, f.manager.ShutdownScenario(ctx, "c1", "checkout", factory.ShutdownInterrupt))
	assert.Empty(t, f.minions.Minions("checkout"))

	assert.ErrorIs(t, f.manager.ShutdownScenario(ctx, "c2", "checkout", factory.ShutdownInterrupt), factory.ErrNoRunningCampaign)
}

func TestCampaignManager_ShutdownScenarioModes(t *testing.T) {
	tests := []struct {
		name     string
		mode     factory.ShutdownMode
		graceful time.Duration
		executed int64
		wantErr  string
	}{
		{name: "drain lets the executions finish", mode: factory.ShutdownDrain, graceful: 2 * time.Second, executed: 2},
		{name: "interrupt cancels the executions", mode: factory.ShutdownInterrupt, graceful: 2 * time.Second, executed: 0},
		{name: "drain cancels when the timeout expires", mode: factory.ShutdownDrain, graceful: 20 * time.Millisecond, executed: 0,
			wantErr: "did not stop in time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFactoryWithDelay(t, assignment.NewRegistry(), "f1", &recordingChannel{}, 200*time.Millisecond,
				factory.WithGracefulTimeouts(factory.GracefulTimeouts{Minion: time.Second, Scenario: tt.graceful, Campaign: 2 * time.Second}))

			c := checkoutCampaign()
			require.NoError(t, f.manager.Init(ctx, c))
			require.NoError(t, f.assignments.AssignFactoryDags(ctx, c.Key, c.Assignments))
			pool := declare(t, f.assignments, 1)
			f.materialize(t)
			require.NoError(t, f.manager.WarmUpCampaignScenario(ctx, "c1", "checkout"))
			require.NoError(t, f.minions.ScheduleMinionStart(ctx, time.Now(), pool))

			m, ok := f.minions.Get(pool[0])
			require.True(t, ok)
			require.Eventually(t, func() bool { return m.Executions() == 1 }, time.Second, time.Millisecond)

			err := f.manager.ShutdownScenario(ctx, "c1", "checkout", tt.mode)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			// Root of the pool minion and the lonely audit minion.
			assert.Equal(t, tt.executed, f.runner.Executed())
			assert.True(t, m.WaitForStop(ctx))
			assert.Equal(t, factory.MinionStopped, m.State())
		})
	}
}

type scenarioHook struct {
	started, stopped []campaign.ScenarioName
	startErr         error
}

func (h *scenarioHook) Start(_ context.Context, _ campaign.CampaignKey, s campaign.ScenarioName) error {
	h.started = append(h.started, s)
	return h.startErr
}

func (h *scenarioHook) Stop(_ context.Context, _ campaign.CampaignKey, s campaign.ScenarioName) error {
	h.stopped = append(h.stopped, s)
	return nil
}

func TestCampaignManager_ScenarioHooks(t *testing.T) {
	ctx := context.Background()
	hook := &scenarioHook{}
	f := newFactory(t, assignment.NewRegistry(), "f1", &recordingChannel{}, factory.WithScenarioHooks(hook))

	c := checkoutCampaign()
	require.NoError(t, f.manager.Init(ctx, c))
	require.NoError(t, f.manager.WarmUpCampaignScenario(ctx, "c1", "checkout"))
	assert.Equal(t, []campaign.ScenarioName{"checkout"}, hook.started)

	require.NoError(t, f.manager.ShutdownScenario(ctx, "c1", "checkout", factory.ShutdownInterrupt))
	require.NoError(t, f.manager.ShutdownCampaign(ctx, "c1"))
	assert.Equal(t, []campaign.ScenarioName{"checkout"}, hook.stopped, "components are stopped once")

	hook.startErr = errors.New("boom")
	err := f.manager.WarmUpCampaignScenario(ctx, "c1", "checkout")
	assert.ErrorContains(t, err, "boom")

	assert.ErrorIs(t, f.manager.WarmUpCampaignScenario(ctx, "c1", "search"), factory.ErrUnknownScenario)
}
