package head_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/head"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func feedback(kind directive.Kind, node string, status directive.Status) directive.Feedback {
	return directive.Feedback{
		Kind:         kind,
		CampaignKey:  "c1",
		ScenarioName: "checkout",
		NodeID:       node,
		Status:       status,
	}
}

func TestAggregator_Await(t *testing.T) {
	agg := head.NewAggregator("c1")
	nodes := []string{"f1", "f2"}

	done := make(chan map[string]directive.Feedback, 1)
	go func() {
		got, err := agg.Await(context.Background(), directive.KindMinionsAssignment, "checkout", nodes)
		assert.NoError(t, err)
		done <- got
	}()

	assert.True(t, agg.Record(feedback(directive.KindMinionsAssignment, "f1", directive.StatusCompleted)))
	assert.True(t, agg.Record(feedback(directive.KindMinionsAssignment, "f2", directive.StatusInProgress)))
	assert.False(t, agg.Record(directive.Feedback{Kind: directive.KindMinionsAssignment, CampaignKey: "c2", NodeID: "f2"}))

	select {
	case <-done:
		t.Fatal("an IN_PROGRESS feedback must not end the wait")
	case <-time.After(20 * time.Millisecond):
	}

	agg.Record(feedback(directive.KindMinionsAssignment, "f2", directive.StatusIgnored))
	select {
	case got := <-done:
		assert.Equal(t, directive.StatusCompleted, got["f1"].Status)
		assert.Equal(t, directive.StatusIgnored, got["f2"].Status)
	case <-time.After(time.Second):
		t.Fatal("wait not released")
	}

	assert.Len(t, agg.History(), 3)
}

func TestAggregator_AwaitFailure(t *testing.T) {
	agg := head.NewAggregator("c1")
	f := feedback(directive.KindMinionsRampUpPreparation, "f1", directive.StatusFailed)
	f.Error = "period must be positive"
	agg.Record(f)

	_, err := agg.Await(context.Background(), directive.KindMinionsRampUpPreparation, "checkout", []string{"f1"})

	var phase *head.PhaseError
	require.True(t, errors.As(err, &phase), "got %v", err)
	assert.Equal(t, "f1", phase.Node)
	assert.Equal(t, directive.KindMinionsRampUpPreparation, phase.Kind)
	assert.EqualError(t, err, "minions-ramp-up-preparation of scenario checkout failed on f1: period must be positive")
}

func TestAggregator_AwaitTimeout(t *testing.T) {
	agg := head.NewAggregator("c1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := agg.Await(ctx, directive.KindScenarioWarmUp, "checkout", []string{"f1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = agg.AwaitAny(ctx, directive.KindEndOfCampaignScenario, "checkout")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAggregator_AwaitAny(t *testing.T) {
	agg := head.NewAggregator("c1")
	go agg.Record(feedback(directive.KindEndOfCampaignScenario, "f2", directive.StatusCompleted))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := agg.AwaitAny(ctx, directive.KindEndOfCampaignScenario, "checkout")
	require.NoError(t, err)
	assert.Equal(t, "f2", got.NodeID)
}
