package directive_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/rampup"
)

func TestCodec_AllKinds(t *testing.T) {
	header := directive.NewHeader("c1", "factory-1")
	scope := directive.Scope{ScenarioName: "checkout"}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	directives := []directive.Directive{
		&directive.FactoryAssignment{
			Header:      header,
			SpeedFactor: 2,
			StartOffset: time.Second,
			Assignments: map[campaign.NodeID][]campaign.FactoryScenarioAssignment{
				"factory-1": {{ScenarioName: "checkout", DAGs: []campaign.DAGName{"root"}}},
			},
		},
		&directive.MinionsDeclaration{Header: header, Scope: scope, MinionsCount: 100},
		&directive.MinionsAssignment{Header: header, Scope: scope},
		&directive.MinionsRampUpPreparation{Header: header, Scope: scope, ExecutionProfile: rampup.Config{Kind: rampup.KindImmediate}},
		&directive.ScenarioWarmUp{Header: header, Scope: scope},
		&directive.MinionsStart{Header: header, Scope: scope, StartDefinitions: []campaign.MinionStartDefinition{{MinionID: "m1", Timestamp: now}}},
		&directive.MinionsShutdown{Header: header, Scope: scope, MinionIDs: []campaign.MinionID{"m1", "m2"}},
		&directive.CampaignScenarioShutdown{Header: header, Scope: scope},
		&directive.CampaignShutdown{Header: header},
		&directive.CampaignAbort{Header: header, ScenarioNames: []campaign.ScenarioName{"checkout"}, Hard: true},
		&directive.TransportableStepContext{Header: header, Scope: scope, MinionID: "m1", DAG: "payment", Payload: []byte(`{"total":12}`)},
		&directive.TransportableCompletionContext{Header: header, Scope: scope, MinionID: "m1", LastDAG: "payment"},
	}
	require.Len(t, directives, len(directive.Kinds()))

	for _, d := range directives {
		t.Run(string(d.Kind()), func(t *testing.T) {
			b, err := directive.Encode(d)
			require.NoError(t, err)

			decoded, err := directive.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, d, decoded)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", `{"kind":`, directive.ErrMalformed},
		{"missing kind", `{"payload":{}}`, directive.ErrMalformed},
		{"unknown kind", `{"kind":"teleport","payload":{}}`, directive.ErrUnknownKind},
		{"missing payload", `{"kind":"campaign-shutdown"}`, directive.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := directive.Decode([]byte(tt.input))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestFeedbackFor(t *testing.T) {
	d := &directive.MinionsShutdown{
		Header:    directive.Header{Key: "k1", CampaignKey: "c1"},
		Scope:     directive.Scope{ScenarioName: "checkout"},
		MinionIDs: []campaign.MinionID{"m1", "m2", "m3"},
	}

	f := directive.FeedbackFor(d, directive.StatusInProgress).WithMinions([]campaign.MinionID{"m1", "m2"})
	assert.Equal(t, directive.KindMinionsShutdown, f.Kind)
	assert.Equal(t, "k1", f.DirectiveKey)
	assert.Equal(t, "c1", f.CampaignKey)
	assert.Equal(t, "checkout", f.ScenarioName)
	assert.Equal(t, []campaign.MinionID{"m1", "m2"}, f.MinionIDs)
	assert.False(t, f.Status.IsTerminal())

	failed := f.Failed(errors.New("boom"))
	assert.Equal(t, directive.StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)
	assert.True(t, failed.Status.IsTerminal())

	b, err := directive.EncodeFeedback(failed)
	require.NoError(t, err)
	decoded, err := directive.DecodeFeedback(b)
	require.NoError(t, err)
	assert.Equal(t, failed, decoded)
}

func TestFactoryAssignment_CampaignFor(t *testing.T) {
	d := &directive.FactoryAssignment{
		Header:      directive.Header{Key: "k", CampaignKey: "c1"},
		SpeedFactor: 1.5,
		Assignments: map[campaign.NodeID][]campaign.FactoryScenarioAssignment{
			"factory-1": {{ScenarioName: "checkout", DAGs: []campaign.DAGName{"root", "payment"}}},
			"factory-2": {{ScenarioName: "checkout", DAGs: []campaign.DAGName{"audit"}}},
		},
	}

	c := d.CampaignFor("factory-2")
	assert.Equal(t, "c1", c.Key)
	assert.Equal(t, 1.5, c.SpeedFactor)
	assert.Equal(t, []campaign.ScenarioName{"checkout"}, c.ScenarioNames())

	c.Assignments[0].DAGs[0] = "changed"
	assert.Equal(t, "audit", d.Assignments["factory-2"][0].DAGs[0])

	assert.Empty(t, d.CampaignFor("factory-3").Assignments)
}
