package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/config"
	"github.com/wesleyorama2/fleet/internal/rampup"
)

const checkoutYAML = `
campaign: checkout-nightly
speedFactor: 2
startOffset: 1s
timeout: 5m
factories:
  - node: factory-1
    assignments:
      - scenario: checkout
        dags: [browse, audit]
  - node: factory-2
    assignments:
      - scenario: checkout
        dags: [payment]
        maxMinionsCount: 50
scenarios:
  - name: checkout
    minionsCount: 100
    executionProfile:
      kind: regular
      period: 500ms
      minionsPerLaunch: 10
    dags:
      - name: browse
        root: true
        underLoad: true
        successors: [payment]
      - name: payment
        underLoad: true
      - name: audit
        root: true
        singleton: true
`

const checkoutJSON = `{
  "campaign": "checkout-nightly",
  "scenarios": [
    {
      "name": "checkout",
      "minionsCount": 3,
      "executionProfile": {"kind": "immediate"},
      "dags": [{"name": "browse", "root": true, "underLoad": true}]
    }
  ]
}`

func TestParseCampaign_YAML(t *testing.T) {
	file, err := config.ParseCampaign([]byte(checkoutYAML), "checkout.yaml")
	require.NoError(t, err)

	assert.Equal(t, "checkout-nightly", file.Key)
	assert.Equal(t, 2.0, file.SpeedFactor)
	assert.Equal(t, time.Second, file.StartOffset.Std())
	assert.Equal(t, 5*time.Minute, file.Timeout.Std())
	assert.Equal(t, []campaign.NodeID{"factory-1", "factory-2"}, file.Nodes())
	assert.Equal(t, []campaign.ScenarioName{"checkout"}, file.ScenarioNames())

	scenario, ok := file.Registry().Get("checkout")
	require.True(t, ok)
	require.Len(t, scenario.DAGs, 3)
	assert.Equal(t, []campaign.DAGName{"payment"}, scenario.DAGs[0].Successors)
	assert.True(t, scenario.DAGs[2].IsLonely())

	assert.Equal(t, campaign.ScenarioConfiguration{
		MinionsCount: 100,
		ExecutionProfile: rampup.Config{
			Kind:             rampup.KindRegular,
			Period:           rampup.Duration(500 * time.Millisecond),
			MinionsPerLaunch: 10,
		},
	}, file.Configurations()["checkout"])

	assert.Equal(t, map[campaign.NodeID][]campaign.FactoryScenarioAssignment{
		"factory-1": {{ScenarioName: "checkout", DAGs: []campaign.DAGName{"browse", "audit"}}},
		"factory-2": {{ScenarioName: "checkout", DAGs: []campaign.DAGName{"payment"}, MaxMinionsCount: 50}},
	}, file.Assignments())
}

func TestParseCampaign_JSON(t *testing.T) {
	file, err := config.ParseCampaign([]byte(checkoutJSON), "checkout.json")
	require.NoError(t, err)

	assert.Empty(t, file.Nodes())
	assert.Equal(t, map[campaign.NodeID][]campaign.FactoryScenarioAssignment{
		"f1": {{ScenarioName: "checkout", DAGs: []campaign.DAGName{"browse"}}},
		"f2": {{ScenarioName: "checkout", DAGs: []campaign.DAGName{"browse"}}},
	}, file.Assignments("f1", "f2"), "every factory executes every DAG by default")
}

func TestLoadCampaign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.yml")
	require.NoError(t, os.WriteFile(path, []byte(checkoutYAML), 0o600))

	file, err := config.LoadCampaign(path)
	require.NoError(t, err)
	assert.Equal(t, "checkout-nightly", file.Key)

	_, err = config.LoadCampaign(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read campaign file")
}

func TestCheckCampaignSchema(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{name: "missing key", doc: "scenarios: [{name: s, dags: [{name: d}]}]", field: ""},
		{name: "unknown property", doc: "campaign: c\nretries: 3\nscenarios: [{name: s, dags: [{name: d}]}]", field: ""},
		{name: "no scenario", doc: "campaign: c\nscenarios: []", field: "scenarios"},
		{name: "invalid duration", doc: "campaign: c\ntimeout: soon\nscenarios: [{name: s, dags: [{name: d}]}]", field: "timeout"},
		{name: "unknown profile", doc: "campaign: c\nscenarios: [{name: s, executionProfile: {kind: burst}, dags: [{name: d}]}]", field: "scenarios.0.executionProfile.kind"},
		{name: "unknown profile property", doc: "campaign: c\nscenarios: [{name: s, executionProfile: {kind: stage, completion: hard, stages: [{minionsCount: 1, rampUp: 1s, total: 1s}]}, dags: [{name: d}]}]", field: "scenarios.0.executionProfile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := config.CheckCampaignSchema([]byte(tt.doc))

			var errs *config.ValidationErrors
			require.True(t, errors.As(err, &errs), "got %v", err)
			require.NotEmpty(t, errs.Errors)
			assert.Equal(t, tt.field, errs.Errors[0].Field)
		})
	}

	assert.NoError(t, config.CheckCampaignSchema([]byte(checkoutYAML)))
	assert.NoError(t, config.CheckCampaignSchema([]byte(checkoutJSON)))
}

func TestCampaignFile_Validate(t *testing.T) {
	valid := func() *config.CampaignFile {
		file, err := config.ParseCampaign([]byte(checkoutYAML), "checkout.yaml")
		require.NoError(t, err)
		return file
	}

	tests := []struct {
		name   string
		mutate func(f *config.CampaignFile)
		want   []string
	}{
		{
			name:   "valid",
			mutate: func(*config.CampaignFile) {},
		},
		{
			name: "unknown successor",
			mutate: func(f *config.CampaignFile) {
				f.Scenarios[0].DAGs[0].Successors = []campaign.DAGName{"refund"}
			},
			want: []string{"scenarios[0].dags[0].successors", "scenarios[0].dags[1]"},
		},
		{
			name: "unreachable DAG under load",
			mutate: func(f *config.CampaignFile) {
				f.Scenarios[0].DAGs[0].Successors = nil
			},
			want: []string{"scenarios[0].dags[1]"},
		},
		{
			name: "no root",
			mutate: func(f *config.CampaignFile) {
				f.Scenarios[0].DAGs = f.Scenarios[0].DAGs[1:2]
				f.Factories = nil
			},
			want: []string{"scenarios[0].dags", "scenarios[0].dags[0]"},
		},
		{
			name: "no minion for the load",
			mutate: func(f *config.CampaignFile) {
				f.Scenarios[0].MinionsCount = 0
			},
			want: []string{"scenarios[0].minionsCount"},
		},
		{
			name: "invalid profile",
			mutate: func(f *config.CampaignFile) {
				f.Scenarios[0].ExecutionProfile.MinionsPerLaunch = 0
			},
			want: []string{"scenarios[0].executionProfile.minionsPerLaunch"},
		},
		{
			name: "DAG without factory",
			mutate: func(f *config.CampaignFile) {
				f.Factories = f.Factories[:1]
			},
			want: []string{"scenarios[0].dags"},
		},
		{
			name: "unknown scenario and duplicate node",
			mutate: func(f *config.CampaignFile) {
				f.Factories[1].Node = "factory-1"
				f.Factories[1].Assignments[0].Scenario = "search"
			},
			want: []string{"factories[1].node", "factories[1].assignments[0].scenario", "scenarios[0].dags"},
		},
		{
			name: "duplicate scenario",
			mutate: func(f *config.CampaignFile) {
				f.Scenarios = append(f.Scenarios, f.Scenarios[0])
			},
			want: []string{"scenarios[1].name"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := valid()
			tt.mutate(file)

			err := file.Validate()
			if len(tt.want) == 0 {
				assert.NoError(t, err)
				return
			}
			var errs *config.ValidationErrors
			require.True(t, errors.As(err, &errs), "got %v", err)
			fields := make([]string, len(errs.Errors))
			for i, e := range errs.Errors {
				fields[i] = e.Field
			}
			assert.Equal(t, tt.want, fields)
		})
	}
}

func TestLoadFactoryConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := config.LoadFactoryConfig("", "factory-1")
		require.NoError(t, err)

		assert.Equal(t, "factory-1", cfg.NodeID)
		assert.Equal(t, "unicast-factory-1", cfg.Channels.Unicast)
		assert.Equal(t, 400, cfg.WindowSize)
		assert.Equal(t, time.Second, cfg.GracefulTimeouts().Minion)
		assert.Equal(t, 10*time.Second, cfg.GracefulTimeouts().Scenario)
		assert.Equal(t, time.Minute, cfg.GracefulTimeouts().Campaign)
	})

	t.Run("file then environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "factory.yaml")
		doc := "nodeId: factory-7\nwindowSize: 100\ngraceful:\n  minion: 2s\n  scenario: 20s\n  campaign: 2m\nlog:\n  level: debug\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
		t.Setenv("FLEET_WINDOW_SIZE", "250")
		t.Setenv("FLEET_CHANNEL_UNICAST", "factory-7-inbox")

		cfg, err := config.LoadFactoryConfig(path, "ignored")
		require.NoError(t, err)

		assert.Equal(t, "factory-7", cfg.NodeID)
		assert.Equal(t, 250, cfg.WindowSize)
		assert.Equal(t, "factory-7-inbox", cfg.Channels.Unicast)
		assert.Equal(t, 2*time.Second, cfg.Graceful.Minion)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("FLEET_WINDOW_SIZE", "0")
		t.Setenv("FLEET_GRACEFUL_SCENARIO", "10ms")

		_, err := config.LoadFactoryConfig("", "factory-1")
		var errs *config.ValidationErrors
		require.True(t, errors.As(err, &errs), "got %v", err)
		assert.Len(t, errs.Errors, 2)
	})

	t.Run("malformed environment", func(t *testing.T) {
		t.Setenv("FLEET_WINDOW_SIZE", "many")

		_, err := config.LoadFactoryConfig("", "factory-1")
		assert.ErrorContains(t, err, "parse env")
	})
}
