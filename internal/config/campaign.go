package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/rampup"
)

// CampaignFile describes a campaign to run: its scenarios, the load of each
// of them and, optionally, which factory executes which DAGs.
//
// Example YAML:
//
//	campaign: checkout-nightly
//	speedFactor: 1
//	startOffset: 1s
//	timeout: 5m
//	factories:
//	  - node: factory-1
//	    assignments:
//	      - scenario: checkout
//	        dags: [browse, audit]
//	  - node: factory-2
//	    assignments:
//	      - scenario: checkout
//	        dags: [payment]
//	scenarios:
//	  - name: checkout
//	    minionsCount: 100
//	    executionProfile:
//	      kind: regular
//	      period: 500ms
//	      minionsPerLaunch: 10
//	    dags:
//	      - name: browse
//	        root: true
//	        underLoad: true
//	        successors: [payment]
//	      - name: payment
//	        underLoad: true
//	      - name: audit
//	        root: true
//	        singleton: true
type CampaignFile struct {
	Key         string          `json:"campaign" yaml:"campaign"`
	SpeedFactor float64         `json:"speedFactor,omitempty" yaml:"speedFactor,omitempty"`
	StartOffset rampup.Duration `json:"startOffset,omitempty" yaml:"startOffset,omitempty"`

	// Timeout bounds the whole campaign. Zero means no limit.
	Timeout     rampup.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	HardTimeout bool            `json:"hardTimeout,omitempty" yaml:"hardTimeout,omitempty"`

	// Factories may be omitted, in which case every factory executes every DAG.
	Factories []FactorySpec  `json:"factories,omitempty" yaml:"factories,omitempty"`
	Scenarios []ScenarioSpec `json:"scenarios" yaml:"scenarios"`
}

// FactorySpec lists the DAGs a factory executes.
type FactorySpec struct {
	Node        campaign.NodeID  `json:"node" yaml:"node"`
	Assignments []AssignmentSpec `json:"assignments" yaml:"assignments"`
}

// AssignmentSpec is the part of a scenario a factory executes.
type AssignmentSpec struct {
	Scenario        campaign.ScenarioName `json:"scenario" yaml:"scenario"`
	DAGs            []campaign.DAGName    `json:"dags" yaml:"dags"`
	MaxMinionsCount int                   `json:"maxMinionsCount,omitempty" yaml:"maxMinionsCount,omitempty"`
}

// ScenarioSpec is a scenario and the number of minions it runs with.
type ScenarioSpec struct {
	campaign.Scenario `yaml:",inline"`
	MinionsCount      int `json:"minionsCount,omitempty" yaml:"minionsCount,omitempty"`
}

// LoadCampaign reads, checks and validates a campaign file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadCampaign(path string) (*CampaignFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}
	return ParseCampaign(data, path)
}

// ParseCampaign checks the data against the campaign schema, then decodes and
// validates it. The format is taken from the extension of path and defaults
// to YAML.
func ParseCampaign(data []byte, path string) (*CampaignFile, error) {
	if err := CheckCampaignSchema(data); err != nil {
		return nil, err
	}

	var file CampaignFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON campaign: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML campaign: %w", err)
		}
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Registry returns the scenarios of the campaign.
func (f *CampaignFile) Registry() *campaign.MapRegistry {
	scenarios := make([]*campaign.Scenario, len(f.Scenarios))
	for i := range f.Scenarios {
		s := f.Scenarios[i].Scenario
		scenarios[i] = &s
	}
	return campaign.NewMapRegistry(scenarios...)
}

// ScenarioNames returns the names of the scenarios in file order.
func (f *CampaignFile) ScenarioNames() []campaign.ScenarioName {
	names := make([]campaign.ScenarioName, len(f.Scenarios))
	for i, s := range f.Scenarios {
		names[i] = s.Name
	}
	return names
}

// Configurations returns the load requested for each scenario.
func (f *CampaignFile) Configurations() map[campaign.ScenarioName]campaign.ScenarioConfiguration {
	out := make(map[campaign.ScenarioName]campaign.ScenarioConfiguration, len(f.Scenarios))
	for _, s := range f.Scenarios {
		out[s.Name] = campaign.ScenarioConfiguration{
			MinionsCount:     s.MinionsCount,
			ExecutionProfile: s.ExecutionProfile,
		}
	}
	return out
}

// Assignments returns the DAGs of each factory. When the file names no
// factory, each of the nodes executes every DAG of every scenario.
func (f *CampaignFile) Assignments(nodes ...campaign.NodeID) map[campaign.NodeID][]campaign.FactoryScenarioAssignment {
	out := make(map[campaign.NodeID][]campaign.FactoryScenarioAssignment)
	if len(f.Factories) > 0 {
		for _, factory := range f.Factories {
			for _, a := range factory.Assignments {
				out[factory.Node] = append(out[factory.Node], campaign.FactoryScenarioAssignment{
					ScenarioName:    a.Scenario,
					DAGs:            append([]campaign.DAGName(nil), a.DAGs...),
					MaxMinionsCount: a.MaxMinionsCount,
				})
			}
		}
		return out
	}

	for _, node := range nodes {
		for _, s := range f.Scenarios {
			dags := make([]campaign.DAGName, len(s.DAGs))
			for i, d := range s.DAGs {
				dags[i] = d.Name
			}
			out[node] = append(out[node], campaign.FactoryScenarioAssignment{ScenarioName: s.Name, DAGs: dags})
		}
	}
	return out
}

// Nodes returns the factories named by the file, in file order.
func (f *CampaignFile) Nodes() []campaign.NodeID {
	nodes := make([]campaign.NodeID, len(f.Factories))
	for i, factory := range f.Factories {
		nodes[i] = factory.Node
	}
	return nodes
}
