package campaign

import (
	"sort"
	"sync"

	"github.com/wesleyorama2/fleet/internal/rampup"
)

// DAG is a named, independently schedulable partition of a scenario.
type DAG struct {
	Name     DAGName  `json:"name" yaml:"name"`
	RootStep StepName `json:"rootStep,omitempty" yaml:"rootStep,omitempty"`

	// IsRoot marks the DAGs a minion starts with.
	IsRoot      bool `json:"root,omitempty" yaml:"root,omitempty"`
	IsSingleton bool `json:"singleton,omitempty" yaml:"singleton,omitempty"`
	IsUnderLoad bool `json:"underLoad,omitempty" yaml:"underLoad,omitempty"`

	// Successors are executed by the same minion once this DAG completes.
	Successors []DAGName `json:"successors,omitempty" yaml:"successors,omitempty"`
}

// IsLonely reports whether the DAG runs with a dedicated minion instead of
// the scenario's shared pool.
func (d DAG) IsLonely() bool {
	return d.IsSingleton || !d.IsUnderLoad
}

// Scenario is the read-only description of a scenario known by a factory.
type Scenario struct {
	Name               ScenarioName  `json:"name" yaml:"name"`
	DAGs               []DAG         `json:"dags" yaml:"dags"`
	DefaultRetryPolicy string        `json:"defaultRetryPolicy,omitempty" yaml:"defaultRetryPolicy,omitempty"`
	ExecutionProfile   rampup.Config `json:"executionProfile,omitempty" yaml:"executionProfile,omitempty"`
}

// DAG returns the DAG with the given name.
func (s *Scenario) DAG(name DAGName) (DAG, bool) {
	for _, d := range s.DAGs {
		if d.Name == name {
			return d, true
		}
	}
	return DAG{}, false
}

// ScenarioRegistry gives access to the scenarios a factory can execute.
type ScenarioRegistry interface {
	Get(name ScenarioName) (*Scenario, bool)
	Contains(name ScenarioName) bool
	All() []*Scenario
}

// MapRegistry is a ScenarioRegistry backed by a map.
type MapRegistry struct {
	mu        sync.RWMutex
	scenarios map[ScenarioName]*Scenario
}

// NewMapRegistry creates a registry holding the given scenarios.
func NewMapRegistry(scenarios ...*Scenario) *MapRegistry {
	r := &MapRegistry{scenarios: make(map[ScenarioName]*Scenario, len(scenarios))}
	for _, s := range scenarios {
		r.scenarios[s.Name] = s
	}
	return r
}

// Add registers or replaces a scenario.
func (r *MapRegistry) Add(s *Scenario) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenarios[s.Name] = s
}

func (r *MapRegistry) Get(name ScenarioName) (*Scenario, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scenarios[name]
	return s, ok
}

func (r *MapRegistry) Contains(name ScenarioName) bool {
	_, ok := r.Get(name)
	return ok
}

// All returns the scenarios sorted by name.
func (r *MapRegistry) All() []*Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Scenario, 0, len(r.scenarios))
	for _, s := range r.scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ ScenarioRegistry = (*MapRegistry)(nil)
