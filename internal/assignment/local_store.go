// Package assignment keeps track of which minions execute which DAGs on which
// factories.
package assignment

import (
	"sync"

	"github.com/wesleyorama2/fleet/internal/campaign"
)

// LocalAssignmentStore is the view of a factory on the minions and DAGs it
// executes in the running campaign. Unknown entries are never local.
type LocalAssignmentStore struct {
	scenarios campaign.ScenarioRegistry

	mu          sync.RWMutex
	assignments map[campaign.ScenarioName]map[campaign.MinionID][]campaign.DAGName
}

// NewLocalAssignmentStore creates an empty store. The scenario registry tells
// which DAGs are roots under load.
func NewLocalAssignmentStore(scenarios campaign.ScenarioRegistry) *LocalAssignmentStore {
	return &LocalAssignmentStore{
		scenarios:   scenarios,
		assignments: make(map[campaign.ScenarioName]map[campaign.MinionID][]campaign.DAGName),
	}
}

// Save adds the assignments of minions of the scenario to the store.
func (s *LocalAssignmentStore) Save(scenario campaign.ScenarioName, assignments map[campaign.MinionID][]campaign.DAGName) {
	if len(assignments) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	minions, ok := s.assignments[scenario]
	if !ok {
		minions = make(map[campaign.MinionID][]campaign.DAGName, len(assignments))
		s.assignments[scenario] = minions
	}
	for minion, dags := range assignments {
		minions[minion] = mergeDAGs(minions[minion], dags)
	}
}

func mergeDAGs(existing, added []campaign.DAGName) []campaign.DAGName {
	out := append([]campaign.DAGName(nil), existing...)
	for _, dag := range added {
		if !containsDAG(out, dag) {
			out = append(out, dag)
		}
	}
	return out
}

func containsDAG(dags []campaign.DAGName, dag campaign.DAGName) bool {
	for _, d := range dags {
		if d == dag {
			return true
		}
	}
	return false
}

// Reset forgets every assignment.
func (s *LocalAssignmentStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = make(map[campaign.ScenarioName]map[campaign.MinionID][]campaign.DAGName)
}

// HasMinionsAssigned reports whether at least one minion of the scenario runs locally.
func (s *LocalAssignmentStore) HasMinionsAssigned(scenario campaign.ScenarioName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assignments[scenario]) > 0
}

// IsLocal reports whether the DAG of the minion runs locally.
func (s *LocalAssignmentStore) IsLocal(scenario campaign.ScenarioName, minion campaign.MinionID, dag campaign.DAGName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return containsDAG(s.assignments[scenario][minion], dag)
}

// HasRootUnderLoadLocally reports whether the minion starts locally, meaning
// one of its local DAGs is a root under load.
func (s *LocalAssignmentStore) HasRootUnderLoadLocally(scenario campaign.ScenarioName, minion campaign.MinionID) bool {
	s.mu.RLock()
	dags := s.assignments[scenario][minion]
	s.mu.RUnlock()
	if len(dags) == 0 {
		return false
	}

	sc, ok := s.scenarios.Get(scenario)
	if !ok {
		return false
	}
	for _, name := range dags {
		if dag, ok := sc.DAG(name); ok && dag.IsRoot && dag.IsUnderLoad {
			return true
		}
	}
	return false
}

// Assignments returns a copy of the local assignments of the scenario.
func (s *LocalAssignmentStore) Assignments(scenario campaign.ScenarioName) map[campaign.MinionID][]campaign.DAGName {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[campaign.MinionID][]campaign.DAGName, len(s.assignments[scenario]))
	for minion, dags := range s.assignments[scenario] {
		out[minion] = append([]campaign.DAGName(nil), dags...)
	}
	return out
}
