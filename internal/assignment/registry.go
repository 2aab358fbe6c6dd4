package assignment

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wesleyorama2/fleet/internal/campaign"
)

var (
	// ErrRegistrationClosed is returned when registering minions of a scenario
	// whose registration was completed.
	ErrRegistrationClosed = errors.New("assignment: registration closed")

	// ErrRegistrationCompleted is returned when completing a registration twice.
	ErrRegistrationCompleted = errors.New("assignment: registration already completed")

	// ErrRegistrationOpen is returned when assigning minions of a scenario whose
	// registration is not completed yet.
	ErrRegistrationOpen = errors.New("assignment: registration not completed")

	// ErrUnknownMinion is returned for minions that were never registered.
	ErrUnknownMinion = errors.New("assignment: unknown minion")
)

// CompletionState tells what a completed execution ended.
type CompletionState struct {
	// Minion is true when the minion completed every DAG.
	Minion bool

	// Scenario is true when every minion under load of the scenario completed.
	Scenario bool

	// Campaign is true when every scenario of the campaign completed.
	Campaign bool
}

type owner struct {
	node    campaign.NodeID
	channel string
}

type pendingMinion struct {
	id        campaign.MinionID
	dags      []campaign.DAGName
	underLoad bool
}

type registeredMinion struct {
	dags      []campaign.DAGName
	underLoad bool
	owners    map[campaign.DAGName]owner
	remaining map[campaign.DAGName]struct{}
}

// shard holds the bookkeeping of one scenario of one campaign.
type shard struct {
	mu        sync.Mutex
	completed bool

	// unassigned keeps the registration order.
	unassigned []*pendingMinion
	minions    map[campaign.MinionID]*registeredMinion
	underLoad  []campaign.MinionID

	// claimed counts the minions under load claimed per factory.
	claimed map[campaign.NodeID]int

	plan      map[time.Time][]campaign.MinionID
	scheduled map[campaign.MinionID]struct{}

	pendingCompletion int
	done              bool
}

func newShard() *shard {
	return &shard{
		minions:   make(map[campaign.MinionID]*registeredMinion),
		claimed:   make(map[campaign.NodeID]int),
		plan:      make(map[time.Time][]campaign.MinionID),
		scheduled: make(map[campaign.MinionID]struct{}),
	}
}

type campaignEntry struct {
	mu       sync.RWMutex
	topology map[campaign.NodeID][]campaign.FactoryScenarioAssignment
	channels map[campaign.NodeID]string
	shards   map[campaign.ScenarioName]*shard
}

// Registry is the cluster-wide bookkeeping of minion assignments. It is shared
// by the keepers of every factory of the process.
//
// Each (campaign, scenario) pair is guarded by its own lock, so that operations
// on distinct scenarios never contend.
type Registry struct {
	mu        sync.Mutex
	campaigns map[campaign.CampaignKey]*campaignEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{campaigns: make(map[campaign.CampaignKey]*campaignEntry)}
}

func (r *Registry) entry(key campaign.CampaignKey) *campaignEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.campaigns[key]
	if !ok {
		e = &campaignEntry{
			topology: make(map[campaign.NodeID][]campaign.FactoryScenarioAssignment),
			channels: make(map[campaign.NodeID]string),
			shards:   make(map[campaign.ScenarioName]*shard),
		}
		r.campaigns[key] = e
	}
	return e
}

func (r *Registry) shard(key campaign.CampaignKey, scenario campaign.ScenarioName) *shard {
	e := r.entry(key)

	e.mu.RLock()
	s, ok := e.shards[scenario]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.shards[scenario]; !ok {
		s = newShard()
		e.shards[scenario] = s
	}
	return s
}

// SetTopology records the DAGs the factory executes in the campaign and the
// channel it listens to. Calling it again replaces the previous values.
func (r *Registry) SetTopology(key campaign.CampaignKey, node campaign.NodeID, unicast string, assignments []campaign.FactoryScenarioAssignment) {
	e := r.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	copied := make([]campaign.FactoryScenarioAssignment, len(assignments))
	for i, a := range assignments {
		a.DAGs = append([]campaign.DAGName(nil), a.DAGs...)
		copied[i] = a
	}
	e.topology[node] = copied
	e.channels[node] = unicast
}

func (r *Registry) assignmentOf(key campaign.CampaignKey, node campaign.NodeID, scenario campaign.ScenarioName) (campaign.FactoryScenarioAssignment, string, bool) {
	e := r.entry(key)
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, a := range e.topology[node] {
		if a.ScenarioName == scenario {
			return a, e.channels[node], true
		}
	}
	return campaign.FactoryScenarioAssignment{}, "", false
}

// Register records minions that have to execute the DAGs of the scenario.
func (r *Registry) Register(key campaign.CampaignKey, scenario campaign.ScenarioName, dags []campaign.DAGName, ids []campaign.MinionID, underLoad bool) error {
	s := r.shard(key, scenario)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return fmt.Errorf("%w: campaign %s, scenario %s", ErrRegistrationClosed, key, scenario)
	}

	for _, id := range ids {
		m, exists := s.minions[id]
		if !exists {
			m = &registeredMinion{
				owners:    make(map[campaign.DAGName]owner),
				remaining: make(map[campaign.DAGName]struct{}),
			}
			s.minions[id] = m
		}
		added := make([]campaign.DAGName, 0, len(dags))
		for _, dag := range dags {
			if !containsDAG(m.dags, dag) {
				m.dags = append(m.dags, dag)
				m.remaining[dag] = struct{}{}
				added = append(added, dag)
			}
		}
		if underLoad && !m.underLoad {
			m.underLoad = true
			s.underLoad = append(s.underLoad, id)
			s.pendingCompletion++
		}
		if len(added) > 0 {
			s.unassigned = append(s.unassigned, &pendingMinion{id: id, dags: added, underLoad: underLoad})
		}
	}
	return nil
}

// CompleteRegistration closes the registration of the scenario.
func (r *Registry) CompleteRegistration(key campaign.CampaignKey, scenario campaign.ScenarioName) error {
	s := r.shard(key, scenario)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return fmt.Errorf("%w: campaign %s, scenario %s", ErrRegistrationCompleted, key, scenario)
	}
	s.completed = true
	return nil
}

// Assign claims for the factory the unassigned DAGs of the scenario it executes,
// in registration order.
func (r *Registry) Assign(key campaign.CampaignKey, scenario campaign.ScenarioName, node campaign.NodeID) (map[campaign.MinionID][]campaign.DAGName, error) {
	result := make(map[campaign.MinionID][]campaign.DAGName)

	assignment, unicast, ok := r.assignmentOf(key, node, scenario)
	if !ok || len(assignment.DAGs) == 0 {
		return result, nil
	}

	s := r.shard(key, scenario)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.completed {
		return nil, fmt.Errorf("%w: campaign %s, scenario %s", ErrRegistrationOpen, key, scenario)
	}

	remaining := s.unassigned[:0]
	for _, pending := range s.unassigned {
		m := s.minions[pending.id]
		owned := ownedBy(m, node)
		if pending.underLoad && !owned && assignment.MaxMinionsCount > 0 && s.claimed[node] >= assignment.MaxMinionsCount {
			remaining = append(remaining, pending)
			continue
		}

		var claimed, left []campaign.DAGName
		for _, dag := range pending.dags {
			if containsDAG(assignment.DAGs, dag) {
				claimed = append(claimed, dag)
			} else {
				left = append(left, dag)
			}
		}

		if len(claimed) > 0 {
			if pending.underLoad && !owned {
				s.claimed[node]++
			}
			for _, dag := range claimed {
				m.owners[dag] = owner{node: node, channel: unicast}
			}
			result[pending.id] = mergeDAGs(result[pending.id], claimed)
		}

		if len(left) > 0 {
			pending.dags = left
			remaining = append(remaining, pending)
		}
	}
	s.unassigned = remaining
	return result, nil
}

func ownedBy(m *registeredMinion, node campaign.NodeID) bool {
	for _, o := range m.owners {
		if o.node == node {
			return true
		}
	}
	return false
}

// Schedule records the start definitions of minions under load and returns the
// ones that were not scheduled before. The first definition of a minion wins.
func (r *Registry) Schedule(key campaign.CampaignKey, scenario campaign.ScenarioName, definitions []campaign.MinionStartDefinition) ([]campaign.MinionStartDefinition, error) {
	s := r.shard(key, scenario)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, def := range definitions {
		m, ok := s.minions[def.MinionID]
		if !ok || !m.underLoad {
			return nil, fmt.Errorf("%w: %s is not a minion under load of scenario %s", ErrUnknownMinion, def.MinionID, scenario)
		}
	}

	effective := make([]campaign.MinionStartDefinition, 0, len(definitions))
	for _, def := range definitions {
		if _, done := s.scheduled[def.MinionID]; done {
			continue
		}
		s.scheduled[def.MinionID] = struct{}{}
		s.plan[def.Timestamp] = append(s.plan[def.Timestamp], def.MinionID)
		effective = append(effective, def)
	}
	return effective, nil
}

// Plan returns a copy of the scheduled starts of the scenario.
func (r *Registry) Plan(key campaign.CampaignKey, scenario campaign.ScenarioName) map[time.Time][]campaign.MinionID {
	s := r.shard(key, scenario)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[time.Time][]campaign.MinionID, len(s.plan))
	for at, ids := range s.plan {
		out[at] = append([]campaign.MinionID(nil), ids...)
	}
	return out
}

// MinionsUnderLoad returns the minions under load of the scenario, in
// registration order.
func (r *Registry) MinionsUnderLoad(key campaign.CampaignKey, scenario campaign.ScenarioName) []campaign.MinionID {
	s := r.shard(key, scenario)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]campaign.MinionID(nil), s.underLoad...)
}

// Owners returns the channels of the factories executing the DAGs of the minion.
// DAGs without owner are omitted.
func (r *Registry) Owners(key campaign.CampaignKey, scenario campaign.ScenarioName, minion campaign.MinionID, dags []campaign.DAGName) (map[campaign.DAGName]string, error) {
	s := r.shard(key, scenario)
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.minions[minion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMinion, minion)
	}
	out := make(map[campaign.DAGName]string, len(dags))
	for _, dag := range dags {
		if o, ok := m.owners[dag]; ok {
			out[dag] = o.channel
		}
	}
	return out, nil
}

// Complete records that the minion executed the DAGs.
func (r *Registry) Complete(key campaign.CampaignKey, scenario campaign.ScenarioName, minion campaign.MinionID, dags []campaign.DAGName) (CompletionState, error) {
	s := r.shard(key, scenario)
	s.mu.Lock()

	m, ok := s.minions[minion]
	if !ok {
		s.mu.Unlock()
		return CompletionState{}, fmt.Errorf("%w: %s", ErrUnknownMinion, minion)
	}

	var state CompletionState
	wasComplete := len(m.remaining) == 0
	for _, dag := range dags {
		delete(m.remaining, dag)
	}
	if len(m.remaining) == 0 {
		state.Minion = true
		if !wasComplete && m.underLoad {
			s.pendingCompletion--
		}
	}
	if state.Minion && m.underLoad && s.completed && s.pendingCompletion == 0 && !s.done {
		s.done = true
		state.Scenario = true
	}
	s.mu.Unlock()

	if state.Scenario {
		state.Campaign = r.allScenariosDone(key)
	}
	return state, nil
}

func (r *Registry) allScenariosDone(key campaign.CampaignKey) bool {
	e := r.entry(key)
	e.mu.RLock()
	shards := make([]*shard, 0, len(e.shards))
	for _, s := range e.shards {
		shards = append(shards, s)
	}
	e.mu.RUnlock()

	for _, s := range shards {
		s.mu.Lock()
		done := s.done || len(s.underLoad) == 0
		s.mu.Unlock()
		if !done {
			return false
		}
	}
	return true
}

// Scenarios returns the names of the scenarios with registered minions.
func (r *Registry) Scenarios(key campaign.CampaignKey) []campaign.ScenarioName {
	e := r.entry(key)
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]campaign.ScenarioName, 0, len(e.shards))
	for name := range e.shards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Forget drops everything known about the campaign.
func (r *Registry) Forget(key campaign.CampaignKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.campaigns, key)
}
