// Package factory hosts the runtime of a factory: the campaign it takes part
// in, its minions and the execution of their DAGs.
package factory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/fleet/internal/campaign"
)

// MinionState represents the lifecycle state of a minion.
type MinionState int32

const (
	// MinionIdle indicates the minion is created but not scheduled.
	MinionIdle MinionState = iota
	// MinionScheduled indicates the start of the minion is planned.
	MinionScheduled
	// MinionRunning indicates the minion is executing DAGs.
	MinionRunning
	// MinionStopping indicates the minion has been requested to stop.
	MinionStopping
	// MinionStopped indicates the minion has fully stopped.
	MinionStopped
)

func (s MinionState) String() string {
	switch s {
	case MinionIdle:
		return "idle"
	case MinionScheduled:
		return "scheduled"
	case MinionRunning:
		return "running"
	case MinionStopping:
		return "stopping"
	case MinionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Minion is a unit of load executing the DAGs of a scenario assigned to the
// factory.
type Minion struct {
	ID          campaign.MinionID
	CampaignKey campaign.CampaignKey
	Scenario    campaign.ScenarioName

	// DAGs are the DAGs the minion executes on this factory.
	DAGs []campaign.DAGName

	// Lonely is true for the dedicated minion of a singleton or not-under-load DAG.
	Lonely bool

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// Executions in progress. Guarded by mu so that no execution is added once
	// the minion is stopping.
	mu      sync.Mutex
	running sync.WaitGroup
	timer   *time.Timer

	doneCh chan struct{}

	executions atomic.Int64

	data   map[string]any
	dataMu sync.RWMutex
}

func newMinion(parent context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName, id campaign.MinionID, dags []campaign.DAGName, lonely bool) *Minion {
	ctx, cancel := context.WithCancel(parent)
	return &Minion{
		ID:          id,
		CampaignKey: key,
		Scenario:    scenario,
		DAGs:        append([]campaign.DAGName(nil), dags...),
		Lonely:      lonely,
		ctx:         ctx,
		cancel:      cancel,
		doneCh:      make(chan struct{}),
		data:        make(map[string]any),
	}
}

// State returns the current minion state.
func (m *Minion) State() MinionState {
	return MinionState(m.state.Load())
}

// Executions returns the number of DAG executions the minion started.
func (m *Minion) Executions() int64 {
	return m.executions.Load()
}

// Context is cancelled when the minion is requested to stop.
func (m *Minion) Context() context.Context {
	return m.ctx
}

// schedule arms the timer starting the minion, unless it is stopping.
func (m *Minion) schedule(delay time.Duration, start func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CompareAndSwap(int32(MinionIdle), int32(MinionScheduled)) {
		return false
	}
	m.timer = time.AfterFunc(delay, start)
	return true
}

// begin registers an execution. It returns false when the minion is stopping.
func (m *Minion) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case MinionStopping, MinionStopped:
		return false
	}
	m.state.Store(int32(MinionRunning))
	m.running.Add(1)
	m.executions.Add(1)
	return true
}

func (m *Minion) end() {
	m.running.Done()
}

// RequestStop asks the minion to stop. Running executions see their context
// cancelled; the minion is stopped once they all returned.
func (m *Minion) RequestStop() {
	m.requestStop(true)
}

// RequestGracefulStop asks the minion to stop once its running executions
// returned. They keep running with their context until RequestStop.
func (m *Minion) RequestGracefulStop() {
	m.requestStop(false)
}

func (m *Minion) requestStop(interrupt bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if interrupt {
		m.cancel()
	}
	current := m.State()
	if current == MinionStopping || current == MinionStopped {
		return
	}
	m.state.Store(int32(MinionStopping))
	if m.timer != nil {
		m.timer.Stop()
	}

	go func() {
		m.running.Wait()
		m.markStopped()
	}()
}

func (m *Minion) markStopped() {
	m.cancel()
	m.state.Store(int32(MinionStopped))
	select {
	case <-m.doneCh:
	default:
		close(m.doneCh)
	}
}

// WaitForStop waits for the minion to stop until the context is done.
//
// Returns true if the minion stopped in time.
func (m *Minion) WaitForStop(ctx context.Context) bool {
	select {
	case <-m.doneCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// SetData stores a value in the minion's variable scope.
func (m *Minion) SetData(key string, value any) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.data[key] = value
}

// GetData retrieves a value from the minion's variable scope.
func (m *Minion) GetData(key string) (any, bool) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()
	val, ok := m.data[key]
	return val, ok
}
