package head

import (
	"context"
	"fmt"
	"sync"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/directive"
)

// PhaseError reports a FAILED feedback.
type PhaseError struct {
	Kind     directive.Kind
	Scenario campaign.ScenarioName
	Node     campaign.NodeID
	Message  string
}

func (e *PhaseError) Error() string {
	if e.Scenario != "" {
		return fmt.Sprintf("%s of scenario %s failed on %s: %s", e.Kind, e.Scenario, e.Node, e.Message)
	}
	return fmt.Sprintf("%s failed on %s: %s", e.Kind, e.Node, e.Message)
}

type feedbackKey struct {
	kind     directive.Kind
	scenario campaign.ScenarioName
	node     campaign.NodeID
}

// Aggregator keeps the latest feedback of each (kind, scenario, node) for one
// campaign and lets the conductor wait for them.
type Aggregator struct {
	campaign campaign.CampaignKey

	mu      sync.Mutex
	latest  map[feedbackKey]directive.Feedback
	history []directive.Feedback
	changed chan struct{}
}

// NewAggregator creates an aggregator of the feedback of the campaign.
func NewAggregator(key campaign.CampaignKey) *Aggregator {
	return &Aggregator{
		campaign: key,
		latest:   make(map[feedbackKey]directive.Feedback),
		changed:  make(chan struct{}),
	}
}

// Record stores the feedback. Feedback of other campaigns is dropped.
func (a *Aggregator) Record(f directive.Feedback) bool {
	if f.CampaignKey != a.campaign {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest[feedbackKey{kind: f.Kind, scenario: f.ScenarioName, node: f.NodeID}] = f
	a.history = append(a.history, f)
	close(a.changed)
	a.changed = make(chan struct{})
	return true
}

// History returns every recorded feedback in reception order.
func (a *Aggregator) History() []directive.Feedback {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]directive.Feedback(nil), a.history...)
}

// Await waits until each node reported a terminal status for the kind and
// scenario. The first FAILED status is returned as a *PhaseError.
func (a *Aggregator) Await(ctx context.Context, kind directive.Kind, scenario campaign.ScenarioName,
	nodes []campaign.NodeID) (map[campaign.NodeID]directive.Feedback, error) {
	for {
		a.mu.Lock()
		done := make(map[campaign.NodeID]directive.Feedback, len(nodes))
		for _, node := range nodes {
			f, ok := a.latest[feedbackKey{kind: kind, scenario: scenario, node: node}]
			if !ok || !f.Status.IsTerminal() {
				continue
			}
			if f.Status == directive.StatusFailed {
				a.mu.Unlock()
				return nil, &PhaseError{Kind: kind, Scenario: scenario, Node: node, Message: f.Error}
			}
			done[node] = f
		}
		changed := a.changed
		a.mu.Unlock()

		if len(done) == len(nodes) {
			return done, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s of scenario %q: %w", kind, scenario, ctx.Err())
		}
	}
}

// AwaitAny waits for a terminal feedback of the kind and scenario from any node.
func (a *Aggregator) AwaitAny(ctx context.Context, kind directive.Kind, scenario campaign.ScenarioName) (directive.Feedback, error) {
	for {
		a.mu.Lock()
		for k, f := range a.latest {
			if k.kind != kind || k.scenario != scenario || !f.Status.IsTerminal() {
				continue
			}
			a.mu.Unlock()
			if f.Status == directive.StatusFailed {
				return f, &PhaseError{Kind: kind, Scenario: scenario, Node: f.NodeID, Message: f.Error}
			}
			return f, nil
		}
		changed := a.changed
		a.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return directive.Feedback{}, fmt.Errorf("waiting for %s of scenario %q: %w", kind, scenario, ctx.Err())
		}
	}
}
