package factory

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/campaign"
)

// StepContext is the execution context of a minion entering a DAG.
type StepContext struct {
	CampaignKey campaign.CampaignKey
	Scenario    campaign.ScenarioName
	MinionID    campaign.MinionID
	DAG         campaign.DAGName
	Step        campaign.StepName

	// Input is the output of the previous DAG, if any.
	Input json.RawMessage

	// Output is set by the runner and handed to the successors of the DAG.
	Output json.RawMessage
}

// CompletionContext tells a minion that one of its branches ended.
type CompletionContext struct {
	CampaignKey campaign.CampaignKey
	Scenario    campaign.ScenarioName
	MinionID    campaign.MinionID
	LastDAG     campaign.DAGName
	Payload     json.RawMessage
}

// Runner executes the steps of the DAGs. It is the boundary with the step
// execution engine.
type Runner interface {
	// RunMinion executes the DAG of the step context, starting at step. It
	// returns when the DAG is executed or the context is cancelled.
	RunMinion(ctx context.Context, m *Minion, step campaign.StepName, sc *StepContext) error

	// Complete notifies the minion that a branch starting at rootStep ended.
	Complete(ctx context.Context, m *Minion, rootStep campaign.StepName, cc *CompletionContext) error
}

// DelayRunner is a Runner simulating the execution of every DAG with a fixed
// delay. It records the path of the minion in the step payload.
type DelayRunner struct {
	delay  time.Duration
	logger *zap.Logger

	executed  atomic.Int64
	completed atomic.Int64
}

// NewDelayRunner creates a runner spending delay in every DAG.
func NewDelayRunner(delay time.Duration, logger *zap.Logger) *DelayRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelayRunner{delay: delay, logger: logger}
}

type delayOutput struct {
	Hops int                `json:"hops"`
	Path []campaign.DAGName `json:"path"`
}

func (r *DelayRunner) RunMinion(ctx context.Context, m *Minion, step campaign.StepName, sc *StepContext) error {
	timer := time.NewTimer(r.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	out := delayOutput{Hops: int(gjson.GetBytes(sc.Input, "hops").Int()) + 1}
	for _, dag := range gjson.GetBytes(sc.Input, "path").Array() {
		out.Path = append(out.Path, dag.String())
	}
	out.Path = append(out.Path, sc.DAG)

	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	sc.Output = b
	r.executed.Add(1)

	r.logger.Debug("DAG executed",
		zap.String("minion", m.ID),
		zap.String("dag", sc.DAG),
		zap.String("step", step),
		zap.Int("hops", out.Hops))
	return nil
}

func (r *DelayRunner) Complete(_ context.Context, m *Minion, rootStep campaign.StepName, cc *CompletionContext) error {
	r.completed.Add(1)
	m.SetData("lastCompletedDag", cc.LastDAG)
	r.logger.Debug("branch completed",
		zap.String("minion", m.ID),
		zap.String("rootStep", rootStep),
		zap.String("lastDag", cc.LastDAG))
	return nil
}

// Executed returns the number of DAGs executed.
func (r *DelayRunner) Executed() int64 {
	return r.executed.Load()
}

// Completed returns the number of completions received.
func (r *DelayRunner) Completed() int64 {
	return r.completed.Load()
}

var _ Runner = (*DelayRunner)(nil)
