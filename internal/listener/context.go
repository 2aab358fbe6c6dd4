package listener

import (
	"context"

	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/directive"
)

// ContextListener resumes the execution of minions handed over by other
// factories. It publishes no feedback.
type ContextListener struct {
	*base
	kind directive.Kind
}

func (l *ContextListener) Kind() directive.Kind { return l.kind }

func (l *ContextListener) Accept(d directive.Directive) bool {
	switch d := d.(type) {
	case *directive.TransportableStepContext:
		return l.kind == directive.KindTransportableStepContext && l.Store.IsLocal(d.ScenarioName, d.MinionID, d.DAG)
	case *directive.TransportableCompletionContext:
		return l.kind == directive.KindTransportableCompletionContext && l.Minions.Contains(d.MinionID)
	default:
		return false
	}
}

func (l *ContextListener) Notify(ctx context.Context, dir directive.Directive) {
	var err error
	switch d := dir.(type) {
	case *directive.TransportableStepContext:
		err = l.Minions.RunStep(ctx, d.MinionID, d.DAG, d.Payload)
	case *directive.TransportableCompletionContext:
		err = l.Minions.Complete(ctx, d.MinionID, d.LastDAG, d.Payload)
	default:
		return
	}
	if err != nil {
		l.logger.Error("failed to resume the minion",
			zap.String("kind", string(dir.Kind())),
			zap.String("campaign", dir.Meta().CampaignKey),
			zap.Error(err))
	}
}

var _ Listener = (*ContextListener)(nil)
