package listener

import (
	"context"
	"errors"
	"fmt"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/factory"
)

// MinionsShutdownListener stops the listed minions hosted by the factory.
// The others are silently excluded.
type MinionsShutdownListener struct{ *base }

func (*MinionsShutdownListener) Kind() directive.Kind { return directive.KindMinionsShutdown }

func (l *MinionsShutdownListener) Accept(d directive.Directive) bool {
	ms, ok := d.(*directive.MinionsShutdown)
	if !ok || !l.scenarioLocal(ms) {
		return false
	}
	for _, id := range ms.MinionIDs {
		if l.Minions.Contains(id) {
			return true
		}
	}
	return false
}

func (l *MinionsShutdownListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.MinionsShutdown)
	if !ok {
		return
	}

	var local []campaign.MinionID
	for _, id := range d.MinionIDs {
		if l.Minions.Contains(id) {
			local = append(local, id)
		}
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress).WithMinions(local)
	l.publish(ctx, feedback)

	if err := l.Manager.ShutdownMinions(ctx, d.CampaignKey, local); err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

// CampaignScenarioShutdownListener stops a scenario executed by the factory.
type CampaignScenarioShutdownListener struct{ *base }

func (*CampaignScenarioShutdownListener) Kind() directive.Kind {
	return directive.KindCampaignScenarioShutdown
}

func (l *CampaignScenarioShutdownListener) Accept(d directive.Directive) bool {
	cs, ok := d.(*directive.CampaignScenarioShutdown)
	return ok && l.scenarioLocal(cs)
}

func (l *CampaignScenarioShutdownListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.CampaignScenarioShutdown)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress)
	l.publish(ctx, feedback)

	l.advance(d.CampaignKey, d.ScenarioName, campaign.StateShuttingDown)
	if err := l.Manager.ShutdownScenario(ctx, d.CampaignKey, d.ScenarioName, factory.ShutdownInterrupt); err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	l.advance(d.CampaignKey, d.ScenarioName, campaign.StateTerminated)
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

// CampaignShutdownListener stops the campaign and releases it.
type CampaignShutdownListener struct{ *base }

func (*CampaignShutdownListener) Kind() directive.Kind { return directive.KindCampaignShutdown }

func (l *CampaignShutdownListener) Accept(d directive.Directive) bool {
	cs, ok := d.(*directive.CampaignShutdown)
	return ok && l.Manager.IsLocallyExecuted(cs.CampaignKey)
}

func (l *CampaignShutdownListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.CampaignShutdown)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress)
	l.publish(ctx, feedback)

	c := l.Manager.RunningCampaign()
	if c == nil || c.Key != d.CampaignKey {
		l.ignore(ctx, feedback, "campaign already released")
		return
	}

	l.advanceCampaign(d.CampaignKey, campaign.StateShuttingDown)
	err := l.Manager.ShutdownCampaign(ctx, d.CampaignKey)
	l.advanceCampaign(d.CampaignKey, campaign.StateTerminated)

	// The campaign is released even when minions did not stop in time.
	errs := []error{err}
	for i := len(l.Hooks) - 1; i >= 0; i-- {
		errs = append(errs, l.Hooks[i].Close(ctx, c))
	}
	errs = append(errs, l.Manager.Close(ctx, c), l.Assignments.ReleaseCampaign(ctx, c.Key))
	if err := errors.Join(errs...); err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

// CampaignAbortListener interrupts the scenarios listed in the directive, one
// after the other. A hard abort cancels the running executions; otherwise they
// may finish within the scenario graceful timeout.
type CampaignAbortListener struct{ *base }

func (*CampaignAbortListener) Kind() directive.Kind { return directive.KindCampaignAbort }

func (l *CampaignAbortListener) Accept(d directive.Directive) bool {
	ca, ok := d.(*directive.CampaignAbort)
	return ok && l.Manager.IsLocallyExecuted(ca.CampaignKey)
}

func (l *CampaignAbortListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.CampaignAbort)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress).WithScenarios(d.ScenarioNames)
	l.publish(ctx, feedback)

	mode := factory.ShutdownDrain
	if d.Hard {
		mode = factory.ShutdownInterrupt
	}
	for _, scenario := range d.ScenarioNames {
		local := l.Manager.IsScenarioLocallyExecuted(d.CampaignKey, scenario)
		if local {
			l.advance(d.CampaignKey, scenario, campaign.StateAborting)
		}
		if err := l.Manager.ShutdownScenario(ctx, d.CampaignKey, scenario, mode); err != nil {
			l.fail(ctx, feedback, fmt.Errorf("failed to abort scenario %s: %w", scenario, err))
			return
		}
		if local {
			l.advance(d.CampaignKey, scenario, campaign.StateTerminated)
		}
	}
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

var (
	_ Listener = (*MinionsShutdownListener)(nil)
	_ Listener = (*CampaignScenarioShutdownListener)(nil)
	_ Listener = (*CampaignShutdownListener)(nil)
	_ Listener = (*CampaignAbortListener)(nil)
)
