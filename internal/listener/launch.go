package listener

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/directive"
)

// FactoryAssignmentListener builds the campaign of the factory and records
// the DAGs it executes.
type FactoryAssignmentListener struct{ *base }

func (*FactoryAssignmentListener) Kind() directive.Kind { return directive.KindFactoryAssignment }

func (l *FactoryAssignmentListener) Accept(d directive.Directive) bool {
	_, ok := d.(*directive.FactoryAssignment)
	return ok
}

func (l *FactoryAssignmentListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.FactoryAssignment)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress)

	c := d.CampaignFor(l.Manager.Node())
	replay := l.Manager.IsLocallyExecuted(c.Key)
	if err := l.Manager.Init(ctx, c); err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	if !l.Manager.IsLocallyExecuted(c.Key) {
		// The factory takes no part in the campaign: nothing local changes.
		l.publish(ctx, feedback)
		l.publish(ctx, feedback.As(directive.StatusCompleted))
		return
	}
	if !replay {
		for _, hook := range l.Hooks {
			if err := hook.Init(ctx, c); err != nil {
				l.fail(ctx, feedback, err)
				return
			}
		}
	}

	l.publish(ctx, feedback)
	if err := l.Assignments.AssignFactoryDags(ctx, c.Key, c.Assignments); err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	if !replay {
		l.advanceCampaign(c.Key, campaign.StateAssigned)
	}
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

// MinionsDeclarationListener generates the minions of a scenario: one lonely
// minion per singleton or not-under-load DAG and a shared pool for the DAGs
// under load.
type MinionsDeclarationListener struct{ *base }

func (*MinionsDeclarationListener) Kind() directive.Kind { return directive.KindMinionsDeclaration }

func (l *MinionsDeclarationListener) Accept(d directive.Directive) bool {
	md, ok := d.(*directive.MinionsDeclaration)
	return ok && l.scenarioLocal(md)
}

func (l *MinionsDeclarationListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.MinionsDeclaration)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress)
	l.publish(ctx, feedback)

	if err := l.declare(ctx, d); err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	l.advance(d.CampaignKey, d.ScenarioName, campaign.StateDeclared)
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

func (l *MinionsDeclarationListener) declare(ctx context.Context, d *directive.MinionsDeclaration) error {
	scenario, ok := l.Scenarios.Get(d.ScenarioName)
	if !ok {
		return fmt.Errorf("scenario %s is not registered", d.ScenarioName)
	}

	underLoad := make([]campaign.MinionID, d.MinionsCount)
	for i := range underLoad {
		underLoad[i] = campaign.MinionIDFor(scenario.Name, l.IDs.Short())
	}

	var dagsUnderLoad []campaign.DAGName
	for _, dag := range scenario.DAGs {
		if !dag.IsLonely() {
			dagsUnderLoad = append(dagsUnderLoad, dag.Name)
			continue
		}
		lonely := campaign.LonelyMinionIDFor(scenario.Name, l.IDs.Short())
		err := l.Assignments.RegisterMinionsToAssign(ctx, d.CampaignKey, d.ScenarioName,
			[]campaign.DAGName{dag.Name}, []campaign.MinionID{lonely}, false)
		if err != nil {
			return err
		}
	}
	if len(dagsUnderLoad) > 0 {
		err := l.Assignments.RegisterMinionsToAssign(ctx, d.CampaignKey, d.ScenarioName, dagsUnderLoad, underLoad, true)
		if err != nil {
			return err
		}
	}
	if err := l.Assignments.CompleteUnassignedMinionsRegistration(ctx, d.CampaignKey, d.ScenarioName); err != nil {
		return err
	}

	l.logger.Debug("minions declared",
		zap.String("campaign", d.CampaignKey),
		zap.String("scenario", d.ScenarioName),
		zap.Int("minionsUnderLoad", len(underLoad)))

	next := &directive.MinionsAssignment{
		Header: directive.NewHeader(d.CampaignKey, ""),
		Scope:  directive.Scope{ScenarioName: d.ScenarioName},
	}
	return l.Channel.PublishDirective(ctx, next)
}

// MinionsAssignmentListener creates the minions the factory owns.
type MinionsAssignmentListener struct{ *base }

func (*MinionsAssignmentListener) Kind() directive.Kind { return directive.KindMinionsAssignment }

func (l *MinionsAssignmentListener) Accept(d directive.Directive) bool {
	ma, ok := d.(*directive.MinionsAssignment)
	return ok && l.scenarioLocal(ma)
}

func (l *MinionsAssignmentListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.MinionsAssignment)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress)
	l.publish(ctx, feedback)

	assigned, err := l.Assignments.Assign(ctx, d.CampaignKey, d.ScenarioName)
	if err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	if len(assigned) == 0 {
		l.ignore(ctx, feedback, "no minion assigned to the factory")
		return
	}
	for id, dags := range assigned {
		if err := l.Minions.Create(ctx, d.CampaignKey, d.ScenarioName, dags, id); err != nil {
			l.fail(ctx, feedback, err)
			return
		}
	}
	l.advance(d.CampaignKey, d.ScenarioName, campaign.StateMinionAssigned)
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

// MinionsRampUpPreparationListener computes the starts of the minions of a
// scenario and distributes them in windowed MinionsStart directives.
type MinionsRampUpPreparationListener struct{ *base }

func (*MinionsRampUpPreparationListener) Kind() directive.Kind {
	return directive.KindMinionsRampUpPreparation
}

func (l *MinionsRampUpPreparationListener) Accept(d directive.Directive) bool {
	mr, ok := d.(*directive.MinionsRampUpPreparation)
	return ok && l.scenarioLocal(mr)
}

func (l *MinionsRampUpPreparationListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.MinionsRampUpPreparation)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress)
	l.publish(ctx, feedback)

	definitions, err := l.Manager.PrepareMinionsExecutionProfile(ctx, d.CampaignKey, d.ScenarioName, d.ExecutionProfile)
	if err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	definitions, err = l.Assignments.Schedule(ctx, d.CampaignKey, d.ScenarioName, definitions)
	if err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	for _, window := range Window(definitions, l.WindowSize) {
		start := &directive.MinionsStart{
			Header:           directive.NewHeader(d.CampaignKey, ""),
			Scope:            directive.Scope{ScenarioName: d.ScenarioName},
			StartDefinitions: window,
		}
		if err := l.Channel.PublishDirective(ctx, start); err != nil {
			l.fail(ctx, feedback, err)
			return
		}
	}
	l.advance(d.CampaignKey, d.ScenarioName, campaign.StateRampUpReady)
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

// ScenarioWarmUpListener starts the support components and the lonely minions
// of a scenario.
type ScenarioWarmUpListener struct{ *base }

func (*ScenarioWarmUpListener) Kind() directive.Kind { return directive.KindScenarioWarmUp }

func (l *ScenarioWarmUpListener) Accept(d directive.Directive) bool {
	sw, ok := d.(*directive.ScenarioWarmUp)
	return ok && l.scenarioLocal(sw)
}

func (l *ScenarioWarmUpListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.ScenarioWarmUp)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress)
	if !l.Store.HasMinionsAssigned(d.ScenarioName) {
		l.ignore(ctx, feedback, "no minion assigned to the factory")
		return
	}
	l.publish(ctx, feedback)

	if err := l.Manager.WarmUpCampaignScenario(ctx, d.CampaignKey, d.ScenarioName); err != nil {
		l.fail(ctx, feedback, err)
		return
	}
	l.advance(d.CampaignKey, d.ScenarioName, campaign.StateWarm)
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

// MinionsStartListener schedules the start of the minions whose root DAG
// under load is executed by the factory.
type MinionsStartListener struct{ *base }

func (*MinionsStartListener) Kind() directive.Kind { return directive.KindMinionsStart }

func (l *MinionsStartListener) Accept(d directive.Directive) bool {
	ms, ok := d.(*directive.MinionsStart)
	return ok && l.Manager.IsLocallyExecuted(ms.CampaignKey) && l.Store.HasMinionsAssigned(ms.ScenarioName)
}

func (l *MinionsStartListener) Notify(ctx context.Context, dir directive.Directive) {
	d, ok := dir.(*directive.MinionsStart)
	if !ok {
		return
	}
	feedback := directive.FeedbackFor(d, directive.StatusInProgress)

	// Minions grouped by start instant, in order of first appearance.
	var instants []time.Time
	byInstant := make(map[int64][]campaign.MinionID)
	for _, def := range d.StartDefinitions {
		if !l.Store.HasRootUnderLoadLocally(d.ScenarioName, def.MinionID) {
			continue
		}
		at := def.Timestamp.UnixNano()
		if _, ok := byInstant[at]; !ok {
			instants = append(instants, def.Timestamp)
		}
		byInstant[at] = append(byInstant[at], def.MinionID)
	}
	if len(instants) == 0 {
		l.ignore(ctx, feedback, "no minion starts on the factory")
		return
	}
	l.publish(ctx, feedback)

	for _, at := range instants {
		if err := l.Minions.ScheduleMinionStart(ctx, at, byInstant[at.UnixNano()]); err != nil {
			l.fail(ctx, feedback, err)
			return
		}
	}
	l.advance(d.CampaignKey, d.ScenarioName, campaign.StateRunning)
	l.publish(ctx, feedback.As(directive.StatusCompleted))
}

var (
	_ Listener = (*FactoryAssignmentListener)(nil)
	_ Listener = (*MinionsDeclarationListener)(nil)
	_ Listener = (*MinionsAssignmentListener)(nil)
	_ Listener = (*MinionsRampUpPreparationListener)(nil)
	_ Listener = (*ScenarioWarmUpListener)(nil)
	_ Listener = (*MinionsStartListener)(nil)
)
