package assignment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/campaign"
)

// MinionAssignmentKeeper is the bookkeeping of the minions of a campaign, as
// used by one factory.
type MinionAssignmentKeeper interface {
	// AssignFactoryDags records the DAGs the factory executes in the campaign.
	// Replays for the same campaign keep the local assignments.
	AssignFactoryDags(ctx context.Context, key campaign.CampaignKey, assignments []campaign.FactoryScenarioAssignment) error

	// RegisterMinionsToAssign records minions that have to execute the DAGs.
	// A minion not under load is bound to exactly one DAG.
	RegisterMinionsToAssign(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
		dags []campaign.DAGName, ids []campaign.MinionID, underLoad bool) error

	// CompleteUnassignedMinionsRegistration closes the registration of the
	// scenario. It is called exactly once per scenario.
	CompleteUnassignedMinionsRegistration(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) error

	// Assign returns the DAGs each minion owned by the factory executes locally.
	// An empty map means the factory has nothing to do for the scenario.
	Assign(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) (map[campaign.MinionID][]campaign.DAGName, error)

	// Schedule records the start of the minions under load and returns the
	// definitions to apply, at most one per minion.
	Schedule(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
		definitions []campaign.MinionStartDefinition) ([]campaign.MinionStartDefinition, error)

	// ReadSchedulePlan returns the starts recorded by Schedule.
	//
	// Deprecated: the starts are distributed by the MinionsStart directives.
	ReadSchedulePlan(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) (map[time.Time][]campaign.MinionID, error)

	IDsOfMinionsUnderLoad(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) ([]campaign.MinionID, error)
	CountMinionsUnderLoad(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) (int, error)

	// ExecutionComplete records that the minion executed the DAGs.
	ExecutionComplete(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
		minion campaign.MinionID, dags []campaign.DAGName) (CompletionState, error)

	// FactoriesChannels returns the channels of the factories executing the DAGs of the minion.
	FactoriesChannels(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
		minion campaign.MinionID, dags []campaign.DAGName) (map[campaign.DAGName]string, error)

	// ReleaseCampaign forgets the local assignments of the campaign once it
	// is over on the factory.
	ReleaseCampaign(ctx context.Context, key campaign.CampaignKey) error
}

// Keeper is the MinionAssignmentKeeper of one factory. It shares the Registry
// with the other factories and saves its own assignments in the local store.
type Keeper struct {
	registry *Registry
	node     campaign.NodeID
	unicast  string
	store    *LocalAssignmentStore
	logger   *zap.Logger

	// mu guards campaign, the key the local store holds assignments for.
	mu       sync.Mutex
	campaign campaign.CampaignKey
}

// NewKeeper creates the keeper of the factory.
func NewKeeper(registry *Registry, node campaign.NodeID, unicast string, store *LocalAssignmentStore, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		registry: registry,
		node:     node,
		unicast:  unicast,
		store:    store,
		logger:   logger.With(zap.String("node", node)),
	}
}

// Store returns the local assignment store of the factory.
func (k *Keeper) Store() *LocalAssignmentStore {
	return k.store
}

func (k *Keeper) AssignFactoryDags(ctx context.Context, key campaign.CampaignKey, assignments []campaign.FactoryScenarioAssignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	if k.campaign != key {
		k.store.Reset()
		k.campaign = key
	}
	k.mu.Unlock()
	k.registry.SetTopology(key, k.node, k.unicast, assignments)
	k.logger.Debug("factory DAGs assigned",
		zap.String("campaign", key),
		zap.Int("scenarios", len(assignments)))
	return nil
}

func (k *Keeper) RegisterMinionsToAssign(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
	dags []campaign.DAGName, ids []campaign.MinionID, underLoad bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.registry.Register(key, scenario, dags, ids, underLoad)
}

func (k *Keeper) CompleteUnassignedMinionsRegistration(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.registry.CompleteRegistration(key, scenario)
}

func (k *Keeper) Assign(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) (map[campaign.MinionID][]campaign.DAGName, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assigned, err := k.registry.Assign(key, scenario, k.node)
	if err != nil {
		return nil, err
	}
	k.store.Save(scenario, assigned)
	k.logger.Debug("minions assigned",
		zap.String("campaign", key),
		zap.String("scenario", scenario),
		zap.Int("minions", len(assigned)))
	return assigned, nil
}

func (k *Keeper) Schedule(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
	definitions []campaign.MinionStartDefinition) ([]campaign.MinionStartDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return k.registry.Schedule(key, scenario, definitions)
}

func (k *Keeper) ReadSchedulePlan(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) (map[time.Time][]campaign.MinionID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return k.registry.Plan(key, scenario), nil
}

func (k *Keeper) IDsOfMinionsUnderLoad(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) ([]campaign.MinionID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return k.registry.MinionsUnderLoad(key, scenario), nil
}

func (k *Keeper) CountMinionsUnderLoad(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) (int, error) {
	ids, err := k.IDsOfMinionsUnderLoad(ctx, key, scenario)
	return len(ids), err
}

func (k *Keeper) ExecutionComplete(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
	minion campaign.MinionID, dags []campaign.DAGName) (CompletionState, error) {
	if err := ctx.Err(); err != nil {
		return CompletionState{}, err
	}
	return k.registry.Complete(key, scenario, minion, dags)
}

func (k *Keeper) FactoriesChannels(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName,
	minion campaign.MinionID, dags []campaign.DAGName) (map[campaign.DAGName]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return k.registry.Owners(key, scenario, minion, dags)
}

func (k *Keeper) ReleaseCampaign(ctx context.Context, key campaign.CampaignKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.campaign != key {
		return nil
	}
	k.store.Reset()
	k.campaign = ""
	return nil
}

var _ MinionAssignmentKeeper = (*Keeper)(nil)
