package factory

import (
	"context"

	"github.com/wesleyorama2/fleet/internal/campaign"
)

// CampaignLifeCycleAware is implemented by the components preparing for a
// campaign when it is assigned to the factory and releasing their resources
// when it ends.
type CampaignLifeCycleAware interface {
	Init(ctx context.Context, c *campaign.Campaign) error
	Close(ctx context.Context, c *campaign.Campaign) error
}

// ScenarioLifeCycleAware is implemented by the support components of a
// scenario, started at warm-up and stopped when the scenario shuts down.
type ScenarioLifeCycleAware interface {
	Start(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) error
	Stop(ctx context.Context, key campaign.CampaignKey, scenario campaign.ScenarioName) error
}
