package channel

import (
	"context"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/directive"
)

// Endpoint is the FactoryChannel of one factory on a Bus.
type Endpoint struct {
	bus     *Bus
	node    campaign.NodeID
	unicast string
}

// Endpoint returns the endpoint of the factory. Feedback published through it
// is stamped with the node id.
func (b *Bus) Endpoint(node campaign.NodeID, unicast string) *Endpoint {
	return &Endpoint{bus: b, node: node, unicast: unicast}
}

// Node returns the id of the factory.
func (e *Endpoint) Node() campaign.NodeID {
	return e.node
}

// Unicast returns the channel only the factory listens to.
func (e *Endpoint) Unicast() string {
	return e.unicast
}

// Listen subscribes the handler to the broadcast and unicast channels of the factory.
func (e *Endpoint) Listen(h DirectiveHandler) error {
	if err := e.bus.SubscribeDirectives(e.bus.BroadcastChannel(), h); err != nil {
		return err
	}
	return e.bus.SubscribeDirectives(e.unicast, h)
}

func (e *Endpoint) PublishDirective(ctx context.Context, d directive.Directive) error {
	return e.bus.PublishDirective(ctx, d)
}

func (e *Endpoint) PublishFeedback(ctx context.Context, f directive.Feedback) error {
	if f.NodeID == "" {
		f.NodeID = e.node
	}
	return e.bus.PublishFeedback(ctx, f)
}

var _ FactoryChannel = (*Endpoint)(nil)
