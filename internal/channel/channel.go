// Package channel carries directives and feedback between the head and the
// factories.
package channel

import (
	"context"

	"github.com/wesleyorama2/fleet/internal/directive"
)

// FactoryChannel publishes the messages of a factory.
//
// Publication is fire-and-forget: a nil error only means the message was
// accepted by the transport, not that it was delivered.
type FactoryChannel interface {
	PublishDirective(ctx context.Context, d directive.Directive) error
	PublishFeedback(ctx context.Context, f directive.Feedback) error
}

// DirectiveHandler processes a directive received on a channel.
type DirectiveHandler func(ctx context.Context, d directive.Directive)

// FeedbackHandler processes a feedback.
type FeedbackHandler func(ctx context.Context, f directive.Feedback)
