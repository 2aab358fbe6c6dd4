package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/directive"
)

// DefaultBroadcastChannel is the channel of the directives without channel.
const DefaultBroadcastChannel = "directives-broadcast"

var (
	// ErrClosed is returned when publishing to or subscribing on a closed bus.
	ErrClosed = errors.New("channel: bus closed")

	// ErrCloseTimeout is returned when the subscribers did not drain in time.
	ErrCloseTimeout = errors.New("channel: timeout waiting for subscribers")
)

type delivery[T any] struct {
	ctx context.Context
	msg T
}

// Bus is an in-process publish/subscribe transport.
//
// Directives are routed by channel name, feedback goes to every feedback
// subscriber. Each subscription receives its messages in publication order.
type Bus struct {
	broadcast string
	wire      bool
	logger    *zap.Logger

	mu         sync.RWMutex
	directives map[string][]*mailbox[delivery[directive.Directive]]
	feedbacks  []*mailbox[delivery[directive.Feedback]]
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithWireEncoding makes the bus encode every message and give each subscriber
// its own decoded copy, as a networked transport would.
func WithWireEncoding() BusOption {
	return func(b *Bus) { b.wire = true }
}

// WithBroadcastChannel sets the channel of the directives without channel.
func WithBroadcastChannel(name string) BusOption {
	return func(b *Bus) { b.broadcast = name }
}

// WithLogger sets the logger of the bus.
func WithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// NewBus creates a bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		broadcast:  DefaultBroadcastChannel,
		directives: make(map[string][]*mailbox[delivery[directive.Directive]]),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// BroadcastChannel returns the name of the broadcast channel.
func (b *Bus) BroadcastChannel() string {
	return b.broadcast
}

// SubscribeDirectives delivers the directives published on the channel to the handler.
func (b *Bus) SubscribeDirectives(channel string, h DirectiveHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	m := newMailbox(func(d delivery[directive.Directive]) {
		defer b.recoverHandler("directive", channel)
		h(d.ctx, d.msg)
	})
	b.directives[channel] = append(b.directives[channel], m)
	b.start(m.run)
	return nil
}

// SubscribeFeedbacks delivers every published feedback to the handler.
func (b *Bus) SubscribeFeedbacks(h FeedbackHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	m := newMailbox(func(d delivery[directive.Feedback]) {
		defer b.recoverHandler("feedback", "")
		h(d.ctx, d.msg)
	})
	b.feedbacks = append(b.feedbacks, m)
	b.start(m.run)
	return nil
}

func (b *Bus) start(run func(stop <-chan struct{})) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run(b.stopCh)
	}()
}

func (b *Bus) recoverHandler(kind, channel string) {
	if r := recover(); r != nil {
		b.logger.Error("subscriber panicked",
			zap.String("message", kind),
			zap.String("channel", channel),
			zap.Any("panic", r))
	}
}

// PublishDirective routes the directive to the subscribers of its channel.
func (b *Bus) PublishDirective(ctx context.Context, d directive.Directive) error {
	channel := d.Meta().Channel
	if channel == "" {
		channel = b.broadcast
	}

	var encoded []byte
	if b.wire {
		var err error
		if encoded, err = directive.Encode(d); err != nil {
			return err
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	subscribers := b.directives[channel]
	if len(subscribers) == 0 {
		b.logger.Debug("no subscriber for directive",
			zap.String("kind", string(d.Kind())),
			zap.String("channel", channel))
		return nil
	}

	detached := context.WithoutCancel(ctx)
	for _, m := range subscribers {
		msg := d
		if b.wire {
			decoded, err := directive.Decode(encoded)
			if err != nil {
				return fmt.Errorf("failed to decode %s directive: %w", d.Kind(), err)
			}
			msg = decoded
		}
		m.push(delivery[directive.Directive]{ctx: detached, msg: msg})
	}
	return nil
}

// PublishFeedback delivers the feedback to every feedback subscriber.
func (b *Bus) PublishFeedback(ctx context.Context, f directive.Feedback) error {
	if b.wire {
		encoded, err := directive.EncodeFeedback(f)
		if err != nil {
			return fmt.Errorf("failed to encode feedback: %w", err)
		}
		if f, err = directive.DecodeFeedback(encoded); err != nil {
			return err
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	detached := context.WithoutCancel(ctx)
	for _, m := range b.feedbacks {
		f := f
		f.MinionIDs = append([]string(nil), f.MinionIDs...)
		m.push(delivery[directive.Feedback]{ctx: detached, msg: f})
	}
	return nil
}

// Close stops accepting messages and waits for the subscribers to process the
// pending ones.
func (b *Bus) Close(timeout time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrCloseTimeout
	}
}

var _ FactoryChannel = (*Bus)(nil)
