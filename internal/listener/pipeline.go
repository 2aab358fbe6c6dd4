package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/channel"
	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/metrics"
)

// Pipeline dispatches the directives received by a factory to the listeners
// registered for their kind.
//
// Each accepting listener is notified in its own goroutine, so that a slow
// phase never delays the processing of other directives.
type Pipeline struct {
	handlers map[directive.Kind][]Listener
	channel  channel.FactoryChannel
	recorder *metrics.Recorder
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewPipeline creates a pipeline dispatching to the listeners.
func NewPipeline(ch channel.FactoryChannel, recorder *metrics.Recorder, logger *zap.Logger, listeners ...Listener) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		handlers: make(map[directive.Kind][]Listener),
		channel:  ch,
		recorder: recorder,
		logger:   logger,
	}
	for _, l := range listeners {
		p.handlers[l.Kind()] = append(p.handlers[l.Kind()], l)
	}
	return p
}

// Listeners returns the listeners registered for the kind.
func (p *Pipeline) Listeners(kind directive.Kind) []Listener {
	return p.handlers[kind]
}

// Dispatch notifies every listener accepting the directive. It does not wait
// for the notifications to complete.
func (p *Pipeline) Dispatch(ctx context.Context, d directive.Directive) {
	accepted := 0
	for _, l := range p.handlers[d.Kind()] {
		if !l.Accept(d) {
			continue
		}
		accepted++
		p.wg.Add(1)
		go p.notify(ctx, l, d)
	}
	if accepted == 0 {
		p.logger.Debug("directive not accepted",
			zap.String("kind", string(d.Kind())),
			zap.String("campaign", d.Meta().CampaignKey))
	}
}

func (p *Pipeline) notify(ctx context.Context, l Listener, d directive.Directive) {
	defer p.wg.Done()

	start := time.Now()
	defer func() {
		p.recorder.ObserveNotify(string(d.Kind()), time.Since(start))

		if r := recover(); r != nil {
			err := fmt.Errorf("panic while processing %s: %v", d.Kind(), r)
			p.logger.Error("listener panicked",
				zap.String("kind", string(d.Kind())),
				zap.Error(err))
			if isDataPlane(d.Kind()) {
				return
			}
			f := directive.FeedbackFor(d, directive.StatusFailed).Failed(err)
			if err := p.channel.PublishFeedback(ctx, f); err != nil {
				p.logger.Warn("failed to publish the feedback", zap.Error(err))
			}
		}
	}()

	l.Notify(ctx, d)
}

// Wait blocks until every notification in progress returns.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func isDataPlane(kind directive.Kind) bool {
	return kind == directive.KindTransportableStepContext || kind == directive.KindTransportableCompletionContext
}

// Window splits the start definitions in consecutive windows of at most size
// entries.
func Window[T any](definitions []T, size int) [][]T {
	if size <= 0 {
		size = DefaultWindowSize
	}
	windows := make([][]T, 0, (len(definitions)+size-1)/size)
	for start := 0; start < len(definitions); start += size {
		end := min(start+size, len(definitions))
		windows = append(windows, definitions[start:end:end])
	}
	return windows
}

// CountingChannel counts the published feedback per kind and status.
type CountingChannel struct {
	channel.FactoryChannel
	recorder *metrics.Recorder
}

// WithFeedbackCounts wraps the channel to count its feedback in the recorder.
func WithFeedbackCounts(ch channel.FactoryChannel, recorder *metrics.Recorder) *CountingChannel {
	return &CountingChannel{FactoryChannel: ch, recorder: recorder}
}

func (c *CountingChannel) PublishFeedback(ctx context.Context, f directive.Feedback) error {
	c.recorder.CountFeedback(string(f.Kind), string(f.Status))
	return c.FactoryChannel.PublishFeedback(ctx, f)
}
