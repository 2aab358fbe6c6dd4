package listener_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/listener"
	"github.com/wesleyorama2/fleet/internal/metrics"
)

type stubListener struct {
	kind     directive.Kind
	accept   bool
	panics   bool
	notified atomic.Int32
}

func (l *stubListener) Kind() directive.Kind { return l.kind }

func (l *stubListener) Accept(directive.Directive) bool { return l.accept }

func (l *stubListener) Notify(context.Context, directive.Directive) {
	l.notified.Add(1)
	if l.panics {
		panic("boom")
	}
}

func TestPipeline_Dispatch(t *testing.T) {
	ch := &recordingChannel{}
	recorder := metrics.NewRecorder()

	accepting := &stubListener{kind: directive.KindCampaignShutdown, accept: true}
	refusing := &stubListener{kind: directive.KindCampaignShutdown}
	other := &stubListener{kind: directive.KindCampaignAbort, accept: true}
	p := listener.NewPipeline(ch, recorder, nil, accepting, refusing, other)

	assert.Len(t, p.Listeners(directive.KindCampaignShutdown), 2)

	p.Dispatch(context.Background(), &directive.CampaignShutdown{Header: directive.NewHeader("c1", "")})
	p.Wait()

	assert.Equal(t, int32(1), accepting.notified.Load())
	assert.Zero(t, refusing.notified.Load())
	assert.Zero(t, other.notified.Load())

	snapshot := recorder.Snapshot()
	require.Len(t, snapshot.Notify, 1)
	assert.Equal(t, string(directive.KindCampaignShutdown), snapshot.Notify[0].Kind)
	assert.Equal(t, int64(1), snapshot.Notify[0].Count)
}

func TestPipeline_RecoversPanics(t *testing.T) {
	tests := []struct {
		name     string
		d        directive.Directive
		feedback []directive.Status
	}{
		{
			name:     "control directive fails",
			d:        &directive.ScenarioWarmUp{Header: directive.NewHeader("c1", ""), Scope: scope("checkout")},
			feedback: []directive.Status{directive.StatusFailed},
		},
		{
			name: "step context is only logged",
			d:    &directive.TransportableStepContext{Header: directive.NewHeader("c1", ""), Scope: scope("checkout")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &recordingChannel{}
			l := &stubListener{kind: tt.d.Kind(), accept: true, panics: true}
			p := listener.NewPipeline(ch, nil, nil, l)

			p.Dispatch(context.Background(), tt.d)
			p.Wait()

			assert.Equal(t, tt.feedback, ch.statuses(tt.d.Kind()))
			if len(tt.feedback) > 0 {
				f := ch.last(tt.d.Kind())
				assert.Contains(t, f.Error, "boom")
				assert.Equal(t, "checkout", f.ScenarioName)
			}
		})
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		count int
		size  int
		want  []int
	}{
		{count: 0, size: 400, want: []int{}},
		{count: 1, size: 400, want: []int{1}},
		{count: 400, size: 400, want: []int{400}},
		{count: 401, size: 400, want: []int{400, 1}},
		{count: 650, size: 400, want: []int{400, 250}},
		{count: 650, size: 0, want: []int{400, 250}},
		{count: 7, size: 3, want: []int{3, 3, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d by %d", tt.count, tt.size), func(t *testing.T) {
			items := make([]int, tt.count)
			for i := range items {
				items[i] = i
			}

			windows := listener.Window(items, tt.size)

			sizes := make([]int, 0, len(windows))
			var joined []int
			for _, w := range windows {
				sizes = append(sizes, len(w))
				joined = append(joined, w...)
			}
			assert.Equal(t, tt.want, sizes)
			if tt.count > 0 {
				assert.Equal(t, items, joined, "windows keep the order")
			}
		})
	}

	t.Run("windows do not share capacity", func(t *testing.T) {
		windows := listener.Window([]int{1, 2, 3, 4}, 2)
		_ = append(windows[0], 99)
		assert.Equal(t, []int{3, 4}, windows[1])
	})
}

func TestCountingChannel(t *testing.T) {
	ch := &recordingChannel{}
	recorder := metrics.NewRecorder()
	counting := listener.WithFeedbackCounts(ch, recorder)

	d := &directive.CampaignShutdown{Header: directive.NewHeader("c1", "")}
	require.NoError(t, counting.PublishFeedback(context.Background(), directive.FeedbackFor(d, directive.StatusInProgress)))
	require.NoError(t, counting.PublishFeedback(context.Background(), directive.FeedbackFor(d, directive.StatusCompleted)))
	require.NoError(t, counting.PublishDirective(context.Background(), d))

	assert.Equal(t, map[string]int64{"IN_PROGRESS": 1, "COMPLETED": 1},
		recorder.Snapshot().Feedback[string(directive.KindCampaignShutdown)])
	assert.Equal(t, []directive.Status{directive.StatusInProgress, directive.StatusCompleted},
		ch.statuses(directive.KindCampaignShutdown))
	assert.Len(t, ch.published(), 1)
}
