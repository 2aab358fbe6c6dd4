// Package metrics measures the processing of directives and the activity of
// minions on a factory.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Recorder collects the durations of the directive handlers using HDR
// histograms, one per directive kind, and counts feedback and minions.
//
// # Thread Safety
//
// Recorder is safe for concurrent use. Counters use atomic operations and
// histograms are protected by a mutex. A nil *Recorder discards everything.
type Recorder struct {
	config Config

	histsMu sync.Mutex
	hists   map[string]*hdrhistogram.Histogram

	statusMu sync.Mutex
	statuses map[string]map[string]int64

	minionsStarted   atomic.Int64
	minionsCompleted atomic.Int64
	minionsStopped   atomic.Int64
	activeMinions    atomic.Int64

	startTime time.Time
}

// Config contains configuration for the recorder.
type Config struct {
	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// NewRecorder creates a recorder with the default configuration.
func NewRecorder() *Recorder {
	return NewRecorderWithConfig(DefaultConfig())
}

// NewRecorderWithConfig creates a recorder with a custom configuration.
func NewRecorderWithConfig(config Config) *Recorder {
	return &Recorder{
		config:    config,
		hists:     make(map[string]*hdrhistogram.Histogram),
		statuses:  make(map[string]map[string]int64),
		startTime: time.Now(),
	}
}

// ObserveNotify records how long a listener took to process a directive.
func (r *Recorder) ObserveNotify(kind string, duration time.Duration) {
	if r == nil {
		return
	}

	micros := duration.Microseconds()
	if micros < r.config.HistogramMin {
		micros = r.config.HistogramMin
	}
	if micros > r.config.HistogramMax {
		micros = r.config.HistogramMax
	}

	// HDR histograms are not thread-safe.
	r.histsMu.Lock()
	defer r.histsMu.Unlock()

	hist, ok := r.hists[kind]
	if !ok {
		hist = hdrhistogram.New(r.config.HistogramMin, r.config.HistogramMax, r.config.HistogramSigFigs)
		r.hists[kind] = hist
	}
	_ = hist.RecordValue(micros)
}

// CountFeedback counts a feedback published for a directive kind.
func (r *Recorder) CountFeedback(kind, status string) {
	if r == nil {
		return
	}
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	byStatus, ok := r.statuses[kind]
	if !ok {
		byStatus = make(map[string]int64)
		r.statuses[kind] = byStatus
	}
	byStatus[status]++
}

// MinionStarted counts a minion that started executing.
func (r *Recorder) MinionStarted() {
	if r == nil {
		return
	}
	r.minionsStarted.Add(1)
	r.activeMinions.Add(1)
}

// MinionCompleted counts a minion that executed its local DAGs.
func (r *Recorder) MinionCompleted() {
	if r == nil {
		return
	}
	r.minionsCompleted.Add(1)
}

// MinionStopped counts a started minion that stopped.
func (r *Recorder) MinionStopped() {
	if r == nil {
		return
	}
	r.minionsStopped.Add(1)
	r.activeMinions.Add(-1)
}

// LatencyStats summarizes the durations of one directive kind.
type LatencyStats struct {
	Kind  string
	Count int64
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Snapshot is a point-in-time view of the recorder.
type Snapshot struct {
	Elapsed          time.Duration
	Notify           []LatencyStats
	Feedback         map[string]map[string]int64
	MinionsStarted   int64
	MinionsCompleted int64
	MinionsStopped   int64
	ActiveMinions    int64
}

// Snapshot returns the current state of the recorder. Notify stats are sorted
// by kind.
func (r *Recorder) Snapshot() *Snapshot {
	if r == nil {
		return &Snapshot{Feedback: map[string]map[string]int64{}}
	}

	s := &Snapshot{
		Elapsed:          time.Since(r.startTime),
		Feedback:         make(map[string]map[string]int64),
		MinionsStarted:   r.minionsStarted.Load(),
		MinionsCompleted: r.minionsCompleted.Load(),
		MinionsStopped:   r.minionsStopped.Load(),
		ActiveMinions:    r.activeMinions.Load(),
	}

	r.histsMu.Lock()
	for kind, hist := range r.hists {
		s.Notify = append(s.Notify, LatencyStats{
			Kind:  kind,
			Count: hist.TotalCount(),
			Min:   time.Duration(hist.Min()) * time.Microsecond,
			Max:   time.Duration(hist.Max()) * time.Microsecond,
			Mean:  time.Duration(hist.Mean()) * time.Microsecond,
			P50:   time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
			P95:   time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
			P99:   time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond,
		})
	}
	r.histsMu.Unlock()
	sort.Slice(s.Notify, func(i, j int) bool { return s.Notify[i].Kind < s.Notify[j].Kind })

	r.statusMu.Lock()
	for kind, byStatus := range r.statuses {
		copied := make(map[string]int64, len(byStatus))
		for status, n := range byStatus {
			copied[status] = n
		}
		s.Feedback[kind] = copied
	}
	r.statusMu.Unlock()

	return s
}
