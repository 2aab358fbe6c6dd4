package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestRecorder_ObserveNotify(t *testing.T) {
	r := NewRecorder()

	r.ObserveNotify("minions-start", 10*time.Millisecond)
	r.ObserveNotify("minions-start", 20*time.Millisecond)
	r.ObserveNotify("minions-start", 30*time.Millisecond)
	r.ObserveNotify("campaign-abort", time.Millisecond)

	snapshot := r.Snapshot()
	if len(snapshot.Notify) != 2 {
		t.Fatalf("len(Notify) = %d, want 2", len(snapshot.Notify))
	}
	if snapshot.Notify[0].Kind != "campaign-abort" {
		t.Errorf("Notify[0].Kind = %s, want campaign-abort", snapshot.Notify[0].Kind)
	}

	start := snapshot.Notify[1]
	if start.Count != 3 {
		t.Errorf("Count = %d, want 3", start.Count)
	}
	if start.P50 < 19*time.Millisecond || start.P50 > 21*time.Millisecond {
		t.Errorf("P50 = %v, want ~20ms", start.P50)
	}
	if start.Max < 29*time.Millisecond {
		t.Errorf("Max = %v, want ~30ms", start.Max)
	}
}

func TestRecorder_ClampsValues(t *testing.T) {
	r := NewRecorder()
	r.ObserveNotify("k", 0)
	r.ObserveNotify("k", 2*time.Hour)

	stats := r.Snapshot().Notify[0]
	if stats.Count != 2 {
		t.Errorf("Count = %d, want 2", stats.Count)
	}
	if stats.Min != time.Microsecond {
		t.Errorf("Min = %v, want 1µs", stats.Min)
	}
}

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.MinionStarted()
			r.CountFeedback("minions-start", "COMPLETED")
		}()
	}
	wg.Wait()
	r.MinionCompleted()
	r.MinionStopped()

	snapshot := r.Snapshot()
	if snapshot.MinionsStarted != 100 {
		t.Errorf("MinionsStarted = %d, want 100", snapshot.MinionsStarted)
	}
	if snapshot.ActiveMinions != 99 {
		t.Errorf("ActiveMinions = %d, want 99", snapshot.ActiveMinions)
	}
	if snapshot.MinionsCompleted != 1 {
		t.Errorf("MinionsCompleted = %d, want 1", snapshot.MinionsCompleted)
	}
	if got := snapshot.Feedback["minions-start"]["COMPLETED"]; got != 100 {
		t.Errorf("Feedback = %d, want 100", got)
	}
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.ObserveNotify("k", time.Second)
	r.CountFeedback("k", "FAILED")
	r.MinionStarted()

	if snapshot := r.Snapshot(); len(snapshot.Notify) != 0 {
		t.Errorf("nil recorder recorded %d kinds", len(snapshot.Notify))
	}
}
