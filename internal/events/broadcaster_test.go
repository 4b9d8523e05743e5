package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chomusuke-mk/vidra/internal/docval"
)

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	out := make([]Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(nil)
	defer b.Close()

	s1 := b.Subscribe(8)
	s2 := b.Subscribe(8)

	b.Publish(Event{Type: TypeSnapshot, JobID: "job-1"})

	got1 := collect(s1, 1, time.Second)
	got2 := collect(s2, 1, time.Second)
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, TypeSnapshot, got1[0].Type)
	assert.False(t, got1[0].At.IsZero(), "publish stamps the event time")
}

func TestPerJobOrderingPreserved(t *testing.T) {
	b := New(nil)
	defer b.Close()
	sub := b.Subscribe(64)

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeLog, JobID: "job-1", Payload: docval.Doc{"seq": float64(i)}})
	}

	got := collect(sub, 10, time.Second)
	require.Len(t, got, 10)
	for i, ev := range got {
		seq, _ := ev.Payload.Float("seq")
		assert.Equal(t, float64(i), seq, "events for one job arrive in publish order")
	}
}

func TestCoalescing_LatestProgressWins(t *testing.T) {
	b := New(nil)
	defer b.Close()

	// A subscriber that is not draining yet.
	sub := b.Subscribe(1)
	// Occupy the channel buffer so further events stay queued.
	b.Publish(Event{Type: TypeLog, JobID: "job-1", Payload: docval.Doc{"seq": 0.0}})
	time.Sleep(50 * time.Millisecond)

	for i := 1; i <= 20; i++ {
		b.Publish(Event{Type: TypeProgress, JobID: "job-1", Payload: docval.Doc{"pct": float64(i * 5)}})
	}
	b.Publish(Event{Type: TypeSnapshot, JobID: "job-1"})

	// Read until the snapshot marker arrives. An in-flight progress event
	// can escape coalescing, but the bulk of the burst must merge and the
	// last progress seen must be the newest.
	var progressSeen int
	var lastPct float64
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev := <-sub.C():
			switch ev.Type {
			case TypeProgress:
				progressSeen++
				lastPct, _ = ev.Payload.Float("pct")
			case TypeSnapshot:
				break loop
			}
		case <-deadline:
			t.Fatal("snapshot event never arrived")
		}
	}

	assert.Equal(t, 100.0, lastPct, "queued progress events coalesce to the newest")
	assert.Less(t, progressSeen, 20, "redundant queued progress events must merge")
}

func TestCoalescing_SeparateJobsDoNotMerge(t *testing.T) {
	b := New(nil)
	defer b.Close()
	sub := b.Subscribe(1)
	b.Publish(Event{Type: TypeLog, JobID: "pad"})
	time.Sleep(50 * time.Millisecond)

	b.Publish(Event{Type: TypeProgress, JobID: "job-1", Payload: docval.Doc{"pct": 10.0}})
	b.Publish(Event{Type: TypeProgress, JobID: "job-2", Payload: docval.Doc{"pct": 20.0}})

	got := collect(sub, 3, time.Second)
	require.Len(t, got, 3, "progress for different jobs never coalesces")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(4)
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "channel must be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeLog, JobID: "job-1"})
	b.Close()
}

type failingSink struct {
	calls int
}

func (f *failingSink) Send(ev Event) error {
	f.calls++
	return errors.New("sink down")
}

func TestForward_SinkFailuresAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sink := &failingSink{}
	b.Forward(sink)
	healthy := b.Subscribe(8)

	b.Publish(Event{Type: TypeSnapshot, JobID: "job-1"})

	got := collect(healthy, 1, time.Second)
	require.Len(t, got, 1, "a failing sink must not affect other subscribers")
}
