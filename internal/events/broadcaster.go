// Package events fans out typed job events to subscribers. Delivery is
// per-subscriber ordered for a single job (one producing worker per job)
// and best effort: a slow or failing subscriber never affects job
// execution, and redundant progress updates coalesce while queued.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
)

// Type identifies what an event describes
type Type string

const (
	// TypeProgress carries the job's merged progress snapshot
	TypeProgress Type = "progress"

	// TypePlaylistProgress carries playlist-level counters
	TypePlaylistProgress Type = "playlist_progress"

	// TypeEntryProgress carries a per-entry transition (completed, failed,
	// reopened)
	TypeEntryProgress Type = "entry_progress"

	// TypeSnapshot carries a full job state snapshot after a status change
	TypeSnapshot Type = "snapshot"

	// TypeLog carries one engine log line
	TypeLog Type = "log"

	// TypeOverview carries the cheap list-screen projection of a job
	TypeOverview Type = "overview"

	// TypeEntryDiscovered is emitted incrementally during preview
	TypeEntryDiscovered Type = "entry_discovered"

	// TypeEnumerationEnded terminates a preview, on success or error
	TypeEnumerationEnded Type = "enumeration_ended"
)

// Event is one broadcast message
type Event struct {
	Type    Type       `json:"type"`
	JobID   string     `json:"job_id"`
	At      time.Time  `json:"at"`
	Payload docval.Doc `json:"payload,omitempty"`
}

// Queue sizing
const (
	DefaultSubscriberBuffer = 64
	maxQueuedPerSubscriber  = 4096
)

// coalescable reports whether a newer event of the same type for the same
// job makes a queued one redundant
func coalescable(t Type) bool {
	switch t {
	case TypeProgress, TypePlaylistProgress, TypeOverview:
		return true
	}
	return false
}

// Broadcaster fans events out to any number of subscriptions
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
	log    *slog.Logger
}

// New creates an empty broadcaster
func New(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		subs: make(map[int]*Subscription),
		log:  log.With("component", "events"),
	}
}

// Publish delivers an event to every current subscriber. It never blocks on
// a subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Subscribe registers a new subscriber with the given channel buffer
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{
		ch:    make(chan Event, buffer),
		index: make(map[coalesceKey]int),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[s.id]
	delete(b.subs, s.id)
	b.mu.Unlock()
	if ok {
		s.stop()
	}
}

// Close stops every subscription
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Forward pipes every event into a sink on a dedicated goroutine. Sink
// errors are logged per call and never propagate.
func (b *Broadcaster) Forward(sink Sink) *Subscription {
	s := b.Subscribe(DefaultSubscriberBuffer)
	go func() {
		for ev := range s.C() {
			if err := sink.Send(ev); err != nil {
				b.log.Warn("event sink failed", "type", string(ev.Type), "job_id", ev.JobID, "error", err)
			}
		}
	}()
	return s
}

// Sink receives forwarded events, typically to an external system
type Sink interface {
	Send(ev Event) error
}

type coalesceKey struct {
	jobID string
	typ   Type
}

// Subscription is one consumer's queue. Events are delivered in publish
// order; while queued, a newer coalescable event replaces an older one of
// the same type and job in place, preserving its position.
type Subscription struct {
	id int
	ch chan Event

	mu      sync.Mutex
	queue   []Event
	index   map[coalesceKey]int
	head    int
	dropped int
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// C returns the subscriber's event channel; it is closed on unsubscribe
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded due to backpressure
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	key := coalesceKey{jobID: ev.JobID, typ: ev.Type}
	if coalescable(ev.Type) {
		if pos, ok := s.index[key]; ok && pos >= s.head {
			s.queue[pos] = ev
			s.mu.Unlock()
			return
		}
	}
	if len(s.queue)-s.head >= maxQueuedPerSubscriber {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if coalescable(ev.Type) {
		s.index[key] = len(s.queue) - 1
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				// Drain what is already queued before closing.
				for {
					ev, ok := s.next()
					if !ok {
						return
					}
					select {
					case s.ch <- ev:
					default:
						return
					}
				}
			}
		}
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head >= len(s.queue) {
		s.queue = s.queue[:0]
		s.head = 0
		for k := range s.index {
			delete(s.index, k)
		}
		return Event{}, false
	}
	ev := s.queue[s.head]
	key := coalesceKey{jobID: ev.JobID, typ: ev.Type}
	if pos, ok := s.index[key]; ok && pos == s.head {
		delete(s.index, key)
	}
	s.head++
	return ev, true
}

func (s *Subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}
