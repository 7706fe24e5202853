// Package events fans run lifecycle events out to in-process subscribers,
// primarily the ops SSE endpoint.
package events

import (
	"sync"
	"time"
)

const (
	defaultReplayDepth  = 200
	subscriberQueueSize = 50
)

// Event types published by the scheduler.
const (
	TypeRunEnqueued  = "run_enqueued"
	TypeRunClaimed   = "run_claimed"
	TypeRunRunning   = "run_running"
	TypeRunCompleted = "run_completed"
	TypeRunFailed    = "run_failed"
	TypeRunRetried   = "run_retried"
	TypeRunReclaimed = "run_reclaimed"
)

type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     string            `json:"level"`
	Type      string            `json:"type"`
	Message   string            `json:"msg"`
	BotID     string            `json:"bot_id,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker keeps a bounded ring of recent events for replay and delivers live
// events best effort: a subscriber that cannot keep up loses events instead
// of stalling the scheduler.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event

	ring  []Event
	head  int // index of the oldest buffered event
	count int
}

func NewBroker(replayDepth int) *Broker {
	if replayDepth <= 0 {
		replayDepth = defaultReplayDepth
	}
	return &Broker{
		subs: make(map[int]chan Event),
		ring: make([]Event, replayDepth),
	}
}

func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.record(event)
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
}

// record appends to the replay ring, evicting the oldest entry once full.
// Caller holds b.mu.
func (b *Broker) record(event Event) {
	b.ring[(b.head+b.count)%len(b.ring)] = event
	if b.count < len(b.ring) {
		b.count++
		return
	}
	b.head = (b.head + 1) % len(b.ring)
}

// Subscribe registers a live channel and returns it with a cancel func and
// the replay snapshot, oldest first.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	ch := make(chan Event, subscriberQueueSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	replay := make([]Event, b.count)
	for i := range replay {
		replay[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel, replay
}
