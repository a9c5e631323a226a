package engine

import (
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// closedRetention is how long a finished run keeps its closed marker. It only
// needs to cover a subscriber that checked the run before it finished.
const closedRetention = time.Minute

// EventBroker fans out run state events to subscribers. It is safe for
// concurrent use.
//
// Finished runs keep a closed marker for a while so that a subscriber arriving
// shortly after the terminal event receives a closed channel instead of
// blocking forever. Markers are pruned as later runs close.
type EventBroker struct {
	mu      sync.Mutex
	topics  map[string]*eventTopic
	retain  time.Duration
	closing []string
}

type eventTopic struct {
	subs     map[int]chan model.RunEvent
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
		retain: closedRetention,
	}
}

// Len returns the number of runs the broker holds state for.
func (b *EventBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscribe returns a channel that receives events for runID and an
// unsubscribe function. If the run has already finished, the returned channel
// is closed.
func (b *EventBroker) Subscribe(runID string) (<-chan model.RunEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.RunEvent)}
		b.topics[runID] = t
	}

	ch := make(chan model.RunEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		// Publish never creates topics, so an idle open topic can go.
		if len(t.subs) == 0 && !t.closed && b.topics[runID] == t {
			delete(b.topics, runID)
		}
	}
}

// Publish sends ev to every subscriber of ev.RunID. Events are dropped for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(ev model.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RunID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for runID.
func (b *EventBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.prune(now)

	t, ok := b.topics[runID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.RunEvent)}
		b.topics[runID] = t
	}
	if t.closed {
		return
	}

	t.closed = true
	t.closedAt = now
	b.closing = append(b.closing, runID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// prune drops closed markers older than the retention window. Markers are
// queued in close order, so pruning stops at the first one still retained.
func (b *EventBroker) prune(now time.Time) {
	n := 0
	for _, runID := range b.closing {
		t, ok := b.topics[runID]
		if ok && now.Sub(t.closedAt) < b.retain {
			break
		}
		if ok {
			delete(b.topics, runID)
		}
		n++
	}
	b.closing = b.closing[n:]
}
