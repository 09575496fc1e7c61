package engine

import "sync"

// subscriberBufferSize is the channel buffer for each output subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// MaxClosedMarkers bounds how many finished runs keep a closed-topic marker.
// Once the cap is reached the oldest marker is evicted; a subscriber for an
// evicted run is expected to have checked the run's terminal status first.
const MaxClosedMarkers = 128

// OutputBroker fans out per-run script output to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever. The marker set is capped at MaxClosedMarkers, evicting
// oldest first, so memory stays bounded regardless of run volume.
type OutputBroker struct {
	mu          sync.Mutex
	topics      map[string]*outputTopic
	closedOrder []string // finished run IDs, oldest first
}

type outputTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewOutputBroker creates a new output broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{
		topics: make(map[string]*outputTopic),
	}
}

// Subscribe returns a channel that receives output lines for the given run
// and an unsubscribe function. If the run has already finished (Close was
// called), the returned channel is immediately closed.
func (b *OutputBroker) Subscribe(runID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan string)}
		b.topics[runID] = t
	}

	ch := make(chan string, subscriberBufferSize)
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
	}
}

// Publish sends an output line to all subscribers of the given run. Lines are
// dropped for subscribers whose buffers are full.
func (b *OutputBroker) Publish(runID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking the script.
		}
	}
}

// Close signals that no more output will be published for the given run. All
// subscriber channels are closed and future Subscribe calls return a closed
// channel.
func (b *OutputBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[runID] = &outputTopic{subs: make(map[int]chan string), closed: true}
		b.retainMarker(runID)
		return
	}
	if t.closed {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	b.retainMarker(runID)
}

// retainMarker records runID as a closed topic and evicts the oldest marker
// beyond the cap. Caller holds b.mu.
func (b *OutputBroker) retainMarker(runID string) {
	b.closedOrder = append(b.closedOrder, runID)
	if len(b.closedOrder) > MaxClosedMarkers {
		oldest := b.closedOrder[0]
		b.closedOrder = b.closedOrder[1:]
		delete(b.topics, oldest)
	}
}
