package board

import (
	"sync"

	"tracker-board/domain"
)

// EventType identifies a board lifecycle event.
type EventType string

const (
	// EventLoaded fires after a successful load replaced the columns.
	EventLoaded EventType = "loaded"
	// EventCreated fires when a created task lands on the board.
	EventCreated EventType = "created"
	// EventCommitted fires when a persist succeeded and the server record
	// replaced the optimistic one.
	EventCommitted EventType = "committed"
	// EventRolledBack fires when a persist failed and the optimistic change
	// was reverted.
	EventRolledBack EventType = "rolled_back"
	// EventRemoved fires when a removal was confirmed by the server.
	EventRemoved EventType = "removed"
)

// Event describes one board change.
type Event struct {
	Type EventType
	Op   string
	Task domain.Task // zero for loads
	Err  error       // set for rollbacks
}

const eventBuffer = 16

// eventBroker fans board events out to subscribers. Sends never block; a
// subscriber that falls behind misses events.
type eventBroker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventBroker() *eventBroker {
	return &eventBroker{subs: make(map[chan Event]struct{})}
}

func (b *eventBroker) subscribe() chan Event {
	ch := make(chan Event, eventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *eventBroker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *eventBroker) notify(ev Event) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}
