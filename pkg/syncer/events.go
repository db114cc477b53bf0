package syncer

import "sync"

// Event identifies a kind of notification emitted by the engine.
type Event int

const (
	// EventSyncCompleted fires after a creator sync finishes cleanly,
	// including runs that found nothing new.
	EventSyncCompleted Event = iota
	// EventPostsAdded fires after a creator sync that persisted at least one
	// new or updated post.
	EventPostsAdded
)

// EventPayload describes the sync run an event refers to.
type EventPayload struct {
	Creator    string
	NewPosts   int
	TotalPosts int
}

// Events is an explicit handler registry. Subscribers are invoked
// synchronously, in subscription order, from the goroutine running the sync.
type Events struct {
	mu       sync.Mutex
	handlers map[Event][]func(EventPayload)
}

// Subscribe registers fn for ev. There is no unsubscribe; registries live as
// long as the engine that owns them.
func (e *Events) Subscribe(ev Event, fn func(EventPayload)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[Event][]func(EventPayload))
	}
	e.handlers[ev] = append(e.handlers[ev], fn)
}

func (e *Events) publish(ev Event, p EventPayload) {
	e.mu.Lock()
	handlers := append([]func(EventPayload){}, e.handlers[ev]...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(p)
	}
}
