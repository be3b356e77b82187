package docsync

import (
	"sync"
	"time"
)

type EventType string

const (
	EventStarted     EventType = "sync.started"
	EventProgress    EventType = "sync.progress"
	EventSucceeded   EventType = "sync.succeeded"
	EventFailed      EventType = "sync.failed"
	EventRateLimited EventType = "api.rate_limited"
)

// Event describes one step of a sync cycle. Events are informational and
// never change the outcome of the cycle that produced them.
type Event struct {
	Type   EventType     `json:"type"`
	Op     string        `json:"op,omitempty"`
	Done   int           `json:"done,omitempty"`
	Total  int           `json:"total,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Wait   time.Duration `json:"wait,omitempty"`
	At     time.Time     `json:"at"`
}

type Observer interface {
	OnSyncEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnSyncEvent(e Event) { f(e) }

type broadcaster struct {
	mu          sync.Mutex
	observers   []Observer
	subscribers map[int]chan Event
	nextID      int
}

func (b *broadcaster) addObserver(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.subscribers == nil {
		b.subscribers = map[int]chan Event{}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers without blocking; a subscriber with a full buffer misses
// the event.
func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	observers := append([]Observer(nil), b.observers...)
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.Unlock()
	for _, o := range observers {
		o.OnSyncEvent(e)
	}
}
