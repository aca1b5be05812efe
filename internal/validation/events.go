package validation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/tavalid/internal/logging"
)

type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventDenied    EventType = "admission_denied"
	EventStatus    EventType = "status"
	EventStage     EventType = "stage"
)

// Event describes one observable change of a request.
type Event struct {
	RequestID string    `json:"request_id"`
	Type      EventType `json:"type"`
	Status    Status    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether the event carries a final status.
func (e Event) Terminal() bool {
	return e.Type == EventStatus && e.Status.Terminal()
}

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than blocking publishers. A nil Broadcaster discards everything.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan Event),
		logger: logging.Ensure(logger).With("component", "events"),
	}
}

// Subscribe returns a channel of future events and a function that closes
// it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	if b == nil {
		close(ch)
		return ch, func() {}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Broadcaster) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber", "subscriber", id, "request_id", ev.RequestID, "type", string(ev.Type))
		}
	}
}

// Close closes every subscription.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
