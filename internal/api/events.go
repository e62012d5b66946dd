package api

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one execution lifecycle notification streamed on /events.
type Event struct {
	ID   int64
	Type string
	At   time.Time
	Data json.RawMessage
}

// EventHub fans execution events out to SSE subscribers and keeps the most
// recent ones so a reconnecting client can resume from Last-Event-ID.
type EventHub struct {
	mu     sync.Mutex
	lastID int64
	recent []Event
	limit  int
	subs   map[chan Event]struct{}
}

func NewEventHub(limit int) *EventHub {
	if limit <= 0 {
		limit = 1
	}
	return &EventHub{
		recent: make([]Event, 0, limit),
		limit:  limit,
		subs:   make(map[chan Event]struct{}),
	}
}

// Publish records an event and offers it to every subscriber. Subscribers
// that are not keeping up miss it.
func (h *EventHub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.recent) == h.limit {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.limit-1]
	}
	h.recent = append(h.recent, ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a channel of future events and a function that detaches it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns retained events with an ID greater than lastID, oldest first.
func (h *EventHub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.recent))
	for _, ev := range h.recent {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
