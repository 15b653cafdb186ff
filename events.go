package intercept

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventSuspended EventKind = "suspended"
	EventResumed   EventKind = "resumed"
	EventExchange  EventKind = "exchange"
)

// Event is published when an exchange is suspended, resumed or completed.
type Event struct {
	Kind         EventKind `json:"kind"`
	Time         time.Time `json:"time"`
	SuspensionID int64     `json:"suspensionId,omitempty"`
	ExchangeID   int64     `json:"exchangeId"`
	Phase        string    `json:"phase,omitempty"`
	Decision     string    `json:"decision,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Method       string    `json:"method,omitempty"`
	URL          string    `json:"url,omitempty"`
	Status       int       `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Events fans engine events out to subscribers. Slow subscribers miss
// events instead of stalling traffic.
type Events struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func newEvents() *Events {
	return &Events{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (h *Events) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Events) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func exchangeEvent(kind EventKind, ex *Exchange) Event {
	ev := Event{Kind: kind, ExchangeID: ex.ID}
	if ex.Request != nil {
		ev.Method = ex.Request.Method
		ev.URL = ex.subject().URL()
	}
	if ex.Response != nil {
		ev.Status = ex.Response.StatusCode
	}
	if ex.Err != nil {
		ev.Error = ex.Err.Error()
	}
	return ev
}
