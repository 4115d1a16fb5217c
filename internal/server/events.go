package server

import (
	"sync"
	"time"
)

// eventLogCapacity bounds the in-memory event ring.
const eventLogCapacity = 256

// Event is one entry in the server's connection event log.
type Event struct {
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
	Client string    `json:"client"`
}

// eventLog is a fixed-capacity ring of recent events. Safe for concurrent
// use.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func newEventLog() *eventLog {
	return &eventLog{events: make([]Event, eventLogCapacity)}
}

// record appends an event, evicting the oldest when the ring is full.
func (l *eventLog) record(eventType, client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = Event{Time: time.Now(), Type: eventType, Client: client}
	l.next++
	if l.next == len(l.events) {
		l.next = 0
		l.full = true
	}
}

// Recent returns the logged events, oldest first.
func (l *eventLog) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Event(nil), l.events[:l.next]...)
	}
	out := make([]Event, 0, len(l.events))
	out = append(out, l.events[l.next:]...)
	out = append(out, l.events[:l.next]...)
	return out
}
