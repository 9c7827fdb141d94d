// Package events fans route events out to live subscribers (SSE, WebSocket).
package events

import (
	"sync"
)

// Event is a typed route notification.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Broker delivers events published under a key to every current subscriber
// of that key. Delivery is best effort: slow subscribers drop events.
// Channels returned by Subscribe are closed after Unsubscribe.
type Broker interface {
	Subscribe(key string) chan Event
	Unsubscribe(key string, ch chan Event)
	Publish(key string, evt Event)
}

// RouteKey is the broker key for events about one route.
func RouteKey(routeID string) string { return "route:" + routeID }

// TechnicianKey is the broker key for events about a technician's routes.
func TechnicianKey(tenantID, technicianID string) string {
	return "tech:" + tenantID + ":" + technicianID
}

// Memory is an in-process Broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(key string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = map[chan Event]struct{}{}
	}
	b.subs[key][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[key]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, key)
	}
	close(ch)
}

func (b *Memory) Publish(key string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[key] {
		select {
		case ch <- evt:
		default:
		}
	}
}
