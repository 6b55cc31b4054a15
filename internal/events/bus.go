package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandlerFunc is an in-process event handler. Handlers run synchronously
// inside Publish in registration order, so they must be fast and never block.
type HandlerFunc func(Event)

// Filter narrows what a channel subscriber receives. An empty Types set
// means all event types. Declared identity keys must match the event's.
type Filter struct {
	Types   []Type
	UserID  string
	AgentID string
	PlanID  string
}

// Subscription is one channel subscriber's handle.
type Subscription struct {
	ID     string
	C      <-chan Event
	filter Filter
	all    bool
	types  map[Type]struct{}
	ch     chan Event
	drops  int
	seen   time.Time
}

// LastSeen returns the subscriber's last liveness timestamp.
func (s *Subscription) LastSeen() time.Time { return s.seen }

type handlerEntry struct {
	key string // event type, queue name, or Wildcard
	fn  HandlerFunc
}

// Bus fans events out to registered handlers and channel subscribers.
// Publish never blocks: slow channel subscribers drop events.
type Bus struct {
	mu       sync.RWMutex
	handlers []handlerEntry
	subs     map[string]*Subscription
	order    []string
	buffer   int
}

// NewBus creates a bus. bufferSize is the per-subscriber channel depth.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		buffer: bufferSize,
	}
}

// On registers an in-process handler. key is an event type, a queue name
// (matches job:* events for that queue), or Wildcard.
func (b *Bus) On(key string, fn HandlerFunc) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handlerEntry{key: key, fn: fn})
}

// Subscribe registers a channel subscriber. Every type named in the filter
// must be in the closed set.
func (b *Bus) Subscribe(f Filter) (*Subscription, error) {
	types := make(map[Type]struct{}, len(f.Types))
	for _, t := range f.Types {
		if !Valid(t) {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		types[t] = struct{}{}
	}

	sub := &Subscription{
		ID:     uuid.NewString(),
		filter: f,
		all:    len(types) == 0,
		types:  types,
		ch:     make(chan Event, b.buffer),
		seen:   time.Now().UTC(),
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ID] = sub
	b.order = append(b.order, sub.ID)
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Bus) removeLocked(id string) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(b.subs, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Touch records subscriber liveness (pong received, message read).
func (b *Bus) Touch(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.seen = time.Now().UTC()
	}
}

// Expire removes subscribers silent for longer than maxSilence and returns
// their ids.
func (b *Bus) Expire(maxSilence time.Duration) []string {
	cutoff := time.Now().UTC().Add(-maxSilence)

	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []string
	for _, id := range append([]string(nil), b.order...) {
		if sub := b.subs[id]; sub != nil && sub.seen.Before(cutoff) {
			expired = append(expired, id)
			b.removeLocked(id)
		}
	}
	return expired
}

// Publish delivers an event to matching handlers (in registration order),
// then to matching channel subscribers. Non-blocking: drops for slow
// subscribers rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]HandlerFunc, 0, len(b.handlers))
	for _, h := range b.handlers {
		if h.key == Wildcard || h.key == string(evt.Type) || (evt.Queue != "" && h.key == evt.Queue) {
			handlers = append(handlers, h.fn)
		}
	}
	subs := make([]*Subscription, 0, len(b.order))
	for _, id := range b.order {
		if sub := b.subs[id]; sub != nil && sub.matches(evt) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			b.mu.Lock()
			sub.drops++
			b.mu.Unlock()
		}
	}
}

func (s *Subscription) matches(evt Event) bool {
	if !s.all {
		if _, ok := s.types[evt.Type]; !ok {
			return false
		}
	}
	if s.filter.UserID != "" && s.filter.UserID != evt.UserID {
		return false
	}
	if s.filter.AgentID != "" && s.filter.AgentID != evt.AgentID {
		return false
	}
	if s.filter.PlanID != "" && s.filter.PlanID != evt.PlanID {
		return false
	}
	return true
}

// SubscriberCount returns the number of active channel subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Drops returns the number of events dropped for a subscriber.
func (b *Bus) Drops(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[id]; ok {
		return sub.drops
	}
	return 0
}
