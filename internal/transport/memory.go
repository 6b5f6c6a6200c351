package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/huddle/chat-app/internal/message"
	"github.com/huddle/chat-app/internal/presence"
)

// MemoryTransport is an in-process broker with the same observable
// semantics as the NATS transport: sync-on-subscribe ground truth,
// join/leave fan-out, and broadcast echo to the sender. It backs the
// session and controller tests so they run without infrastructure.
type MemoryTransport struct {
	mu    sync.Mutex
	rooms map[string][]*MemorySubscription
	gen   uint64
	last  *MemorySubscription
}

// NewMemoryTransport returns an empty in-process broker.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{rooms: make(map[string][]*MemorySubscription)}
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(_ context.Context, room string, self presence.Entry) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	s := &MemorySubscription{
		broker: t,
		room:   room,
		gen:    t.gen,
		self:   self,
		events: make(chan Event, eventQueueSize),
	}

	// Membership ground truth is the set of current subscribers.
	snapshot := make([]presence.Entry, 0, len(t.rooms[room]))
	for _, other := range t.rooms[room] {
		snapshot = append(snapshot, other.self)
	}
	s.deliver(Event{Kind: KindSync, Generation: s.gen, Entries: snapshot})

	t.rooms[room] = append(t.rooms[room], s)
	t.last = s
	t.fanOutLocked(room, KindJoin, message.Message{}, []presence.Entry{self})
	return s, nil
}

// Last returns the most recently opened subscription. Tests use it to
// reach a subscription owned by a session under test.
func (t *MemoryTransport) Last() *MemorySubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// SubscriberCount reports how many live subscriptions a room has.
func (t *MemoryTransport) SubscriberCount(room string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms[room])
}

func (t *MemoryTransport) fanOutLocked(room, kind string, m message.Message, entries []presence.Entry) {
	for _, s := range t.rooms[room] {
		s.deliver(Event{Kind: kind, Generation: s.gen, Message: m, Entries: entries})
	}
}

// MemorySubscription is one attachment to the in-process broker.
type MemorySubscription struct {
	broker *MemoryTransport
	room   string
	gen    uint64
	self   presence.Entry

	events chan Event

	mu       sync.Mutex
	closed   bool
	closeOne sync.Once
}

func (s *MemorySubscription) Events() <-chan Event { return s.events }

func (s *MemorySubscription) Generation() uint64 { return s.gen }

// Publish implements Subscription. Every subscriber of the room receives
// the broadcast, including the sender.
func (s *MemorySubscription) Publish(ctx context.Context, m message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("transport: publish on closed subscription to %s", s.room)
	}

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.fanOutLocked(s.room, KindBroadcast, m, nil)
	return nil
}

// Close implements Subscription: the subscriber is removed from the room,
// the remaining members see a leave event, and the event channel closes.
func (s *MemorySubscription) Close() error {
	s.closeOne.Do(func() {
		s.broker.mu.Lock()
		subs := s.broker.rooms[s.room]
		for i, other := range subs {
			if other == s {
				s.broker.rooms[s.room] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.broker.fanOutLocked(s.room, KindLeave, message.Message{}, []presence.Entry{s.self})
		s.broker.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}

// Inject places an arbitrary event on the queue, bypassing the broker.
// Tests use it to simulate redelivery from a superseded generation.
func (s *MemorySubscription) Inject(ev Event) {
	s.deliver(ev)
}

func (s *MemorySubscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}
