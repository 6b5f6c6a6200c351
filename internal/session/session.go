// Package session owns one live attachment to a room: the connection
// status state machine, the optimistic live-message buffer, and the
// presence membership set. All inbound transport events are consumed by a
// single loop, so handler critical sections never run concurrently within
// one session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/huddle/chat-app/internal/message"
	"github.com/huddle/chat-app/internal/metrics"
	"github.com/huddle/chat-app/internal/presence"
	"github.com/huddle/chat-app/internal/transport"
)

// Status is the connection state machine: Disconnected -> Connecting ->
// Connected, and back to Disconnected on teardown or transport loss.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Send states for optimistic entries in the live buffer.
const (
	SendPending   = "pending"   // appended locally, publish outcome unknown
	SendConfirmed = "confirmed" // echo received from the transport
	SendFailed    = "failed"    // publish failed; entry kept, error surfaced
)

// ErrNotConnected is returned by Send while the session is not Connected.
// The live buffer is not touched.
var ErrNotConnected = errors.New("session: not connected")

// Session is one room/username attachment. It is safe for one goroutine to
// call Send/snapshot methods while the internal event loop runs.
type Session struct {
	room     string
	username string
	sub      transport.Subscription
	gen      uint64

	mu         sync.Mutex
	status     Status
	live       []message.Message
	sendStates map[string]string
	tracker    *presence.Tracker

	onChange func()
	closeOne sync.Once
	loopDone chan struct{}
}

// Open subscribes to a room and starts the event loop. The transport
// announces self-presence exactly once as part of Subscribe. onChange fires
// after every state change (live buffer, presence, status); it must not
// call back into the session's Close.
func Open(ctx context.Context, tr transport.Transport, room, username string, onChange func()) (*Session, error) {
	s := &Session{
		room:       room,
		username:   username,
		status:     Connecting,
		sendStates: make(map[string]string),
		tracker:    presence.NewTracker(),
		onChange:   onChange,
		loopDone:   make(chan struct{}),
	}
	if s.onChange == nil {
		s.onChange = func() {}
	}

	sub, err := tr.Subscribe(ctx, room, presence.Entry{User: username, OnlineAt: message.Now()})
	if err != nil {
		s.mu.Lock()
		s.status = Disconnected
		s.mu.Unlock()
		metrics.SubscriptionFailures.Inc()
		return nil, fmt.Errorf("session: subscribe room %s: %w", room, err)
	}
	s.sub = sub
	s.gen = sub.Generation()

	s.mu.Lock()
	s.status = Connected
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()

	go s.loop()
	s.onChange()
	return s, nil
}

// loop is the single consumer of the subscription's event queue.
func (s *Session) loop() {
	defer close(s.loopDone)

	for ev := range s.sub.Events() {
		// Events from a superseded subscription generation are dropped
		// rather than trusting unsubscribe timing.
		if ev.Generation != s.gen {
			metrics.StaleEventsDropped.Inc()
			continue
		}

		s.mu.Lock()
		switch ev.Kind {
		case transport.KindBroadcast:
			s.applyBroadcast(ev.Message)
		case transport.KindJoin:
			s.tracker.OnJoin(ev.Entries)
		case transport.KindLeave:
			s.tracker.OnLeave(ev.Entries)
		case transport.KindSync:
			s.tracker.OnSync(ev.Entries)
		default:
			log.Printf("[session] room %s: ignoring unknown event kind %q", s.room, ev.Kind)
		}
		s.mu.Unlock()
		s.onChange()
	}

	// Channel closed: the subscription is gone.
	s.mu.Lock()
	s.status = Disconnected
	s.mu.Unlock()
	s.onChange()
}

// applyBroadcast appends an inbound message to the live buffer. The echo of
// an optimistic send confirms the pending entry instead of duplicating it.
// Caller holds s.mu.
func (s *Session) applyBroadcast(m message.Message) {
	if state, ok := s.sendStates[m.ID]; ok {
		if state == SendPending {
			s.sendStates[m.ID] = SendConfirmed
		}
		return
	}
	for _, existing := range s.live {
		if existing.ID == m.ID {
			return
		}
	}
	s.live = append(s.live, m)
	metrics.MessagesTotal.WithLabelValues("received").Inc()
}

// Send validates content, optimistically appends the new message to the
// live buffer, then publishes it. The sender sees their own message
// immediately; the transport echo is deduplicated by id. A publish failure
// keeps the optimistic entry (the live view stays authoritative until the
// next full reload) and is reported to the caller.
func (s *Session) Send(ctx context.Context, content string) (message.Message, error) {
	if err := message.Validate(content); err != nil {
		return message.Message{}, err
	}

	s.mu.Lock()
	if s.status != Connected {
		s.mu.Unlock()
		return message.Message{}, ErrNotConnected
	}
	m := message.New(s.username, strings.TrimSpace(content))
	s.live = append(s.live, m)
	s.sendStates[m.ID] = SendPending
	s.mu.Unlock()
	s.onChange()

	timer := metrics.NewSendTimer()
	if err := s.sub.Publish(ctx, m); err != nil {
		s.mu.Lock()
		s.sendStates[m.ID] = SendFailed
		s.mu.Unlock()
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return m, fmt.Errorf("session: publish to room %s: %w", s.room, err)
	}
	timer.ObserveDuration()
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return m, nil
}

// Close tears the session down exactly once, regardless of how it ends.
// It waits for the event loop to drain so no handler runs after return.
func (s *Session) Close() error {
	var err error
	s.closeOne.Do(func() {
		err = s.sub.Close()
		<-s.loopDone
		metrics.ActiveSessions.Dec()
	})
	return err
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LiveMessages returns a snapshot of the live buffer in arrival order.
func (s *Session) LiveMessages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.live))
	copy(out, s.live)
	return out
}

// Online returns a snapshot of the room's presence membership.
func (s *Session) Online() []presence.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Snapshot()
}

// SendState reports the delivery state of a message sent by this session.
func (s *Session) SendState(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sendStates[id]
	return state, ok
}

// Room returns the room this session is attached to.
func (s *Session) Room() string { return s.room }
