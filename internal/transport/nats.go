package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/huddle/chat-app/internal/message"
	"github.com/huddle/chat-app/internal/presence"
)

// NATS subject layout. Each room gets one broadcast subject and one
// presence subject; NATS echoes published messages back to the publisher's
// own subscription, which is what lets the merge layer dedup the sender's
// optimistic copy against its live echo.
const (
	subjectRoomPrefix   = "room."
	subjectMessagesPart = ".messages"
	subjectPresencePart = ".presence"
)

// eventQueueSize bounds the per-subscription inbound queue. A consumer that
// falls this far behind loses events rather than stalling NATS delivery.
const eventQueueSize = 256

// presenceWire is the payload fanned out on a room's presence subject.
type presenceWire struct {
	Type    string           `json:"type"` // "join" or "leave"
	Entries []presence.Entry `json:"entries"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "huddle",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Connect dials NATS with the given config and returns a ready connection.
func Connect(config Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return nc, nil
}

// NATSTransport implements Transport over a shared NATS connection, with
// authoritative presence membership in Redis.
type NATSTransport struct {
	conn     *nats.Conn
	presence *PresenceStore
	gen      atomic.Uint64
}

// NewNATSTransport wraps an established NATS connection and presence store.
func NewNATSTransport(conn *nats.Conn, ps *PresenceStore) *NATSTransport {
	return &NATSTransport{conn: conn, presence: ps}
}

func messagesSubject(room string) string {
	return subjectRoomPrefix + room + subjectMessagesPart
}

func presenceSubject(room string) string {
	return subjectRoomPrefix + room + subjectPresencePart
}

// Subscribe attaches to a room: it registers handlers for broadcast and
// presence traffic, delivers the room's authoritative membership as one
// sync event, then announces self-presence exactly once. The announcement
// reaches this subscription too, via the normal presence fan-out.
func (t *NATSTransport) Subscribe(ctx context.Context, room string, self presence.Entry) (Subscription, error) {
	s := &natsSubscription{
		room:     room,
		gen:      t.gen.Add(1),
		self:     self,
		conn:     t.conn,
		presence: t.presence,
		events:   make(chan Event, eventQueueSize),
		done:     make(chan struct{}),
	}

	msgSub, err := t.conn.Subscribe(messagesSubject(room), s.onMessage)
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", messagesSubject(room), err)
	}
	s.msgSub = msgSub

	prsSub, err := t.conn.Subscribe(presenceSubject(room), s.onPresence)
	if err != nil {
		msgSub.Unsubscribe()
		return nil, fmt.Errorf("transport: subscribe %s: %w", presenceSubject(room), err)
	}
	s.prsSub = prsSub

	// Ground truth first: the sync snapshot precedes any live join/leave
	// this subscription will observe, including its own join below.
	snapshot, err := t.presence.Snapshot(ctx, room)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.deliver(Event{Kind: KindSync, Generation: s.gen, Entries: snapshot})

	if err := t.presence.Track(ctx, room, self); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.publishPresence("join", self); err != nil {
		log.Printf("[transport] room %s: join announcement failed: %v", room, err)
	}

	go s.refreshLoop()
	return s, nil
}

// natsSubscription is one live room attachment. Its event channel is
// written only by NATS handler goroutines (guarded against Close by mu)
// and consumed by a single session loop.
type natsSubscription struct {
	room     string
	gen      uint64
	self     presence.Entry
	conn     *nats.Conn
	presence *PresenceStore
	msgSub   *nats.Subscription
	prsSub   *nats.Subscription

	events chan Event
	done   chan struct{}

	mu       sync.RWMutex
	closed   bool
	closeOne sync.Once
}

func (s *natsSubscription) Events() <-chan Event { return s.events }

func (s *natsSubscription) Generation() uint64 { return s.gen }

// Publish broadcasts a message to the room.
func (s *natsSubscription) Publish(ctx context.Context, m message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	if err := s.conn.Publish(messagesSubject(s.room), data); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", s.room, err)
	}
	return nil
}

// Close runs teardown exactly once: unsubscribes, untracks self, fans out
// the leave event, and closes the event channel.
func (s *natsSubscription) Close() error {
	var err error
	s.closeOne.Do(func() {
		close(s.done)

		if s.msgSub != nil {
			if uerr := s.msgSub.Unsubscribe(); uerr != nil && err == nil {
				err = fmt.Errorf("transport: unsubscribe messages: %w", uerr)
			}
		}
		if s.prsSub != nil {
			if uerr := s.prsSub.Unsubscribe(); uerr != nil && err == nil {
				err = fmt.Errorf("transport: unsubscribe presence: %w", uerr)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if uerr := s.presence.Untrack(ctx, s.room, s.self.User); uerr != nil && err == nil {
			err = uerr
		}
		if perr := s.publishPresence("leave", s.self); perr != nil {
			log.Printf("[transport] room %s: leave announcement failed: %v", s.room, perr)
		}

		// Handlers still in flight hold the read lock; once we have the
		// write lock nothing else can touch the channel.
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return err
}

func (s *natsSubscription) onMessage(m *nats.Msg) {
	var msg message.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		log.Printf("[transport] room %s: dropping undecodable broadcast: %v", s.room, err)
		return
	}
	s.deliver(Event{Kind: KindBroadcast, Generation: s.gen, Message: msg})
}

func (s *natsSubscription) onPresence(m *nats.Msg) {
	var wire presenceWire
	if err := json.Unmarshal(m.Data, &wire); err != nil {
		log.Printf("[transport] room %s: dropping undecodable presence event: %v", s.room, err)
		return
	}
	switch wire.Type {
	case "join":
		s.deliver(Event{Kind: KindJoin, Generation: s.gen, Entries: wire.Entries})
	case "leave":
		s.deliver(Event{Kind: KindLeave, Generation: s.gen, Entries: wire.Entries})
	default:
		log.Printf("[transport] room %s: unknown presence event type %q", s.room, wire.Type)
	}
}

func (s *natsSubscription) publishPresence(typ string, e presence.Entry) error {
	data, err := json.Marshal(presenceWire{Type: typ, Entries: []presence.Entry{e}})
	if err != nil {
		return fmt.Errorf("transport: marshal presence event: %w", err)
	}
	return s.conn.Publish(presenceSubject(s.room), data)
}

// deliver enqueues an event without ever blocking a NATS handler. A full
// queue means the consumer is gone or wedged; the event is dropped.
func (s *natsSubscription) deliver(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Printf("[transport] room %s: event queue full, dropping %s", s.room, ev.Kind)
	}
}

// refreshLoop keeps the Redis presence entry alive while subscribed.
func (s *natsSubscription) refreshLoop() {
	ticker := time.NewTicker(presenceRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.presence.Track(ctx, s.room, s.self); err != nil {
				log.Printf("[transport] room %s: presence refresh failed: %v", s.room, err)
			}
			cancel()
		}
	}
}
