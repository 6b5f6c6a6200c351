// Package transport provides the pub/sub capability behind realtime chat
// rooms: broadcast message delivery, presence join/leave fan-out, and an
// authoritative presence snapshot on (re)connect. The production
// implementation runs on NATS subjects with Redis-backed presence state;
// an in-memory implementation with identical semantics backs the tests.
package transport

import (
	"context"

	"github.com/huddle/chat-app/internal/message"
	"github.com/huddle/chat-app/internal/presence"
)

// Event kinds delivered on a subscription's event channel.
const (
	KindBroadcast = "broadcast"
	KindJoin      = "presence_join"
	KindLeave     = "presence_leave"
	KindSync      = "presence_sync"
)

// Event is one inbound item on a subscription's queue. Generation
// identifies the subscription that produced it; consumers drop events
// tagged with a superseded generation rather than relying on unsubscribe
// timing.
type Event struct {
	Kind       string
	Generation uint64
	Message    message.Message // KindBroadcast
	Entries    []presence.Entry // presence kinds
}

// Subscription is one live attachment to a room. Events are delivered in
// transport order on a single channel consumed by one session loop. The
// first event after a successful subscribe is a KindSync snapshot of the
// room's authoritative membership.
type Subscription interface {
	// Events returns the inbound event queue. It is closed by Close.
	Events() <-chan Event

	// Generation returns the tag carried by this subscription's events.
	Generation() uint64

	// Publish broadcasts a message to every subscriber of the room,
	// including the sender.
	Publish(ctx context.Context, m message.Message) error

	// Close tears the subscription down: untracks self-presence, fans out
	// the leave event, and closes the event channel. Safe to call more
	// than once; only the first call has effect.
	Close() error
}

// Transport opens room subscriptions. Subscribing announces the given
// self-presence entry exactly once, after the subscription is established.
type Transport interface {
	Subscribe(ctx context.Context, room string, self presence.Entry) (Subscription, error)
}
