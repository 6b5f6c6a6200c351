// Package controller composes the message store, the realtime session, and
// the merge layer into the chat surface consumed by clients: join/switch
// room, send, delete, search, and a continuously republished room view.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/huddle/chat-app/internal/merge"
	"github.com/huddle/chat-app/internal/message"
	"github.com/huddle/chat-app/internal/metrics"
	"github.com/huddle/chat-app/internal/presence"
	"github.com/huddle/chat-app/internal/session"
	"github.com/huddle/chat-app/internal/transport"
)

// MessageStore is the slice of the persistence adapter the controller
// consumes. *store.Store satisfies it; tests use an in-memory fake.
type MessageStore interface {
	Store(ctx context.Context, msgs []message.Message, room string) error
	Fetch(ctx context.Context, room string, limit, offset int) ([]message.Message, error)
	Search(ctx context.Context, room, term string, limit int) ([]message.Message, error)
	Delete(ctx context.Context, id string) error
}

// RoomView is the materialized per-room state pushed to the collaborator on
// every change: merged messages, online membership, connection status.
type RoomView struct {
	Room     string            `json:"room"`
	Messages []message.Message `json:"messages"`
	Online   []presence.Entry  `json:"online"`
	Status   string            `json:"status"`
}

// ErrNoActiveRoom is returned by operations that need a joined room.
var ErrNoActiveRoom = errors.New("controller: no active room")

// Options tunes a controller.
type Options struct {
	HistoryLimit int // max messages loaded per room, 0 for all
	SearchLimit  int // max search results, 0 for the store default
}

// Controller owns one room view at a time. Exactly one realtime session is
// live per controller; switching rooms tears the old one down first.
type Controller struct {
	store     MessageStore
	transport transport.Transport
	username  string
	opts      Options

	onView func(RoomView)
	errs   chan error

	mu          sync.Mutex
	epoch       uint64 // bumped on switch/leave; stale async results are dropped
	room        string
	sess        *session.Session
	historical  []message.Message
	deleted     map[string]struct{}
	cancelFetch context.CancelFunc
}

// New creates a controller for one user. onView receives every recomputed
// room view; it may be nil.
func New(st MessageStore, tr transport.Transport, username string, onView func(RoomView), opts Options) *Controller {
	if onView == nil {
		onView = func(RoomView) {}
	}
	return &Controller{
		store:     st,
		transport: tr,
		username:  username,
		opts:      opts,
		onView:    onView,
		errs:      make(chan error, 16),
		deleted:   make(map[string]struct{}),
	}
}

// Errors exposes asynchronous failures (persistence, transport) that did
// not terminate the session.
func (c *Controller) Errors() <-chan error { return c.errs }

// SwitchRoom tears down the current session, then joins the new room: the
// historical fetch runs asynchronously while the subscription opens, and a
// late-arriving fetch result for a superseded room is discarded. A failed
// history load degrades to an empty list; a failed subscribe leaves the
// view Disconnected and is returned to the caller.
func (c *Controller) SwitchRoom(ctx context.Context, room string) error {
	old, oldCancel := c.detach(room)
	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		if err := old.Close(); err != nil {
			log.Printf("[controller] teardown of previous room: %v", err)
		}
	}

	fetchCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	epoch := c.epoch
	c.cancelFetch = cancel
	c.mu.Unlock()

	go c.loadHistory(fetchCtx, epoch, room)

	sess, err := session.Open(ctx, c.transport, room, c.username, func() { c.publishView(epoch) })
	if err != nil {
		c.report(err)
		c.publishView(epoch)
		return err
	}

	c.mu.Lock()
	if epoch != c.epoch {
		// Superseded while connecting; the new owner wins.
		c.mu.Unlock()
		sess.Close()
		return nil
	}
	c.sess = sess
	c.mu.Unlock()

	c.publishView(epoch)
	return nil
}

// LeaveRoom tears down the active session. Guaranteed unsubscribe: the
// session closes exactly once no matter how the controller ends.
func (c *Controller) LeaveRoom() error {
	old, oldCancel := c.detach("")
	if oldCancel != nil {
		oldCancel()
	}
	if old == nil {
		return nil
	}
	return old.Close()
}

// SendMessage delegates to the session's optimistic send, then persists the
// full merged view as a duplicate-ignoring upsert so fresh loads see the
// message after the live buffer is gone. A persistence failure does not
// roll back the optimistic state; the live view stays authoritative until
// the next full reload.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	sess, room := c.sess, c.room
	c.mu.Unlock()
	if sess == nil {
		return ErrNoActiveRoom
	}

	if _, err := sess.Send(ctx, content); err != nil {
		return err
	}

	view := c.mergedMessages(sess)
	if err := c.store.Store(ctx, view, room); err != nil {
		err = fmt.Errorf("controller: persist room %s: %w", room, err)
		c.report(err)
		return err
	}
	return nil
}

// DeleteMessage removes a message from storage and from the locally held
// view. The deletion is not propagated over the realtime channel; other
// clients see it on their next full reload.
func (c *Controller) DeleteMessage(ctx context.Context, id string) error {
	c.mu.Lock()
	room := c.room
	active := c.sess != nil || room != ""
	c.mu.Unlock()
	if !active {
		return ErrNoActiveRoom
	}

	if err := c.store.Delete(ctx, id); err != nil {
		err = fmt.Errorf("controller: delete message %s: %w", id, err)
		c.report(err)
		return err
	}

	c.mu.Lock()
	c.historical = merge.WithoutID(c.historical, id)
	c.deleted[id] = struct{}{}
	epoch := c.epoch
	c.mu.Unlock()

	c.publishView(epoch)
	return nil
}

// SearchMessages queries persisted history for the active room. An empty
// term returns nothing without touching the store.
func (c *Controller) SearchMessages(ctx context.Context, term string) ([]message.Message, error) {
	if strings.TrimSpace(term) == "" {
		return nil, nil
	}

	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == "" {
		return nil, ErrNoActiveRoom
	}

	msgs, err := c.store.Search(ctx, room, term, c.opts.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("controller: search room %s: %w", room, err)
	}
	return msgs, nil
}

// View returns the current materialized room view.
func (c *Controller) View() RoomView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// detach atomically supersedes the current room state and returns the old
// session and fetch cancel for the caller to finish outside the lock.
// Closing the old session can block on its event loop, which may be inside
// a view publication that wants c.mu.
func (c *Controller) detach(newRoom string) (*session.Session, context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, cancel := c.sess, c.cancelFetch
	c.sess = nil
	c.cancelFetch = nil
	c.epoch++
	c.room = newRoom
	c.historical = nil
	c.deleted = make(map[string]struct{})
	return old, cancel
}

func (c *Controller) loadHistory(ctx context.Context, epoch uint64, room string) {
	msgs, err := c.store.Fetch(ctx, room, c.opts.HistoryLimit, 0)
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled by a room switch, nothing to report
		}
		c.report(fmt.Errorf("controller: load history for %s: %w", room, err))
		msgs = nil // degrade to an empty list rather than blocking the view
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return // stale room; never merged into the new room's view
	}
	c.historical = msgs
	c.mu.Unlock()

	c.publishView(epoch)
}

// mergedMessages recomputes the merged sequence from a history snapshot and
// the session's live buffer.
func (c *Controller) mergedMessages(sess *session.Session) []message.Message {
	c.mu.Lock()
	hist := make([]message.Message, len(c.historical))
	copy(hist, c.historical)
	deleted := make([]string, 0, len(c.deleted))
	for id := range c.deleted {
		deleted = append(deleted, id)
	}
	c.mu.Unlock()

	msgs := merge.Merge(hist, sess.LiveMessages())
	for _, id := range deleted {
		msgs = merge.WithoutID(msgs, id)
	}
	return msgs
}

// publishView recomputes and emits the room view unless the given epoch has
// been superseded.
func (c *Controller) publishView(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	view := c.viewLocked()
	c.mu.Unlock()

	c.onView(view)
}

// viewLocked computes the room view. Caller holds c.mu.
func (c *Controller) viewLocked() RoomView {
	view := RoomView{Room: c.room, Status: session.Disconnected.String()}

	var live []message.Message
	if c.sess != nil {
		live = c.sess.LiveMessages()
		view.Online = c.sess.Online()
		view.Status = c.sess.Status().String()
	}

	timer := metrics.NewMergeTimer()
	msgs := merge.Merge(c.historical, live)
	for id := range c.deleted {
		msgs = merge.WithoutID(msgs, id)
	}
	timer.ObserveDuration()

	view.Messages = msgs
	return view
}

func (c *Controller) report(err error) {
	select {
	case c.errs <- err:
	default:
		log.Printf("[controller] error channel full, dropping: %v", err)
	}
}
