package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huddle/chat-app/internal/message"
	"github.com/huddle/chat-app/internal/transport"
)

// fakeStore is an in-memory MessageStore with upsert-ignore semantics and
// per-room fetch gates for exercising slow history loads.
type fakeStore struct {
	mu         sync.Mutex
	rows       map[string][]message.Message
	gates      map[string]chan struct{}
	storeErr   error
	fetchCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:  make(map[string][]message.Message),
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeStore) gate(room string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[room] = ch
	return ch
}

func (f *fakeStore) seed(room string, msgs ...message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[room] = append(f.rows[room], msgs...)
}

func (f *fakeStore) Store(_ context.Context, msgs []message.Message, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	existing := make(map[string]struct{})
	for _, m := range f.rows[room] {
		existing[m.ID] = struct{}{}
	}
	for _, m := range msgs {
		if _, ok := existing[m.ID]; ok {
			continue
		}
		f.rows[room] = append(f.rows[room], m)
	}
	return nil
}

func (f *fakeStore) Fetch(ctx context.Context, room string, limit, offset int) ([]message.Message, error) {
	f.mu.Lock()
	gate := f.gates[room]
	f.fetchCalls++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.Message, len(f.rows[room]))
	copy(out, f.rows[room])
	return out, nil
}

func (f *fakeStore) Search(_ context.Context, room, term string, limit int) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.Message
	for _, m := range f.rows[room] {
		if strings.Contains(strings.ToLower(m.Content), strings.ToLower(term)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for room, msgs := range f.rows {
		for i, m := range msgs {
			if m.ID == id {
				f.rows[room] = append(msgs[:i], msgs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// viewRecorder collects every published view for assertions.
type viewRecorder struct {
	mu    sync.Mutex
	views []RoomView
}

func (r *viewRecorder) record(v RoomView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *viewRecorder) waitFor(t *testing.T, what string, cond func(RoomView) bool) RoomView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for i := len(r.views) - 1; i >= 0; i-- {
			if cond(r.views[i]) {
				v := r.views[i]
				r.mu.Unlock()
				return v
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for view: %s", what)
	return RoomView{}
}

func hasMessage(v RoomView, id string) bool {
	for _, m := range v.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, st MessageStore) (*Controller, *viewRecorder, *transport.MemoryTransport) {
	t.Helper()
	broker := transport.NewMemoryTransport()
	rec := &viewRecorder{}
	c := New(st, broker, "alice", rec.record, Options{})
	t.Cleanup(func() { c.LeaveRoom() })
	return c, rec, broker
}

func TestJoinMergesHistoryIntoView(t *testing.T) {
	st := newFakeStore()
	st.seed("general",
		message.Message{ID: "h1", Content: "old", Author: "bob", CreatedAt: "2024-01-01T09:00:00.000Z"},
		message.Message{ID: "h2", Content: "older", Author: "bob", CreatedAt: "2024-01-01T08:00:00.000Z"},
	)
	c, rec, _ := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch room: %v", err)
	}

	v := rec.waitFor(t, "history loaded", func(v RoomView) bool {
		return v.Room == "general" && len(v.Messages) == 2 && v.Status == "connected"
	})
	if v.Messages[0].ID != "h2" || v.Messages[1].ID != "h1" {
		t.Errorf("expected ascending order [h2 h1], got [%s %s]", v.Messages[0].ID, v.Messages[1].ID)
	}
}

func TestSendMessagePersistsMergedView(t *testing.T) {
	st := newFakeStore()
	st.seed("general", message.Message{ID: "h1", Content: "old", Author: "bob", CreatedAt: "2024-01-01T09:00:00.000Z"})
	c, rec, _ := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch room: %v", err)
	}
	rec.waitFor(t, "history loaded", func(v RoomView) bool { return len(v.Messages) == 1 })

	if err := c.SendMessage(context.Background(), "hello room"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The message is in the view immediately (optimistic append).
	rec.waitFor(t, "sent message in view", func(v RoomView) bool {
		return len(v.Messages) == 2
	})

	// And persisted alongside the history, keyed by id.
	persisted, _ := st.Fetch(context.Background(), "general", 0, 0)
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(persisted))
	}

	// Re-sending does not duplicate history rows (upsert ignores dups).
	if err := c.SendMessage(context.Background(), "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	persisted, _ = st.Fetch(context.Background(), "general", 0, 0)
	if len(persisted) != 3 {
		t.Fatalf("expected 3 persisted messages, got %d", len(persisted))
	}
}

func TestSendWithoutRoom(t *testing.T) {
	c, _, _ := newTestController(t, newFakeStore())

	if err := c.SendMessage(context.Background(), "into the void"); !errors.Is(err, ErrNoActiveRoom) {
		t.Fatalf("expected ErrNoActiveRoom, got %v", err)
	}
}

func TestDeleteMessageRemovesEverywhere(t *testing.T) {
	st := newFakeStore()
	st.seed("general", message.Message{ID: "m1", Content: "doomed", Author: "bob", CreatedAt: "2024-01-01T09:00:00.000Z"})
	c, rec, _ := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch room: %v", err)
	}
	rec.waitFor(t, "history loaded", func(v RoomView) bool { return hasMessage(v, "m1") })

	if err := c.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rec.waitFor(t, "m1 gone from view", func(v RoomView) bool { return !hasMessage(v, "m1") && v.Room == "general" })

	persisted, _ := st.Fetch(context.Background(), "general", 0, 0)
	for _, m := range persisted {
		if m.ID == "m1" {
			t.Error("m1 still persisted after delete")
		}
	}
}

func TestDeletedMessageStaysGoneFromRecomputedViews(t *testing.T) {
	st := newFakeStore()
	c, rec, _ := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch room: %v", err)
	}
	if err := c.SendMessage(context.Background(), "mine"); err != nil {
		t.Fatalf("send: %v", err)
	}
	v := rec.waitFor(t, "message in view", func(v RoomView) bool { return len(v.Messages) == 1 })
	id := v.Messages[0].ID

	if err := c.DeleteMessage(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rec.waitFor(t, "message gone", func(v RoomView) bool { return !hasMessage(v, id) })

	// A later recompute (triggered by new traffic) must not resurrect the
	// deleted id from the live buffer.
	if err := c.SendMessage(context.Background(), "another"); err != nil {
		t.Fatalf("send: %v", err)
	}
	final := rec.waitFor(t, "second message", func(v RoomView) bool { return len(v.Messages) == 1 })
	if hasMessage(final, id) {
		t.Error("deleted message reappeared in a recomputed view")
	}
}

func TestStaleRoomFetchDiscarded(t *testing.T) {
	st := newFakeStore()
	st.seed("room-a", message.Message{ID: "a1", Content: "from a", Author: "bob", CreatedAt: "2024-01-01T09:00:00.000Z"})
	st.seed("room-b", message.Message{ID: "b1", Content: "from b", Author: "bob", CreatedAt: "2024-01-01T09:00:00.000Z"})
	gateA := st.gate("room-a")

	c, rec, _ := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "room-a"); err != nil {
		t.Fatalf("switch to a: %v", err)
	}
	if err := c.SwitchRoom(context.Background(), "room-b"); err != nil {
		t.Fatalf("switch to b: %v", err)
	}

	// Let room A's fetch complete late, after B is active.
	close(gateA)

	rec.waitFor(t, "room b history", func(v RoomView) bool {
		return v.Room == "room-b" && hasMessage(v, "b1")
	})

	// A's late result must never reach the view.
	time.Sleep(50 * time.Millisecond)
	if v := c.View(); hasMessage(v, "a1") {
		t.Error("stale room-a fetch result merged into room-b view")
	}
}

func TestSwitchRoomTearsDownPreviousSession(t *testing.T) {
	st := newFakeStore()
	c, _, broker := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "room-a"); err != nil {
		t.Fatalf("switch to a: %v", err)
	}
	if err := c.SwitchRoom(context.Background(), "room-b"); err != nil {
		t.Fatalf("switch to b: %v", err)
	}

	if n := broker.SubscriberCount("room-a"); n != 0 {
		t.Errorf("expected room-a unsubscribed, found %d subscribers", n)
	}
	if n := broker.SubscriberCount("room-b"); n != 1 {
		t.Errorf("expected 1 subscriber in room-b, found %d", n)
	}
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	st := newFakeStore()
	c, _, broker := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := c.LeaveRoom(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := c.LeaveRoom(); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if n := broker.SubscriberCount("general"); n != 0 {
		t.Errorf("expected no subscribers after leave, found %d", n)
	}
}

func TestSearchEmptyTermSkipsStore(t *testing.T) {
	st := newFakeStore()
	c, _, _ := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	out, err := c.SearchMessages(context.Background(), "   ")
	if err != nil || out != nil {
		t.Fatalf("expected nil result for empty term, got %v, %v", out, err)
	}
}

func TestSearchDelegatesToStore(t *testing.T) {
	st := newFakeStore()
	st.seed("general",
		message.Message{ID: "m1", Content: "Hello World", Author: "bob", CreatedAt: "2024-01-01T09:00:00.000Z"},
		message.Message{ID: "m2", Content: "nothing here", Author: "bob", CreatedAt: "2024-01-01T10:00:00.000Z"},
	)
	c, _, _ := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	out, err := c.SearchMessages(context.Background(), "hello")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out) != 1 || out[0].ID != "m1" {
		t.Fatalf("expected [m1], got %v", out)
	}
}

func TestPersistenceFailureSurfacedNotRolledBack(t *testing.T) {
	st := newFakeStore()
	c, rec, _ := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	rec.waitFor(t, "connected", func(v RoomView) bool { return v.Status == "connected" })

	st.mu.Lock()
	st.storeErr = fmt.Errorf("disk on fire")
	st.mu.Unlock()

	err := c.SendMessage(context.Background(), "still visible")
	if err == nil {
		t.Fatal("expected persistence error")
	}

	// Optimistic state survives: the message stays in the view.
	rec.waitFor(t, "optimistic message kept", func(v RoomView) bool { return len(v.Messages) == 1 })

	select {
	case reported := <-c.Errors():
		if reported == nil {
			t.Error("expected non-nil reported error")
		}
	case <-time.After(time.Second):
		t.Error("expected error on the controller error channel")
	}
}

func TestPeerMessagesReachTheView(t *testing.T) {
	st := newFakeStore()
	c, rec, broker := newTestController(t, st)

	if err := c.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	rec.waitFor(t, "connected", func(v RoomView) bool { return v.Status == "connected" })

	peer := New(st, broker, "bob", nil, Options{})
	defer peer.LeaveRoom()
	if err := peer.SwitchRoom(context.Background(), "general"); err != nil {
		t.Fatalf("peer switch: %v", err)
	}
	if err := peer.SendMessage(context.Background(), "hi from bob"); err != nil {
		t.Fatalf("peer send: %v", err)
	}

	v := rec.waitFor(t, "peer message", func(v RoomView) bool { return len(v.Messages) == 1 })
	if v.Messages[0].Author != "bob" {
		t.Errorf("expected bob's message, got %+v", v.Messages[0])
	}

	// Presence reflects both members.
	rec.waitFor(t, "both online", func(v RoomView) bool { return len(v.Online) == 2 })
}
