// Package presence maintains the set of currently-online participants for
// one room subscription, fed by join/leave/sync events from the transport.
package presence

import "sort"

// Entry records one online participant. Membership is keyed by User; at
// most one entry exists per user per room.
type Entry struct {
	User     string `json:"user"`
	OnlineAt string `json:"online_at"`
}

// valid reports whether an entry carries both required fields. Malformed
// payloads are discarded silently; presence is a best-effort sidebar
// feature and a bad entry must never take the session down.
func (e Entry) valid() bool {
	return e.User != "" && e.OnlineAt != ""
}

// Tracker holds the membership set for one room. It is not goroutine-safe:
// only the owning session's event loop mutates it, and readers take
// snapshots through the session.
type Tracker struct {
	entries map[string]Entry
}

// NewTracker returns an empty membership set.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// OnJoin inserts entries for users not already present. Re-joins are
// ignored so the first observed OnlineAt sticks (no last-online race).
func (t *Tracker) OnJoin(entries []Entry) {
	for _, e := range entries {
		if !e.valid() {
			continue
		}
		if _, ok := t.entries[e.User]; ok {
			continue
		}
		t.entries[e.User] = e
	}
}

// OnLeave removes every entry whose user matches.
func (t *Tracker) OnLeave(entries []Entry) {
	for _, e := range entries {
		if !e.valid() {
			continue
		}
		delete(t.entries, e.User)
	}
}

// OnSync replaces the entire membership set wholesale. Used on (re)connect
// to establish ground truth from the transport's authoritative state.
func (t *Tracker) OnSync(entries []Entry) {
	t.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		if !e.valid() {
			continue
		}
		if _, ok := t.entries[e.User]; ok {
			continue
		}
		t.entries[e.User] = e
	}
}

// Snapshot returns a copy of the membership set ordered by username.
func (t *Tracker) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// Count returns the number of online users.
func (t *Tracker) Count() int {
	return len(t.entries)
}
