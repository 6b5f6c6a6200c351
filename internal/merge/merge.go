// Package merge combines persisted message history with a live broadcast
// buffer into a single deduplicated, chronologically ordered view. All
// functions are pure and safe to re-run on every state change.
package merge

import (
	"sort"

	"github.com/huddle/chat-app/internal/message"
)

// Merge concatenates historical and live messages, drops duplicate ids
// keeping the first occurrence (historical entries precede live entries, so
// a persisted copy wins over its live echo), and stably sorts the result
// ascending by CreatedAt. Timestamps are zero-padded ISO-8601 strings, so
// lexical comparison matches chronological order; ties keep arrival order.
//
// Merge is idempotent: Merge(Merge(h, l), nil) equals Merge(h, l).
func Merge(historical, live []message.Message) []message.Message {
	merged := make([]message.Message, 0, len(historical)+len(live))
	seen := make(map[string]struct{}, len(historical)+len(live))

	for _, lists := range [2][]message.Message{historical, live} {
		for _, m := range lists {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt < merged[j].CreatedAt
	})
	return merged
}

// WithoutID returns a copy of msgs with the given id absent. Deletion is a
// downstream filter; callers recompute the view from the reduced set.
func WithoutID(msgs []message.Message, id string) []message.Message {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
