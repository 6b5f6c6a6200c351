package merge

import (
	"reflect"
	"testing"

	"github.com/huddle/chat-app/internal/message"
)

func msg(id, createdAt, content string) message.Message {
	return message.Message{ID: id, Content: content, Author: "tester", CreatedAt: createdAt}
}

func TestMergeDedupKeepsHistoricalCopy(t *testing.T) {
	historical := []message.Message{msg("a", "2024-01-01T10:00:00.000Z", "persisted")}
	live := []message.Message{msg("a", "2024-01-01T10:00:00.000Z", "echo")}

	out := Merge(historical, live)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if out[0].Content != "persisted" {
		t.Errorf("expected historical copy to win, got content %q", out[0].Content)
	}
}

func TestMergeSortsAscendingByCreatedAt(t *testing.T) {
	historical := []message.Message{msg("b", "2024-01-01T10:00:00.000Z", "later")}
	live := []message.Message{msg("a", "2024-01-01T09:00:00.000Z", "earlier")}

	out := Merge(historical, live)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[0].ID != "a" || out[1].ID != "b" {
		t.Errorf("expected order [a b], got [%s %s]", out[0].ID, out[1].ID)
	}
}

func TestMergeTieBreakIsStable(t *testing.T) {
	ts := "2024-01-01T10:00:00.000Z"
	historical := []message.Message{msg("h1", ts, ""), msg("h2", ts, "")}
	live := []message.Message{msg("l1", ts, "")}

	out := Merge(historical, live)
	want := []string{"h1", "h2", "l1"}
	for i, id := range want {
		if out[i].ID != id {
			t.Fatalf("index %d: expected %s, got %s", i, id, out[i].ID)
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	historical := []message.Message{
		msg("a", "2024-01-01T10:00:00.000Z", "x"),
		msg("b", "2024-01-01T09:00:00.000Z", "y"),
	}
	live := []message.Message{
		msg("c", "2024-01-01T09:30:00.000Z", "z"),
		msg("a", "2024-01-01T10:00:00.000Z", "dup"),
	}

	once := Merge(historical, live)
	twice := Merge(once, nil)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge not idempotent:\n once: %v\ntwice: %v", once, twice)
	}
}

func TestMergeEmptyInputs(t *testing.T) {
	if out := Merge(nil, nil); len(out) != 0 {
		t.Errorf("expected empty result, got %v", out)
	}
	out := Merge(nil, []message.Message{msg("a", "2024-01-01T10:00:00.000Z", "")})
	if len(out) != 1 {
		t.Errorf("expected 1 message, got %d", len(out))
	}
}

func TestWithoutID(t *testing.T) {
	msgs := []message.Message{
		msg("a", "2024-01-01T09:00:00.000Z", ""),
		msg("b", "2024-01-01T10:00:00.000Z", ""),
	}

	out := WithoutID(msgs, "a")
	if len(out) != 1 || out[0].ID != "b" {
		t.Fatalf("expected only b to remain, got %v", out)
	}

	// Unknown id leaves the sequence unchanged.
	same := WithoutID(msgs, "missing")
	if !reflect.DeepEqual(same, msgs) {
		t.Errorf("expected unchanged sequence, got %v", same)
	}
}
