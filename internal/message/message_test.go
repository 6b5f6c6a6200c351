package message

import (
	"errors"
	"strings"
	"testing"
)

func TestNewGeneratesUniqueIDs(t *testing.T) {
	a := New("alice", "hello")
	b := New("alice", "hello")

	if a.ID == "" || b.ID == "" {
		t.Fatal("expected non-empty ids")
	}
	if a.ID == b.ID {
		t.Fatalf("expected distinct ids, both were %s", a.ID)
	}
	if a.Author != "alice" {
		t.Errorf("expected author alice, got %q", a.Author)
	}
}

func TestNowIsLexicallySortable(t *testing.T) {
	earlier := "2024-01-01T09:00:00.000Z"
	now := Now()
	if !(earlier < now) {
		t.Errorf("expected %q < %q", earlier, now)
	}
	if !strings.HasSuffix(now, "Z") {
		t.Errorf("expected UTC timestamp, got %q", now)
	}
}

func TestRowRoundTrip(t *testing.T) {
	m := Message{ID: "m1", Content: "hi", Author: "bob", CreatedAt: "2024-01-01T10:00:00.000Z"}

	row := ToRow(m, "general")
	if row.RoomName != "general" {
		t.Errorf("expected room general, got %q", row.RoomName)
	}

	back := FromRow(row)
	if back != m {
		t.Errorf("round trip mismatch: %+v != %+v", back, m)
	}
}

func TestValidateEmpty(t *testing.T) {
	for _, content := range []string{"", "   ", "\t\n"} {
		if err := Validate(content); !errors.Is(err, ErrEmpty) {
			t.Errorf("Validate(%q) = %v, want ErrEmpty", content, err)
		}
	}
}

func TestValidateLimits(t *testing.T) {
	if err := Validate(strings.Repeat("a", MaxContentBytes+1)); err == nil {
		t.Error("expected error for oversized payload")
	}
	// Multi-byte runes: under the byte cap but over the character cap.
	if err := Validate(strings.Repeat("é", MaxContentChars+1)); err == nil {
		t.Error("expected error for too many characters")
	}
	if err := Validate("hello"); err != nil {
		t.Errorf("unexpected error for valid content: %v", err)
	}
}

func TestValidateInvalidUTF8(t *testing.T) {
	if err := Validate("ok\xff\xfe"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
