// Package message defines the chat message model shared by the store,
// transport, and session layers, along with content validation and the
// transforms between the wire/view shape and the persisted row shape.
package message

import (
	"time"

	"github.com/google/uuid"
)

// TimeFormat is the layout for CreatedAt timestamps. RFC 3339 in UTC is
// zero-padded, so lexical comparison of two CreatedAt strings matches
// chronological order.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Message is a single chat message as seen by sessions and clients.
// Identity is ID: two messages with the same ID are the same logical
// message regardless of whether they arrived from storage or the live
// channel.
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Author    string `json:"author"`
	CreatedAt string `json:"createdAt"`
}

// Row is the persisted shape of a message. The room name lives on the row,
// not on the message, so the same view type serves every room.
type Row struct {
	ID        string
	Content   string
	Author    string
	RoomName  string
	CreatedAt string
}

// New builds a message authored now by the given user, with a freshly
// generated unique id.
func New(author, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Author:    author,
		CreatedAt: Now(),
	}
}

// Now returns the current UTC time in TimeFormat.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// ToRow converts a message to its persisted shape for the given room.
func ToRow(m Message, roomName string) Row {
	return Row{
		ID:        m.ID,
		Content:   m.Content,
		Author:    m.Author,
		RoomName:  roomName,
		CreatedAt: m.CreatedAt,
	}
}

// FromRow converts a persisted row back to a message.
func FromRow(r Row) Message {
	return Message{
		ID:        r.ID,
		Content:   r.Content,
		Author:    r.Author,
		CreatedAt: r.CreatedAt,
	}
}
