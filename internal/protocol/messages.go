// Package protocol defines the JSON frames exchanged between chat clients
// and the gateway. All frames carry a type discriminator; client payloads
// are decoded in two steps via an envelope.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/huddle/chat-app/internal/message"
	"github.com/huddle/chat-app/internal/presence"
)

// Client -> Server frame types.
const (
	TypeJoin   = "join"
	TypeSend   = "send"
	TypeDelete = "delete"
	TypeSearch = "search"
	TypeLeave  = "leave"
	TypePing   = "ping"
)

// Server -> Client frame types.
const (
	TypeView          = "view"
	TypeSearchResults = "search_results"
	TypeError         = "error"
	TypePong          = "pong"
)

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// Decode unmarshals the envelope's raw payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinPayload switches the connection to a room.
type JoinPayload struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// SendPayload publishes a message to the joined room.
type SendPayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// DeletePayload removes a message by id.
type DeletePayload struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SearchPayload queries the room's persisted history.
type SearchPayload struct {
	Type string `json:"type"`
	Term string `json:"term"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// ViewFrame carries the full materialized room view. It is pushed on every
// change; clients replace their local state wholesale.
type ViewFrame struct {
	Type     string            `json:"type"` // TypeView
	Room     string            `json:"room"`
	Messages []message.Message `json:"messages"`
	Online   []presence.Entry  `json:"online"`
	Status   string            `json:"status"`
}

// SearchResultsFrame carries the matches for one search request.
type SearchResultsFrame struct {
	Type    string            `json:"type"` // TypeSearchResults
	Term    string            `json:"term"`
	Results []message.Message `json:"results"`
}

// ErrorFrame reports a failed operation without dropping the connection.
type ErrorFrame struct {
	Type    string `json:"type"` // TypeError
	Op      string `json:"op"`   // the client frame type that failed
	Message string `json:"message"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type string `json:"type"` // TypePong
}
