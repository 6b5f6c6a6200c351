package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeExtractsType(t *testing.T) {
	raw := []byte(`{"type":"send","content":"hello"}`)

	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if e.Type != TypeSend {
		t.Errorf("expected type %q, got %q", TypeSend, e.Type)
	}

	var p SendPayload
	if err := e.Decode(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Content != "hello" {
		t.Errorf("expected content hello, got %q", p.Content)
	}
}

func TestEnvelopeRejectsMissingType(t *testing.T) {
	for _, raw := range []string{`{}`, `{"type":""}`, `{"content":"x"}`} {
		var e Envelope
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestEnvelopeRejectsMalformedJSON(t *testing.T) {
	var e Envelope
	if err := json.Unmarshal([]byte(`{"type":`), &e); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestViewFrameRoundTrip(t *testing.T) {
	frame := ViewFrame{Type: TypeView, Room: "general", Status: "connected"}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ViewFrame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Room != "general" || decoded.Status != "connected" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}
