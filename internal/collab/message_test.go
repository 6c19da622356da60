package collab

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeMessage(t *testing.T) {
	msg, err := decodeMessage([]byte(`{"action":"chat","payload":{"text":"hi"},"timestamp":123}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Action != "chat" {
		t.Errorf("action = %q, want chat", msg.Action)
	}
	if msg.Timestamp != 123 {
		t.Errorf("timestamp = %d, want 123", msg.Timestamp)
	}
}

func TestDecodeMessageRejectsBadJSON(t *testing.T) {
	_, err := decodeMessage([]byte(`{not json`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("err = %v, want ErrMalformedMessage", err)
	}
}

func TestDecodeMessageRejectsMissingAction(t *testing.T) {
	_, err := decodeMessage([]byte(`{"payload":{}}`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("err = %v, want ErrMalformedMessage", err)
	}
}

func TestEncodeStampsTimestamp(t *testing.T) {
	data, err := (&Message{Action: "chat"}).encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Timestamp == 0 {
		t.Error("timestamp was not stamped")
	}
}

func TestEncodePreservesClientTimestamp(t *testing.T) {
	data, err := (&Message{Action: "chat", Timestamp: 42}).encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Timestamp != 42 {
		t.Errorf("timestamp = %d, want 42", out.Timestamp)
	}
}

func TestConflictMessageShape(t *testing.T) {
	var msg Message
	if err := json.Unmarshal(conflictMessage("doc.md", 7), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Action != ActionConflict {
		t.Errorf("action = %q, want %q", msg.Action, ActionConflict)
	}
	if msg.Resource != "doc.md" || msg.Version != 7 {
		t.Errorf("resource/version = %q/%d, want doc.md/7", msg.Resource, msg.Version)
	}
}
