package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known actions. Clients may use any action string; only these have
// server-side behavior attached.
const (
	// ActionEdit carries a document edit; the server runs conflict
	// detection on it when a resource is named.
	ActionEdit = "edit"

	// ActionConflict is sent by the server to an editor whose edit was
	// based on a stale version.
	ActionConflict = "conflict"

	// ActionError is sent by the server to a client whose message could
	// not be parsed.
	ActionError = "error"
)

// Message is the JSON envelope relayed between clients. Sender and
// Timestamp are stamped by the server; Resource, BaseVersion and Version
// only matter for edit traffic.
type Message struct {
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"` // unix milliseconds
	Sender      string          `json:"sender,omitempty"`
	Resource    string          `json:"resource,omitempty"`
	BaseVersion int64           `json:"base_version,omitempty"`
	Version     int64           `json:"version,omitempty"`
}

// decodeMessage parses a client frame and enforces the minimal envelope
// shape: valid JSON with a non-empty action.
func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedMessage)
	}
	return &msg, nil
}

// encode marshals the message, stamping the timestamp if the client left
// it empty.
func (m *Message) encode() ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(m)
}

// errorMessage builds the reject notice sent back to a client whose frame
// could not be decoded.
func errorMessage(reason string) []byte {
	data, _ := (&Message{
		Action:  ActionError,
		Payload: mustRaw(map[string]string{"reason": reason}),
	}).encode()
	return data
}

// conflictMessage builds the notice sent to an editor whose base version
// is stale. The current version is attached so the client can rebase.
func conflictMessage(resource string, current int64) []byte {
	data, _ := (&Message{
		Action:   ActionConflict,
		Resource: resource,
		Version:  current,
	}).encode()
	return data
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
