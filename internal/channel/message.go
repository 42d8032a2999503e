package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

const (
	kindField = "tipo"
	idField   = "id"
)

// ErrNotObject is returned when a frame does not decode to a JSON object.
var ErrNotObject = errors.New("frame is not a JSON object")

// Message is a structured payload exchanged over the channel.
//
// On the wire a message is a flat JSON object: the body keys plus "tipo"
// holding the kind and "id" holding a unique identifier that receivers can
// use to discard redelivered messages.
type Message struct {
	ID   string
	Kind string
	Body map[string]any
}

// NewMessage creates a message with a fresh UUIDv7 identifier.
func NewMessage(kind string, body map[string]any) Message {
	return Message{
		ID:   newMessageID(),
		Kind: kind,
		Body: body,
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// MarshalJSON flattens the body and adds the kind and id fields.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Body)+2)
	maps.Copy(out, m.Body)
	out[kindField] = m.Kind
	if m.ID != "" {
		out[idField] = m.ID
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat object into kind, id and body.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrNotObject, err)
	}
	if raw == nil {
		return ErrNotObject
	}

	var msg Message
	if kind, ok := raw[kindField].(string); ok {
		msg.Kind = kind
	}
	if id, ok := raw[idField].(string); ok {
		msg.ID = id
	}
	delete(raw, kindField)
	delete(raw, idField)
	msg.Body = raw

	*m = msg
	return nil
}

// DecodeMessage parses a single inbound frame.
func DecodeMessage(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
