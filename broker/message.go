package broker

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Message is the envelope exchanged with the cluster broker. Action
// discriminates what the message means; EXECUTE messages additionally
// carry the name of a service and an opaque payload which is forwarded
// as that service's input.
type Message struct {
	CID     string          `json:"cid,omitempty"`
	Action  string          `json:"action"`
	Service string          `json:"service,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage returns a message carrying the given action and a fresh
// correlation ID.
func NewMessage(action string) Message {
	return Message{CID: uuid.NewString(), Action: action}
}

// Marshal serializes the message for the wire.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes a wire-format broker message. A message without
// an action is malformed.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Action == "" {
		return Message{}, errors.New("broker message has no action")
	}
	return m, nil
}

// Handler is invoked by a subscriber loop for every received message.
type Handler func(Message) error

// Hooks are invoked around every handler call: Before just ahead of the
// handler, After with the handler's error, if any. Both are optional.
// They let an owner add cross-cutting behaviour without touching the
// dispatch logic itself.
type Hooks struct {
	Before func(Message)
	After  func(Message, error)
}
