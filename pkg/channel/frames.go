package channel

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// Push channel event names.
const (
	EventJoin            = "chats join"
	EventMessageToServer = "message to server"
	EventMessageToClient = "message to client"
)

// Frame is one push channel envelope: {"event": "...", "data": ...}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, errors.Wrapf(err, "encode %q payload", event)
	}
	return Frame{Event: event, Data: b}, nil
}

// DecodeMessage extracts a server-stored message from a "message to client" frame.
func DecodeMessage(f Frame) (chat.Message, error) {
	if f.Event != EventMessageToClient {
		return chat.Message{}, errors.Errorf("unexpected event %q", f.Event)
	}
	var m chat.Message
	if err := json.Unmarshal(f.Data, &m); err != nil {
		return chat.Message{}, errors.Wrap(err, "decode message")
	}
	if err := chat.ValidateStoredMessage(m); err != nil {
		return chat.Message{}, err
	}
	m.State = chat.Confirmed
	return m, nil
}
