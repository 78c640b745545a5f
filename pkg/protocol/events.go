package protocol

import "encoding/json"

// Event names pushed to the UI over the /api/simulator/events stream.
const (
	EventMessage         = "message"
	EventMessageUpdate   = "message_update"
	EventMessageDelete   = "message_delete"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventFileShared      = "file_shared"
	EventViewOpen        = "view_open"
	EventViewUpdate      = "view_update"
	EventViewClose       = "view_close"
	EventBotConnecting   = "bot_connecting"
	EventBotConnected    = "bot_connected"
	EventBotDisconnected = "bot_disconnected"

	// EventConnected is the control frame opening every SSE stream.
	EventConnected = "connected"
)

// Event is one state-change notification. On the wire it is a single flat
// JSON object: the payload fields plus a "type" discriminator.
type Event struct {
	Type    string
	Payload map[string]any
}

// NewEvent copies payload so later mutation by the caller cannot race the
// subscribers.
func NewEvent(typ string, payload map[string]any) Event {
	p := make(map[string]any, len(payload))
	for k, v := range payload {
		p[k] = v
	}
	return Event{Type: typ, Payload: p}
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		m[k] = v
	}
	m["type"] = e.Type
	return json.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if t, ok := m["type"].(string); ok {
		e.Type = t
	}
	delete(m, "type")
	e.Payload = m
	return nil
}
