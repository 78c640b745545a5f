// Package protocol defines the wire types spoken between the emulator, the
// bots on the socket-mode transport, and the simulator UI on the event stream.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is reported by /health so the desktop shell can detect
// incompatible emulator builds.
const ProtocolVersion = 2

// Envelope kinds sent from the emulator to a bot over the socket-mode
// transport. These mirror the upstream platform's socket-mode frame types.
const (
	EnvelopeEventsAPI     = "events_api"
	EnvelopeInteractive   = "interactive"
	EnvelopeSlashCommands = "slash_commands"
)

// Envelope is one logical platform message pushed to a bot. Every envelope
// carries a unique id the bot echoes back in its ack.
type Envelope struct {
	EnvelopeID             string `json:"envelope_id"`
	Type                   string `json:"type"`
	Payload                any    `json:"payload"`
	AcceptsResponsePayload bool   `json:"accepts_response_payload"`
}

// Ack is the bot-to-emulator acknowledgment of an envelope. The payload is
// opaque at this layer; for view submissions it carries an AckResponse.
type Ack struct {
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// AckResponse is the decoded payload of a view_submission ack. The
// response_action decides the fate of the open modal: "update" swaps the view,
// "errors" keeps it open, "clear" or absent closes it.
type AckResponse struct {
	ResponseAction string         `json:"response_action,omitempty"`
	View           map[string]any `json:"view,omitempty"`
	Errors         map[string]any `json:"errors,omitempty"`
}

// Hello is the first frame on every new transport connection.
type Hello struct {
	Type           string         `json:"type"`
	ConnectionInfo ConnectionInfo `json:"connection_info"`
	NumConnections int            `json:"num_connections"`
	DebugInfo      DebugInfo      `json:"debug_info"`
}

type ConnectionInfo struct {
	AppID string `json:"app_id"`
}

type DebugInfo struct {
	Host                      string `json:"host"`
	Started                   string `json:"started"`
	BuildNumber               int    `json:"build_number"`
	ApproximateConnectionTime int    `json:"approximate_connection_time"`
}

// NewHello builds the hello frame for a freshly accepted connection.
func NewHello(host string, numConnections int) Hello {
	return Hello{
		Type:           "hello",
		ConnectionInfo: ConnectionInfo{AppID: "A_SIMULATOR"},
		NumConnections: numConnections,
		DebugInfo: DebugInfo{
			Host:                      host,
			Started:                   time.Now().UTC().Format(time.RFC3339),
			BuildNumber:               ProtocolVersion,
			ApproximateConnectionTime: 310,
		},
	}
}
