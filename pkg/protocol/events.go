package protocol

import (
	"encoding/json"
	"strings"
)

// Relay envelope kinds.
const (
	EnvelopeWhisper  = "whisper"
	EnvelopeRoster   = "roster"
	EnvelopeHello    = "hello"
	EnvelopePresence = "presence"
	EnvelopeError    = "error"
)

// Envelope wraps a peer payload for relay transports.
type Envelope struct {
	Version int             `json:"v"`
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Roster  []Member        `json:"roster,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape describes a relay-level error.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWhisper builds a whisper envelope.
func NewWhisper(id, from, to string, payload []byte) *Envelope {
	return &Envelope{
		Version: ProtocolVersion,
		ID:      id,
		Kind:    EnvelopeWhisper,
		From:    from,
		To:      to,
		Payload: json.RawMessage(payload),
	}
}

// NewRoster builds a roster envelope.
func NewRoster(members []Member) *Envelope {
	return &Envelope{Version: ProtocolVersion, Kind: EnvelopeRoster, Roster: members}
}

// NewRelayError builds an error envelope.
func NewRelayError(code, message string) *Envelope {
	return &Envelope{
		Version: ProtocolVersion,
		Kind:    EnvelopeError,
		Error:   &ErrorShape{Code: code, Message: message},
	}
}

// ContainsEndToken reports whether a message carries the end-of-conversation token.
func ContainsEndToken(message string) bool {
	return strings.Contains(message, EndConversationToken)
}

// EndConversationCommand renders the end token addressed at peer.
func EndConversationCommand(peer string) string {
	return EndConversationToken + `("` + peer + `")`
}
