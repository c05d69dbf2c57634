// Package protocol defines the wire format exchanged between reflexcore agents.
// Payloads are transport-agnostic JSON; relay envelopes wrap them for the
// websocket and redis transports.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version carried in relay envelopes.
const ProtocolVersion = 1

// Peer payload types.
const (
	TypeChatMessage      = "BOT_CHAT_MESSAGE"
	TypeInitiate         = "INITIATE_CONNECTION"
	TypeAcknowledge      = "ACKNOWLEDGE_CONNECTION"
	EndConversationToken = "!endConversation"
)

// ChatMessage is one conversational fragment sent to a peer.
type ChatMessage struct {
	Type    string `json:"type"` // always "BOT_CHAT_MESSAGE"
	Message string `json:"message"`
	Start   bool   `json:"start"`
	End     bool   `json:"end"`
}

// ConnectionPayload is the handshake payload (initiate or acknowledge).
type ConnectionPayload struct {
	Type       string `json:"type"`
	SenderName string `json:"senderName"`
}

// Member is one entry of a roster snapshot.
type Member struct {
	Name   string `json:"name"`
	InGame bool   `json:"in_game"`
}

// NewChatMessage builds a chat payload. A message containing the end token
// always implies end.
func NewChatMessage(message string, start bool) ChatMessage {
	return ChatMessage{
		Type:    TypeChatMessage,
		Message: message,
		Start:   start,
		End:     ContainsEndToken(message),
	}
}

// NewInitiate creates an INITIATE_CONNECTION payload from sender.
func NewInitiate(sender string) ConnectionPayload {
	return ConnectionPayload{Type: TypeInitiate, SenderName: sender}
}

// NewAcknowledge creates an ACKNOWLEDGE_CONNECTION payload from sender.
func NewAcknowledge(sender string) ConnectionPayload {
	return ConnectionPayload{Type: TypeAcknowledge, SenderName: sender}
}

// ParsePayloadType extracts the payload type from raw JSON bytes.
func ParsePayloadType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	if raw.Type == "" {
		return "", fmt.Errorf("payload has no type")
	}
	return raw.Type, nil
}

// Marshal encodes a payload, panicking only on programmer error types.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
