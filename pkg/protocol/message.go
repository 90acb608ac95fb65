// Package protocol defines the JSON message types carried on the media
// session's side-channel between the widget and the remote agent.
//
// The channel is shared with other traffic, so anything that does not
// decode into a recognized envelope is ignored rather than treated as
// an error.
package protocol

import (
	"encoding/json"
	"strings"
)

// MessageType identifies the type of side-channel message.
type MessageType string

const (
	// TypeTranscript is sent by the agent service: one finalized
	// transcript line, tagged with the speaker role.
	TypeTranscript MessageType = "transcript"

	// TypeChatInput is sent by the widget: a user-typed text message
	// injected into the conversation.
	TypeChatInput MessageType = "chat_input"
)

// Role identifies the speaker of a transcript line.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Valid reports whether the role is one the widget recognizes.
// Transcript lines with any other role are dropped.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Envelope is the wire form of a side-channel message.
// Role is only meaningful for TypeTranscript.
type Envelope struct {
	Type MessageType `json:"type"`
	Role Role        `json:"role,omitempty"`
	Text string      `json:"text,omitempty"`
}

// Decode parses an inbound side-channel payload.
//
// ok is false when the payload is not JSON, is not an object with a
// recognized type tag, or is a transcript with an unrecognized role.
// Callers drop such payloads silently: foreign traffic on the channel
// is expected, not an error condition.
func Decode(payload []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, false
	}

	switch env.Type {
	case TypeTranscript:
		if !env.Role.Valid() {
			return Envelope{}, false
		}
		return env, true
	case TypeChatInput:
		return env, true
	default:
		return Envelope{}, false
	}
}

// EncodeChatInput builds the outbound payload for a user text message.
// The text is sent as typed; callers are responsible for trimming.
func EncodeChatInput(text string) ([]byte, error) {
	return json.Marshal(Envelope{
		Type: TypeChatInput,
		Text: text,
	})
}

// EncodeTranscript builds a transcript payload. The widget itself never
// sends these; it exists for bridge servers and tests that act as the
// agent side of the channel.
func EncodeTranscript(role Role, text string) ([]byte, error) {
	return json.Marshal(Envelope{
		Type: TypeTranscript,
		Role: role,
		Text: text,
	})
}

// ParseRole normalizes a raw role string from an external payload.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}
