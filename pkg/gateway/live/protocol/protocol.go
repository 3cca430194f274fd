// Package protocol defines the wire messages exchanged with the telephony
// platform over the per-call custom-LLM websocket, plus the call-ended
// webhook body. Shapes follow the platform's custom-LLM integration format.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	InteractionResponseRequired = "response_required"
	InteractionUpdateOnly       = "update_only"

	ResponseTypePingPong = "ping_pong"

	RoleUser  = "user"
	RoleAgent = "agent"
)

// Utterance is one transcript entry as the platform sends it. The platform
// resends the full transcript on every message; role is "user" or "agent".
type Utterance struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InboundMessage is any frame received on the turn channel.
type InboundMessage struct {
	InteractionType string      `json:"interaction_type,omitempty"`
	ResponseType    string      `json:"response_type,omitempty"`
	ResponseID      int         `json:"response_id,omitempty"`
	Transcript      []Utterance `json:"transcript,omitempty"`
}

// Kind classifies an inbound frame for the turn handler.
type Kind int

const (
	KindUnknown Kind = iota
	KindTurnRequired
	KindUpdateOnly
	KindLivenessAck
)

func (m InboundMessage) Kind() Kind {
	if m.ResponseType == ResponseTypePingPong {
		return KindLivenessAck
	}
	switch m.InteractionType {
	case InteractionResponseRequired:
		return KindTurnRequired
	case InteractionUpdateOnly:
		return KindUpdateOnly
	default:
		return KindUnknown
	}
}

// DecodeInbound parses a received text frame. Unknown fields are tolerated;
// unknown interaction types are classified KindUnknown and ignored upstream.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return InboundMessage{}, fmt.Errorf("decode inbound frame: %w", err)
	}
	return msg, nil
}

// TurnResponse is the reply sent for a response_required frame. The greeting
// is sent with ResponseID 0 before any inbound frame arrives.
type TurnResponse struct {
	ResponseID      int    `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
	EndCall         bool   `json:"end_call"`
}

// KeepaliveMessage is the unsolicited application-level liveness frame. The
// platform requires this in addition to transport pings.
type KeepaliveMessage struct {
	ResponseType string `json:"response_type"`
	Timestamp    int64  `json:"timestamp"`
}

func NewKeepalive(unixMilli int64) KeepaliveMessage {
	return KeepaliveMessage{ResponseType: ResponseTypePingPong, Timestamp: unixMilli}
}

// CallEndedNotification is the webhook body delivered when the platform
// considers a call finished. Its transcript is authoritative only when the
// session recorded none of its own.
type CallEndedNotification struct {
	CallID     string      `json:"call_id"`
	Transcript []Utterance `json:"transcript,omitempty"`
}

// LastUserUtterance returns the most recent non-empty user entry, scanning
// from the tail.
func LastUserUtterance(transcript []Utterance) (string, bool) {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role != RoleUser {
			continue
		}
		content := strings.TrimSpace(transcript[i].Content)
		if content != "" {
			return content, true
		}
	}
	return "", false
}
