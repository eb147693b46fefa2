package models

import (
	"encoding/json"
	"fmt"
)

// FrameType tags the chat wire protocol's message kinds. The protocol is a
// closed set: join, leave, chat_message. Anything else is dropped by the
// relay without closing the connection.
type FrameType string

const (
	FrameJoin        FrameType = "join"
	FrameLeave       FrameType = "leave"
	FrameChatMessage FrameType = "chat_message"
)

// Frame is a single JSON text frame on the chat socket.
//
//	{ "type": "join",         "roomId": "team_7" }
//	{ "type": "leave",        "roomId": "team_7" }
//	{ "type": "chat_message", "roomId": "team_7", "payload": {...} }
//
// Payload is opaque to the relay: it is rebroadcast verbatim, never parsed
// beyond the type tag.
type Frame struct {
	Type    FrameType       `json:"type"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseFrame decodes and validates an inbound chat frame. It returns an error
// for non-JSON input, an unknown type tag, a missing roomId, or a
// chat_message without a payload — all of which the relay treats as a silent
// drop.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Type {
	case FrameJoin, FrameLeave:
		if f.RoomID == "" {
			return nil, fmt.Errorf("%s frame missing roomId", f.Type)
		}
	case FrameChatMessage:
		if f.RoomID == "" {
			return nil, fmt.Errorf("chat_message frame missing roomId")
		}
		if len(f.Payload) == 0 {
			return nil, fmt.Errorf("chat_message frame missing payload")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}

	return &f, nil
}

// Encode renders the frame back to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
